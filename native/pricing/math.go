package pricing

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrArithmeticOverflow reports a wide-integer product that left the
	// representable 128-bit range.
	ErrArithmeticOverflow = errors.New("pricing: arithmetic overflow")
	// ErrInvalidSupply reports a zero supply where a divisor is required.
	ErrInvalidSupply = errors.New("pricing: supply must be positive")
)

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Isqrt returns the floor of the square root of n using Newton/Heron
// iteration. The result is exact: Isqrt(n)^2 <= n < (Isqrt(n)+1)^2 for all
// non-negative n, including perfect squares. Negative input yields zero.
func Isqrt(n *big.Int) *big.Int {
	if n == nil || n.Sign() <= 0 {
		return big.NewInt(0)
	}
	if n.Cmp(big.NewInt(3)) <= 0 {
		return big.NewInt(1)
	}
	// Seed with 2^ceil(bits/2), always >= sqrt(n), so the sequence
	// decreases monotonically to the floor root.
	guess := new(big.Int).Lsh(big.NewInt(1), uint(n.BitLen()+1)/2)
	next := new(big.Int)
	for {
		next.Quo(n, guess)
		next.Add(next, guess)
		next.Rsh(next, 1)
		if next.Cmp(guess) >= 0 {
			return guess
		}
		guess, next = next, guess
	}
}

// MarketCap derives the implied market capitalisation of the old asset from
// pool reserves: floor(reserveBase * totalOldSupply / reserveOld). A zero
// old-asset reserve yields zero. The intermediate product is taken in
// arbitrary precision and validated back against the 128-bit range by a
// reverse division check rather than a native overflow flag.
func MarketCap(reserveOld, reserveBase, totalOldSupply *big.Int) (*big.Int, error) {
	if reserveOld == nil || reserveOld.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if reserveBase == nil {
		reserveBase = big.NewInt(0)
	}
	if totalOldSupply == nil {
		totalOldSupply = big.NewInt(0)
	}
	product := new(big.Int).Mul(reserveBase, totalOldSupply)
	if reserveBase.Sign() != 0 {
		check := new(big.Int).Quo(product, reserveBase)
		if check.Cmp(totalOldSupply) != 0 || product.Cmp(maxUint128) > 0 {
			return nil, ErrArithmeticOverflow
		}
	}
	cap := new(big.Int).Quo(product, reserveOld)
	return cap, nil
}

// InitialSqrtPriceX64 computes the Q64.64 square-root price used to seed the
// new trading pool: floor(isqrt(marketCap) * 2^64 / isqrt(newSupply)). The
// two roots are taken before applying the fixed-point scale so the
// intermediate value stays narrow; this costs a few bits of precision against
// isqrt(marketCap/newSupply) taken directly, which is accepted.
func InitialSqrtPriceX64(marketCap, newSupply *big.Int) (*uint256.Int, error) {
	if newSupply == nil || newSupply.Sign() == 0 {
		return nil, ErrInvalidSupply
	}
	if marketCap == nil {
		marketCap = big.NewInt(0)
	}
	num := new(big.Int).Lsh(Isqrt(marketCap), 64)
	num.Quo(num, Isqrt(newSupply))
	price, overflow := uint256.FromBig(num)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return price, nil
}
