package amm

import (
	"errors"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrPoolExists       = errors.New("amm: pool already exists for pair and fee tier")
	ErrPoolNotFound     = errors.New("amm: pool not found")
	ErrSlippageExceeded = errors.New("amm: output below minimum")
	ErrInvalidTickRange = errors.New("amm: tick range invalid")
	ErrDeadlineExceeded = errors.New("amm: deadline exceeded")
	ErrIdenticalAssets  = errors.New("amm: pair assets must differ")
)

// Pair names two assets in the caller's requested orientation. The external
// exchange stores every pool under the canonical (lexicographically sorted)
// orientation; the adapter translates between the two.
type Pair struct {
	X string
	Y string
}

// NewPair normalises both symbols without reordering them.
func NewPair(x, y string) Pair {
	return Pair{X: normalize(x), Y: normalize(y)}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Canonical returns the sorted orientation of the pair and whether the
// caller's orientation was reversed relative to it.
func (p Pair) Canonical() (Pair, bool, error) {
	if p.X == p.Y {
		return Pair{}, false, ErrIdenticalAssets
	}
	if p.X > p.Y {
		return Pair{X: p.Y, Y: p.X}, true, nil
	}
	return p, false, nil
}

// Exchange is the external automated-market-maker collaborator. Pools are
// keyed by (canonical pair, fee tier); implementations must reject duplicate
// pool creation. Prices are Q64.64 square-root prices of Y per X. All
// amounts are denominated in the canonical orientation.
type Exchange interface {
	CreatePool(pair Pair, feeTier uint32, sqrtPriceX64 *uint256.Int) error
	AddLiquidity(pair Pair, feeTier uint32, amountX, amountY *big.Int, tickLower, tickUpper int32, deadline int64) (string, error)
	SwapExactInput(pair Pair, feeTier uint32, inputAsset string, amountIn, minAmountOut *big.Int, deadline int64) (*big.Int, error)
	Reserves(pair Pair, feeTier uint32) (reserveX, reserveY *big.Int, sqrtPriceX64 *uint256.Int, err error)
}
