package amm

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type memoryPool struct {
	reserveX     *big.Int
	reserveY     *big.Int
	sqrtPriceX64 *uint256.Int
}

// MemoryExchange is an in-process Exchange used by tests and the daemon's
// dry-run mode. It keeps a pair registry keyed by (canonical pair, fee tier)
// and settles swaps against a constant-product curve with no trading fee.
type MemoryExchange struct {
	mu    sync.Mutex
	pools map[string]*memoryPool
	nowFn func() int64
}

func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{pools: make(map[string]*memoryPool)}
}

// SetNowFunc overrides the clock used for deadline enforcement in tests.
func (m *MemoryExchange) SetNowFunc(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = now
}

func (m *MemoryExchange) now() int64 {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return 0
}

func poolKey(pair Pair, feeTier uint32) string {
	return fmt.Sprintf("%s/%s/%d", pair.X, pair.Y, feeTier)
}

func (m *MemoryExchange) CreatePool(pair Pair, feeTier uint32, sqrtPriceX64 *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := poolKey(pair, feeTier)
	if _, ok := m.pools[key]; ok {
		return ErrPoolExists
	}
	price := uint256.NewInt(0)
	if sqrtPriceX64 != nil {
		price = new(uint256.Int).Set(sqrtPriceX64)
	}
	m.pools[key] = &memoryPool{
		reserveX:     big.NewInt(0),
		reserveY:     big.NewInt(0),
		sqrtPriceX64: price,
	}
	return nil
}

func (m *MemoryExchange) AddLiquidity(pair Pair, feeTier uint32, amountX, amountY *big.Int, tickLower, tickUpper int32, deadline int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tickLower >= tickUpper {
		return "", ErrInvalidTickRange
	}
	if deadline != 0 && m.now() > deadline {
		return "", ErrDeadlineExceeded
	}
	pool, ok := m.pools[poolKey(pair, feeTier)]
	if !ok {
		return "", ErrPoolNotFound
	}
	if amountX != nil {
		pool.reserveX.Add(pool.reserveX, amountX)
	}
	if amountY != nil {
		pool.reserveY.Add(pool.reserveY, amountY)
	}
	return uuid.NewString(), nil
}

func (m *MemoryExchange) SwapExactInput(pair Pair, feeTier uint32, inputAsset string, amountIn, minAmountOut *big.Int, deadline int64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deadline != 0 && m.now() > deadline {
		return nil, ErrDeadlineExceeded
	}
	pool, ok := m.pools[poolKey(pair, feeTier)]
	if !ok {
		return nil, ErrPoolNotFound
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("amm: swap amount must be positive")
	}
	reserveIn, reserveOut := pool.reserveX, pool.reserveY
	if normalize(inputAsset) == pair.Y {
		reserveIn, reserveOut = pool.reserveY, pool.reserveX
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, fmt.Errorf("amm: pool has no liquidity")
	}
	// out = reserveOut * in / (reserveIn + in), rounded down.
	numerator := new(big.Int).Mul(reserveOut, amountIn)
	denominator := new(big.Int).Add(reserveIn, amountIn)
	amountOut := numerator.Quo(numerator, denominator)
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, ErrSlippageExceeded
	}
	reserveIn.Add(reserveIn, amountIn)
	reserveOut.Sub(reserveOut, amountOut)
	return amountOut, nil
}

func (m *MemoryExchange) Reserves(pair Pair, feeTier uint32) (*big.Int, *big.Int, *uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[poolKey(pair, feeTier)]
	if !ok {
		return nil, nil, nil, ErrPoolNotFound
	}
	return new(big.Int).Set(pool.reserveX), new(big.Int).Set(pool.reserveY), new(uint256.Int).Set(pool.sqrtPriceX64), nil
}
