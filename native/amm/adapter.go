package amm

import (
	"errors"
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// DefaultDeadlineBuffer is added to the current time for every time-bounded
// exchange call issued through the adapter.
const DefaultDeadlineBuffer = 60 * time.Second

var errNilExchange = errors.New("amm adapter: exchange not configured")

// Adapter fronts the external exchange and keeps callers oblivious to the
// exchange's canonical pair ordering: requests and results are translated
// into the caller's orientation regardless of how the pool is stored.
type Adapter struct {
	exchange Exchange
	buffer   time.Duration
	nowFn    func() time.Time
}

// NewAdapter wraps the supplied exchange with the default deadline buffer.
func NewAdapter(exchange Exchange) *Adapter {
	return &Adapter{exchange: exchange, buffer: DefaultDeadlineBuffer, nowFn: time.Now}
}

// SetDeadlineBuffer overrides the buffer added to swap and liquidity
// deadlines. Non-positive values reset the default.
func (a *Adapter) SetDeadlineBuffer(buffer time.Duration) {
	if buffer <= 0 {
		a.buffer = DefaultDeadlineBuffer
		return
	}
	a.buffer = buffer
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (a *Adapter) SetNowFunc(now func() time.Time) {
	if now == nil {
		a.nowFn = time.Now
		return
	}
	a.nowFn = now
}

func (a *Adapter) deadline() int64 {
	return a.nowFn().Add(a.buffer).Unix()
}

func (a *Adapter) ready() error {
	if a == nil || a.exchange == nil {
		return errNilExchange
	}
	return nil
}

// Reserves reads pool reserves and price in the caller's orientation. When
// the pool is stored reversed the reserves are swapped back and the Q64.64
// square-root price is inverted before being returned.
func (a *Adapter) Reserves(pair Pair, feeTier uint32) (*big.Int, *big.Int, *uint256.Int, error) {
	if err := a.ready(); err != nil {
		return nil, nil, nil, err
	}
	canonical, reversed, err := pair.Canonical()
	if err != nil {
		return nil, nil, nil, err
	}
	reserveX, reserveY, price, err := a.exchange.Reserves(canonical, feeTier)
	if err != nil {
		return nil, nil, nil, err
	}
	if reversed {
		return reserveY, reserveX, invertSqrtPriceX64(price), nil
	}
	return reserveX, reserveY, price, nil
}

// CreatePool registers a pool at the supplied initial Q64.64 square-root
// price, quoted as pair.Y per pair.X in the caller's orientation.
func (a *Adapter) CreatePool(pair Pair, feeTier uint32, sqrtPriceX64 *uint256.Int) error {
	if err := a.ready(); err != nil {
		return err
	}
	canonical, reversed, err := pair.Canonical()
	if err != nil {
		return err
	}
	price := sqrtPriceX64
	if reversed {
		price = invertSqrtPriceX64(price)
	}
	return a.exchange.CreatePool(canonical, feeTier, price)
}

// AddLiquidity provisions amounts quoted in the caller's orientation over the
// given tick range and returns the exchange-issued position handle.
func (a *Adapter) AddLiquidity(pair Pair, feeTier uint32, amountX, amountY *big.Int, tickLower, tickUpper int32) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	if tickLower >= tickUpper {
		return "", ErrInvalidTickRange
	}
	canonical, reversed, err := pair.Canonical()
	if err != nil {
		return "", err
	}
	if reversed {
		amountX, amountY = amountY, amountX
	}
	return a.exchange.AddLiquidity(canonical, feeTier, amountX, amountY, tickLower, tickUpper, a.deadline())
}

// SwapExactInput swaps amountIn of pair.X for pair.Y, failing if the output
// would land below minAmountOut.
func (a *Adapter) SwapExactInput(pair Pair, feeTier uint32, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	canonical, _, err := pair.Canonical()
	if err != nil {
		return nil, err
	}
	return a.exchange.SwapExactInput(canonical, feeTier, pair.X, amountIn, minAmountOut, a.deadline())
}

// invertSqrtPriceX64 converts a Q64.64 square-root price of Y per X into the
// X per Y orientation: 2^128 / price.
func invertSqrtPriceX64(price *uint256.Int) *uint256.Int {
	if price == nil || price.IsZero() {
		return uint256.NewInt(0)
	}
	numerator := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	return new(uint256.Int).Div(numerator, price)
}
