package vault

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// OracleAdapter validates the external price feed for the pegged secondary
// asset and derives a pool TWAP fallback. Feed failures are fatal for the
// calling operation; there is no retry.
type OracleAdapter struct {
	feed   PriceFeed
	pool   AMMPool
	params Params
	logger log.Logger

	// lastGoodRate is kept for valuation reads that must not fail
	// (totalAssets recomputation while the feed is down).
	rateMu       sync.RWMutex
	lastGoodRate decimal.Decimal

	now func() time.Time
}

// NewOracleAdapter wires the feed (optional) and pool (required).
func NewOracleAdapter(feed PriceFeed, pool AMMPool, params Params, logger log.Logger) *OracleAdapter {
	return &OracleAdapter{
		feed:         feed,
		pool:         pool,
		params:       params,
		logger:       logger,
		lastGoodRate: decimal.NewFromInt(1), // peg nominal until first read
		now:          time.Now,
	}
}

// PeggedAssetPrice reads the external feed and validates it: the value
// must be positive, no older than MaxPriceAge, and inside the peg band.
func (o *OracleAdapter) PeggedAssetPrice() (decimal.Decimal, error) {
	if o.feed == nil {
		return decimal.Zero, fmt.Errorf("no price feed configured: %w", ErrInvalidPrice)
	}
	reading, err := o.feed.Latest()
	if err != nil {
		return decimal.Zero, fmt.Errorf("feed read: %w: %v", ErrInvalidPrice, err)
	}
	if reading.Price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive feed value %s: %w", reading.Price, ErrInvalidPrice)
	}
	if age := o.now().Sub(reading.UpdatedAt); age > o.params.MaxPriceAge {
		return decimal.Zero, fmt.Errorf("feed stale by %s: %w", age, ErrInvalidPrice)
	}
	if reading.Price.Cmp(o.params.PegLowerBound) < 0 || reading.Price.Cmp(o.params.PegUpperBound) > 0 {
		return decimal.Zero, fmt.Errorf("feed value %s outside peg band [%s, %s]: %w",
			reading.Price, o.params.PegLowerBound, o.params.PegUpperBound, ErrInvalidPrice)
	}
	return reading.Price, nil
}

// TWAPPrice derives a time-weighted price from the pool's cumulative tick
// observations over the configured window.
func (o *OracleAdapter) TWAPPrice() (decimal.Decimal, error) {
	windowSecs := uint32(o.params.TWAPWindow.Seconds())
	if windowSecs == 0 {
		return decimal.Zero, fmt.Errorf("zero TWAP window: %w", ErrInvalidPrice)
	}
	ticks, err := o.pool.Observe([]uint32{windowSecs, 0})
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool observe: %w: %v", ErrInvalidPrice, err)
	}
	if len(ticks) < 2 {
		return decimal.Zero, fmt.Errorf("pool returned %d observations: %w", len(ticks), ErrInvalidPrice)
	}
	avgTick := (ticks[1] - ticks[0]) / int64(windowSecs)
	rate := decimal.NewFromFloat(math.Pow(1.0001, float64(avgTick)))
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive TWAP %s: %w", rate, ErrInvalidPrice)
	}
	return rate, nil
}

// OraclePoolDelta reports the basis-point divergence between the feed rate
// and the pool spot rate. Monitoring signal; enforcement is a separate,
// configurable policy (MaxOracleDeltaBps).
func (o *OracleAdapter) OraclePoolDelta() (int64, error) {
	feedRate, err := o.PeggedAssetPrice()
	if err != nil {
		return 0, err
	}
	spot, err := o.pool.SpotRate()
	if err != nil {
		return 0, fmt.Errorf("pool spot: %w: %v", ErrInvalidPrice, err)
	}
	if spot.Sign() <= 0 {
		return 0, fmt.Errorf("non-positive spot %s: %w", spot, ErrInvalidPrice)
	}
	diff := feedRate.Sub(spot).Abs()
	delta := diff.Mul(decimal.NewFromInt(BpsDenominator)).Div(feedRate)
	return delta.IntPart(), nil
}

// PrimaryPerSecondaryRate is the conversion rate SwapExecutor and the
// valuation paths use: the validated feed when available, the pool TWAP
// otherwise. When the divergence gate is enabled, a feed/pool delta above
// MaxOracleDeltaBps is rejected outright.
func (o *OracleAdapter) PrimaryPerSecondaryRate() (decimal.Decimal, error) {
	rate, err := o.PeggedAssetPrice()
	if err != nil {
		o.logger.Debug("feed unavailable, falling back to TWAP", "error", err)
		rate, err = o.TWAPPrice()
		if err != nil {
			return decimal.Zero, err
		}
	} else if o.params.MaxOracleDeltaBps > 0 {
		delta, derr := o.OraclePoolDelta()
		if derr == nil && delta > o.params.MaxOracleDeltaBps {
			return decimal.Zero, fmt.Errorf("oracle/pool divergence %d bps over %d: %w",
				delta, o.params.MaxOracleDeltaBps, ErrInvalidPrice)
		}
	}

	o.rateMu.Lock()
	o.lastGoodRate = rate
	o.rateMu.Unlock()
	return rate, nil
}

// ValuePrimary converts a secondary-asset amount into primary-asset terms
// at the current conversion rate.
func (o *OracleAdapter) ValuePrimary(secondary *big.Int) (*big.Int, error) {
	if secondary == nil || secondary.Sign() == 0 {
		return big.NewInt(0), nil
	}
	rate, err := o.PrimaryPerSecondaryRate()
	if err != nil {
		return nil, err
	}
	return mulRate(secondary, rate), nil
}

// mustValuePrimary is the non-failing valuation used inside ledger math:
// it prefers the live rate and falls back to the last validated one (peg
// nominal before any read ever succeeded).
func (o *OracleAdapter) mustValuePrimary(secondary *big.Int) *big.Int {
	if secondary == nil || secondary.Sign() == 0 {
		return big.NewInt(0)
	}
	value, err := o.ValuePrimary(secondary)
	if err == nil {
		return value
	}
	o.rateMu.RLock()
	rate := o.lastGoodRate
	o.rateMu.RUnlock()
	return mulRate(secondary, rate)
}

// mulRate multiplies an integer amount by a decimal rate, truncating.
func mulRate(amount *big.Int, rate decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(amount, 0).Mul(rate).BigInt()
}
