package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeggedAssetPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	oracle := env.vault.Oracle()

	t.Run("FreshReadingAccepted", func(t *testing.T) {
		env.feed.Set(decimal.RequireFromString("0.998"), env.clock.Now())
		price, err := oracle.PeggedAssetPrice()
		require.NoError(t, err)
		assert.True(t, price.Equal(decimal.RequireFromString("0.998")))
	})

	t.Run("StaleReadingRejected", func(t *testing.T) {
		env.feed.Set(decimal.NewFromInt(1), env.clock.Now())
		env.clock.Advance(2 * time.Hour)
		_, err := oracle.PeggedAssetPrice()
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("DepegRejected", func(t *testing.T) {
		env.feed.Set(decimal.RequireFromString("0.90"), env.clock.Now())
		_, err := oracle.PeggedAssetPrice()
		assert.ErrorIs(t, err, ErrInvalidPrice)

		env.feed.Set(decimal.RequireFromString("1.06"), env.clock.Now())
		_, err = oracle.PeggedAssetPrice()
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("NonPositiveRejected", func(t *testing.T) {
		env.feed.Set(decimal.Zero, env.clock.Now())
		_, err := oracle.PeggedAssetPrice()
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("FeedErrorRejected", func(t *testing.T) {
		env.feed.Fail(errors.New("feed offline"))
		_, err := oracle.PeggedAssetPrice()
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})
}

func TestTWAPPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	oracle := env.vault.Oracle()

	t.Run("TickZeroIsParity", func(t *testing.T) {
		env.pool.Set(0, decimal.NewFromInt(1))
		rate, err := oracle.TWAPPrice()
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	})

	t.Run("PositiveTickRaisesRate", func(t *testing.T) {
		// 1.0001^6931 is within a hair of 2.
		env.pool.Set(6_931, decimal.NewFromInt(2))
		rate, err := oracle.TWAPPrice()
		require.NoError(t, err)
		f, _ := rate.Float64()
		assert.InDelta(t, 2.0, f, 0.01)
	})

	t.Run("NegativeTickLowersRate", func(t *testing.T) {
		env.pool.Set(-6_931, decimal.RequireFromString("0.5"))
		rate, err := oracle.TWAPPrice()
		require.NoError(t, err)
		f, _ := rate.Float64()
		assert.InDelta(t, 0.5, f, 0.01)
	})
}

func TestPrimaryPerSecondaryRate(t *testing.T) {
	t.Run("PrefersFeed", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.feed.Set(decimal.RequireFromString("1.02"), env.clock.Now())
		env.pool.Set(0, decimal.NewFromInt(1))
		rate, err := env.vault.Oracle().PrimaryPerSecondaryRate()
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.RequireFromString("1.02")))
	})

	t.Run("FallsBackToTWAP", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.feed.Fail(errors.New("feed offline"))
		env.pool.Set(0, decimal.NewFromInt(1))
		rate, err := env.vault.Oracle().PrimaryPerSecondaryRate()
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	})

	t.Run("DivergenceGateRejects", func(t *testing.T) {
		env := newTestEnv(t, func(p *Params) {
			p.MaxOracleDeltaBps = 100
		})
		env.feed.Set(decimal.NewFromInt(1), env.clock.Now())
		env.pool.Set(0, decimal.RequireFromString("1.04"))
		_, err := env.vault.Oracle().PrimaryPerSecondaryRate()
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("GateDisabledByDefault", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.feed.Set(decimal.NewFromInt(1), env.clock.Now())
		env.pool.Set(0, decimal.RequireFromString("1.04"))
		_, err := env.vault.Oracle().PrimaryPerSecondaryRate()
		assert.NoError(t, err)
	})
}

func TestOraclePoolDelta(t *testing.T) {
	env := newTestEnv(t, nil)
	env.feed.Set(decimal.NewFromInt(1), env.clock.Now())
	env.pool.Set(0, decimal.RequireFromString("1.03"))

	delta, err := env.vault.Oracle().OraclePoolDelta()
	require.NoError(t, err)
	assert.Equal(t, int64(300), delta)
}

func TestValuePrimary(t *testing.T) {
	env := newTestEnv(t, nil)
	oracle := env.vault.Oracle()

	t.Run("AtRate", func(t *testing.T) {
		env.feed.Set(decimal.RequireFromString("1.02"), env.clock.Now())
		value, err := oracle.ValuePrimary(big.NewInt(1_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1_020), value)
	})

	t.Run("ZeroIsZero", func(t *testing.T) {
		value, err := oracle.ValuePrimary(nil)
		require.NoError(t, err)
		assert.Zero(t, value.Sign())
	})

	t.Run("CachedRateSurvivesOutage", func(t *testing.T) {
		env.feed.Fail(errors.New("feed offline"))
		env.pool.Fail(errors.New("pool offline"))
		value := oracle.mustValuePrimary(big.NewInt(1_000))
		assert.Equal(t, big.NewInt(1_020), value)
	})
}
