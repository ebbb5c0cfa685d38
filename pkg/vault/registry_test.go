package vault

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddStrategy(t *testing.T) {
	env := newTestEnv(t, nil)
	strat := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)

	t.Run("ManagementOnly", func(t *testing.T) {
		err := env.vault.AddStrategy(testAlice, "strat-a", strat, 5_000)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("Registers", func(t *testing.T) {
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", strat, 5_000))
		entries := env.vault.Strategies()
		require.Len(t, entries, 1)
		assert.Equal(t, "strat-a", entries[0].ID)
		assert.Equal(t, int64(5_000), entries[0].WeightBps)
		assert.True(t, entries[0].Active)
		assert.Zero(t, entries[0].Debt.Sign())
	})

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		err := env.vault.AddStrategy(testOwner, "strat-a", strat, 1_000)
		assert.ErrorIs(t, err, ErrStrategyExists)
	})

	t.Run("WeightSumCapped", func(t *testing.T) {
		other := NewSimStrategy(env.bank, "strat-b", testVaultAcct, testPrimary, testSecondary)
		err := env.vault.AddStrategy(testOwner, "strat-b", other, 6_000)
		assert.ErrorIs(t, err, ErrWeightExceeds100Percent)
	})

	t.Run("CountCapped", func(t *testing.T) {
		for i := 1; i < MaxStrategies; i++ {
			id := fmt.Sprintf("filler-%d", i)
			s := NewSimStrategy(env.bank, id, testVaultAcct, testPrimary, testSecondary)
			require.NoError(t, env.vault.AddStrategy(testOwner, id, s, 0))
		}
		extra := NewSimStrategy(env.bank, "one-too-many", testVaultAcct, testPrimary, testSecondary)
		err := env.vault.AddStrategy(testOwner, "one-too-many", extra, 0)
		assert.ErrorIs(t, err, ErrMaxStrategiesReached)
	})
}

func TestSetStrategyWeight(t *testing.T) {
	env := newTestEnv(t, nil)
	strat := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
	require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", strat, 5_000))

	t.Run("Updates", func(t *testing.T) {
		require.NoError(t, env.vault.SetStrategyWeight(testOwner, "strat-a", 8_000))
		assert.Equal(t, int64(8_000), env.vault.Strategies()[0].WeightBps)
	})

	t.Run("UnknownStrategy", func(t *testing.T) {
		err := env.vault.SetStrategyWeight(testOwner, "ghost", 1_000)
		assert.ErrorIs(t, err, ErrStrategyNotFound)
	})
}

func TestRemoveStrategy(t *testing.T) {
	t.Run("RecallsAndDeactivates", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		strat := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", strat, BpsDenominator))
		require.NoError(t, env.vault.Tend(testOwner))

		require.NoError(t, env.vault.RemoveStrategy(testOwner, "strat-a"))
		entries := env.vault.Strategies()
		require.Len(t, entries, 1)
		assert.False(t, entries[0].Active)
		assert.Zero(t, entries[0].Debt.Sign())
		assert.Equal(t, big.NewInt(1_000), env.bank.Balance(testVaultAcct, testPrimary))
	})

	t.Run("RemovalSucceedsDespiteRecallFailure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		strat := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", strat, BpsDenominator))
		require.NoError(t, env.vault.Tend(testOwner))
		strat.FailWithdraw(errors.New("bridge down"))

		require.NoError(t, env.vault.RemoveStrategy(testOwner, "strat-a"))
		entries := env.vault.Strategies()
		require.Len(t, entries, 1)
		assert.False(t, entries[0].Active)
		// Unhonored debt stays on the inactive entry until the next report.
		assert.Equal(t, big.NewInt(1_000), entries[0].Debt)
		assert.Equal(t, big.NewInt(1_000), env.vault.TotalAssets())
	})

	t.Run("UnknownStrategy", func(t *testing.T) {
		env := newTestEnv(t, nil)
		err := env.vault.RemoveStrategy(testOwner, "ghost")
		assert.ErrorIs(t, err, ErrStrategyNotFound)
	})
}

func TestTend(t *testing.T) {
	t.Run("DeploysByWeight", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		a := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		b := NewSimStrategy(env.bank, "strat-b", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", a, 6_000))
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-b", b, 3_000))

		require.NoError(t, env.vault.Tend(testOwner))
		assert.Equal(t, big.NewInt(600), env.bank.Balance("strat-a", testPrimary))
		assert.Equal(t, big.NewInt(300), env.bank.Balance("strat-b", testPrimary))
		assert.Equal(t, big.NewInt(100), env.bank.Balance(testVaultAcct, testPrimary))
		assert.Equal(t, big.NewInt(1_000), env.vault.TotalAssets())
		assert.Equal(t, 1, a.Rebalanced())
	})

	t.Run("KeeperOnly", func(t *testing.T) {
		env := newTestEnv(t, nil)
		assert.ErrorIs(t, env.vault.Tend(testAlice), ErrUnauthorized)
	})

	t.Run("IntervalThrottles", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		a := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", a, BpsDenominator))

		require.NoError(t, env.vault.Tend(testOwner))
		require.Equal(t, 1, a.Rebalanced())

		// Within the interval the call is a no-op.
		env.deposit(t, testAlice, 1_000)
		require.NoError(t, env.vault.Tend(testOwner))
		assert.Equal(t, 1, a.Rebalanced())

		env.clock.Advance(2 * time.Hour)
		require.NoError(t, env.vault.Tend(testOwner))
		assert.Equal(t, 2, a.Rebalanced())
	})

	t.Run("BelowThresholdLeavesIntervalOpen", func(t *testing.T) {
		env := newTestEnv(t, func(p *Params) {
			p.DeployThresholdWei = big.NewInt(500)
		})
		a := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", a, BpsDenominator))

		// A call while idle sits below the threshold must not start the
		// tend interval.
		env.deposit(t, testAlice, 100)
		require.NoError(t, env.vault.Tend(testOwner))
		assert.Zero(t, env.bank.Balance("strat-a", testPrimary).Sign())

		env.deposit(t, testAlice, 400)
		due, _ := env.vault.TendTrigger()
		require.True(t, due)
		require.NoError(t, env.vault.Tend(testOwner))
		assert.Equal(t, big.NewInt(500), env.bank.Balance("strat-a", testPrimary))
	})

	t.Run("DeployThresholdRespected", func(t *testing.T) {
		env := newTestEnv(t, func(p *Params) {
			p.DeployThresholdWei = big.NewInt(10_000)
		})
		env.deposit(t, testAlice, 1_000)
		a := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", a, BpsDenominator))

		require.NoError(t, env.vault.Tend(testOwner))
		assert.Zero(t, env.bank.Balance("strat-a", testPrimary).Sign())
	})

	t.Run("NoDeployAfterShutdown", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		a := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", a, BpsDenominator))
		require.NoError(t, env.vault.Shutdown(testOwner))

		require.NoError(t, env.vault.Tend(testOwner))
		assert.Zero(t, env.bank.Balance("strat-a", testPrimary).Sign())
	})
}

func TestTendTrigger(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("NoStrategies", func(t *testing.T) {
		due, reason := env.vault.TendTrigger()
		assert.False(t, due)
		assert.Equal(t, "no active strategies", reason)
	})

	strat := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
	require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", strat, BpsDenominator))

	t.Run("BelowThreshold", func(t *testing.T) {
		due, reason := env.vault.TendTrigger()
		assert.False(t, due)
		assert.Equal(t, "idle below deploy threshold", reason)
	})

	t.Run("DueWhenIdle", func(t *testing.T) {
		env.deposit(t, testAlice, 1_000)
		due, _ := env.vault.TendTrigger()
		assert.True(t, due)
	})

	t.Run("ThrottledAfterTend", func(t *testing.T) {
		require.NoError(t, env.vault.Tend(testOwner))
		env.deposit(t, testAlice, 1_000)
		due, reason := env.vault.TendTrigger()
		assert.False(t, due)
		assert.Equal(t, "tend interval not elapsed", reason)
	})

	t.Run("NeverAfterShutdown", func(t *testing.T) {
		env.clock.Advance(2 * time.Hour)
		require.NoError(t, env.vault.Shutdown(testOwner))
		due, reason := env.vault.TendTrigger()
		assert.False(t, due)
		assert.Equal(t, "vault is shutdown", reason)
	})
}
