package vault

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrimary   = "USDN"
	testSecondary = "PEGD"
	testVaultAcct = "vault-treasury"
	testOwner     = "owner"
	testAlice     = "alice"
	testBob       = "bob"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	clock  *fakeClock
	bank   *SimBank
	feed   *SimPriceFeed
	pool   *SimPool
	router *SimRouter
	vault  *Vault
}

func newTestEnv(t *testing.T, mutate func(*Params)) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	bank := NewSimBank()
	feed := NewSimPriceFeed()
	feed.Set(decimal.NewFromInt(1), clock.Now())
	pool := NewSimPool()
	router := NewSimRouter(bank, testVaultAcct)
	router.SetRate(testSecondary, testPrimary, decimal.NewFromInt(1))
	router.SetRate(testPrimary, testSecondary, decimal.NewFromInt(1))

	params := DefaultParams()
	params.MaxSupply = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if mutate != nil {
		mutate(&params)
	}

	level, _ := log.ToLevel("debug")
	v, err := New(Config{
		PrimaryAsset:   testPrimary,
		SecondaryAsset: testSecondary,
		Feed:           feed,
		Pool:           pool,
		Router:         router,
		Custody:        NewSimCustody(bank, testVaultAcct),
		Owner:          testOwner,
		Params:         params,
		Logger:         log.NewTestLogger(level),
	})
	require.NoError(t, err)
	v.now = clock.Now
	v.lastReport = clock.Now()

	return &testEnv{clock: clock, bank: bank, feed: feed, pool: pool, router: router, vault: v}
}

func (e *testEnv) fund(t *testing.T, holder, asset string, amount int64) {
	t.Helper()
	e.bank.Mint(holder, asset, big.NewInt(amount))
}

func (e *testEnv) deposit(t *testing.T, holder string, amount int64) *big.Int {
	t.Helper()
	e.fund(t, holder, testPrimary, amount)
	shares, err := e.vault.Deposit(holder, big.NewInt(amount), holder)
	require.NoError(t, err)
	return shares
}

func TestNewVault(t *testing.T) {
	t.Run("OwnerHoldsAllRoles", func(t *testing.T) {
		env := newTestEnv(t, nil)
		roles := env.vault.GetRoles()
		assert.Equal(t, testOwner, roles.Management)
		assert.Equal(t, testOwner, roles.Keeper)
		assert.Equal(t, testOwner, roles.EmergencyAdmin)
		assert.Equal(t, testOwner, roles.FeeRecipient)
	})

	t.Run("EmptyLedger", func(t *testing.T) {
		env := newTestEnv(t, nil)
		assert.Zero(t, env.vault.TotalAssets().Sign())
		assert.Zero(t, env.vault.TotalSupply().Sign())
		assert.True(t, env.vault.SharePrice().IsZero())
	})

	t.Run("RejectsMissingCollaborators", func(t *testing.T) {
		_, err := New(Config{PrimaryAsset: testPrimary, SecondaryAsset: testSecondary, Owner: testOwner})
		assert.Error(t, err)
	})

	t.Run("RejectsExcessiveFee", func(t *testing.T) {
		p := DefaultParams()
		p.PerformanceFeeBps = MaxPerformanceFeeBps + 1
		env := newTestEnv(t, nil)
		_, err := New(Config{
			PrimaryAsset:   testPrimary,
			SecondaryAsset: testSecondary,
			Feed:           env.feed,
			Pool:           env.pool,
			Router:         env.router,
			Custody:        NewSimCustody(env.bank, testVaultAcct),
			Owner:          testOwner,
			Params:         p,
		})
		assert.Error(t, err)
	})
}

func TestRoleManagement(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("NonManagementRejected", func(t *testing.T) {
		err := env.vault.SetKeeper(testAlice, testBob)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("RotateKeeper", func(t *testing.T) {
		require.NoError(t, env.vault.SetKeeper(testOwner, testBob))
		assert.Equal(t, testBob, env.vault.GetRoles().Keeper)
	})

	t.Run("RotateEmergencyAdmin", func(t *testing.T) {
		require.NoError(t, env.vault.SetEmergencyAdmin(testOwner, testAlice))
		assert.Equal(t, testAlice, env.vault.GetRoles().EmergencyAdmin)
	})

	t.Run("FeeRecipientRejectsZeroAddress", func(t *testing.T) {
		err := env.vault.SetFeeRecipient(testOwner, "")
		assert.ErrorIs(t, err, ErrZeroAddress)
	})

	t.Run("FeeWithinCap", func(t *testing.T) {
		assert.NoError(t, env.vault.SetPerformanceFee(testOwner, 2_000))
		assert.Error(t, env.vault.SetPerformanceFee(testOwner, MaxPerformanceFeeBps+1))
	})
}

func TestPauseBlocksDepositsNotWithdrawals(t *testing.T) {
	env := newTestEnv(t, nil)
	shares := env.deposit(t, testAlice, 1_000)

	require.NoError(t, env.vault.SetPaused(testOwner, true))
	assert.True(t, env.vault.IsPaused())

	env.fund(t, testBob, testPrimary, 100)
	_, err := env.vault.Deposit(testBob, big.NewInt(100), testBob)
	assert.ErrorIs(t, err, ErrVaultPaused)

	_, err = env.vault.Redeem(testAlice, shares, testAlice, testAlice, 0)
	assert.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000), env.bank.Balance(testAlice, testPrimary))

	require.NoError(t, env.vault.SetPaused(testOwner, false))
	_, err = env.vault.Deposit(testBob, big.NewInt(100), testBob)
	assert.NoError(t, err)
}

func TestShutdownIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, testAlice, 1_000)

	require.NoError(t, env.vault.Shutdown(testOwner))
	assert.True(t, env.vault.IsShutdown())

	t.Run("SecondShutdownFails", func(t *testing.T) {
		assert.ErrorIs(t, env.vault.Shutdown(testOwner), ErrVaultIsShutdown)
	})

	t.Run("DepositsBlocked", func(t *testing.T) {
		env.fund(t, testBob, testPrimary, 100)
		_, err := env.vault.Deposit(testBob, big.NewInt(100), testBob)
		assert.ErrorIs(t, err, ErrVaultIsShutdown)
	})

	t.Run("UnpauseDoesNotRevive", func(t *testing.T) {
		require.NoError(t, env.vault.SetPaused(testOwner, false))
		env.fund(t, testBob, testPrimary, 100)
		_, err := env.vault.Deposit(testBob, big.NewInt(100), testBob)
		assert.ErrorIs(t, err, ErrVaultIsShutdown)
	})
}

func TestEmergencyWithdraw(t *testing.T) {
	t.Run("RequiresShutdown", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		err := env.vault.EmergencyWithdraw(testOwner, big.NewInt(500), nil, testOwner)
		assert.ErrorIs(t, err, ErrVaultNotShutdown)
	})

	t.Run("RequiresEmergencyAdmin", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		require.NoError(t, env.vault.Shutdown(testOwner))
		err := env.vault.EmergencyWithdraw(testAlice, big.NewInt(500), nil, testAlice)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("RecallsStrategiesAndPays", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		strat := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", strat, BpsDenominator))
		require.NoError(t, env.vault.Tend(testOwner))
		require.NoError(t, env.vault.Shutdown(testOwner))

		err := env.vault.EmergencyWithdraw(testOwner, big.NewInt(1_000), nil, "treasury")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1_000), env.bank.Balance("treasury", testPrimary))
	})

	t.Run("RecallsRemovedStrategyDebt", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.deposit(t, testAlice, 1_000)
		strat := NewSimStrategy(env.bank, "strat-a", testVaultAcct, testPrimary, testSecondary)
		require.NoError(t, env.vault.AddStrategy(testOwner, "strat-a", strat, BpsDenominator))
		require.NoError(t, env.vault.Tend(testOwner))

		// Removal fails to recall; the debt rides on the inactive entry.
		strat.FailWithdraw(errors.New("bridge down"))
		require.NoError(t, env.vault.RemoveStrategy(testOwner, "strat-a"))
		strat.FailWithdraw(nil)

		require.NoError(t, env.vault.Shutdown(testOwner))
		err := env.vault.EmergencyWithdraw(testOwner, big.NewInt(1_000), nil, "treasury")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1_000), env.bank.Balance("treasury", testPrimary))
	})
}
