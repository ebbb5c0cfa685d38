package vault

import (
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Basis point denominator used for all fee, weight and tolerance math
const BpsDenominator = 10_000

const (
	// MaxStrategies is the hard cap on registered strategies
	MaxStrategies = 5

	// MaxPerformanceFeeBps caps the performance fee at 50%
	MaxPerformanceFeeBps = 5_000

	// MaxProfitUnlockTime caps the profit vesting window at one year
	MaxProfitUnlockTime = 365 * 24 * time.Hour

	// DefaultBootstrapMultiplier is the shares-per-asset ratio of the very
	// first deposit when share supply is zero
	DefaultBootstrapMultiplier = 10_000
)

// Sentinel errors. Economic and policy failures are distinct, catchable
// values so callers can retry with adjusted parameters; invariant breaches
// (ErrInsufficientLockedShares) mean the ledger is no longer trustworthy
// and must halt the call.
var (
	ErrZeroAddress             = errors.New("zero address")
	ErrZeroAmount              = errors.New("zero amount")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrVaultPaused             = errors.New("vault paused")
	ErrVaultIsShutdown         = errors.New("vault is shutdown")
	ErrVaultNotShutdown        = errors.New("vault not shutdown")
	ErrNotWhitelisted          = errors.New("receiver not whitelisted")
	ErrSupplyCapExceeded       = errors.New("share supply cap exceeded")
	ErrInvalidPrice            = errors.New("invalid price")
	ErrSlippageExceeded        = errors.New("slippage exceeded")
	ErrLossExceeded            = errors.New("loss exceeds tolerance")
	ErrMaxStrategiesReached    = errors.New("max strategies reached")
	ErrWeightExceeds100Percent = errors.New("total weight exceeds 100 percent")
	ErrStrategyNotFound        = errors.New("strategy not found")
	ErrStrategyExists          = errors.New("strategy already registered")
	ErrInsufficientShares      = errors.New("insufficient shares")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientLockedShares = errors.New("insufficient locked shares")
)

// Strategy is the capability contract every external yield strategy must
// expose. Implementations must be idempotent and must not fail on
// zero-value calls. The vault treats GetTotalAmounts as authoritative for
// totalAssets, never for idle-balance reconciliation.
type Strategy interface {
	// GetTotalAmounts reports the strategy's current holdings of both assets.
	GetTotalAmounts() (primary, secondary *big.Int, err error)

	// Deposit accepts capital from the vault and returns the value credited.
	Deposit(primary, secondary *big.Int) (*big.Int, error)

	// Withdraw liquidates up to value (in primary-asset terms) and returns
	// what was actually freed, in both assets.
	Withdraw(value *big.Int) (primary, secondary *big.Int, err error)

	// Rebalance lets the strategy adjust its internal positioning.
	Rebalance() error
}

// FeedReading is one observation from an external price feed.
type FeedReading struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
	Decimals  uint8
}

// PriceFeed is the external price feed consumed by the oracle adapter.
type PriceFeed interface {
	Latest() (FeedReading, error)
}

// AMMPool exposes the market-maker pool observations the oracle needs and
// the spot rate used for dual-deposit pairing.
type AMMPool interface {
	// Observe returns cumulative tick values at the given seconds-ago
	// offsets, oldest first.
	Observe(secondsAgo []uint32) ([]int64, error)

	// SpotRate returns the instantaneous primary-per-secondary rate.
	SpotRate() (decimal.Decimal, error)
}

// SwapRouter performs exact-input swaps against the pool.
type SwapRouter interface {
	SwapExactIn(tokenIn, tokenOut string, amountIn, minOut *big.Int, recipient string) (*big.Int, error)
}

// TokenCustody moves the two underlying assets in and out of the vault.
// The vault's idle balance is resynced only from its own custody balance.
type TokenCustody interface {
	Balance(asset string) (*big.Int, error)
	Pull(from, asset string, amount *big.Int) error
	Push(to, asset string, amount *big.Int) error
}

// Roles holds the operator addresses. Management configures the vault,
// the keeper drives report/tend cycles, the emergency admin can move
// funds out after shutdown.
type Roles struct {
	Management     string
	Keeper         string
	EmergencyAdmin string
	FeeRecipient   string
}

// StrategyEntry is one registered strategy with its allocation weight and
// the debt (in primary-asset terms) the vault has deployed into it.
type StrategyEntry struct {
	ID        string
	Strategy  Strategy
	WeightBps int64
	Active    bool

	// Debt is the vault's recorded claim on the strategy. It is resynced
	// to the strategy's reported value at every report; the residual debt
	// of a removed strategy is realized as a loss at the next report.
	Debt *big.Int
}

// Params are the tunable knobs, all management-settable within bounds.
type Params struct {
	BootstrapMultiplier int64
	MaxSupply           *big.Int
	PerformanceFeeBps   int64
	ProfitUnlockTime    time.Duration
	MaxSlippageBps      int64

	// Allocation policy
	DeployThresholdWei *big.Int
	MinTendInterval    time.Duration

	// Oracle policy
	MaxPriceAge     time.Duration
	PegLowerBound   decimal.Decimal
	PegUpperBound   decimal.Decimal
	TWAPWindow      time.Duration
	MaxOracleDeltaBps int64 // 0 disables the hard divergence gate
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		BootstrapMultiplier: DefaultBootstrapMultiplier,
		MaxSupply:           big.NewInt(50_000_000),
		PerformanceFeeBps:   1_000,
		ProfitUnlockTime:    7 * 24 * time.Hour,
		MaxSlippageBps:      50,
		DeployThresholdWei:  big.NewInt(1),
		MinTendInterval:     time.Hour,
		MaxPriceAge:         time.Hour,
		PegLowerBound:       decimal.RequireFromString("0.95"),
		PegUpperBound:       decimal.RequireFromString("1.05"),
		TWAPWindow:          30 * time.Minute,
	}
}
