package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// lockedAccount is the vault's own share account holding unvested profit
// shares. Shares here are part of raw supply but belong to no holder.
const lockedAccount = "vault:locked"

// Vault is the single shared ledger. Every public entry point takes the
// mutex for its full duration; there is no nested re-entry into the same
// vault within one top-level call.
type Vault struct {
	mu     sync.Mutex
	logger log.Logger

	// Immutable references, set at construction
	primaryAsset   string
	secondaryAsset string
	custody        TokenCustody
	oracle         *OracleAdapter
	swapper        *SwapExecutor

	params Params
	roles  Roles

	// Share ledger
	rawSupply *big.Int
	balances  map[string]*big.Int

	// Asset ledger, primary/secondary idle plus deployed debt (primary terms)
	idlePrimary   *big.Int
	idleSecondary *big.Int
	totalDebt     *big.Int

	strategies []*StrategyEntry
	lastTend   time.Time

	// Profit vesting schedule. lockedAtReport is fixed at each report and
	// decays linearly to zero by vestingEnd; the vested portion is lazily
	// burned (settled at the next report). vestingEnd moves only when a
	// profitable report locks new shares, so intermediate reports never
	// push the deadline out.
	lockedAtReport *big.Int
	lastReport     time.Time
	vestingEnd     time.Time

	// Lifecycle
	paused           bool
	shutdown         bool
	whitelistEnabled bool
	whitelist        map[string]bool

	now func() time.Time
}

// Config carries the immutable construction references.
type Config struct {
	PrimaryAsset   string
	SecondaryAsset string
	Feed           PriceFeed
	Pool           AMMPool
	Router         SwapRouter
	Custody        TokenCustody
	Owner          string
	Params         Params
	Logger         log.Logger
}

// New creates the vault ledger. The owner starts out holding every role.
func New(cfg Config) (*Vault, error) {
	if cfg.PrimaryAsset == "" || cfg.SecondaryAsset == "" {
		return nil, ErrZeroAddress
	}
	if cfg.Owner == "" {
		return nil, ErrZeroAddress
	}
	if cfg.Custody == nil || cfg.Pool == nil || cfg.Router == nil {
		return nil, fmt.Errorf("vault: missing collaborator")
	}
	p := cfg.Params
	if p.BootstrapMultiplier <= 0 {
		p.BootstrapMultiplier = DefaultBootstrapMultiplier
	}
	if p.MaxSupply == nil || p.MaxSupply.Sign() <= 0 {
		p.MaxSupply = DefaultParams().MaxSupply
	}
	if p.PerformanceFeeBps > MaxPerformanceFeeBps {
		return nil, fmt.Errorf("vault: performance fee %d bps over cap: %w", p.PerformanceFeeBps, ErrUnauthorized)
	}
	if p.ProfitUnlockTime <= 0 || p.ProfitUnlockTime > MaxProfitUnlockTime {
		return nil, fmt.Errorf("vault: profit unlock time %s out of range", p.ProfitUnlockTime)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root().New("module", "vault")
	}

	v := &Vault{
		logger:         logger,
		primaryAsset:   cfg.PrimaryAsset,
		secondaryAsset: cfg.SecondaryAsset,
		custody:        cfg.Custody,
		oracle:         NewOracleAdapter(cfg.Feed, cfg.Pool, p, logger),
		swapper:        NewSwapExecutor(cfg.Router, logger),
		params:         p,
		roles: Roles{
			Management:     cfg.Owner,
			Keeper:         cfg.Owner,
			EmergencyAdmin: cfg.Owner,
			FeeRecipient:   cfg.Owner,
		},
		rawSupply:      big.NewInt(0),
		balances:       make(map[string]*big.Int),
		idlePrimary:    big.NewInt(0),
		idleSecondary:  big.NewInt(0),
		totalDebt:      big.NewInt(0),
		lockedAtReport: big.NewInt(0),
		whitelist:      make(map[string]bool),
		now:            time.Now,
	}
	v.lastReport = v.now()
	v.oracle.now = func() time.Time { return v.now() }
	return v, nil
}

// Oracle exposes the price oracle adapter for read-only consumers.
func (v *Vault) Oracle() *OracleAdapter { return v.oracle }

// ---- role checks ----

func (v *Vault) requireManagement(caller string) error {
	if caller != v.roles.Management {
		return fmt.Errorf("caller %s is not management: %w", caller, ErrUnauthorized)
	}
	return nil
}

func (v *Vault) requireKeeper(caller string) error {
	if caller != v.roles.Keeper && caller != v.roles.Management {
		return fmt.Errorf("caller %s is not keeper: %w", caller, ErrUnauthorized)
	}
	return nil
}

func (v *Vault) requireEmergencyAdmin(caller string) error {
	if caller != v.roles.EmergencyAdmin {
		return fmt.Errorf("caller %s is not emergency admin: %w", caller, ErrUnauthorized)
	}
	return nil
}

// ---- configuration surface (management only) ----

// SetKeeper rotates the keeper role.
func (v *Vault) SetKeeper(caller, keeper string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if keeper == "" {
		return ErrZeroAddress
	}
	v.roles.Keeper = keeper
	return nil
}

// SetEmergencyAdmin rotates the emergency admin role.
func (v *Vault) SetEmergencyAdmin(caller, admin string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if admin == "" {
		return ErrZeroAddress
	}
	v.roles.EmergencyAdmin = admin
	return nil
}

// SetFeeRecipient changes where performance-fee shares are minted.
func (v *Vault) SetFeeRecipient(caller, recipient string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if recipient == "" {
		return ErrZeroAddress
	}
	v.roles.FeeRecipient = recipient
	return nil
}

// SetPerformanceFee sets the fee charged on reported profit, capped at
// MaxPerformanceFeeBps.
func (v *Vault) SetPerformanceFee(caller string, feeBps int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if feeBps < 0 || feeBps > MaxPerformanceFeeBps {
		return fmt.Errorf("fee %d bps out of range [0, %d]", feeBps, MaxPerformanceFeeBps)
	}
	v.params.PerformanceFeeBps = feeBps
	return nil
}

// SetProfitUnlockTime changes the vesting window for future reports,
// capped at MaxProfitUnlockTime.
func (v *Vault) SetProfitUnlockTime(caller string, d time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if d <= 0 || d > MaxProfitUnlockTime {
		return fmt.Errorf("unlock time %s out of range (0, %s]", d, MaxProfitUnlockTime)
	}
	v.params.ProfitUnlockTime = d
	return nil
}

// SetDeployThreshold changes the idle balance required before Tend deploys.
func (v *Vault) SetDeployThreshold(caller string, threshold *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if threshold == nil || threshold.Sign() < 0 {
		return ErrZeroAmount
	}
	v.params.DeployThresholdWei = new(big.Int).Set(threshold)
	return nil
}

// SetWhitelistEnabled toggles the deposit whitelist. Withdrawal paths are
// never gated.
func (v *Vault) SetWhitelistEnabled(caller string, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	v.whitelistEnabled = enabled
	return nil
}

// SetWhitelisted adds or removes an address from the deposit allow-set.
func (v *Vault) SetWhitelisted(caller, addr string, allowed bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if addr == "" {
		return ErrZeroAddress
	}
	if allowed {
		v.whitelist[addr] = true
	} else {
		delete(v.whitelist, addr)
	}
	return nil
}

// ---- lifecycle ----

// SetPaused blocks the deposit family while leaving withdrawals open.
func (v *Vault) SetPaused(caller string, paused bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	v.paused = paused
	v.logger.Info("pause flag changed", "paused", paused)
	return nil
}

// Shutdown permanently blocks deposits and enables emergency withdrawal.
// It is one-way: once set it never reverts.
func (v *Vault) Shutdown(caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if v.shutdown {
		return ErrVaultIsShutdown
	}
	v.shutdown = true
	v.logger.Warn("vault shutdown: deposits permanently disabled")
	return nil
}

// EmergencyWithdraw pulls everything back from the strategies, converts
// up to amount of the secondary asset with a caller-supplied minimum out,
// and pushes amount of the primary asset to the recipient. Only the
// emergency admin may call it, and only after shutdown.
func (v *Vault) EmergencyWithdraw(caller string, amount, minOut *big.Int, to string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireEmergencyAdmin(caller); err != nil {
		return err
	}
	if !v.shutdown {
		return ErrVaultNotShutdown
	}
	if to == "" {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	// Recall strategy capital first, including removed strategies that
	// still carry debt. Shortfalls surface at the next report.
	for _, entry := range v.strategies {
		if entry.Debt.Sign() == 0 || entry.Strategy == nil {
			continue
		}
		gotA, gotB, err := entry.Strategy.Withdraw(new(big.Int).Set(entry.Debt))
		if err != nil {
			v.logger.Error("emergency recall failed", "strategy", entry.ID, "error", err)
			continue
		}
		v.idlePrimary.Add(v.idlePrimary, gotA)
		v.idleSecondary.Add(v.idleSecondary, gotB)
		recalled := new(big.Int).Add(gotA, v.oracle.mustValuePrimary(gotB))
		if recalled.Cmp(entry.Debt) > 0 {
			recalled.Set(entry.Debt)
		}
		entry.Debt.Sub(entry.Debt, recalled)
		v.totalDebt.Sub(v.totalDebt, recalled)
	}

	// Convert secondary holdings when the primary idle cannot cover.
	if v.idlePrimary.Cmp(amount) < 0 && v.idleSecondary.Sign() > 0 {
		out, err := v.swapper.SwapExactOut(v.secondaryAsset, v.primaryAsset, new(big.Int).Set(v.idleSecondary), minOut)
		if err != nil {
			return fmt.Errorf("emergency swap: %w", err)
		}
		v.idleSecondary.SetInt64(0)
		v.idlePrimary.Add(v.idlePrimary, out)
	}

	if v.idlePrimary.Cmp(amount) < 0 {
		return fmt.Errorf("idle %s below requested %s: %w", v.idlePrimary, amount, ErrInsufficientBalance)
	}
	if err := v.custody.Push(to, v.primaryAsset, amount); err != nil {
		return fmt.Errorf("emergency push: %w", err)
	}
	v.idlePrimary.Sub(v.idlePrimary, amount)
	v.logger.Warn("emergency withdrawal executed", "to", to, "amount", amount.String())
	return nil
}

// ---- read surface ----

// IsPaused reports the pause flag.
func (v *Vault) IsPaused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

// IsShutdown reports the terminal shutdown flag.
func (v *Vault) IsShutdown() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shutdown
}

// GetRoles returns the current role holders.
func (v *Vault) GetRoles() Roles {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.roles
}

// TotalAssets is the vault's holdings in primary-asset terms: idle
// balances plus recorded strategy debt.
func (v *Vault) TotalAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssetsLocked()
}

func (v *Vault) totalAssetsLocked() *big.Int {
	total := new(big.Int).Add(v.idlePrimary, v.totalDebt)
	if v.idleSecondary.Sign() > 0 {
		total.Add(total, v.oracle.mustValuePrimary(v.idleSecondary))
	}
	return total
}

// TotalSupply is the externally visible share supply: raw supply minus
// the vested portion of locked shares pending burn.
func (v *Vault) TotalSupply() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.effectiveSupplyLocked(v.now())
}

// LockedShares returns the still-unvested locked shares at the current time.
func (v *Vault) LockedShares() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	return new(big.Int).Sub(v.lockedAtReport, v.unlockedSharesLocked(now))
}

// UnlockedShares returns the vested (pending-burn) portion of the shares
// locked at the last profitable report.
func (v *Vault) UnlockedShares() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unlockedSharesLocked(v.now())
}

// SharePrice returns totalAssets per share as a decimal, for display and
// monitoring only; all ledger math stays in integer space.
func (v *Vault) SharePrice() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	supply := v.effectiveSupplyLocked(v.now())
	if supply.Sign() == 0 {
		return decimal.Zero
	}
	assets := decimal.NewFromBigInt(v.totalAssetsLocked(), 0)
	return assets.Div(decimal.NewFromBigInt(supply, 0))
}

// unlockedSharesLocked interpolates lockedAtReport linearly between the
// last report and the vesting deadline, clamped to [0, lockedAtReport].
// Callers hold the mutex.
func (v *Vault) unlockedSharesLocked(now time.Time) *big.Int {
	if v.lockedAtReport.Sign() == 0 {
		return big.NewInt(0)
	}
	if !now.Before(v.vestingEnd) {
		return new(big.Int).Set(v.lockedAtReport)
	}
	elapsed := now.Sub(v.lastReport)
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	window := v.vestingEnd.Sub(v.lastReport)
	if elapsed >= window {
		return new(big.Int).Set(v.lockedAtReport)
	}
	unlocked := new(big.Int).Mul(v.lockedAtReport, big.NewInt(int64(elapsed)))
	return unlocked.Div(unlocked, big.NewInt(int64(window)))
}

func (v *Vault) effectiveSupplyLocked(now time.Time) *big.Int {
	supply := new(big.Int).Sub(v.rawSupply, v.unlockedSharesLocked(now))
	if supply.Sign() < 0 {
		// Unreachable in correct operation
		supply.SetInt64(0)
	}
	return supply
}
