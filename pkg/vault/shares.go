package vault

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ---- share token surface ----
//
// The share ledger exposes the generic mint/burn/transfer contract so an
// external wrapper can lock and mint a transferable representation 1:1.

// BalanceOf returns the share balance of an address.
func (v *Vault) BalanceOf(addr string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balanceLocked(addr))
}

// Transfer moves shares between holders.
func (v *Vault) Transfer(from, to string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if from == "" || to == "" {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	bal := v.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("transfer %s from %s with balance %s: %w", amount, from, bal, ErrInsufficientShares)
	}
	bal.Sub(bal, amount)
	v.balanceLocked(to).Add(v.balanceLocked(to), amount)
	return nil
}

func (v *Vault) balanceLocked(addr string) *big.Int {
	bal, ok := v.balances[addr]
	if !ok {
		bal = big.NewInt(0)
		v.balances[addr] = bal
	}
	return bal
}

func (v *Vault) mintLocked(to string, shares *big.Int) {
	v.rawSupply.Add(v.rawSupply, shares)
	v.balanceLocked(to).Add(v.balanceLocked(to), shares)
}

func (v *Vault) burnLocked(from string, shares *big.Int) error {
	bal := v.balanceLocked(from)
	if bal.Cmp(shares) < 0 {
		return fmt.Errorf("burn %s from %s with balance %s: %w", shares, from, bal, ErrInsufficientShares)
	}
	bal.Sub(bal, shares)
	v.rawSupply.Sub(v.rawSupply, shares)
	return nil
}

// ---- conversion ----

// ConvertToShares returns the shares minted for an asset amount at the
// current price. With zero supply the bootstrap multiplier applies.
func (v *Vault) ConvertToShares(assets *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToSharesLocked(assets, v.now())
}

// ConvertToAssets returns the asset value of a share amount at the
// current price.
func (v *Vault) ConvertToAssets(shares *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToAssetsLocked(shares, v.now()), nil
}

func (v *Vault) convertToSharesLocked(assets *big.Int, now time.Time) (*big.Int, error) {
	supply := v.effectiveSupplyLocked(now)
	if supply.Sign() == 0 {
		return new(big.Int).Mul(assets, big.NewInt(v.params.BootstrapMultiplier)), nil
	}
	total := v.totalAssetsLocked()
	if total.Sign() == 0 {
		return nil, fmt.Errorf("shares outstanding with zero assets: %w", ErrInvalidPrice)
	}
	shares := new(big.Int).Mul(assets, supply)
	return shares.Div(shares, total), nil
}

func (v *Vault) convertToAssetsLocked(shares *big.Int, now time.Time) *big.Int {
	supply := v.effectiveSupplyLocked(now)
	if supply.Sign() == 0 {
		return big.NewInt(0)
	}
	assets := new(big.Int).Mul(shares, v.totalAssetsLocked())
	return assets.Div(assets, supply)
}

// ---- deposit family ----

func (v *Vault) checkDepositGates(receiver string) error {
	if receiver == "" {
		return ErrZeroAddress
	}
	if v.shutdown {
		return ErrVaultIsShutdown
	}
	if v.paused {
		return ErrVaultPaused
	}
	if v.whitelistEnabled && !v.whitelist[receiver] {
		return fmt.Errorf("receiver %s: %w", receiver, ErrNotWhitelisted)
	}
	return nil
}

// Deposit pulls the primary asset from the depositor and mints shares to
// the receiver at the current price.
func (v *Vault) Deposit(depositor string, assets *big.Int, receiver string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := v.checkDepositGates(receiver); err != nil {
		return nil, err
	}

	now := v.now()
	shares, err := v.convertToSharesLocked(assets, now)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("deposit of %s mints zero shares: %w", assets, ErrZeroAmount)
	}
	if err := v.checkSupplyCapLocked(shares); err != nil {
		return nil, err
	}

	if err := v.custody.Pull(depositor, v.primaryAsset, assets); err != nil {
		return nil, fmt.Errorf("pull %s %s from %s: %w", assets, v.primaryAsset, depositor, err)
	}
	v.idlePrimary.Add(v.idlePrimary, assets)
	v.mintLocked(receiver, shares)

	v.logger.Info("deposit", "depositor", depositor, "receiver", receiver,
		"assets", assets.String(), "shares", shares.String())
	return shares, nil
}

// DepositDual accepts both assets. Secondary units beyond what the current
// pool ratio can pair with the primary leg are converted through the swap
// executor before minting; anything that cannot be paired or converted is
// returned to the depositor, never silently retained. Returns minted
// shares and the returned secondary remainder.
func (v *Vault) DepositDual(depositor string, amountA, amountB *big.Int, receiver string) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero := big.NewInt(0)
	if amountA == nil {
		amountA = zero
	}
	if amountB == nil {
		amountB = zero
	}
	if amountA.Sign() <= 0 && amountB.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}
	if err := v.checkDepositGates(receiver); err != nil {
		return nil, nil, err
	}

	rate, err := v.oracle.PrimaryPerSecondaryRate()
	if err != nil {
		return nil, nil, err
	}

	// Secondary units the primary leg can absorb at the pool ratio. The
	// rest is converted up front so the vault never accumulates an
	// unbalanced secondary position.
	spot, err := v.oracle.pool.SpotRate()
	if err != nil || spot.Sign() <= 0 {
		spot = rate
	}
	pairable := decimalDiv(amountA, spot)
	keptB := new(big.Int).Set(amountB)
	excessB := big.NewInt(0)
	if amountB.Cmp(pairable) > 0 {
		keptB.Set(pairable)
		excessB.Sub(amountB, pairable)
	}

	if err := v.custody.Pull(depositor, v.primaryAsset, amountA); err != nil {
		return nil, nil, fmt.Errorf("pull primary: %w", err)
	}
	if err := v.custody.Pull(depositor, v.secondaryAsset, amountB); err != nil {
		if amountA.Sign() > 0 {
			if perr := v.custody.Push(depositor, v.primaryAsset, amountA); perr != nil {
				v.logger.Error("dual deposit refund failed", "depositor", depositor, "error", perr)
			}
		}
		return nil, nil, fmt.Errorf("pull secondary: %w", err)
	}

	// After this point any failure refunds what was pulled; funds are
	// never silently retained without shares.
	refund := func(primary, secondary *big.Int) {
		if primary.Sign() > 0 {
			if err := v.custody.Push(depositor, v.primaryAsset, primary); err != nil {
				v.logger.Error("dual deposit refund failed", "depositor", depositor, "error", err)
			}
		}
		if secondary.Sign() > 0 {
			if err := v.custody.Push(depositor, v.secondaryAsset, secondary); err != nil {
				v.logger.Error("dual deposit refund failed", "depositor", depositor, "error", err)
			}
		}
	}

	swappedA := big.NewInt(0)
	remainderB := big.NewInt(0)
	if excessB.Sign() > 0 {
		if mulRate(excessB, rate).Sign() == 0 {
			// Dust that converts to nothing goes back to the caller.
			remainderB.Set(excessB)
		} else {
			swappedA, err = v.swapper.Swap(v.secondaryAsset, v.primaryAsset, excessB, rate, v.params.MaxSlippageBps)
			if err != nil {
				refund(amountA, amountB)
				return nil, nil, err
			}
		}
	}

	valueA := new(big.Int).Add(amountA, swappedA)
	valueA.Add(valueA, mulRate(keptB, rate))
	now := v.now()
	shares, err := v.convertToSharesLocked(valueA, now)
	if err != nil {
		refund(new(big.Int).Add(amountA, swappedA), new(big.Int).Add(keptB, remainderB))
		return nil, nil, err
	}
	if shares.Sign() == 0 {
		refund(new(big.Int).Add(amountA, swappedA), new(big.Int).Add(keptB, remainderB))
		return nil, nil, fmt.Errorf("dual deposit mints zero shares: %w", ErrZeroAmount)
	}
	if err := v.checkSupplyCapLocked(shares); err != nil {
		refund(new(big.Int).Add(amountA, swappedA), new(big.Int).Add(keptB, remainderB))
		return nil, nil, err
	}

	if remainderB.Sign() > 0 {
		if err := v.custody.Push(depositor, v.secondaryAsset, remainderB); err != nil {
			return nil, nil, fmt.Errorf("return remainder: %w", err)
		}
	}
	v.idlePrimary.Add(v.idlePrimary, amountA)
	v.idlePrimary.Add(v.idlePrimary, swappedA)
	v.idleSecondary.Add(v.idleSecondary, keptB)
	v.mintLocked(receiver, shares)

	v.logger.Info("dual deposit", "depositor", depositor, "receiver", receiver,
		"primary", amountA.String(), "secondary", amountB.String(),
		"swapped", swappedA.String(), "remainder", remainderB.String(),
		"shares", shares.String())
	return shares, remainderB, nil
}

// InjectCapital raises totalAssets without minting shares, lifting the
// share price for all holders pro rata. Anyone may call it; it is the
// donation primitive for external incentive programs.
func (v *Vault) InjectCapital(funder string, amountA, amountB *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero := big.NewInt(0)
	if amountA == nil {
		amountA = zero
	}
	if amountB == nil {
		amountB = zero
	}
	if amountA.Sign() <= 0 && amountB.Sign() <= 0 {
		return ErrZeroAmount
	}
	if funder == "" {
		return ErrZeroAddress
	}
	if amountA.Sign() > 0 {
		if err := v.custody.Pull(funder, v.primaryAsset, amountA); err != nil {
			return fmt.Errorf("pull primary: %w", err)
		}
		v.idlePrimary.Add(v.idlePrimary, amountA)
	}
	if amountB.Sign() > 0 {
		if err := v.custody.Pull(funder, v.secondaryAsset, amountB); err != nil {
			return fmt.Errorf("pull secondary: %w", err)
		}
		v.idleSecondary.Add(v.idleSecondary, amountB)
	}
	v.logger.Info("capital injected", "funder", funder,
		"primary", amountA.String(), "secondary", amountB.String())
	return nil
}

func (v *Vault) checkSupplyCapLocked(minting *big.Int) error {
	next := new(big.Int).Add(v.rawSupply, minting)
	if next.Cmp(v.params.MaxSupply) > 0 {
		return fmt.Errorf("raw supply %s would exceed cap %s: %w", next, v.params.MaxSupply, ErrSupplyCapExceeded)
	}
	return nil
}

// ---- withdrawal family ----

// Withdraw burns enough of the owner's shares to pay out the requested
// asset amount, fulfilled through the withdrawal waterfall under the
// caller's loss tolerance.
func (v *Vault) Withdraw(caller string, assets *big.Int, receiver, owner string, maxLossBps int64) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := v.checkWithdrawAuth(caller, receiver, owner); err != nil {
		return nil, err
	}

	now := v.now()
	supply := v.effectiveSupplyLocked(now)
	total := v.totalAssetsLocked()
	if supply.Sign() == 0 || total.Sign() == 0 {
		return nil, fmt.Errorf("empty vault: %w", ErrInsufficientShares)
	}
	// Round shares up so the burn always covers the requested assets.
	shares := new(big.Int).Mul(assets, supply)
	shares.Add(shares, new(big.Int).Sub(total, big.NewInt(1)))
	shares.Div(shares, total)

	return v.redeemLocked(owner, receiver, shares, maxLossBps, now)
}

// Redeem burns an exact share amount and pays out its current asset value
// through the withdrawal waterfall under the caller's loss tolerance.
func (v *Vault) Redeem(caller string, shares *big.Int, receiver, owner string, maxLossBps int64) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := v.checkWithdrawAuth(caller, receiver, owner); err != nil {
		return nil, err
	}
	return v.redeemLocked(owner, receiver, shares, maxLossBps, v.now())
}

func (v *Vault) checkWithdrawAuth(caller, receiver, owner string) error {
	if caller == "" || receiver == "" || owner == "" {
		return ErrZeroAddress
	}
	if caller != owner {
		return fmt.Errorf("caller %s cannot redeem for %s: %w", caller, owner, ErrUnauthorized)
	}
	return nil
}

// decimalDiv divides an integer amount by a decimal rate, truncating.
func decimalDiv(amount *big.Int, rate decimal.Decimal) *big.Int {
	if rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	return decimal.NewFromBigInt(amount, 0).Div(rate).BigInt()
}
