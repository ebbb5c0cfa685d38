package vault

import (
	"fmt"
	"math/big"
)

// ReportSummary is the outcome of one report cycle.
type ReportSummary struct {
	Profit       *big.Int
	Loss         *big.Int
	FeeShares    *big.Int
	LockedShares *big.Int
	BurnedLocked *big.Int
	TotalAssets  *big.Int
	TotalSupply  *big.Int
}

// Report settles the vested portion of previously locked profit, marks
// every strategy to its reported value, then vests net profit through
// locked shares and absorbs net loss against them. Share price does not
// move at the moment of a profitable report; it drifts up as the locked
// shares vest.
func (v *Vault) Report(caller string) (*ReportSummary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireKeeper(caller); err != nil {
		return nil, err
	}
	now := v.now()

	// Settle the lazily tracked vested shares from the previous window.
	// The remaining locked balance keeps its original vesting deadline;
	// only a new profit lock moves it. The locked account must hold the
	// vested shares; anything else means the share ledger has been
	// corrupted and the cycle halts.
	vested := v.unlockedSharesLocked(now)
	if vested.Sign() > 0 {
		if err := v.burnLocked(lockedAccount, vested); err != nil {
			return nil, fmt.Errorf("settle vested shares: %w", ErrInsufficientLockedShares)
		}
		v.lockedAtReport.Sub(v.lockedAtReport, vested)
	}
	v.lastReport = now

	v.reconcileIdleLocked()

	// Price basis for all share math in this cycle: state after vesting
	// settlement, before any strategy mark.
	supplyBefore := v.effectiveSupplyLocked(now)
	assetsBefore := v.totalAssetsLocked()

	profit := big.NewInt(0)
	loss := big.NewInt(0)
	for _, entry := range v.strategies {
		if !entry.Active {
			// Residual debt of a removed strategy is a realized loss.
			if entry.Debt.Sign() > 0 {
				loss.Add(loss, entry.Debt)
				v.totalDebt.Sub(v.totalDebt, entry.Debt)
				v.logger.Warn("removed strategy debt written off",
					"strategy", entry.ID, "loss", entry.Debt.String())
				entry.Debt.SetInt64(0)
			}
			continue
		}
		a, b, err := entry.Strategy.GetTotalAmounts()
		if err != nil {
			v.logger.Error("strategy report failed, debt unchanged", "strategy", entry.ID, "error", err)
			continue
		}
		if a == nil {
			a = big.NewInt(0)
		}
		value := new(big.Int).Add(a, v.oracle.mustValuePrimary(b))
		diff := new(big.Int).Sub(value, entry.Debt)
		switch diff.Sign() {
		case 1:
			profit.Add(profit, diff)
		case -1:
			loss.Add(loss, new(big.Int).Neg(diff))
		}
		v.totalDebt.Add(v.totalDebt, diff)
		entry.Debt.Set(value)
	}
	v.pruneRetiredLocked()

	summary := &ReportSummary{
		Profit:       profit,
		Loss:         loss,
		FeeShares:    big.NewInt(0),
		LockedShares: big.NewInt(0),
		BurnedLocked: big.NewInt(0),
	}

	net := new(big.Int).Sub(profit, loss)
	switch {
	case net.Sign() > 0 && supplyBefore.Sign() > 0 && assetsBefore.Sign() > 0:
		// Mint shares against the net profit at the pre-mark price. The fee
		// slice goes to the recipient immediately; the rest sits in the
		// locked account and vests over a fresh window together with any
		// leftover from the previous one.
		minted := new(big.Int).Mul(net, supplyBefore)
		minted.Div(minted, assetsBefore)
		feeShares := new(big.Int).Mul(minted, big.NewInt(v.params.PerformanceFeeBps))
		feeShares.Div(feeShares, big.NewInt(BpsDenominator))
		lockShares := new(big.Int).Sub(minted, feeShares)

		if feeShares.Sign() > 0 {
			v.mintLocked(v.roles.FeeRecipient, feeShares)
		}
		if lockShares.Sign() > 0 {
			v.mintLocked(lockedAccount, lockShares)
			v.lockedAtReport.Add(v.lockedAtReport, lockShares)
			v.vestingEnd = now.Add(v.params.ProfitUnlockTime)
		}
		summary.FeeShares = feeShares
		summary.LockedShares = lockShares

	case net.Sign() < 0:
		// Burn locked shares to shield holders from the loss; only the
		// residual beyond the locked buffer moves the price.
		netLoss := new(big.Int).Neg(net)
		if v.lockedAtReport.Sign() > 0 && supplyBefore.Sign() > 0 && assetsBefore.Sign() > 0 {
			burn := new(big.Int).Mul(netLoss, supplyBefore)
			burn.Div(burn, assetsBefore)
			if burn.Cmp(v.lockedAtReport) > 0 {
				burn.Set(v.lockedAtReport)
			}
			if burn.Sign() > 0 {
				if err := v.burnLocked(lockedAccount, burn); err != nil {
					return nil, fmt.Errorf("absorb loss: %w", ErrInsufficientLockedShares)
				}
				v.lockedAtReport.Sub(v.lockedAtReport, burn)
				summary.BurnedLocked = burn
			}
		}
	}

	summary.TotalAssets = v.totalAssetsLocked()
	summary.TotalSupply = v.effectiveSupplyLocked(now)
	v.logger.Info("report",
		"profit", profit.String(), "loss", loss.String(),
		"feeShares", summary.FeeShares.String(),
		"lockedShares", summary.LockedShares.String(),
		"burnedLocked", summary.BurnedLocked.String(),
		"totalAssets", summary.TotalAssets.String(),
		"totalSupply", summary.TotalSupply.String())
	return summary, nil
}

// reconcileIdleLocked adopts the custody balances as truth for the idle
// ledger. Direct transfers show up as gains here; a shortfall means funds
// moved without the ledger and is adopted with an error log.
func (v *Vault) reconcileIdleLocked() {
	if actual, err := v.custody.Balance(v.primaryAsset); err == nil && actual.Cmp(v.idlePrimary) != 0 {
		if actual.Cmp(v.idlePrimary) < 0 {
			v.logger.Error("idle primary below ledger", "ledger", v.idlePrimary.String(), "actual", actual.String())
		} else {
			v.logger.Info("idle primary donation detected", "ledger", v.idlePrimary.String(), "actual", actual.String())
		}
		v.idlePrimary.Set(actual)
	}
	if actual, err := v.custody.Balance(v.secondaryAsset); err == nil && actual.Cmp(v.idleSecondary) != 0 {
		if actual.Cmp(v.idleSecondary) < 0 {
			v.logger.Error("idle secondary below ledger", "ledger", v.idleSecondary.String(), "actual", actual.String())
		} else {
			v.logger.Info("idle secondary donation detected", "ledger", v.idleSecondary.String(), "actual", actual.String())
		}
		v.idleSecondary.Set(actual)
	}
}

// pruneRetiredLocked drops inactive entries that no longer carry debt.
func (v *Vault) pruneRetiredLocked() {
	kept := v.strategies[:0]
	for _, entry := range v.strategies {
		if entry.Active || entry.Debt.Sign() > 0 {
			kept = append(kept, entry)
		}
	}
	v.strategies = kept
}
