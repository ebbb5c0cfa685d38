package vault

import (
	"fmt"
	"math/big"
	"time"
)

// strategyPull records one strategy recall inside a withdrawal so a
// failed loss-tolerance check can restore the optimistic debt write-down.
type strategyPull struct {
	entry     *StrategyEntry
	requested *big.Int
	received  *big.Int
}

// redeemLocked is the withdrawal waterfall shared by Withdraw and Redeem:
// burn the owner's shares, drain idle primary, recall strategy debt in
// registration order, convert secondary receipts, then settle against the
// caller's loss tolerance. Callers hold the mutex.
func (v *Vault) redeemLocked(owner, receiver string, shares *big.Int, maxLossBps int64, now time.Time) (*big.Int, error) {
	if maxLossBps < 0 || maxLossBps > BpsDenominator {
		return nil, fmt.Errorf("loss tolerance %d bps out of range", maxLossBps)
	}
	expected := v.convertToAssetsLocked(shares, now)
	if expected.Sign() == 0 {
		return nil, fmt.Errorf("redeeming %s shares frees no assets: %w", shares, ErrZeroAmount)
	}
	if err := v.burnLocked(owner, shares); err != nil {
		return nil, err
	}

	rollback := func(pulls []strategyPull) {
		v.mintLocked(owner, shares)
		for _, p := range pulls {
			slack := new(big.Int).Sub(p.requested, p.received)
			if slack.Sign() > 0 {
				p.entry.Debt.Add(p.entry.Debt, slack)
				v.totalDebt.Add(v.totalDebt, slack)
			}
		}
	}

	// Recall strategy capital until idle primary covers the claim. Debt is
	// written down by the requested value; a strategy returning less passes
	// the difference to the withdrawer through the loss check below.
	var pulls []strategyPull
	pulledB := big.NewInt(0)
	for _, entry := range v.strategies {
		if v.idlePrimary.Cmp(expected) >= 0 {
			break
		}
		if !entry.Active || entry.Debt.Sign() == 0 {
			continue
		}
		want := new(big.Int).Sub(expected, v.idlePrimary)
		want.Sub(want, v.oracle.mustValuePrimary(pulledB))
		if want.Sign() <= 0 {
			break
		}
		if want.Cmp(entry.Debt) > 0 {
			want.Set(entry.Debt)
		}

		gotA, gotB, err := entry.Strategy.Withdraw(new(big.Int).Set(want))
		if err != nil {
			v.logger.Warn("strategy recall failed", "strategy", entry.ID, "error", err)
			continue
		}
		if gotA == nil {
			gotA = big.NewInt(0)
		}
		if gotB == nil {
			gotB = big.NewInt(0)
		}
		v.idlePrimary.Add(v.idlePrimary, gotA)
		v.idleSecondary.Add(v.idleSecondary, gotB)
		pulledB.Add(pulledB, gotB)

		received := new(big.Int).Add(gotA, v.oracle.mustValuePrimary(gotB))
		entry.Debt.Sub(entry.Debt, want)
		v.totalDebt.Sub(v.totalDebt, want)
		pulls = append(pulls, strategyPull{entry: entry, requested: want, received: received})
	}

	// Convert secondary receipts into the payout asset.
	if pulledB.Sign() > 0 && v.idlePrimary.Cmp(expected) < 0 {
		rate, err := v.oracle.PrimaryPerSecondaryRate()
		if err != nil {
			rollback(pulls)
			return nil, err
		}
		out, err := v.swapper.Swap(v.secondaryAsset, v.primaryAsset, pulledB, rate, v.params.MaxSlippageBps)
		if err != nil {
			rollback(pulls)
			return nil, err
		}
		v.idleSecondary.Sub(v.idleSecondary, pulledB)
		v.idlePrimary.Add(v.idlePrimary, out)
	}

	payout := new(big.Int).Set(expected)
	if v.idlePrimary.Cmp(payout) < 0 {
		payout.Set(v.idlePrimary)
	}
	loss := new(big.Int).Sub(expected, payout)
	lossBps := new(big.Int).Mul(loss, big.NewInt(BpsDenominator))
	lossBps.Div(lossBps, expected)
	if lossBps.Int64() > maxLossBps {
		rollback(pulls)
		return nil, fmt.Errorf("realized loss %d bps over tolerance %d: %w",
			lossBps.Int64(), maxLossBps, ErrLossExceeded)
	}

	if err := v.custody.Push(receiver, v.primaryAsset, payout); err != nil {
		rollback(pulls)
		return nil, fmt.Errorf("push payout: %w", err)
	}
	v.idlePrimary.Sub(v.idlePrimary, payout)

	v.logger.Info("withdrawal", "owner", owner, "receiver", receiver,
		"shares", shares.String(), "expected", expected.String(),
		"payout", payout.String(), "lossBps", lossBps.Int64())
	return payout, nil
}

// MaxWithdraw is the read-only dual of the waterfall: the largest asset
// claim the owner could withdraw right now without the realized loss
// exceeding maxLossBps, given the liquidity the recall could actually
// reach.
func (v *Vault) MaxWithdraw(owner string, maxLossBps int64) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if maxLossBps < 0 || maxLossBps > BpsDenominator {
		return nil, fmt.Errorf("loss tolerance %d bps out of range", maxLossBps)
	}
	claim := v.convertToAssetsLocked(v.balanceLocked(owner), v.now())
	if claim.Sign() == 0 {
		return big.NewInt(0), nil
	}
	realizable := v.realizableLiquidityLocked()
	if claim.Cmp(realizable) <= 0 || maxLossBps == BpsDenominator {
		return claim, nil
	}
	// The waterfall pays min(claim, realizable), so the claim clears the
	// loss gate while claim*(10000-maxLossBps) <= realizable*10000.
	limit := new(big.Int).Mul(realizable, big.NewInt(BpsDenominator))
	limit.Div(limit, big.NewInt(BpsDenominator-maxLossBps))
	if limit.Cmp(claim) > 0 {
		limit.Set(claim)
	}
	return limit, nil
}

// realizableLiquidityLocked values what a recall could pull right now:
// idle primary plus each active strategy's reported holdings, capped at
// its recorded debt. Idle secondary is excluded; the waterfall only
// converts receipts pulled during the recall itself.
func (v *Vault) realizableLiquidityLocked() *big.Int {
	total := new(big.Int).Set(v.idlePrimary)
	for _, entry := range v.strategies {
		if !entry.Active || entry.Debt.Sign() == 0 {
			continue
		}
		a, b, err := entry.Strategy.GetTotalAmounts()
		if err != nil {
			continue
		}
		if a == nil {
			a = big.NewInt(0)
		}
		value := new(big.Int).Add(a, v.oracle.mustValuePrimary(b))
		if value.Cmp(entry.Debt) > 0 {
			value.Set(entry.Debt)
		}
		total.Add(total, value)
	}
	return total
}
