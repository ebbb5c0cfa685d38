package vault

import (
	"fmt"
	"math/big"
)

// AddStrategy registers a strategy with an allocation weight. Order of
// registration is the withdrawal-waterfall order.
func (v *Vault) AddStrategy(caller, id string, strategy Strategy, weightBps int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if v.shutdown {
		return ErrVaultIsShutdown
	}
	if id == "" {
		return ErrZeroAddress
	}
	if strategy == nil {
		return fmt.Errorf("nil strategy for %s", id)
	}
	if weightBps < 0 || weightBps > BpsDenominator {
		return fmt.Errorf("weight %d bps out of range", weightBps)
	}

	active := 0
	for _, entry := range v.strategies {
		if entry.ID == id {
			return fmt.Errorf("strategy %s: %w", id, ErrStrategyExists)
		}
		if entry.Active {
			active++
		}
	}
	if active >= MaxStrategies {
		return fmt.Errorf("%d strategies registered: %w", active, ErrMaxStrategiesReached)
	}
	if v.activeWeightLocked()+weightBps > BpsDenominator {
		return ErrWeightExceeds100Percent
	}

	v.strategies = append(v.strategies, &StrategyEntry{
		ID:        id,
		Strategy:  strategy,
		WeightBps: weightBps,
		Active:    true,
		Debt:      big.NewInt(0),
	})
	v.logger.Info("strategy added", "strategy", id, "weightBps", weightBps)
	return nil
}

// SetStrategyWeight changes an active strategy's allocation weight.
func (v *Vault) SetStrategyWeight(caller, id string, weightBps int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	if weightBps < 0 || weightBps > BpsDenominator {
		return fmt.Errorf("weight %d bps out of range", weightBps)
	}
	entry := v.findActiveLocked(id)
	if entry == nil {
		return fmt.Errorf("strategy %s: %w", id, ErrStrategyNotFound)
	}
	if v.activeWeightLocked()-entry.WeightBps+weightBps > BpsDenominator {
		return ErrWeightExceeds100Percent
	}
	entry.WeightBps = weightBps
	v.logger.Info("strategy weight changed", "strategy", id, "weightBps", weightBps)
	return nil
}

// RemoveStrategy deactivates a strategy after recalling whatever it will
// return. Removal always succeeds; any debt the strategy fails to honor
// stays on the inactive entry and is realized as a loss at the next
// report.
func (v *Vault) RemoveStrategy(caller, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireManagement(caller); err != nil {
		return err
	}
	entry := v.findActiveLocked(id)
	if entry == nil {
		return fmt.Errorf("strategy %s: %w", id, ErrStrategyNotFound)
	}

	if entry.Debt.Sign() > 0 {
		gotA, gotB, err := entry.Strategy.Withdraw(new(big.Int).Set(entry.Debt))
		if err != nil {
			v.logger.Error("removal recall failed, debt carried to next report",
				"strategy", id, "debt", entry.Debt.String(), "error", err)
		} else {
			if gotA == nil {
				gotA = big.NewInt(0)
			}
			if gotB == nil {
				gotB = big.NewInt(0)
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
	}

	entry.Active = false
	entry.WeightBps = 0
	v.logger.Info("strategy removed", "strategy", id, "residualDebt", entry.Debt.String())
	return nil
}

// Strategies returns a copy of the registry for inspection.
func (v *Vault) Strategies() []StrategyEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]StrategyEntry, 0, len(v.strategies))
	for _, entry := range v.strategies {
		copied := *entry
		copied.Debt = new(big.Int).Set(entry.Debt)
		out = append(out, copied)
	}
	return out
}

// Tend deploys idle capital into the active strategies by weight and lets
// each one rebalance. A no-op when the tend interval has not elapsed or
// the idle balance is below the deploy threshold.
func (v *Vault) Tend(caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireKeeper(caller); err != nil {
		return err
	}
	now := v.now()
	if !v.lastTend.IsZero() && now.Sub(v.lastTend) < v.params.MinTendInterval {
		v.logger.Debug("tend skipped, interval not elapsed")
		return nil
	}
	// Guards mirror TendTrigger; the interval starts only when a
	// deployment actually happens.
	if v.shutdown || v.activeWeightLocked() == 0 ||
		v.idlePrimary.Cmp(v.params.DeployThresholdWei) < 0 {
		v.logger.Debug("tend skipped, nothing to deploy")
		return nil
	}
	v.lastTend = now

	v.deployIdleLocked()
	for _, entry := range v.strategies {
		if !entry.Active {
			continue
		}
		if err := entry.Strategy.Rebalance(); err != nil {
			v.logger.Warn("rebalance failed", "strategy", entry.ID, "error", err)
		}
	}
	return nil
}

func (v *Vault) deployIdleLocked() {
	deployA := new(big.Int).Set(v.idlePrimary)
	deployB := new(big.Int).Set(v.idleSecondary)
	for _, entry := range v.strategies {
		if !entry.Active || entry.WeightBps == 0 {
			continue
		}
		shareA := new(big.Int).Mul(deployA, big.NewInt(entry.WeightBps))
		shareA.Div(shareA, big.NewInt(BpsDenominator))
		shareB := new(big.Int).Mul(deployB, big.NewInt(entry.WeightBps))
		shareB.Div(shareB, big.NewInt(BpsDenominator))
		if shareA.Sign() == 0 && shareB.Sign() == 0 {
			continue
		}

		credited, err := entry.Strategy.Deposit(shareA, shareB)
		if err != nil {
			v.logger.Warn("strategy deposit failed", "strategy", entry.ID, "error", err)
			continue
		}
		if credited == nil || credited.Sign() == 0 {
			credited = new(big.Int).Add(shareA, v.oracle.mustValuePrimary(shareB))
		}
		v.idlePrimary.Sub(v.idlePrimary, shareA)
		v.idleSecondary.Sub(v.idleSecondary, shareB)
		entry.Debt.Add(entry.Debt, credited)
		v.totalDebt.Add(v.totalDebt, credited)
		v.logger.Info("capital deployed", "strategy", entry.ID,
			"primary", shareA.String(), "secondary", shareB.String(),
			"credited", credited.String())
	}
}

// TendTrigger reports whether a keeper should call Tend now, with the
// reason. Cheap enough to poll from an off-ledger loop.
func (v *Vault) TendTrigger() (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.shutdown {
		return false, "vault is shutdown"
	}
	if !v.lastTend.IsZero() && v.now().Sub(v.lastTend) < v.params.MinTendInterval {
		return false, "tend interval not elapsed"
	}
	if v.activeWeightLocked() == 0 {
		return false, "no active strategies"
	}
	if v.idlePrimary.Cmp(v.params.DeployThresholdWei) < 0 {
		return false, "idle below deploy threshold"
	}
	return true, "idle above deploy threshold"
}

func (v *Vault) activeWeightLocked() int64 {
	var sum int64
	for _, entry := range v.strategies {
		if entry.Active {
			sum += entry.WeightBps
		}
	}
	return sum
}

func (v *Vault) findActiveLocked(id string) *StrategyEntry {
	for _, entry := range v.strategies {
		if entry.Active && entry.ID == id {
			return entry
		}
	}
	return nil
}
