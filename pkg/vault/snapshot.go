package vault

import (
	"fmt"
	"math/big"
	"time"
)

// Snapshot is the persistable ledger state. Strategy implementations are
// live references and are rebound at restore time by ID.
type Snapshot struct {
	RawSupply string            `json:"rawSupply"`
	Balances  map[string]string `json:"balances"`

	IdlePrimary   string `json:"idlePrimary"`
	IdleSecondary string `json:"idleSecondary"`
	TotalDebt     string `json:"totalDebt"`

	Strategies []StrategySnapshot `json:"strategies"`

	LockedAtReport string    `json:"lockedAtReport"`
	LastReport     time.Time `json:"lastReport"`
	VestingEnd     time.Time `json:"vestingEnd"`
	LastTend       time.Time `json:"lastTend"`

	Paused           bool     `json:"paused"`
	Shutdown         bool     `json:"shutdown"`
	WhitelistEnabled bool     `json:"whitelistEnabled"`
	Whitelist        []string `json:"whitelist,omitempty"`

	Roles Roles `json:"roles"`
}

// StrategySnapshot is the persistable slice of a registry entry.
type StrategySnapshot struct {
	ID        string `json:"id"`
	WeightBps int64  `json:"weightBps"`
	Active    bool   `json:"active"`
	Debt      string `json:"debt"`
}

// Snapshot captures the full ledger state.
func (v *Vault) Snapshot() *Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := &Snapshot{
		RawSupply:        v.rawSupply.String(),
		Balances:         make(map[string]string, len(v.balances)),
		IdlePrimary:      v.idlePrimary.String(),
		IdleSecondary:    v.idleSecondary.String(),
		TotalDebt:        v.totalDebt.String(),
		LockedAtReport:   v.lockedAtReport.String(),
		LastReport:       v.lastReport,
		VestingEnd:       v.vestingEnd,
		LastTend:         v.lastTend,
		Paused:           v.paused,
		Shutdown:         v.shutdown,
		WhitelistEnabled: v.whitelistEnabled,
		Roles:            v.roles,
	}
	for addr, bal := range v.balances {
		if bal.Sign() != 0 {
			snap.Balances[addr] = bal.String()
		}
	}
	for addr := range v.whitelist {
		snap.Whitelist = append(snap.Whitelist, addr)
	}
	for _, entry := range v.strategies {
		snap.Strategies = append(snap.Strategies, StrategySnapshot{
			ID:        entry.ID,
			WeightBps: entry.WeightBps,
			Active:    entry.Active,
			Debt:      entry.Debt.String(),
		})
	}
	return snap
}

// Restore replaces the ledger state with a snapshot. Strategies are
// rebound through the resolver; an active snapshot entry with no live
// implementation fails the restore.
func (v *Vault) Restore(snap *Snapshot, resolve func(id string) Strategy) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parse := func(field, s string) (*big.Int, error) {
		if s == "" {
			return big.NewInt(0), nil
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("snapshot field %s: bad integer %q", field, s)
		}
		return n, nil
	}

	rawSupply, err := parse("rawSupply", snap.RawSupply)
	if err != nil {
		return err
	}
	idleA, err := parse("idlePrimary", snap.IdlePrimary)
	if err != nil {
		return err
	}
	idleB, err := parse("idleSecondary", snap.IdleSecondary)
	if err != nil {
		return err
	}
	totalDebt, err := parse("totalDebt", snap.TotalDebt)
	if err != nil {
		return err
	}
	locked, err := parse("lockedAtReport", snap.LockedAtReport)
	if err != nil {
		return err
	}

	balances := make(map[string]*big.Int, len(snap.Balances))
	for addr, s := range snap.Balances {
		bal, err := parse("balance:"+addr, s)
		if err != nil {
			return err
		}
		balances[addr] = bal
	}

	var strategies []*StrategyEntry
	for _, ss := range snap.Strategies {
		debt, err := parse("debt:"+ss.ID, ss.Debt)
		if err != nil {
			return err
		}
		var impl Strategy
		if resolve != nil {
			impl = resolve(ss.ID)
		}
		if ss.Active && impl == nil {
			return fmt.Errorf("no implementation for active strategy %s: %w", ss.ID, ErrStrategyNotFound)
		}
		strategies = append(strategies, &StrategyEntry{
			ID:        ss.ID,
			Strategy:  impl,
			WeightBps: ss.WeightBps,
			Active:    ss.Active,
			Debt:      debt,
		})
	}

	v.rawSupply = rawSupply
	v.balances = balances
	v.idlePrimary = idleA
	v.idleSecondary = idleB
	v.totalDebt = totalDebt
	v.strategies = strategies
	v.lockedAtReport = locked
	v.lastReport = snap.LastReport
	v.vestingEnd = snap.VestingEnd
	v.lastTend = snap.LastTend
	v.paused = snap.Paused
	v.shutdown = snap.Shutdown
	v.whitelistEnabled = snap.WhitelistEnabled
	v.whitelist = make(map[string]bool, len(snap.Whitelist))
	for _, addr := range snap.Whitelist {
		v.whitelist[addr] = true
	}
	v.roles = snap.Roles
	return nil
}
