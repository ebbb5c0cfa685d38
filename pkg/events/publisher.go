// Package events publishes vault lifecycle events over NATS so keepers,
// dashboards and the websocket bridge can follow ledger activity.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

// Subjects, one per event family. Wildcard consumers subscribe to
// "evault.>".
const (
	SubjectDeposit    = "evault.deposit"
	SubjectWithdrawal = "evault.withdrawal"
	SubjectReport     = "evault.report"
	SubjectTend       = "evault.tend"
	SubjectLifecycle  = "evault.lifecycle"
	SubjectStrategy   = "evault.strategy"
)

// Event is the wire envelope for every published message.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DepositEvent describes one accepted deposit.
type DepositEvent struct {
	Depositor string `json:"depositor"`
	Receiver  string `json:"receiver"`
	Assets    string `json:"assets"`
	Shares    string `json:"shares"`
	Dual      bool   `json:"dual,omitempty"`
}

// WithdrawalEvent describes one fulfilled withdrawal.
type WithdrawalEvent struct {
	Owner    string `json:"owner"`
	Receiver string `json:"receiver"`
	Shares   string `json:"shares"`
	Payout   string `json:"payout"`
	LossBps  int64  `json:"lossBps"`
}

// ReportEvent describes one completed report cycle.
type ReportEvent struct {
	Profit       string `json:"profit"`
	Loss         string `json:"loss"`
	FeeShares    string `json:"feeShares"`
	LockedShares string `json:"lockedShares"`
	TotalAssets  string `json:"totalAssets"`
	TotalSupply  string `json:"totalSupply"`
}

// LifecycleEvent describes pause, shutdown and role changes.
type LifecycleEvent struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// StrategyEvent describes registry changes and tend deployments.
type StrategyEvent struct {
	Strategy string `json:"strategy"`
	Action   string `json:"action"`
	Amount   string `json:"amount,omitempty"`
}

// Publisher emits events to NATS. A nil Publisher is safe to call and
// drops everything, so wiring stays unconditional.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// Connect dials the NATS server with unbounded reconnects.
func Connect(url string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", "url", url)
	return &Publisher{nc: nc, logger: logger}, nil
}

// NewWithConn wraps an existing connection, used by tests.
func NewWithConn(nc *nats.Conn, logger log.Logger) *Publisher {
	return &Publisher{nc: nc, logger: logger}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}

func (p *Publisher) publish(subject, eventType string, payload any) {
	if p == nil || p.nc == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("encode event", "type", eventType, "error", err)
		return
	}
	data, err := json.Marshal(Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: raw})
	if err != nil {
		p.logger.Error("encode envelope", "type", eventType, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

// Deposit publishes a deposit event.
func (p *Publisher) Deposit(e DepositEvent) { p.publish(SubjectDeposit, "deposit", e) }

// Withdrawal publishes a withdrawal event.
func (p *Publisher) Withdrawal(e WithdrawalEvent) { p.publish(SubjectWithdrawal, "withdrawal", e) }

// Report publishes a report event.
func (p *Publisher) Report(e ReportEvent) { p.publish(SubjectReport, "report", e) }

// Tend publishes a tend event.
func (p *Publisher) Tend(e StrategyEvent) { p.publish(SubjectTend, "tend", e) }

// Lifecycle publishes a lifecycle event.
func (p *Publisher) Lifecycle(e LifecycleEvent) { p.publish(SubjectLifecycle, "lifecycle", e) }

// Strategy publishes a registry event.
func (p *Publisher) Strategy(e StrategyEvent) { p.publish(SubjectStrategy, "strategy", e) }
