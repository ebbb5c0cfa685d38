package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulated collaborators for development mode and tests. They share one
// SimBank so the custody balance the vault reconciles against always
// reflects swap and strategy flows, the way a real settlement layer would.

// SimBank is a shared in-memory token ledger keyed by holder and asset.
type SimBank struct {
	mu       sync.Mutex
	accounts map[string]map[string]*big.Int
}

// NewSimBank creates an empty bank.
func NewSimBank() *SimBank {
	return &SimBank{accounts: make(map[string]map[string]*big.Int)}
}

func (b *SimBank) account(holder, asset string) *big.Int {
	assets, ok := b.accounts[holder]
	if !ok {
		assets = make(map[string]*big.Int)
		b.accounts[holder] = assets
	}
	bal, ok := assets[asset]
	if !ok {
		bal = big.NewInt(0)
		assets[asset] = bal
	}
	return bal
}

// Mint credits a holder out of thin air.
func (b *SimBank) Mint(holder, asset string, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account(holder, asset).Add(b.account(holder, asset), amount)
}

// Burn debits a holder without a counterparty.
func (b *SimBank) Burn(holder, asset string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debit(holder, asset, amount)
}

// Balance reads a holder's balance.
func (b *SimBank) Balance(holder, asset string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.account(holder, asset))
}

// Move transfers between holders.
func (b *SimBank) Move(from, to, asset string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(from, asset, amount); err != nil {
		return err
	}
	b.account(to, asset).Add(b.account(to, asset), amount)
	return nil
}

func (b *SimBank) debit(holder, asset string, amount *big.Int) error {
	bal := b.account(holder, asset)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%s holds %s %s, needs %s: %w", holder, bal, asset, amount, ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

// SimCustody adapts the bank to the vault's custody contract. The vault's
// own funds live under the configured account name.
type SimCustody struct {
	bank         *SimBank
	vaultAccount string
}

// NewSimCustody wraps the bank for a vault account.
func NewSimCustody(bank *SimBank, vaultAccount string) *SimCustody {
	return &SimCustody{bank: bank, vaultAccount: vaultAccount}
}

func (c *SimCustody) Balance(asset string) (*big.Int, error) {
	return c.bank.Balance(c.vaultAccount, asset), nil
}

func (c *SimCustody) Pull(from, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return c.bank.Move(from, c.vaultAccount, asset, amount)
}

func (c *SimCustody) Push(to, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return c.bank.Move(c.vaultAccount, to, asset, amount)
}

// SimPriceFeed returns whatever reading it was last given.
type SimPriceFeed struct {
	mu      sync.Mutex
	reading FeedReading
	err     error
}

// NewSimPriceFeed starts at the peg with a fresh timestamp.
func NewSimPriceFeed() *SimPriceFeed {
	return &SimPriceFeed{reading: FeedReading{
		Price:     decimal.NewFromInt(1),
		UpdatedAt: time.Now(),
		Decimals:  18,
	}}
}

func (f *SimPriceFeed) Latest() (FeedReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.err
}

// Set replaces the reading.
func (f *SimPriceFeed) Set(price decimal.Decimal, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reading = FeedReading{Price: price, UpdatedAt: updatedAt, Decimals: 18}
	f.err = nil
}

// Fail makes every read return the error.
func (f *SimPriceFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SimPool reports a constant tick and spot rate.
type SimPool struct {
	mu   sync.Mutex
	tick int64
	spot decimal.Decimal
	err  error
}

// NewSimPool starts at tick zero, spot 1.
func NewSimPool() *SimPool {
	return &SimPool{spot: decimal.NewFromInt(1)}
}

func (p *SimPool) Observe(secondsAgo []uint32) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make([]int64, len(secondsAgo))
	for i, ago := range secondsAgo {
		// Cumulative tick at time t is tick * t; oldest observation first.
		out[i] = -p.tick * int64(ago)
	}
	return out, nil
}

func (p *SimPool) SpotRate() (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return decimal.Zero, p.err
	}
	return p.spot, nil
}

// Set pins the tick and spot rate.
func (p *SimPool) Set(tick int64, spot decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick = tick
	p.spot = spot
	p.err = nil
}

// Fail makes every observation return the error.
func (p *SimPool) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SimRouter swaps against the bank at a fixed rate table with a fee.
type SimRouter struct {
	mu           sync.Mutex
	bank         *SimBank
	vaultAccount string
	rates        map[string]decimal.Decimal
	feeBps       int64
}

// NewSimRouter swaps the vault account's funds at the given rates,
// keyed "in->out".
func NewSimRouter(bank *SimBank, vaultAccount string) *SimRouter {
	return &SimRouter{
		bank:         bank,
		vaultAccount: vaultAccount,
		rates:        make(map[string]decimal.Decimal),
	}
}

// SetRate pins the in->out conversion rate.
func (r *SimRouter) SetRate(tokenIn, tokenOut string, rate decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[tokenIn+"->"+tokenOut] = rate
}

// SetFee applies a flat fee to every swap.
func (r *SimRouter) SetFee(feeBps int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeBps = feeBps
}

func (r *SimRouter) SwapExactIn(tokenIn, tokenOut string, amountIn, minOut *big.Int, recipient string) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rate, ok := r.rates[tokenIn+"->"+tokenOut]
	if !ok {
		return nil, fmt.Errorf("no route %s->%s", tokenIn, tokenOut)
	}
	out := mulRate(amountIn, rate)
	if r.feeBps > 0 {
		out.Mul(out, big.NewInt(BpsDenominator-r.feeBps))
		out.Div(out, big.NewInt(BpsDenominator))
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("output %s below minimum %s", out, minOut)
	}
	if err := r.bank.Burn(r.vaultAccount, tokenIn, amountIn); err != nil {
		return nil, err
	}
	r.bank.Mint(r.vaultAccount, tokenOut, out)
	return out, nil
}

// SimStrategy holds deployed capital in its own bank account and lets
// tests inject yield or losses.
type SimStrategy struct {
	mu             sync.Mutex
	bank           *SimBank
	id             string
	vaultAccount   string
	primaryAsset   string
	secondaryAsset string

	depositErr  error
	withdrawErr error
	reportErr   error
	rebalanced  int
}

// NewSimStrategy creates a strategy backed by the shared bank.
func NewSimStrategy(bank *SimBank, id, vaultAccount, primaryAsset, secondaryAsset string) *SimStrategy {
	return &SimStrategy{
		bank:           bank,
		id:             id,
		vaultAccount:   vaultAccount,
		primaryAsset:   primaryAsset,
		secondaryAsset: secondaryAsset,
	}
}

func (s *SimStrategy) GetTotalAmounts() (*big.Int, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportErr != nil {
		return nil, nil, s.reportErr
	}
	return s.bank.Balance(s.id, s.primaryAsset), s.bank.Balance(s.id, s.secondaryAsset), nil
}

func (s *SimStrategy) Deposit(primary, secondary *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depositErr != nil {
		return nil, s.depositErr
	}
	if primary != nil && primary.Sign() > 0 {
		if err := s.bank.Move(s.vaultAccount, s.id, s.primaryAsset, primary); err != nil {
			return nil, err
		}
	}
	if secondary != nil && secondary.Sign() > 0 {
		if err := s.bank.Move(s.vaultAccount, s.id, s.secondaryAsset, secondary); err != nil {
			return nil, err
		}
	}
	credited := big.NewInt(0)
	if primary != nil {
		credited.Add(credited, primary)
	}
	if secondary != nil {
		credited.Add(credited, secondary)
	}
	return credited, nil
}

func (s *SimStrategy) Withdraw(value *big.Int) (*big.Int, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withdrawErr != nil {
		return nil, nil, s.withdrawErr
	}
	holdA := s.bank.Balance(s.id, s.primaryAsset)
	give := new(big.Int).Set(value)
	if give.Cmp(holdA) > 0 {
		give.Set(holdA)
	}
	if give.Sign() > 0 {
		if err := s.bank.Move(s.id, s.vaultAccount, s.primaryAsset, give); err != nil {
			return nil, nil, err
		}
	}
	// Secondary holdings cover what the primary side could not.
	short := new(big.Int).Sub(value, give)
	giveB := big.NewInt(0)
	if short.Sign() > 0 {
		holdB := s.bank.Balance(s.id, s.secondaryAsset)
		giveB.Set(short)
		if giveB.Cmp(holdB) > 0 {
			giveB.Set(holdB)
		}
		if giveB.Sign() > 0 {
			if err := s.bank.Move(s.id, s.vaultAccount, s.secondaryAsset, giveB); err != nil {
				return nil, nil, err
			}
		}
	}
	return give, giveB, nil
}

func (s *SimStrategy) Rebalance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebalanced++
	return nil
}

// Accrue simulates yield by minting profit into the strategy's account.
func (s *SimStrategy) Accrue(primaryProfit *big.Int) {
	s.bank.Mint(s.id, s.primaryAsset, primaryProfit)
}

// Slash simulates a loss by burning part of the strategy's holdings.
func (s *SimStrategy) Slash(primaryLoss *big.Int) error {
	return s.bank.Burn(s.id, s.primaryAsset, primaryLoss)
}

// FailDeposit, FailWithdraw and FailReport arm the corresponding error.
func (s *SimStrategy) FailDeposit(err error)  { s.mu.Lock(); s.depositErr = err; s.mu.Unlock() }
func (s *SimStrategy) FailWithdraw(err error) { s.mu.Lock(); s.withdrawErr = err; s.mu.Unlock() }
func (s *SimStrategy) FailReport(err error)   { s.mu.Lock(); s.reportErr = err; s.mu.Unlock() }

// Rebalanced reports how many times Rebalance ran.
func (s *SimStrategy) Rebalanced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebalanced
}
