package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"escrowpresale/internal/chain"
	"escrowpresale/internal/pricing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Presale figures are 18-decimal fixed point.
const figureDecimals = 18

var (
	DefaultInterval  = 120 * time.Second
	DefaultUnitPrice = decimal.RequireFromString("0.015")
	// FallbackMaxSupply is shown until maxTokensToMint has been read.
	FallbackMaxSupply = decimal.NewFromInt(5_000_000_000)
)

type Reader interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	TotalPurchased(ctx context.Context, user common.Address) (*big.Int, error)
	SupplyStats(ctx context.Context) (chain.Supply, error)
}

// Target is the connected account and the currency whose balance is shown.
type Target struct {
	Account  common.Address
	Currency pricing.ResolvedCurrency
}

// Snapshot is the last-known-good view. A failed read keeps the previous
// value and marks it degraded.
type Snapshot struct {
	Connected bool                            `json:"connected"`
	Account   string                          `json:"account,omitempty"`
	Currency  string                          `json:"currency,omitempty"`
	Balance   pricing.Result[decimal.Decimal] `json:"balance"`
	Purchased pricing.Result[decimal.Decimal] `json:"purchased"`
	MaxSupply pricing.Result[decimal.Decimal] `json:"maxSupply"`
	Minted    pricing.Result[decimal.Decimal] `json:"minted"`
	CanClaim  pricing.Result[bool]            `json:"canClaim"`
	UnitPrice pricing.Result[decimal.Decimal] `json:"unitPriceUsd"`
	BalanceAt time.Time                       `json:"balanceAt,omitempty"`
	SupplyAt  time.Time                       `json:"supplyAt,omitempty"`
}

type Config struct {
	Interval time.Duration
	// ReadTimeout bounds each refresh; zero leaves reads to the caller's context.
	ReadTimeout   time.Duration
	FallbackPrice decimal.Decimal
	// Observe is told the outcome of every refresh, e.g. for metrics.
	Observe func(kind string, err error)
	Logger  *slog.Logger
}

// Poller keeps balances and supply figures fresh while a wallet is
// connected. It only ever reads; writes belong to the purchase machine.
type Poller struct {
	reader   Reader
	interval time.Duration
	timeout  time.Duration
	fallback decimal.Decimal
	observe  func(string, error)
	log      *slog.Logger

	// lifecycle serialises Start and Stop so only one loop ever runs.
	lifecycle sync.Mutex

	mu     sync.Mutex
	snap   Snapshot
	target *Target
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func New(reader Reader, cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	fallback := cfg.FallbackPrice
	if !fallback.IsPositive() {
		fallback = DefaultUnitPrice
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(string, error) {}
	}
	p := &Poller{
		reader:   reader,
		interval: interval,
		timeout:  cfg.ReadTimeout,
		fallback: fallback,
		observe:  observe,
		log:      logger,
	}
	p.snap = Snapshot{
		MaxSupply: pricing.Degraded(FallbackMaxSupply, "not loaded"),
		Minted:    pricing.Degraded(decimal.Zero, "not loaded"),
		CanClaim:  pricing.Degraded(false, "not loaded"),
		UnitPrice: pricing.Degraded(fallback, "not loaded"),
	}
	p.resetBalances()
	return p
}

// Start stops any running loop, refreshes balances for target once and then
// on every interval until Stop. The loop outlives ctx's cancellation; only
// Stop or a later Start ends it. Concurrent calls leave exactly one loop.
func (p *Poller) Start(ctx context.Context, target Target) {
	p.lifecycle.Lock()
	p.stop()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	p.mu.Lock()
	p.gen++
	t := target
	p.target = &t
	p.cancel = cancel
	p.done = done
	p.snap.Connected = true
	p.snap.Account = target.Account.Hex()
	p.snap.Currency = target.Currency.Symbol
	p.mu.Unlock()

	go p.loop(loopCtx, done)
	p.lifecycle.Unlock()

	_ = p.RefreshBalances(ctx)
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.RefreshBalances(ctx)
			_ = p.RefreshSupply(ctx)
		}
	}
}

// Stop tears the loop down and clears the balance view. Calling it when
// nothing runs is a no-op.
func (p *Poller) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	p.stop()
}

func (p *Poller) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	if p.target != nil {
		p.gen++
		p.target = nil
		p.resetBalances()
	}
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the interval loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// SetCurrency switches the balance being polled without restarting the loop.
func (p *Poller) SetCurrency(c pricing.ResolvedCurrency) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target == nil {
		return
	}
	changed := p.target.Currency.Symbol != c.Symbol
	p.target.Currency = c
	if !changed {
		return
	}
	// Reads already in flight were for the old currency.
	p.gen++
	p.snap.Currency = c.Symbol
	p.snap.Balance = pricing.Degraded(decimal.Zero, "currency changed")
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// RefreshBalances reads the wallet balance of the selected currency and the
// buyer's purchased total. Without a connected wallet it does nothing.
func (p *Poller) RefreshBalances(ctx context.Context) error {
	p.mu.Lock()
	if p.target == nil {
		p.mu.Unlock()
		return nil
	}
	target, gen := *p.target, p.gen
	p.mu.Unlock()

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	balance, balanceErr := p.balance(ctx, target)
	purchased, purchasedErr := p.reader.TotalPurchased(ctx, target.Account)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		// target changed meanwhile
		return nil
	}
	switch {
	case errors.Is(balanceErr, chain.ErrNoContractCode):
		p.snap.Balance = pricing.Degraded(decimal.Zero, balanceErr.Error())
		balanceErr = nil
	case balanceErr != nil:
		p.snap.Balance = pricing.Degraded(p.snap.Balance.Value, balanceErr.Error())
	default:
		p.snap.Balance = pricing.Fresh(pricing.FromBaseUnits(balance, target.Currency.Decimals))
	}
	if purchasedErr != nil {
		p.snap.Purchased = pricing.Degraded(p.snap.Purchased.Value, purchasedErr.Error())
	} else {
		p.snap.Purchased = pricing.Fresh(pricing.FromBaseUnits(purchased, figureDecimals))
	}
	p.snap.BalanceAt = time.Now().UTC()

	err := errors.Join(balanceErr, purchasedErr)
	if err != nil {
		p.log.Warn("balance refresh degraded", "account", target.Account.Hex(), "currency", target.Currency.Symbol, "err", err)
	}
	p.observe("balances", err)
	return err
}

func (p *Poller) balance(ctx context.Context, target Target) (*big.Int, error) {
	if target.Currency.IsNative {
		return p.reader.NativeBalance(ctx, target.Account)
	}
	return p.reader.TokenBalance(ctx, common.HexToAddress(target.Currency.Address), target.Account)
}

// RefreshSupply reads the presale-wide figures. It runs regardless of
// wallet connection.
func (p *Poller) RefreshSupply(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	stats, err := p.reader.SupplyStats(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		reason := err.Error()
		p.snap.MaxSupply = pricing.Degraded(p.snap.MaxSupply.Value, reason)
		p.snap.Minted = pricing.Degraded(p.snap.Minted.Value, reason)
		p.snap.CanClaim = pricing.Degraded(p.snap.CanClaim.Value, reason)
		p.snap.UnitPrice = pricing.Degraded(p.snap.UnitPrice.Value, reason)
		p.log.Warn("supply refresh degraded", "err", err)
		p.observe("supply", err)
		return fmt.Errorf("supply stats: %w", err)
	}

	p.snap.MaxSupply = pricing.Fresh(pricing.FromBaseUnits(stats.MaxTokens, figureDecimals))
	p.snap.Minted = pricing.Fresh(pricing.FromBaseUnits(stats.Minted, figureDecimals))
	p.snap.CanClaim = pricing.Fresh(stats.CanClaim)
	p.snap.UnitPrice = UnitPrice(stats.PresaleRate, p.fallback)
	p.snap.SupplyAt = time.Now().UTC()
	p.observe("supply", nil)
	return nil
}

// UnitPrice converts presaleRate (tokens per USD, 18 decimals) into USD per
// token rounded to 3 places. A non-positive rate yields the fallback.
func UnitPrice(rate *big.Int, fallback decimal.Decimal) pricing.Result[decimal.Decimal] {
	r := pricing.FromBaseUnits(rate, figureDecimals)
	if !r.IsPositive() {
		return pricing.Degraded(fallback, "presale rate not positive")
	}
	price := decimal.NewFromInt(1).DivRound(r, 3)
	if !price.IsPositive() {
		return pricing.Degraded(fallback, "unit price rounds to zero")
	}
	return pricing.Fresh(price)
}

func (p *Poller) resetBalances() {
	p.snap.Connected = false
	p.snap.Account = ""
	p.snap.Currency = ""
	p.snap.Balance = pricing.Degraded(decimal.Zero, "wallet not connected")
	p.snap.Purchased = pricing.Degraded(decimal.Zero, "wallet not connected")
	p.snap.BalanceAt = time.Time{}
}

func (p *Poller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}
