package poller

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"escrowpresale/internal/catalog"
	"escrowpresale/internal/chain"
	"escrowpresale/internal/pricing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neilotoole/slogt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	presaleAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	account     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdcAddr    = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
)

var eth = pricing.ResolvedCurrency{Symbol: "ETH", Address: catalog.NativeAddress, IsNative: true, Decimals: 18, IsActive: true}

var usdc = pricing.ResolvedCurrency{Symbol: "USDC", Address: usdcAddr.Hex(), Decimals: 6, IsActive: true}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newFake() *chain.FakeClient {
	f := chain.NewFakeClient(presaleAddr)
	f.Native[account] = ether(3)
	f.Purchased[account] = ether(1200)
	f.Stats = chain.Supply{
		MaxTokens: ether(1_000_000),
		Minted:    ether(250),
		CanClaim:  true,
		// 66.666... tokens per USD
		PresaleRate: new(big.Int).Div(ether(200), big.NewInt(3)),
	}
	return f
}

func TestUnitPrice(t *testing.T) {
	rate := new(big.Int).Div(ether(200), big.NewInt(3))
	got := UnitPrice(rate, DefaultUnitPrice)
	require.False(t, got.Degraded)
	require.True(t, got.Value.Equal(decimal.RequireFromString("0.015")), got.Value.String())

	got = UnitPrice(big.NewInt(0), DefaultUnitPrice)
	require.True(t, got.Degraded)
	require.True(t, got.Value.Equal(DefaultUnitPrice))

	got = UnitPrice(nil, DefaultUnitPrice)
	require.True(t, got.Degraded)
}

func TestInitialSnapshotUsesFallbacks(t *testing.T) {
	p := New(newFake(), Config{Logger: slogt.New(t)})
	snap := p.Snapshot()
	require.False(t, snap.Connected)
	require.True(t, snap.MaxSupply.Value.Equal(FallbackMaxSupply))
	require.True(t, snap.UnitPrice.Value.Equal(DefaultUnitPrice))
	require.True(t, snap.Balance.Degraded)
}

func TestRefreshSupply(t *testing.T) {
	p := New(newFake(), Config{Logger: slogt.New(t)})
	require.NoError(t, p.RefreshSupply(context.Background()))

	snap := p.Snapshot()
	require.True(t, snap.MaxSupply.Value.Equal(decimal.NewFromInt(1_000_000)))
	require.True(t, snap.Minted.Value.Equal(decimal.NewFromInt(250)))
	require.True(t, snap.CanClaim.Value)
	require.False(t, snap.CanClaim.Degraded)
	require.True(t, snap.UnitPrice.Value.Equal(decimal.RequireFromString("0.015")))
}

func TestRefreshSupplyHoldsLastKnownGood(t *testing.T) {
	fake := newFake()
	p := New(fake, Config{Logger: slogt.New(t)})
	require.NoError(t, p.RefreshSupply(context.Background()))

	fake.Errs["SupplyStats"] = errors.New("node unreachable")
	require.Error(t, p.RefreshSupply(context.Background()))

	snap := p.Snapshot()
	require.True(t, snap.Minted.Degraded)
	require.Equal(t, "node unreachable", snap.Minted.Reason)
	require.True(t, snap.Minted.Value.Equal(decimal.NewFromInt(250)))
	require.True(t, snap.CanClaim.Value)
}

func TestStartRefreshesBalancesImmediately(t *testing.T) {
	p := New(newFake(), Config{Interval: time.Hour, Logger: slogt.New(t)})
	p.Start(context.Background(), Target{Account: account, Currency: eth})
	defer p.Stop()

	snap := p.Snapshot()
	require.True(t, snap.Connected)
	require.Equal(t, account.Hex(), snap.Account)
	require.False(t, snap.Balance.Degraded)
	require.True(t, snap.Balance.Value.Equal(decimal.NewFromInt(3)))
	require.True(t, snap.Purchased.Value.Equal(decimal.NewFromInt(1200)))
}

func TestTokenWithoutCodeReadsAsZero(t *testing.T) {
	p := New(newFake(), Config{Interval: time.Hour, Logger: slogt.New(t)})
	p.Start(context.Background(), Target{Account: account, Currency: usdc})
	defer p.Stop()

	snap := p.Snapshot()
	require.True(t, snap.Balance.Degraded)
	require.True(t, snap.Balance.Value.IsZero())
	require.False(t, snap.Purchased.Degraded)
}

func TestTokenBalanceUsesCurrencyDecimals(t *testing.T) {
	fake := newFake()
	fake.Tokens[usdcAddr] = map[common.Address]*big.Int{account: big.NewInt(2_500_000)}
	p := New(fake, Config{Interval: time.Hour, Logger: slogt.New(t)})
	p.Start(context.Background(), Target{Account: account, Currency: eth})
	defer p.Stop()

	p.SetCurrency(usdc)
	require.True(t, p.Snapshot().Balance.Degraded)
	require.NoError(t, p.RefreshBalances(context.Background()))
	require.True(t, p.Snapshot().Balance.Value.Equal(decimal.RequireFromString("2.5")))
}

func TestBalanceFailureHoldsValue(t *testing.T) {
	fake := newFake()
	p := New(fake, Config{Interval: time.Hour, Logger: slogt.New(t)})
	p.Start(context.Background(), Target{Account: account, Currency: eth})
	defer p.Stop()

	fake.Errs["NativeBalance"] = errors.New("timeout")
	require.Error(t, p.RefreshBalances(context.Background()))

	snap := p.Snapshot()
	require.True(t, snap.Balance.Degraded)
	require.True(t, snap.Balance.Value.Equal(decimal.NewFromInt(3)))
	require.False(t, snap.Purchased.Degraded)
}

func TestStopClearsBalancesAndIsIdempotent(t *testing.T) {
	p := New(newFake(), Config{Interval: time.Hour, Logger: slogt.New(t)})
	p.Stop()

	p.Start(context.Background(), Target{Account: account, Currency: eth})
	require.True(t, p.Running())
	p.Stop()
	p.Stop()
	require.False(t, p.Running())

	snap := p.Snapshot()
	require.False(t, snap.Connected)
	require.True(t, snap.Balance.Value.IsZero())
	require.NoError(t, p.RefreshBalances(context.Background()))
}

func TestStartSurvivesCallerContext(t *testing.T) {
	counter := &countingReader{Reader: newFake()}
	p := New(counter, Config{Interval: 5 * time.Millisecond, Logger: slogt.New(t)})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, Target{Account: account, Currency: eth})
	cancel()

	require.Eventually(t, func() bool { return counter.supplyCalls() >= 2 }, time.Second, 5*time.Millisecond)
	p.Stop()
}

func TestNoReadsAfterRepeatedConnectCycles(t *testing.T) {
	counter := &countingReader{Reader: newFake()}
	p := New(counter, Config{Interval: 5 * time.Millisecond, Logger: slogt.New(t)})

	for i := 0; i < 3; i++ {
		p.Start(context.Background(), Target{Account: account, Currency: eth})
		p.Start(context.Background(), Target{Account: account, Currency: eth})
		p.Stop()
	}
	require.False(t, p.Running())

	before := counter.supplyCalls()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, before, counter.supplyCalls())
}

type countingReader struct {
	Reader
	supply atomic.Int64
}

func (c *countingReader) SupplyStats(ctx context.Context) (chain.Supply, error) {
	c.supply.Add(1)
	return c.Reader.SupplyStats(ctx)
}

func (c *countingReader) supplyCalls() int64 {
	return c.supply.Load()
}

func TestConcurrentStartsLeaveOneLoop(t *testing.T) {
	counter := &countingReader{Reader: newFake()}
	p := New(counter, Config{Interval: time.Millisecond, Logger: slogt.New(t)})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start(context.Background(), Target{Account: account, Currency: eth})
		}()
	}
	wg.Wait()
	require.True(t, p.Running())

	p.Stop()
	require.False(t, p.Running())

	before := counter.supplyCalls()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, counter.supplyCalls(), "a loop kept polling after Stop")
}

// stallingReader blocks native balance reads while armed.
type stallingReader struct {
	Reader
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingReader) NativeBalance(ctx context.Context, acct common.Address) (*big.Int, error) {
	if s.armed.Load() {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Reader.NativeBalance(ctx, acct)
}

func TestCurrencySwitchDiscardsInFlightBalance(t *testing.T) {
	fake := newFake()
	fake.Tokens[usdcAddr] = map[common.Address]*big.Int{account: big.NewInt(5_000_000)}
	reader := &stallingReader{Reader: fake, entered: make(chan struct{}), release: make(chan struct{})}
	p := New(reader, Config{Interval: time.Hour, Logger: slogt.New(t)})
	p.Start(context.Background(), Target{Account: account, Currency: eth})
	defer p.Stop()

	reader.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- p.RefreshBalances(context.Background()) }()
	<-reader.entered

	p.SetCurrency(usdc)
	close(reader.release)
	require.NoError(t, <-done)

	snap := p.Snapshot()
	require.Equal(t, "USDC", snap.Currency)
	require.True(t, snap.Balance.Degraded)
	require.True(t, snap.Balance.Value.IsZero(), "ETH balance leaked into the USDC view")

	reader.armed.Store(false)
	require.NoError(t, p.RefreshBalances(context.Background()))
	snap = p.Snapshot()
	require.False(t, snap.Balance.Degraded)
	require.True(t, snap.Balance.Value.Equal(decimal.NewFromInt(5)))
}
