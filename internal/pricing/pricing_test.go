package pricing

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"escrowpresale/internal/catalog"
	"escrowpresale/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neilotoole/slogt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTokenAmountExample(t *testing.T) {
	got := TokenAmount("2", dec("4200"), dec("0.015"))
	require.True(t, got.Equal(dec("560000")), "got %s", got)
}

func TestTokenAmountDegenerate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		amount string
		price  decimal.Decimal
		unit   decimal.Decimal
	}{
		{"zero amount", "0", dec("4200"), dec("0.015")},
		{"empty amount", "", dec("4200"), dec("0.015")},
		{"garbage amount", "abc", dec("4200"), dec("0.015")},
		{"negative amount", "-1", dec("4200"), dec("0.015")},
		{"zero price", "5", decimal.Zero, dec("0.015")},
		{"zero unit price", "5", dec("4200"), decimal.Zero},
		{"negative unit price", "5", dec("4200"), dec("-1")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, TokenAmount(tc.amount, tc.price, tc.unit).IsZero())
		})
	}
}

func TestNewIntentIsIdempotent(t *testing.T) {
	cur := ResolvedCurrency{Symbol: "USDC", PriceUSD: dec("1"), Decimals: 6, IsActive: true}
	a := NewIntent("150", cur, dec("0.015"))
	b := NewIntent("150", cur, dec("0.015"))
	require.True(t, a.TokenAmount.Equal(b.TokenAmount))
	require.True(t, a.USDValue.Equal(dec("150")))
	require.True(t, a.TokenAmount.Equal(dec("10000")))
}

func TestToBaseUnits(t *testing.T) {
	v, err := ToBaseUnits(dec("1.5"), 6)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_500_000), v)

	_, err = ToBaseUnits(dec("0.0000001"), 6)
	require.ErrorIs(t, err, ErrTooPrecise)

	require.True(t, FromBaseUnits(big.NewInt(420_000_000_000), PriceDecimals).Equal(dec("4200")))
	require.True(t, FromBaseUnits(nil, 18).IsZero())
}

func TestResolverPartialFailure(t *testing.T) {
	cat := catalog.Default()
	fake := chain.NewFakeClient(common.HexToAddress("0xaa"))
	for _, def := range cat.All() {
		fake.Prices[def.ContractAddress()] = chain.TokenPrice{PriceUSD: big.NewInt(100_000_000), IsActive: true, Decimals: uint8(def.DefaultDecimals)}
	}
	link, err := cat.BySymbol("LINK")
	require.NoError(t, err)
	fake.Errs["TokenPrice:"+link.ContractAddress().Hex()] = errors.New("rpc timeout")

	r := NewResolver(cat, fake, true, slogt.New(t))
	meta, warn := r.Refresh(context.Background())

	require.Error(t, warn)
	require.Len(t, multierr.Errors(warn), 1)
	require.Len(t, meta, cat.Len())

	got := meta[link.Key()]
	require.True(t, got.Degraded)
	require.True(t, got.Value.PriceUSD.Equal(link.FallbackPriceUSD))

	weth, err := cat.BySymbol("WETH")
	require.NoError(t, err)
	require.False(t, meta[weth.Key()].Degraded)
	require.True(t, meta[weth.Key()].Value.PriceUSD.Equal(dec("1")))
}

func TestResolverZeroValuesKeepDefaults(t *testing.T) {
	cat := catalog.Default()
	fake := chain.NewFakeClient(common.HexToAddress("0xaa"))
	wbtc, err := cat.BySymbol("WBTC")
	require.NoError(t, err)
	for _, def := range cat.All() {
		fake.Prices[def.ContractAddress()] = chain.TokenPrice{PriceUSD: big.NewInt(0), IsActive: false, Decimals: 0}
	}
	fake.Decimals[wbtc.ContractAddress()] = 8

	meta, warn := NewResolver(cat, fake, true, slogt.New(t)).Refresh(context.Background())
	require.NoError(t, warn)

	got := meta[wbtc.Key()].Value
	require.True(t, got.PriceUSD.Equal(wbtc.FallbackPriceUSD))
	require.Equal(t, 8, got.Decimals)
	require.False(t, got.IsActive)

	usdc, err := cat.BySymbol("USDC")
	require.NoError(t, err)
	require.Equal(t, 6, meta[usdc.Key()].Value.Decimals)
}

func TestResolverDisabledSkipsNetwork(t *testing.T) {
	cat := catalog.Default()
	fake := chain.NewFakeClient(common.Address{})
	fake.Errs["TokenPrice"] = errors.New("must not be called")

	meta, warn := NewResolver(cat, fake, false, slogt.New(t)).Refresh(context.Background())
	require.NoError(t, warn)
	for _, c := range Resolve(cat, meta) {
		def, err := cat.BySymbol(c.Symbol)
		require.NoError(t, err)
		require.True(t, c.PriceUSD.Equal(def.FallbackPriceUSD))
		require.Equal(t, def.DefaultDecimals, c.Decimals)
		require.True(t, c.Degraded)
	}
}

func TestResolveFillsMissingEntries(t *testing.T) {
	cat := catalog.Default()
	list := Resolve(cat, Metadata{})
	require.Len(t, list, cat.Len())
	for _, c := range list {
		require.True(t, c.PriceUSD.IsPositive())
		require.NotZero(t, c.Decimals)
	}
}

func TestReconcileSelection(t *testing.T) {
	list := []ResolvedCurrency{
		{Symbol: "ETH", IsActive: false},
		{Symbol: "WETH", IsActive: false},
		{Symbol: "LINK", IsActive: true},
		{Symbol: "USDC", IsActive: true},
	}

	got, ok := ReconcileSelection(list, "USDC")
	require.True(t, ok)
	require.Equal(t, "USDC", got)

	got, ok = ReconcileSelection(list, "ETH")
	require.True(t, ok)
	require.Equal(t, "LINK", got)

	for i := range list {
		list[i].IsActive = false
	}
	got, ok = ReconcileSelection(list, "ETH")
	require.False(t, ok)
	require.Empty(t, got)
}
