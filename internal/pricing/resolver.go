package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"escrowpresale/internal/catalog"
	"escrowpresale/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// TokenMetadata is the live (or fallback) pricing entry for one currency.
type TokenMetadata struct {
	PriceUSD decimal.Decimal `json:"priceUsd"`
	Decimals int             `json:"decimals"`
	IsActive bool            `json:"isActive"`
}

// Metadata is keyed by lower-cased contract address (or the native marker).
type Metadata map[string]Result[TokenMetadata]

// PriceReader is the presale oracle plus the token's own decimals().
type PriceReader interface {
	TokenPrice(ctx context.Context, token common.Address) (chain.TokenPrice, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Fallback seeds metadata from catalog defaults.
func Fallback(cat *catalog.Catalog, reason string) Metadata {
	out := make(Metadata, cat.Len())
	for _, def := range cat.All() {
		out[def.Key()] = Degraded(fallbackEntry(def), reason)
	}
	return out
}

func fallbackEntry(def catalog.Definition) TokenMetadata {
	return TokenMetadata{
		PriceUSD: def.FallbackPriceUSD,
		Decimals: def.DefaultDecimals,
		IsActive: def.DefaultActive,
	}
}

type Resolver struct {
	cat     *catalog.Catalog
	reader  PriceReader
	enabled bool
	log     *slog.Logger
}

// NewResolver builds a resolver; enabled=false (unconfigured or placeholder
// presale address) makes Refresh return pure fallback data without network calls.
func NewResolver(cat *catalog.Catalog, reader PriceReader, enabled bool, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cat: cat, reader: reader, enabled: enabled && reader != nil, log: logger}
}

// Refresh reads every currency concurrently. The returned map always has an
// entry per catalog currency; failed reads keep their fallback and are
// reported in the aggregated, non-fatal error.
func (r *Resolver) Refresh(ctx context.Context) (Metadata, error) {
	if !r.enabled {
		return Fallback(r.cat, "presale contract not configured"), nil
	}

	defs := r.cat.All()
	entries := make([]Result[TokenMetadata], len(defs))
	errs := make([]error, len(defs))

	var wg sync.WaitGroup
	for i, def := range defs {
		wg.Add(1)
		go func(i int, def catalog.Definition) {
			defer wg.Done()
			entries[i], errs[i] = r.readOne(ctx, def)
		}(i, def)
	}
	wg.Wait()

	out := make(Metadata, len(defs))
	var warnings error
	for i, def := range defs {
		out[def.Key()] = entries[i]
		if errs[i] != nil {
			r.log.Warn("token price unavailable, using fallback", "currency", def.Symbol, "address", def.Address, "err", errs[i])
			warnings = multierr.Append(warnings, fmt.Errorf("%s: %w", def.Symbol, errs[i]))
		}
	}
	return out, warnings
}

func (r *Resolver) readOne(ctx context.Context, def catalog.Definition) (Result[TokenMetadata], error) {
	fallback := fallbackEntry(def)

	price, err := r.reader.TokenPrice(ctx, def.ContractAddress())
	if err != nil {
		return Degraded(fallback, err.Error()), err
	}

	meta := TokenMetadata{
		PriceUSD: fallback.PriceUSD,
		Decimals: int(price.Decimals),
		IsActive: price.IsActive,
	}
	if usd := FromBaseUnits(price.PriceUSD, PriceDecimals); usd.IsPositive() {
		meta.PriceUSD = usd
	}
	if meta.Decimals == 0 {
		meta.Decimals = r.tokenDecimals(ctx, def)
	}
	return Fresh(meta), nil
}

// tokenDecimals asks the ERC-20 itself when the oracle reports zero decimals.
func (r *Resolver) tokenDecimals(ctx context.Context, def catalog.Definition) int {
	if def.IsNative {
		return def.DefaultDecimals
	}
	d, err := r.reader.TokenDecimals(ctx, def.ContractAddress())
	if err != nil || d == 0 {
		return def.DefaultDecimals
	}
	return int(d)
}
