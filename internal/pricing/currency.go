package pricing

import (
	"escrowpresale/internal/catalog"

	"github.com/shopspring/decimal"
)

// ResolvedCurrency merges a catalog definition with its current metadata.
type ResolvedCurrency struct {
	Name     string          `json:"name"`
	Symbol   string          `json:"symbol"`
	Address  string          `json:"address"`
	IsNative bool            `json:"isNative"`
	Decimals int             `json:"decimals"`
	PriceUSD decimal.Decimal `json:"priceUsd"`
	IsActive bool            `json:"isActive"`
	Degraded bool            `json:"degraded"`
	Reason   string          `json:"reason,omitempty"`
}

// Resolve lists currencies in catalog order. Entries missing from meta take
// the catalog fallback, so no field is ever unset.
func Resolve(cat *catalog.Catalog, meta Metadata) []ResolvedCurrency {
	defs := cat.All()
	out := make([]ResolvedCurrency, 0, len(defs))
	for _, def := range defs {
		entry, ok := meta[def.Key()]
		if !ok {
			entry = Degraded(fallbackEntry(def), "no metadata")
		}
		out = append(out, ResolvedCurrency{
			Name:     def.Name,
			Symbol:   def.Symbol,
			Address:  def.Address,
			IsNative: def.IsNative,
			Decimals: entry.Value.Decimals,
			PriceUSD: entry.Value.PriceUSD,
			IsActive: entry.Value.IsActive,
			Degraded: entry.Degraded,
			Reason:   entry.Reason,
		})
	}
	return out
}

// Find returns the currency with the given symbol.
func Find(list []ResolvedCurrency, symbol string) (ResolvedCurrency, bool) {
	for _, c := range list {
		if c.Symbol == symbol {
			return c, true
		}
	}
	return ResolvedCurrency{}, false
}

// ReconcileSelection keeps current while it is active, otherwise moves to the
// first active currency in catalog order. ok is false when none is active.
func ReconcileSelection(list []ResolvedCurrency, current string) (string, bool) {
	if c, found := Find(list, current); found && c.IsActive {
		return current, true
	}
	for _, c := range list {
		if c.IsActive {
			return c.Symbol, true
		}
	}
	return "", false
}
