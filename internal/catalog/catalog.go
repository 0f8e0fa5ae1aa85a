package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeAddress marks the chain's native currency in place of a token contract.
const NativeAddress = "0x0000000000000000000000000000000000000000"

// Definition is a static, process-wide payment instrument.
type Definition struct {
	Name             string
	Symbol           string
	Address          string
	IsNative         bool
	DefaultDecimals  int
	FallbackPriceUSD decimal.Decimal
	DefaultActive    bool
}

// Key returns the lower-cased address used to index token metadata.
func (d Definition) Key() string {
	return strings.ToLower(d.Address)
}

// ContractAddress returns the address passed to contracts as the payment token.
func (d Definition) ContractAddress() common.Address {
	if d.IsNative {
		return common.HexToAddress(NativeAddress)
	}
	return common.HexToAddress(d.Address)
}

var defaults = []Definition{
	{Name: "Ethereum", Symbol: "ETH", Address: NativeAddress, IsNative: true, DefaultDecimals: 18, FallbackPriceUSD: decimal.NewFromInt(4200), DefaultActive: true},
	{Name: "Wrapped Ethereum", Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", DefaultDecimals: 18, FallbackPriceUSD: decimal.NewFromInt(4200), DefaultActive: true},
	{Name: "Wrapped BNB", Symbol: "WBNB", Address: "0x418D75f65a02b3D53B2418FB8E1fe493759c7605", DefaultDecimals: 18, FallbackPriceUSD: decimal.NewFromInt(1000), DefaultActive: true},
	{Name: "Chainlink", Symbol: "LINK", Address: "0x514910771AF9Ca656af840dff83E8264EcF986CA", DefaultDecimals: 18, FallbackPriceUSD: decimal.NewFromInt(20), DefaultActive: true},
	{Name: "Wrapped Bitcoin", Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", DefaultDecimals: 8, FallbackPriceUSD: decimal.NewFromInt(45000), DefaultActive: true},
	{Name: "USD Coin", Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", DefaultDecimals: 6, FallbackPriceUSD: decimal.NewFromInt(1), DefaultActive: true},
	{Name: "Tether USD", Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", DefaultDecimals: 6, FallbackPriceUSD: decimal.NewFromInt(1), DefaultActive: true},
}

var (
	ErrDuplicateSymbol  = errors.New("duplicate currency symbol")
	ErrDuplicateAddress = errors.New("duplicate currency address")
	ErrUnknownCurrency  = errors.New("unknown currency")
)

// Catalog is an ordered, immutable list of currency definitions.
type Catalog struct {
	defs     []Definition
	bySymbol map[string]int
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(defaults)
	if err != nil {
		panic(err)
	}
	return c
}

// New validates that symbols and addresses are unique (addresses case-insensitively).
func New(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		defs:     make([]Definition, len(defs)),
		bySymbol: make(map[string]int, len(defs)),
	}
	copy(c.defs, defs)

	seenAddr := make(map[string]struct{}, len(defs))
	for i, d := range c.defs {
		if _, ok := c.bySymbol[d.Symbol]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, d.Symbol)
		}
		if _, ok := seenAddr[d.Key()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, d.Address)
		}
		c.bySymbol[d.Symbol] = i
		seenAddr[d.Key()] = struct{}{}
	}
	return c, nil
}

// All returns the definitions in catalog order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

func (c *Catalog) Len() int {
	return len(c.defs)
}

func (c *Catalog) BySymbol(symbol string) (Definition, error) {
	i, ok := c.bySymbol[symbol]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, symbol)
	}
	return c.defs[i], nil
}
