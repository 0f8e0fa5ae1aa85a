package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ccoveille/go-safecast"
	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point scale of getTokenPrice's priceUSD.
const PriceDecimals = 8

var ErrTooPrecise = errors.New("amount has more decimal places than the token supports")

// ParseAmount parses user input. Empty, unparseable and negative input
// report ok=false.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

// ToBaseUnits scales amount by 10^decimals. Fractional remainders are an
// error rather than silently truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	exp, err := safecast.ToInt32(decimals)
	if err != nil {
		return nil, fmt.Errorf("decimals %d: %w", decimals, err)
	}
	scaled := amount.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrTooPrecise, amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits converts a fixed-point integer to a decimal value.
func FromBaseUnits(v *big.Int, decimals int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	exp, err := safecast.ToInt32(decimals)
	if err != nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -exp)
}
