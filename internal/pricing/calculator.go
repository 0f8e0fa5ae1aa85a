package pricing

import "github.com/shopspring/decimal"

// Intent is the preview derived from the current input; it is never persisted.
type Intent struct {
	RawAmount   string           `json:"rawAmount"`
	Currency    ResolvedCurrency `json:"currency"`
	UnitPrice   decimal.Decimal  `json:"unitPriceUsd"`
	USDValue    decimal.Decimal  `json:"usdValue"`
	TokenAmount decimal.Decimal  `json:"tokenAmount"`
}

// USDValue is amount × currency price, or zero for degenerate input.
func USDValue(rawAmount string, currencyPrice decimal.Decimal) decimal.Decimal {
	amount, ok := ParseAmount(rawAmount)
	if !ok || !amount.IsPositive() || !currencyPrice.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(currencyPrice)
}

// TokenAmount is (amount × currency price) / unit price. Degenerate input
// yields zero, never an error.
func TokenAmount(rawAmount string, currencyPrice, unitPrice decimal.Decimal) decimal.Decimal {
	if !unitPrice.IsPositive() {
		return decimal.Zero
	}
	usd := USDValue(rawAmount, currencyPrice)
	if usd.IsZero() {
		return decimal.Zero
	}
	return usd.Div(unitPrice)
}

func NewIntent(rawAmount string, currency ResolvedCurrency, unitPrice decimal.Decimal) Intent {
	return Intent{
		RawAmount:   rawAmount,
		Currency:    currency,
		UnitPrice:   unitPrice,
		USDValue:    USDValue(rawAmount, currency.PriceUSD),
		TokenAmount: TokenAmount(rawAmount, currency.PriceUSD, unitPrice),
	}
}
