package pricefeed

import "github.com/shopspring/decimal"

const (
	AssetPrecision = 6
	FiatPrecision  = 2
)

func ToFiat(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price).Round(FiatPrecision)
}

// ToAsset returns zero when no price is known rather than dividing by zero.
func ToAsset(fiat, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return fiat.DivRound(price, AssetPrecision)
}
