package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// Rounding rules of the settlement result contract. Payout math always runs
// on unrounded values; these apply only to recorded and reported figures.

// RoundMultiplier rounds a multiplier to 2 decimal places.
func RoundMultiplier(multiplier float64) float64 {
	return math.Round(multiplier*100) / 100
}

// RoundElapsed rounds elapsed seconds to 1 decimal place.
func RoundElapsed(elapsed float64) float64 {
	return math.Round(elapsed*10) / 10
}

// RoundCrypto rounds a crypto amount to 8 decimal places.
func RoundCrypto(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(8)
}

// RoundUSD rounds a USD amount to 2 decimal places.
func RoundUSD(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}
