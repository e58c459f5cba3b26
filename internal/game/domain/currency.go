// Package domain defines the crash game data model.
package domain

import (
	"strings"

	apperrors "github.com/louisbranch/crashfall/internal/platform/errors"
)

// Currency identifies a crypto currency supported by the game.
type Currency string

const (
	CurrencyBTC Currency = "BTC"
	CurrencyETH Currency = "ETH"
)

// Currencies lists every supported currency.
func Currencies() []Currency {
	return []Currency{CurrencyBTC, CurrencyETH}
}

// ParseCurrency parses a currency symbol, case-insensitively.
func ParseCurrency(value string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(value))) {
	case CurrencyBTC:
		return CurrencyBTC, nil
	case CurrencyETH:
		return CurrencyETH, nil
	default:
		return "", apperrors.WithMetadata(apperrors.CodeCurrencyUnsupported,
			"unsupported currency "+value, map[string]string{"currency": value})
	}
}
