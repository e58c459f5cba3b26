// Package pricing supplies USD spot prices for the currencies players bet in.
package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/domain"
	apperrors "github.com/louisbranch/crashfall/internal/platform/errors"
)

// ErrUnavailable indicates no usable price exists for the requested currency.
var ErrUnavailable = apperrors.New(apperrors.CodePriceUnavailable, "no price available")

// Oracle answers the current USD price for a currency.
//
// Implementations must answer from memory: settlement calls CurrentPrice
// while holding the round lock, so a lookup must never perform I/O.
type Oracle interface {
	CurrentPrice(currency domain.Currency) (decimal.Decimal, error)
}

// Fetcher retrieves fresh prices from an upstream source. Fetching may block
// and may fail; callers own the retry policy.
type Fetcher interface {
	FetchPrices(ctx context.Context) (map[domain.Currency]decimal.Decimal, error)
}

// Static is a fixed-price oracle for seeding and tests.
type Static struct {
	Prices map[domain.Currency]decimal.Decimal
}

// CurrentPrice returns the configured price for the currency.
func (s Static) CurrentPrice(currency domain.Currency) (decimal.Decimal, error) {
	price, ok := s.Prices[currency]
	if !ok || !price.IsPositive() {
		return decimal.Zero, ErrUnavailable
	}
	return price, nil
}
