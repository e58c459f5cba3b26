package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Player holds per-currency balances.
//
// A balance must never go negative: every successful bet decreases it and
// every successful cashout increases it, both inside a settlement commit.
type Player struct {
	ID        string
	Username  string
	Balances  map[Currency]decimal.Decimal
	CreatedAt time.Time
}

// Balance returns the player's balance in the given currency.
func (p Player) Balance(currency Currency) decimal.Decimal {
	if p.Balances == nil {
		return decimal.Zero
	}
	return p.Balances[currency]
}
