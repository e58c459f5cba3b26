package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes the two settlement directions.
type TransactionKind string

const (
	TransactionBet     TransactionKind = "bet"
	TransactionCashout TransactionKind = "cashout"
)

// Transaction is an immutable audit record of one settlement.
type Transaction struct {
	ID           string
	PlayerID     string
	RoundNumber  int64
	Kind         TransactionKind
	Currency     Currency
	CryptoAmount decimal.Decimal
	USDAmount    decimal.Decimal
	PriceAtTime  decimal.Decimal
	CreatedAt    time.Time
}
