// Package storage defines the durable store contract for the round engine.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a unique key collision on create.
var ErrAlreadyExists = errors.New("record already exists")

// Queries is the operation set available both directly and inside Transact.
type Queries interface {
	// Rounds
	CreateRound(ctx context.Context, round domain.Round) error
	GetRound(ctx context.Context, number int64) (domain.Round, error)
	LatestRound(ctx context.Context) (domain.Round, error)
	MaxRoundNumber(ctx context.Context) (int64, error)
	OpenRounds(ctx context.Context) ([]domain.Round, error)
	RoundHistory(ctx context.Context, limit int) ([]domain.Round, error)
	SetRoundState(ctx context.Context, number int64, state domain.RoundState) error
	SetRoundStarted(ctx context.Context, number int64, startTime time.Time, crashPoint float64) error
	AppendBet(ctx context.Context, number int64, bet domain.Bet) error
	AppendCashout(ctx context.Context, number int64, cashout domain.Cashout) error

	// Players
	CreatePlayer(ctx context.Context, player domain.Player) error
	GetPlayer(ctx context.Context, playerID string) (domain.Player, error)
	PlayerByUsername(ctx context.Context, username string) (domain.Player, error)
	SetBalance(ctx context.Context, playerID string, currency domain.Currency, amount decimal.Decimal) error

	// Transactions
	AppendTransaction(ctx context.Context, transaction domain.Transaction) error
	PlayerTransactions(ctx context.Context, playerID string, limit int) ([]domain.Transaction, error)
}

// Store is the durable game store.
//
// Transact is the atomic multi-entity commit primitive required by
// settlement: every mutation made through the Queries passed to fn is applied
// in full or not at all, with read-your-writes consistency inside fn.
type Store interface {
	Queries
	Transact(ctx context.Context, fn func(Queries) error) error
	Close() error
}
