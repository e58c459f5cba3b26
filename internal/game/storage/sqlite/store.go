// Package sqlite provides the SQLite-backed game store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/louisbranch/crashfall/internal/game/domain"
	"github.com/louisbranch/crashfall/internal/game/storage"
	"github.com/louisbranch/crashfall/internal/game/storage/sqlite/migrations"
	"github.com/louisbranch/crashfall/internal/platform/storage/sqlitemigrate"
)

// Store persists rounds, players, and transactions in SQLite.
type Store struct {
	queries
	sqlDB *sql.DB
}

// dbtx abstracts the shared query surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// Open opens a SQLite game store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{queries: queries{db: sqlDB}, sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Transact runs fn inside one SQLite transaction; any error rolls back every
// mutation fn made.
func (s *Store) Transact(ctx context.Context, fn func(storage.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(queries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// CreateRound inserts a round row.
func (q queries) CreateRound(ctx context.Context, round domain.Round) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	createdAt := round.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var crashPoint any
	if round.HasCrashPoint() {
		crashPoint = round.CrashPoint
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO rounds (number, state, start_time, crash_point, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		round.Number,
		round.State.String(),
		toMillis(round.StartTime),
		crashPoint,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create round: %w", err)
	}
	return nil
}

// GetRound loads a round with its bets and cashouts in append order.
func (q queries) GetRound(ctx context.Context, number int64) (domain.Round, error) {
	if err := ctx.Err(); err != nil {
		return domain.Round{}, err
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT number, state, start_time, crash_point, created_at
		   FROM rounds WHERE number = ?`, number)
	round, err := scanRound(row)
	if err != nil {
		return domain.Round{}, err
	}
	if err := q.loadRoundEntries(ctx, &round); err != nil {
		return domain.Round{}, err
	}
	return round, nil
}

// LatestRound loads the round with the highest number.
func (q queries) LatestRound(ctx context.Context) (domain.Round, error) {
	if err := ctx.Err(); err != nil {
		return domain.Round{}, err
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT number, state, start_time, crash_point, created_at
		   FROM rounds ORDER BY number DESC LIMIT 1`)
	round, err := scanRound(row)
	if err != nil {
		return domain.Round{}, err
	}
	if err := q.loadRoundEntries(ctx, &round); err != nil {
		return domain.Round{}, err
	}
	return round, nil
}

// MaxRoundNumber returns the highest allocated round number, zero if none.
func (q queries) MaxRoundNumber(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var max sql.NullInt64
	row := q.db.QueryRowContext(ctx, `SELECT MAX(number) FROM rounds`)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("max round number: %w", err)
	}
	return max.Int64, nil
}

// OpenRounds lists rounds still in Waiting or InProgress, oldest first.
func (q queries) OpenRounds(ctx context.Context) ([]domain.Round, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT number, state, start_time, crash_point, created_at
		   FROM rounds WHERE state IN ('waiting', 'in_progress')
		  ORDER BY number ASC`)
	if err != nil {
		return nil, fmt.Errorf("open rounds: %w", err)
	}
	defer rows.Close()
	return collectRounds(rows)
}

// RoundHistory lists crashed rounds, newest first.
func (q queries) RoundHistory(ctx context.Context, limit int) ([]domain.Round, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT number, state, start_time, crash_point, created_at
		   FROM rounds WHERE state = 'crashed'
		  ORDER BY number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("round history: %w", err)
	}
	defer rows.Close()
	return collectRounds(rows)
}

// SetRoundState updates only the round's lifecycle state.
func (q queries) SetRoundState(ctx context.Context, number int64, state domain.RoundState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := q.db.ExecContext(ctx,
		`UPDATE rounds SET state = ? WHERE number = ?`, state.String(), number)
	if err != nil {
		return fmt.Errorf("set round state: %w", err)
	}
	return requireRowAffected(result)
}

// SetRoundStarted records the InProgress transition with its clock and
// crash point in one write.
func (q queries) SetRoundStarted(ctx context.Context, number int64, startTime time.Time, crashPoint float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := q.db.ExecContext(ctx,
		`UPDATE rounds SET state = ?, start_time = ?, crash_point = ? WHERE number = ?`,
		domain.RoundInProgress.String(), toMillis(startTime), crashPoint, number)
	if err != nil {
		return fmt.Errorf("set round started: %w", err)
	}
	return requireRowAffected(result)
}

// AppendBet inserts one bet row for the round.
func (q queries) AppendBet(ctx context.Context, number int64, bet domain.Bet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	placedAt := bet.PlacedAt
	if placedAt.IsZero() {
		placedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO bets (round_number, player_id, usd_amount, currency, price_at_bet, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		number, bet.PlayerID, bet.USDAmount.String(), string(bet.Currency),
		bet.PriceAtBet.String(), toMillis(placedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append bet: %w", err)
	}
	return nil
}

// AppendCashout inserts one cashout row for the round.
func (q queries) AppendCashout(ctx context.Context, number int64, cashout domain.Cashout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cashedAt := cashout.CashedAt
	if cashedAt.IsZero() {
		cashedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO cashouts (round_number, player_id, multiplier, crypto_amount, currency, cashed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		number, cashout.PlayerID, cashout.Multiplier, cashout.CryptoAmount.String(),
		string(cashout.Currency), toMillis(cashedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append cashout: %w", err)
	}
	return nil
}

// CreatePlayer inserts a player and their starting balances.
func (q queries) CreatePlayer(ctx context.Context, player domain.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(player.ID) == "" {
		return fmt.Errorf("player id is required")
	}
	createdAt := player.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO players (id, username, created_at) VALUES (?, ?, ?)`,
		player.ID, player.Username, toMillis(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create player: %w", err)
	}
	for currency, amount := range player.Balances {
		if err := q.SetBalance(ctx, player.ID, currency, amount); err != nil {
			return err
		}
	}
	return nil
}

// GetPlayer loads a player with all currency balances.
func (q queries) GetPlayer(ctx context.Context, playerID string) (domain.Player, error) {
	if err := ctx.Err(); err != nil {
		return domain.Player{}, err
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM players WHERE id = ?`, playerID)
	return q.scanPlayer(ctx, row)
}

// PlayerByUsername loads a player by their unique username.
func (q queries) PlayerByUsername(ctx context.Context, username string) (domain.Player, error) {
	if err := ctx.Err(); err != nil {
		return domain.Player{}, err
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM players WHERE username = ?`, username)
	return q.scanPlayer(ctx, row)
}

func (q queries) scanPlayer(ctx context.Context, row *sql.Row) (domain.Player, error) {
	var player domain.Player
	var createdAt int64
	if err := row.Scan(&player.ID, &player.Username, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Player{}, storage.ErrNotFound
		}
		return domain.Player{}, fmt.Errorf("get player: %w", err)
	}
	player.CreatedAt = fromMillis(createdAt)
	player.Balances = make(map[domain.Currency]decimal.Decimal)

	rows, err := q.db.QueryContext(ctx,
		`SELECT currency, amount FROM balances WHERE player_id = ?`, player.ID)
	if err != nil {
		return domain.Player{}, fmt.Errorf("get balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var currency string
		var amount string
		if err := rows.Scan(&currency, &amount); err != nil {
			return domain.Player{}, fmt.Errorf("scan balance: %w", err)
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return domain.Player{}, fmt.Errorf("parse balance %q: %w", amount, err)
		}
		player.Balances[domain.Currency(currency)] = value
	}
	if err := rows.Err(); err != nil {
		return domain.Player{}, fmt.Errorf("iterate balances: %w", err)
	}
	return player, nil
}

// SetBalance upserts the player's balance in one currency.
func (q queries) SetBalance(ctx context.Context, playerID string, currency domain.Currency, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("balance for %s must not be negative", currency)
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO balances (player_id, currency, amount) VALUES (?, ?, ?)
		 ON CONFLICT (player_id, currency) DO UPDATE SET amount = excluded.amount`,
		playerID, string(currency), amount.String())
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// AppendTransaction inserts one immutable audit record.
func (q queries) AppendTransaction(ctx context.Context, transaction domain.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	createdAt := transaction.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO transactions
		   (id, player_id, round_number, kind, currency, crypto_amount, usd_amount, price_at_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transaction.ID, transaction.PlayerID, transaction.RoundNumber,
		string(transaction.Kind), string(transaction.Currency),
		transaction.CryptoAmount.String(), transaction.USDAmount.String(),
		transaction.PriceAtTime.String(), toMillis(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// PlayerTransactions lists a player's audit records, newest first.
func (q queries) PlayerTransactions(ctx context.Context, playerID string, limit int) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, player_id, round_number, kind, currency, crypto_amount, usd_amount, price_at_time, created_at
		   FROM transactions WHERE player_id = ?
		  ORDER BY created_at DESC, id DESC LIMIT ?`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("player transactions: %w", err)
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var kind, currency, crypto, usd, price string
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.PlayerID, &t.RoundNumber, &kind, &currency,
			&crypto, &usd, &price, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = domain.TransactionKind(kind)
		t.Currency = domain.Currency(currency)
		if t.CryptoAmount, err = decimal.NewFromString(crypto); err != nil {
			return nil, fmt.Errorf("parse crypto amount: %w", err)
		}
		if t.USDAmount, err = decimal.NewFromString(usd); err != nil {
			return nil, fmt.Errorf("parse usd amount: %w", err)
		}
		if t.PriceAtTime, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		t.CreatedAt = fromMillis(createdAt)
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return transactions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (domain.Round, error) {
	var round domain.Round
	var state string
	var startTime, createdAt int64
	var crashPoint sql.NullFloat64
	if err := row.Scan(&round.Number, &state, &startTime, &crashPoint, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Round{}, storage.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("scan round: %w", err)
	}
	parsed, err := domain.ParseRoundState(state)
	if err != nil {
		return domain.Round{}, err
	}
	round.State = parsed
	round.StartTime = fromMillis(startTime)
	round.CreatedAt = fromMillis(createdAt)
	if crashPoint.Valid {
		round.CrashPoint = crashPoint.Float64
	}
	return round, nil
}

func collectRounds(rows *sql.Rows) ([]domain.Round, error) {
	var rounds []domain.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return rounds, nil
}

func (q queries) loadRoundEntries(ctx context.Context, round *domain.Round) error {
	betRows, err := q.db.QueryContext(ctx,
		`SELECT player_id, usd_amount, currency, price_at_bet, placed_at
		   FROM bets WHERE round_number = ? ORDER BY placed_at ASC, rowid ASC`, round.Number)
	if err != nil {
		return fmt.Errorf("load bets: %w", err)
	}
	defer betRows.Close()
	for betRows.Next() {
		var bet domain.Bet
		var usd, currency, price string
		var placedAt int64
		if err := betRows.Scan(&bet.PlayerID, &usd, &currency, &price, &placedAt); err != nil {
			return fmt.Errorf("scan bet: %w", err)
		}
		if bet.USDAmount, err = decimal.NewFromString(usd); err != nil {
			return fmt.Errorf("parse bet usd amount: %w", err)
		}
		if bet.PriceAtBet, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("parse bet price: %w", err)
		}
		bet.Currency = domain.Currency(currency)
		bet.PlacedAt = fromMillis(placedAt)
		round.Bets = append(round.Bets, bet)
	}
	if err := betRows.Err(); err != nil {
		return fmt.Errorf("iterate bets: %w", err)
	}

	cashoutRows, err := q.db.QueryContext(ctx,
		`SELECT player_id, multiplier, crypto_amount, currency, cashed_at
		   FROM cashouts WHERE round_number = ? ORDER BY cashed_at ASC, rowid ASC`, round.Number)
	if err != nil {
		return fmt.Errorf("load cashouts: %w", err)
	}
	defer cashoutRows.Close()
	for cashoutRows.Next() {
		var cashout domain.Cashout
		var crypto, currency string
		var cashedAt int64
		if err := cashoutRows.Scan(&cashout.PlayerID, &cashout.Multiplier, &crypto, &currency, &cashedAt); err != nil {
			return fmt.Errorf("scan cashout: %w", err)
		}
		if cashout.CryptoAmount, err = decimal.NewFromString(crypto); err != nil {
			return fmt.Errorf("parse cashout amount: %w", err)
		}
		cashout.Currency = domain.Currency(currency)
		cashout.CashedAt = fromMillis(cashedAt)
		round.Cashouts = append(round.Cashouts, cashout)
	}
	if err := cashoutRows.Err(); err != nil {
		return fmt.Errorf("iterate cashouts: %w", err)
	}
	return nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
