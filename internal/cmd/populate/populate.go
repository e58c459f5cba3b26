// Package populate seeds a database with sample players and finished rounds
// for local development.
package populate

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/domain"
	"github.com/louisbranch/crashfall/internal/game/storage"
	"github.com/louisbranch/crashfall/internal/game/storage/sqlite"
	entrypoint "github.com/louisbranch/crashfall/internal/platform/cmd"
	"github.com/louisbranch/crashfall/internal/platform/id"
)

// Config holds populate command configuration.
type Config struct {
	StoragePath string `env:"CRASHFALL_STORAGE_PATH" envDefault:"crashfall.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.StoragePath, "db", cfg.StoragePath, "The sqlite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run seeds the database.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePopulate, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.StoragePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close store: %v", err)
			}
		}()
		return Populate(ctx, store)
	})
}

// Populate inserts three sample players and three finished rounds. Records
// that already exist are left alone so the command is safe to rerun.
func Populate(ctx context.Context, store storage.Store) error {
	players := []struct {
		username string
		btc, eth string
	}{
		{"player1", "0.5", "5"},
		{"player2", "0.3", "3"},
		{"player3", "0.7", "7"},
	}
	created := 0
	for _, sample := range players {
		playerID, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate player id: %w", err)
		}
		player := domain.Player{
			ID:       playerID,
			Username: sample.username,
			Balances: map[domain.Currency]decimal.Decimal{
				domain.CurrencyBTC: decimal.RequireFromString(sample.btc),
				domain.CurrencyETH: decimal.RequireFromString(sample.eth),
			},
		}
		err = store.CreatePlayer(ctx, player)
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create player %s: %w", player.Username, err)
		}
		created++
		log.Printf("created player %s (%s)", player.Username, player.ID)
	}

	rounds := []struct {
		number     int64
		crashPoint float64
	}{
		{1, 2.5},
		{2, 5.7},
		{3, 10.2},
	}
	now := time.Now()
	for _, sample := range rounds {
		err := store.CreateRound(ctx, domain.Round{
			Number:    sample.number,
			State:     domain.RoundWaiting,
			CreatedAt: now,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create round %d: %w", sample.number, err)
		}
		if err := store.SetRoundStarted(ctx, sample.number, now, sample.crashPoint); err != nil {
			return fmt.Errorf("start round %d: %w", sample.number, err)
		}
		if err := store.SetRoundState(ctx, sample.number, domain.RoundCrashed); err != nil {
			return fmt.Errorf("crash round %d: %w", sample.number, err)
		}
	}

	log.Printf("populate complete: %d new players, %d sample rounds", created, len(rounds))
	return nil
}
