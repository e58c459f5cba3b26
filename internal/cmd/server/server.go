// Package server parses server command flags and starts the game runtime.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/crashfall/internal/game/broadcast"
	"github.com/louisbranch/crashfall/internal/game/engine"
	"github.com/louisbranch/crashfall/internal/game/fairness"
	"github.com/louisbranch/crashfall/internal/game/ledger"
	"github.com/louisbranch/crashfall/internal/game/pricing"
	"github.com/louisbranch/crashfall/internal/game/storage/sqlite"
	entrypoint "github.com/louisbranch/crashfall/internal/platform/cmd"
	"github.com/louisbranch/crashfall/internal/transport/web"
)

const shutdownTimeout = 10 * time.Second

// Config holds server command configuration.
type Config struct {
	Port         int           `env:"CRASHFALL_PORT" envDefault:"8080"`
	Addr         string        `env:"CRASHFALL_ADDR"`
	StoragePath  string        `env:"CRASHFALL_STORAGE_PATH" envDefault:"crashfall.db"`
	ServerSeed   string        `env:"CRASHFALL_SERVER_SEED"`
	BetWindow    time.Duration `env:"CRASHFALL_BET_WINDOW" envDefault:"10s"`
	TickInterval time.Duration `env:"CRASHFALL_TICK_INTERVAL" envDefault:"100ms"`
	GrowthFactor float64       `env:"CRASHFALL_GROWTH_FACTOR" envDefault:"0.05"`
	PriceRefresh time.Duration `env:"CRASHFALL_PRICE_REFRESH" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The server listen address (overrides -port)")
	fs.StringVar(&cfg.StoragePath, "db", cfg.StoragePath, "The sqlite database path")
	fs.StringVar(&cfg.ServerSeed, "seed", cfg.ServerSeed, "The provably-fair server seed (generated when empty)")
	fs.DurationVar(&cfg.BetWindow, "bet-window", cfg.BetWindow, "The betting window before each round starts")
	fs.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "The multiplier update interval")
	fs.Float64Var(&cfg.GrowthFactor, "growth", cfg.GrowthFactor, "The multiplier growth per second")
	fs.DurationVar(&cfg.PriceRefresh, "price-refresh", cfg.PriceRefresh, "The price cache refresh interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the crash game server.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	store, err := sqlite.Open(cfg.StoragePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	seed := cfg.ServerSeed
	if seed == "" {
		seed, err = fairness.NewSeed()
		if err != nil {
			return fmt.Errorf("generate server seed: %w", err)
		}
		log.Printf("no server seed configured, generated one for this process; commitments do not chain across restarts")
	}

	bus := broadcast.NewBus()
	cache := pricing.NewCache(pricing.NewCoinGecko(), cfg.PriceRefresh)
	game := engine.GameContext{ServerSeed: seed, Oracle: cache}
	scheduler := engine.NewScheduler(store, bus, game, engine.Config{
		BetWindow:    cfg.BetWindow,
		TickInterval: cfg.TickInterval,
		GrowthFactor: cfg.GrowthFactor,
	})
	settler := ledger.New(store, game, scheduler, bus)
	api := web.NewServer(settler, scheduler, store, cache, bus)

	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	httpServer := &http.Server{Addr: addr, Handler: api.Handler()}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return cache.Run(ctx)
	})
	group.Go(func() error {
		return scheduler.Run(ctx)
	})
	group.Go(func() error {
		log.Printf("listening on %s", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
