// Package verify recomputes a revealed round's crash point so players can
// audit the provably-fair chain.
package verify

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/louisbranch/crashfall/internal/game/fairness"
	entrypoint "github.com/louisbranch/crashfall/internal/platform/cmd"
)

// Config holds verify command configuration.
type Config struct {
	Seed        string
	RoundNumber int64
	Commitment  string
	CrashPoint  float64
}

// ParseConfig parses command-line flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.Seed, "seed", "", "The revealed server seed")
	fs.Int64Var(&cfg.RoundNumber, "round", 0, "The round number to verify")
	fs.StringVar(&cfg.Commitment, "commitment", "", "The published crash hash to check against (optional)")
	fs.Float64Var(&cfg.CrashPoint, "crash-point", 0, "The observed crash point to check against (optional)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.Seed == "" {
		return Config{}, errors.New("-seed is required")
	}
	if cfg.RoundNumber <= 0 {
		return Config{}, errors.New("-round must be a positive round number")
	}
	return cfg, nil
}

// Run recomputes and reports the round's fairness values.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceVerify, func(context.Context) error {
		return run(cfg, os.Stdout)
	})
}

func run(cfg Config, out io.Writer) error {
	crashPoint := fairness.CrashPoint(cfg.Seed, cfg.RoundNumber)
	commitment := fairness.Commitment(cfg.Seed, cfg.RoundNumber)

	fmt.Fprintf(out, "round:       %d\n", cfg.RoundNumber)
	fmt.Fprintf(out, "crash point: %.2f\n", crashPoint)
	fmt.Fprintf(out, "commitment:  %s\n", commitment)
	fmt.Fprintf(out, "seed hash:   %s\n", fairness.SeedHash(cfg.Seed))

	if cfg.Commitment != "" && cfg.Commitment != commitment {
		return fmt.Errorf("commitment mismatch: published %s, recomputed %s", cfg.Commitment, commitment)
	}
	if cfg.CrashPoint != 0 && !fairness.Verify(cfg.Seed, cfg.RoundNumber, commitment, cfg.CrashPoint) {
		return fmt.Errorf("crash point mismatch: observed %.2f, recomputed %.2f", cfg.CrashPoint, crashPoint)
	}
	if cfg.Commitment != "" || cfg.CrashPoint != 0 {
		fmt.Fprintln(out, "verification: OK")
	}
	return nil
}
