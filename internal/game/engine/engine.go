// Package engine owns the round lifecycle: the Waiting → InProgress →
// Crashed state machine, the bet window and multiplier tick timers, and the
// per-round serialization point that settlement shares with the tick loop.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/louisbranch/crashfall/internal/game/domain"
	"github.com/louisbranch/crashfall/internal/game/pricing"
)

// Defaults for the round clock.
const (
	DefaultBetWindow    = 10 * time.Second
	DefaultTickInterval = 100 * time.Millisecond
	DefaultGrowthFactor = 0.05
)

// ErrRoundNotActive indicates the requested round is not the scheduler's
// current round.
var ErrRoundNotActive = errors.New("round is not active")

// Config tunes the round clock.
type Config struct {
	BetWindow    time.Duration
	TickInterval time.Duration
	GrowthFactor float64
}

func (c Config) withDefaults() Config {
	if c.BetWindow <= 0 {
		c.BetWindow = DefaultBetWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.GrowthFactor <= 0 {
		c.GrowthFactor = DefaultGrowthFactor
	}
	return c
}

// GameContext carries the process-wide collaborators settlement and
// scheduling need: the secret server seed and the price oracle. It is
// injected into constructors rather than referenced ambiently.
type GameContext struct {
	ServerSeed string
	Oracle     pricing.Oracle
}

// Multiplier is the single authoritative multiplier formula. Every value
// delivered to clients or used for settlement derives from it and from the
// round's recorded start time.
func Multiplier(startTime, now time.Time, growthFactor float64) float64 {
	elapsed := now.Sub(startTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return 1 + elapsed*growthFactor
}

// RoundSnapshot is the authoritative view of the current round, valid only
// while the round lock is held.
type RoundSnapshot struct {
	Number       int64
	State        domain.RoundState
	StartTime    time.Time
	CrashPoint   float64
	GrowthFactor float64
}

// MultiplierAt computes the round multiplier at the given instant.
func (s RoundSnapshot) MultiplierAt(now time.Time) float64 {
	return Multiplier(s.StartTime, now, s.GrowthFactor)
}

// roundGuard is the single serialization point for one round. The tick
// loop's transitions and every settlement operation run their
// read-validate-commit sections under mu.
type roundGuard struct {
	mu           sync.Mutex
	number       int64
	state        domain.RoundState
	startTime    time.Time
	crashPoint   float64
	growthFactor float64
}

func (g *roundGuard) snapshot() RoundSnapshot {
	return RoundSnapshot{
		Number:       g.number,
		State:        g.state,
		StartTime:    g.startTime,
		CrashPoint:   g.crashPoint,
		GrowthFactor: g.growthFactor,
	}
}
