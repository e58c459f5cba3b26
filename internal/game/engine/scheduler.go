package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/crashfall/internal/game/broadcast"
	"github.com/louisbranch/crashfall/internal/game/domain"
	"github.com/louisbranch/crashfall/internal/game/fairness"
	"github.com/louisbranch/crashfall/internal/game/storage"
	apperrors "github.com/louisbranch/crashfall/internal/platform/errors"
)

// Scheduler drives rounds through their lifecycle and owns the only timers
// in the system. It is the single writer of round state and crash points.
type Scheduler struct {
	store storage.Store
	bus   *broadcast.Bus
	game  GameContext
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	current *roundGuard
}

// NewScheduler creates a scheduler over the store and broadcast bus.
func NewScheduler(store storage.Store, bus *broadcast.Bus, game GameContext, cfg Config) *Scheduler {
	return &Scheduler{
		store: store,
		bus:   bus,
		game:  game,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// WithRound runs fn under the round serialization lock if roundNumber is the
// scheduler's current round, and returns ErrRoundNotActive otherwise.
//
// While fn runs, no state transition can interleave: a cashout that commits
// inside fn is observed strictly before any crash transition.
func (s *Scheduler) WithRound(roundNumber int64, fn func(RoundSnapshot) error) error {
	s.mu.Lock()
	guard := s.current
	s.mu.Unlock()
	if guard == nil || guard.number != roundNumber {
		return ErrRoundNotActive
	}
	guard.mu.Lock()
	defer guard.mu.Unlock()
	return fn(guard.snapshot())
}

// Current returns a snapshot of the live round, if any.
func (s *Scheduler) Current() (RoundSnapshot, bool) {
	s.mu.Lock()
	guard := s.current
	s.mu.Unlock()
	if guard == nil {
		return RoundSnapshot{}, false
	}
	guard.mu.Lock()
	defer guard.mu.Unlock()
	return guard.snapshot(), true
}

// Run recovers orphaned rounds and then drives the round loop until ctx is
// cancelled. The loop per round: create (Waiting), wait out the bet window,
// start (InProgress), tick until the crash point, crash, repeat.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverOrphans(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		number, err := s.createRound(ctx)
		if err != nil {
			// A failed allocation must not take the process down; later
			// rounds can still be served. Back off one bet window and retry.
			log.Printf("create round: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.BetWindow):
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.forceCrashCurrent(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-time.After(s.cfg.BetWindow):
		}

		if err := s.startRound(ctx, number); err != nil {
			log.Printf("start round %d: %v", number, err)
			s.forceCrashCurrent(context.WithoutCancel(ctx))
			continue
		}

		if err := s.runTicks(ctx, number); err != nil {
			s.forceCrashCurrent(context.WithoutCancel(ctx))
			return err
		}
	}
}

// recoverOrphans force-crashes rounds left open by a prior process, with no
// reveal: their commitments were never published to current subscribers.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	open, err := s.store.OpenRounds(ctx)
	if err != nil {
		return fmt.Errorf("list open rounds: %w", err)
	}
	for _, round := range open {
		if err := s.store.SetRoundState(ctx, round.Number, domain.RoundCrashed); err != nil {
			return fmt.Errorf("force-crash orphaned round %d: %w", round.Number, err)
		}
		log.Printf("recovered orphaned round %d (%s)", round.Number, round.State)
	}
	return nil
}

// createRound allocates the next round number, persists it Waiting, and
// announces the bet window. Any still-open previous round is force-crashed
// first.
func (s *Scheduler) createRound(ctx context.Context) (int64, error) {
	s.forceCrashCurrent(ctx)

	max, err := s.store.MaxRoundNumber(ctx)
	if err != nil {
		return 0, err
	}
	number := max + 1
	scheduledStart := s.now().Add(s.cfg.BetWindow)

	err = s.store.CreateRound(ctx, domain.Round{
		Number:    number,
		State:     domain.RoundWaiting,
		CreatedAt: s.now(),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return 0, apperrors.Wrap(apperrors.CodeRoundSequence,
			fmt.Sprintf("round %d already allocated", number), err)
	}
	if err != nil {
		return 0, err
	}

	guard := &roundGuard{
		number:       number,
		state:        domain.RoundWaiting,
		growthFactor: s.cfg.GrowthFactor,
	}
	s.mu.Lock()
	s.current = guard
	s.mu.Unlock()

	s.bus.Publish(broadcast.Event{Type: broadcast.EventRoundStart, Payload: broadcast.RoundStartPayload{
		RoundNumber: number,
		StartTime:   scheduledStart,
	}})
	log.Printf("round %d waiting for bets", number)
	return number, nil
}

// startRound transitions the current round to InProgress, computing its
// crash point and publishing the fairness commitment. It is a no-op if the
// round is no longer Waiting.
func (s *Scheduler) startRound(ctx context.Context, number int64) error {
	s.mu.Lock()
	guard := s.current
	s.mu.Unlock()
	if guard == nil || guard.number != number {
		return nil
	}

	guard.mu.Lock()
	if guard.state != domain.RoundWaiting {
		guard.mu.Unlock()
		return nil
	}
	crashPoint := fairness.CrashPoint(s.game.ServerSeed, number)
	startTime := s.now()
	if err := s.store.SetRoundStarted(ctx, number, startTime, crashPoint); err != nil {
		guard.mu.Unlock()
		return err
	}
	guard.state = domain.RoundInProgress
	guard.startTime = startTime
	guard.crashPoint = crashPoint
	guard.mu.Unlock()

	s.bus.Publish(broadcast.Event{Type: broadcast.EventRoundStarted, Payload: broadcast.RoundStartedPayload{
		RoundNumber:    number,
		CrashHash:      fairness.Commitment(s.game.ServerSeed, number),
		ServerSeedHash: fairness.SeedHash(s.game.ServerSeed),
	}})
	log.Printf("round %d in progress", number)
	return nil
}

// runTicks publishes multiplier updates until the multiplier reaches the
// crash point, then crashes the round and reveals the seed.
func (s *Scheduler) runTicks(ctx context.Context, number int64) error {
	s.mu.Lock()
	guard := s.current
	s.mu.Unlock()
	if guard == nil || guard.number != number {
		return nil
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := s.now()
		guard.mu.Lock()
		if guard.state != domain.RoundInProgress {
			guard.mu.Unlock()
			return nil
		}
		multiplier := Multiplier(guard.startTime, now, guard.growthFactor)
		elapsed := now.Sub(guard.startTime).Seconds()
		if multiplier >= guard.crashPoint {
			if err := s.store.SetRoundState(ctx, number, domain.RoundCrashed); err != nil {
				// The round still crashes in memory so no further cashouts
				// can succeed against it.
				log.Printf("persist crash of round %d: %v", number, err)
			}
			guard.state = domain.RoundCrashed
			crashPoint := guard.crashPoint
			guard.mu.Unlock()

			s.bus.Publish(broadcast.Event{Type: broadcast.EventCrash, Payload: broadcast.CrashPayload{
				RoundNumber: number,
				CrashPoint:  crashPoint,
				ServerSeed:  s.game.ServerSeed,
			}})
			log.Printf("round %d crashed at %.2fx", number, crashPoint)
			return nil
		}
		guard.mu.Unlock()

		s.bus.Publish(broadcast.Event{Type: broadcast.EventMultiplierUpdate, Payload: broadcast.MultiplierUpdatePayload{
			RoundNumber: number,
			Multiplier:  domain.RoundMultiplier(multiplier),
			Elapsed:     domain.RoundElapsed(elapsed),
		}})
	}
}

// forceCrashCurrent immediately and permanently closes the current round
// without revealing the seed. In-flight settlement racing this transition
// observes the Crashed state and fails.
func (s *Scheduler) forceCrashCurrent(ctx context.Context) {
	s.mu.Lock()
	guard := s.current
	s.mu.Unlock()
	if guard == nil {
		return
	}

	guard.mu.Lock()
	if guard.state == domain.RoundCrashed {
		guard.mu.Unlock()
		return
	}
	if err := s.store.SetRoundState(ctx, guard.number, domain.RoundCrashed); err != nil {
		log.Printf("persist force-crash of round %d: %v", guard.number, err)
	}
	guard.state = domain.RoundCrashed
	number := guard.number
	crashPoint := guard.crashPoint
	guard.mu.Unlock()

	if crashPoint < 1 {
		crashPoint = 1.0
	}
	s.bus.Publish(broadcast.Event{Type: broadcast.EventCrash, Payload: broadcast.CrashPayload{
		RoundNumber: number,
		CrashPoint:  crashPoint,
	}})
	log.Printf("round %d force-crashed", number)
}
