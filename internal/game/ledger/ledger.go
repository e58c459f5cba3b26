// Package ledger settles bets and cash-outs against player balances.
//
// Every settlement runs inside the active round's serialization lock and a
// storage transaction, so a cash-out either commits in full before the round
// crashes or fails with a typed error. Balances never go negative and no
// mutation is ever half-applied.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/broadcast"
	"github.com/louisbranch/crashfall/internal/game/domain"
	"github.com/louisbranch/crashfall/internal/game/engine"
	"github.com/louisbranch/crashfall/internal/game/pricing"
	"github.com/louisbranch/crashfall/internal/game/storage"
	apperrors "github.com/louisbranch/crashfall/internal/platform/errors"
	"github.com/louisbranch/crashfall/internal/platform/id"
)

// RoundGuard serializes settlement against the round's state transitions.
// The scheduler's implementation returns engine.ErrRoundNotActive when
// roundNumber is not the live round.
type RoundGuard interface {
	WithRound(roundNumber int64, fn func(engine.RoundSnapshot) error) error
}

// Ledger performs atomic settlement of bets and cash-outs.
type Ledger struct {
	store  storage.Store
	oracle pricing.Oracle
	guard  RoundGuard
	bus    *broadcast.Bus
	now    func() time.Time
}

// New creates a ledger over the store, the game context's price oracle, and
// the scheduler's round guard.
func New(store storage.Store, game engine.GameContext, guard RoundGuard, bus *broadcast.Bus) *Ledger {
	return &Ledger{
		store:  store,
		oracle: game.Oracle,
		guard:  guard,
		bus:    bus,
		now:    time.Now,
	}
}

// BetResult reports a committed bet.
type BetResult struct {
	RoundNumber  int64
	Currency     domain.Currency
	USDAmount    decimal.Decimal
	CryptoAmount decimal.Decimal
	PriceAtBet   decimal.Decimal
}

// CashoutResult reports a committed cash-out.
type CashoutResult struct {
	RoundNumber  int64
	Currency     domain.Currency
	Multiplier   float64
	CryptoAmount decimal.Decimal
	USDAmount    decimal.Decimal
}

// PlaceBet debits the player's balance and records a bet on the round.
//
// The bet is priced at the oracle's current rate for the chosen currency and
// only accepted while the round is Waiting. The debit, the bet record, and
// the transaction entry commit atomically.
func (l *Ledger) PlaceBet(ctx context.Context, playerID string, roundNumber int64, usdAmount decimal.Decimal, currency domain.Currency) (BetResult, error) {
	if !usdAmount.IsPositive() {
		return BetResult{}, apperrors.WithMetadata(apperrors.CodeBetAmountInvalid,
			"bet amount must be positive",
			map[string]string{"usdAmount": usdAmount.String()})
	}

	price, err := l.oracle.CurrentPrice(currency)
	if err != nil {
		return BetResult{}, err
	}

	bet := domain.Bet{
		PlayerID:   playerID,
		USDAmount:  usdAmount,
		Currency:   currency,
		PriceAtBet: price,
		PlacedAt:   l.now(),
	}
	crypto := bet.CryptoAmount()

	err = l.guard.WithRound(roundNumber, func(snap engine.RoundSnapshot) error {
		if snap.State != domain.RoundWaiting {
			return apperrors.WithMetadata(apperrors.CodeRoundNotBettable,
				"bet window is closed",
				map[string]string{"state": snap.State.String()})
		}
		return l.store.Transact(ctx, func(q storage.Queries) error {
			round, err := q.GetRound(ctx, roundNumber)
			if err != nil {
				return fmt.Errorf("load round %d: %w", roundNumber, err)
			}
			if _, ok := round.BetBy(playerID); ok {
				return apperrors.New(apperrors.CodeBetDuplicate, "player already bet on this round")
			}
			player, err := q.GetPlayer(ctx, playerID)
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.WithMetadata(apperrors.CodePlayerNotFound,
					"player not found",
					map[string]string{"playerId": playerID})
			}
			if err != nil {
				return fmt.Errorf("load player: %w", err)
			}
			balance := player.Balance(currency)
			if balance.LessThan(crypto) {
				return apperrors.WithMetadata(apperrors.CodeInsufficientBalance,
					"balance does not cover the bet",
					map[string]string{
						"currency": string(currency),
						"balance":  balance.String(),
						"required": crypto.String(),
					})
			}
			if err := q.SetBalance(ctx, playerID, currency, balance.Sub(crypto)); err != nil {
				return fmt.Errorf("debit balance: %w", err)
			}
			if err := q.AppendBet(ctx, roundNumber, bet); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					return apperrors.New(apperrors.CodeBetDuplicate, "player already bet on this round")
				}
				return fmt.Errorf("record bet: %w", err)
			}
			transactionID, err := id.NewID()
			if err != nil {
				return fmt.Errorf("generate transaction id: %w", err)
			}
			err = q.AppendTransaction(ctx, domain.Transaction{
				ID:           transactionID,
				PlayerID:     playerID,
				RoundNumber:  roundNumber,
				Kind:         domain.TransactionBet,
				Currency:     currency,
				CryptoAmount: crypto,
				USDAmount:    usdAmount,
				PriceAtTime:  price,
				CreatedAt:    bet.PlacedAt,
			})
			if err != nil {
				return fmt.Errorf("record transaction: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return BetResult{}, l.translateInactive(ctx, roundNumber, err, apperrors.CodeRoundNotBettable)
	}

	return BetResult{
		RoundNumber:  roundNumber,
		Currency:     currency,
		USDAmount:    usdAmount,
		CryptoAmount: crypto,
		PriceAtBet:   price,
	}, nil
}

// CashOut settles the player's bet at the multiplier of the moment.
//
// The payout in crypto is the bet's crypto amount times the live multiplier.
// It commits before the round can transition to Crashed or not at all; a
// cash-out that arrives at or past the crash point is rejected.
func (l *Ledger) CashOut(ctx context.Context, playerID string, roundNumber int64) (CashoutResult, error) {
	var result CashoutResult
	var event broadcast.CashoutPayload

	err := l.guard.WithRound(roundNumber, func(snap engine.RoundSnapshot) error {
		switch snap.State {
		case domain.RoundWaiting:
			return apperrors.New(apperrors.CodeRoundNotRunning, "round has not started")
		case domain.RoundCrashed:
			return apperrors.New(apperrors.CodeRoundCrashed, "round already crashed")
		}
		now := l.now()
		multiplier := snap.MultiplierAt(now)
		if snap.CrashPoint >= 1 && multiplier >= snap.CrashPoint {
			return apperrors.New(apperrors.CodeRoundCrashed, "round already crashed")
		}

		return l.store.Transact(ctx, func(q storage.Queries) error {
			round, err := q.GetRound(ctx, roundNumber)
			if err != nil {
				return fmt.Errorf("load round %d: %w", roundNumber, err)
			}
			bet, ok := round.BetBy(playerID)
			if !ok {
				return apperrors.New(apperrors.CodeBetNotFound, "no bet to cash out")
			}
			if round.CashedOut(playerID) {
				return apperrors.New(apperrors.CodeCashoutDuplicate, "bet already cashed out")
			}
			price, err := l.oracle.CurrentPrice(bet.Currency)
			if err != nil {
				return err
			}
			payout := bet.CryptoAmount().Mul(decimal.NewFromFloat(multiplier))
			player, err := q.GetPlayer(ctx, playerID)
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.WithMetadata(apperrors.CodePlayerNotFound,
					"player not found",
					map[string]string{"playerId": playerID})
			}
			if err != nil {
				return fmt.Errorf("load player: %w", err)
			}
			if err := q.SetBalance(ctx, playerID, bet.Currency, player.Balance(bet.Currency).Add(payout)); err != nil {
				return fmt.Errorf("credit balance: %w", err)
			}
			cashout := domain.Cashout{
				PlayerID:     playerID,
				Multiplier:   domain.RoundMultiplier(multiplier),
				CryptoAmount: payout,
				Currency:     bet.Currency,
				CashedAt:     now,
			}
			if err := q.AppendCashout(ctx, roundNumber, cashout); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					return apperrors.New(apperrors.CodeCashoutDuplicate, "bet already cashed out")
				}
				return fmt.Errorf("record cashout: %w", err)
			}
			usd := payout.Mul(price)
			transactionID, err := id.NewID()
			if err != nil {
				return fmt.Errorf("generate transaction id: %w", err)
			}
			err = q.AppendTransaction(ctx, domain.Transaction{
				ID:           transactionID,
				PlayerID:     playerID,
				RoundNumber:  roundNumber,
				Kind:         domain.TransactionCashout,
				Currency:     bet.Currency,
				CryptoAmount: payout,
				USDAmount:    usd,
				PriceAtTime:  price,
				CreatedAt:    now,
			})
			if err != nil {
				return fmt.Errorf("record transaction: %w", err)
			}

			result = CashoutResult{
				RoundNumber:  roundNumber,
				Currency:     bet.Currency,
				Multiplier:   cashout.Multiplier,
				CryptoAmount: payout,
				USDAmount:    usd,
			}
			event = broadcast.CashoutPayload{
				RoundNumber:  roundNumber,
				PlayerID:     playerID,
				Multiplier:   cashout.Multiplier,
				CryptoAmount: domain.RoundCrypto(payout),
				USDAmount:    domain.RoundUSD(usd),
			}
			return nil
		})
	})
	if err != nil {
		return CashoutResult{}, l.translateInactive(ctx, roundNumber, err, apperrors.CodeRoundCrashed)
	}

	if l.bus != nil {
		l.bus.Publish(broadcast.Event{Type: broadcast.EventCashout, Payload: event})
	}
	return result, nil
}

// translateInactive maps engine.ErrRoundNotActive onto an error code based on
// what the store knows about the round: missing rounds are not found, known
// but inactive rounds get phaseCode.
func (l *Ledger) translateInactive(ctx context.Context, roundNumber int64, err error, phaseCode apperrors.Code) error {
	if !errors.Is(err, engine.ErrRoundNotActive) {
		return err
	}
	round, lookupErr := l.store.GetRound(ctx, roundNumber)
	if errors.Is(lookupErr, storage.ErrNotFound) {
		return apperrors.WithMetadata(apperrors.CodeRoundNotFound,
			"round not found",
			map[string]string{"roundNumber": fmt.Sprintf("%d", roundNumber)})
	}
	if lookupErr != nil {
		return fmt.Errorf("load round %d: %w", roundNumber, lookupErr)
	}
	if round.State == domain.RoundCrashed {
		return apperrors.New(apperrors.CodeRoundCrashed, "round already crashed")
	}
	return apperrors.WithMetadata(phaseCode, "round is not active",
		map[string]string{"state": round.State.String()})
}
