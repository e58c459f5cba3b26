package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/broadcast"
	"github.com/louisbranch/crashfall/internal/game/domain"
	"github.com/louisbranch/crashfall/internal/game/engine"
	"github.com/louisbranch/crashfall/internal/game/pricing"
	"github.com/louisbranch/crashfall/internal/game/storage/sqlite"
	apperrors "github.com/louisbranch/crashfall/internal/platform/errors"
)

// fakeGuard mimics the scheduler's guard: one round is active and fn runs
// under a mutex so settlements serialize.
type fakeGuard struct {
	mu   sync.Mutex
	snap engine.RoundSnapshot
}

func (g *fakeGuard) WithRound(roundNumber int64, fn func(engine.RoundSnapshot) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if roundNumber != g.snap.Number {
		return engine.ErrRoundNotActive
	}
	return fn(g.snap)
}

func openTempStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "game.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var btcPrice = decimal.NewFromInt(50000)

func testOracle() pricing.Static {
	return pricing.Static{Prices: map[domain.Currency]decimal.Decimal{
		domain.CurrencyBTC: btcPrice,
		domain.CurrencyETH: decimal.NewFromInt(2500),
	}}
}

// newTestLedger seeds round 1 in the given snapshot state and a player with
// 1 BTC, and pins the ledger clock 20 seconds past the round start so the
// live multiplier is exactly 2.00 at the default growth factor.
func newTestLedger(t *testing.T, state domain.RoundState) (*Ledger, *sqlite.Store, *fakeGuard, *broadcast.Bus) {
	t.Helper()
	store := openTempStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	err := store.CreateRound(ctx, domain.Round{Number: 1, State: domain.RoundWaiting, CreatedAt: start})
	if err != nil {
		t.Fatalf("seed round: %v", err)
	}
	if state != domain.RoundWaiting {
		if err := store.SetRoundStarted(ctx, 1, start, 33.70); err != nil {
			t.Fatalf("start round: %v", err)
		}
	}
	if state == domain.RoundCrashed {
		if err := store.SetRoundState(ctx, 1, domain.RoundCrashed); err != nil {
			t.Fatalf("crash round: %v", err)
		}
	}

	err = store.CreatePlayer(ctx, domain.Player{
		ID:       "p1",
		Username: "alice",
		Balances: map[domain.Currency]decimal.Decimal{
			domain.CurrencyBTC: decimal.NewFromInt(1),
		},
	})
	if err != nil {
		t.Fatalf("seed player: %v", err)
	}

	guard := &fakeGuard{snap: engine.RoundSnapshot{
		Number:       1,
		State:        state,
		StartTime:    start,
		CrashPoint:   33.70,
		GrowthFactor: 0.05,
	}}
	bus := broadcast.NewBus()
	ledger := New(store, engine.GameContext{ServerSeed: "test-seed", Oracle: testOracle()}, guard, bus)
	ledger.now = func() time.Time { return start.Add(20 * time.Second) }
	return ledger, store, guard, bus
}

func placeBet(t *testing.T, ledger *Ledger) BetResult {
	t.Helper()
	result, err := ledger.PlaceBet(context.Background(), "p1", 1, decimal.NewFromInt(100), domain.CurrencyBTC)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	return result
}

func TestPlaceBet(t *testing.T) {
	t.Parallel()

	ledger, store, _, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	result := placeBet(t, ledger)
	if !result.CryptoAmount.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("crypto amount = %s, want 0.002", result.CryptoAmount)
	}
	if !result.PriceAtBet.Equal(btcPrice) {
		t.Fatalf("price at bet = %s, want %s", result.PriceAtBet, btcPrice)
	}

	player, err := store.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got := player.Balance(domain.CurrencyBTC); !got.Equal(decimal.RequireFromString("0.998")) {
		t.Fatalf("balance after bet = %s, want 0.998", got)
	}

	round, err := store.GetRound(ctx, 1)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	bet, ok := round.BetBy("p1")
	if !ok {
		t.Fatal("bet not recorded on round")
	}
	if !bet.USDAmount.Equal(decimal.NewFromInt(100)) || bet.Currency != domain.CurrencyBTC {
		t.Fatalf("recorded bet = %+v", bet)
	}

	transactions, err := store.PlayerTransactions(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Kind != domain.TransactionBet {
		t.Fatalf("transactions = %+v, want one bet entry", transactions)
	}
}

func TestPlaceBetRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		_, err := ledger.PlaceBet(ctx, "p1", 1, amount, domain.CurrencyBTC)
		if apperrors.CodeOf(err) != apperrors.CodeBetAmountInvalid {
			t.Fatalf("PlaceBet(%s) code = %s, want %s", amount, apperrors.CodeOf(err), apperrors.CodeBetAmountInvalid)
		}
	}
}

func TestPlaceBetOutsideBetWindow(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, domain.RoundInProgress)

	_, err := ledger.PlaceBet(context.Background(), "p1", 1, decimal.NewFromInt(100), domain.CurrencyBTC)
	if apperrors.CodeOf(err) != apperrors.CodeRoundNotBettable {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRoundNotBettable)
	}
}

func TestPlaceBetDuplicate(t *testing.T) {
	t.Parallel()

	ledger, store, _, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	placeBet(t, ledger)
	_, err := ledger.PlaceBet(ctx, "p1", 1, decimal.NewFromInt(50), domain.CurrencyBTC)
	if apperrors.CodeOf(err) != apperrors.CodeBetDuplicate {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeBetDuplicate)
	}

	// The rejected bet must not have touched the balance.
	player, err := store.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got := player.Balance(domain.CurrencyBTC); !got.Equal(decimal.RequireFromString("0.998")) {
		t.Fatalf("balance = %s, want 0.998", got)
	}
}

func TestPlaceBetInsufficientBalance(t *testing.T) {
	t.Parallel()

	ledger, store, _, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	// 1 BTC at $50000 covers only $50000; ask for more.
	_, err := ledger.PlaceBet(ctx, "p1", 1, decimal.NewFromInt(60000), domain.CurrencyBTC)
	if apperrors.CodeOf(err) != apperrors.CodeInsufficientBalance {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeInsufficientBalance)
	}

	player, err := store.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got := player.Balance(domain.CurrencyBTC); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("balance = %s, want 1", got)
	}
}

func TestPlaceBetUnknownPlayer(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, domain.RoundWaiting)

	_, err := ledger.PlaceBet(context.Background(), "ghost", 1, decimal.NewFromInt(100), domain.CurrencyBTC)
	if apperrors.CodeOf(err) != apperrors.CodePlayerNotFound {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodePlayerNotFound)
	}
}

func TestPlaceBetPriceUnavailable(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, domain.RoundWaiting)
	ledger.oracle = pricing.Static{}

	_, err := ledger.PlaceBet(context.Background(), "p1", 1, decimal.NewFromInt(100), domain.CurrencyBTC)
	if apperrors.CodeOf(err) != apperrors.CodePriceUnavailable {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodePriceUnavailable)
	}
}

func TestPlaceBetUnknownRound(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, domain.RoundWaiting)

	_, err := ledger.PlaceBet(context.Background(), "p1", 42, decimal.NewFromInt(100), domain.CurrencyBTC)
	if apperrors.CodeOf(err) != apperrors.CodeRoundNotFound {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRoundNotFound)
	}
}

func TestPlaceBetFinishedRound(t *testing.T) {
	t.Parallel()

	ledger, store, guard, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	// Round 1 is over and round 2 is live; a late bet on round 1 reports the
	// round as crashed.
	if err := store.SetRoundState(ctx, 1, domain.RoundCrashed); err != nil {
		t.Fatalf("crash round: %v", err)
	}
	guard.snap.Number = 2

	_, err := ledger.PlaceBet(ctx, "p1", 1, decimal.NewFromInt(100), domain.CurrencyBTC)
	if apperrors.CodeOf(err) != apperrors.CodeRoundCrashed {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRoundCrashed)
	}
}

func TestCashOut(t *testing.T) {
	t.Parallel()

	ledger, store, guard, bus := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	placeBet(t, ledger)
	guard.snap.State = domain.RoundInProgress

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	result, err := ledger.CashOut(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("cash out: %v", err)
	}
	if result.Multiplier != 2.0 {
		t.Fatalf("multiplier = %v, want 2.0", result.Multiplier)
	}
	if !result.CryptoAmount.Equal(decimal.RequireFromString("0.004")) {
		t.Fatalf("payout = %s, want 0.004", result.CryptoAmount)
	}
	if !result.USDAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("usd = %s, want 200", result.USDAmount)
	}

	player, err := store.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got := player.Balance(domain.CurrencyBTC); !got.Equal(decimal.RequireFromString("1.002")) {
		t.Fatalf("balance after cashout = %s, want 1.002", got)
	}

	round, err := store.GetRound(ctx, 1)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if !round.CashedOut("p1") {
		t.Fatal("cashout not recorded on round")
	}

	select {
	case event := <-sub.Events():
		if event.Type != broadcast.EventCashout {
			t.Fatalf("event type = %s, want cashout", event.Type)
		}
		payload := event.Payload.(broadcast.CashoutPayload)
		if payload.PlayerID != "p1" || payload.Multiplier != 2.0 {
			t.Fatalf("cashout payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no cashout event published")
	}

	transactions, err := store.PlayerTransactions(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("transaction count = %d, want 2", len(transactions))
	}
}

func TestCashOutWithoutBet(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, domain.RoundInProgress)

	_, err := ledger.CashOut(context.Background(), "p1", 1)
	if apperrors.CodeOf(err) != apperrors.CodeBetNotFound {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeBetNotFound)
	}
}

func TestCashOutBeforeStart(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, domain.RoundWaiting)

	placeBet(t, ledger)
	_, err := ledger.CashOut(context.Background(), "p1", 1)
	if apperrors.CodeOf(err) != apperrors.CodeRoundNotRunning {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRoundNotRunning)
	}
}

func TestCashOutAfterCrash(t *testing.T) {
	t.Parallel()

	ledger, store, guard, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	placeBet(t, ledger)
	guard.snap.State = domain.RoundCrashed

	_, err := ledger.CashOut(ctx, "p1", 1)
	if apperrors.CodeOf(err) != apperrors.CodeRoundCrashed {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRoundCrashed)
	}

	// The failed cashout must not have credited anything.
	player, err := store.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got := player.Balance(domain.CurrencyBTC); !got.Equal(decimal.RequireFromString("0.998")) {
		t.Fatalf("balance = %s, want 0.998", got)
	}
}

func TestCashOutAtCrashPoint(t *testing.T) {
	t.Parallel()

	ledger, _, guard, _ := newTestLedger(t, domain.RoundWaiting)

	placeBet(t, ledger)
	guard.snap.State = domain.RoundInProgress
	// The live multiplier (2.00) has reached the crash point even though the
	// tick loop has not transitioned the round yet.
	guard.snap.CrashPoint = 2.0

	_, err := ledger.CashOut(context.Background(), "p1", 1)
	if apperrors.CodeOf(err) != apperrors.CodeRoundCrashed {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRoundCrashed)
	}
}

func TestCashOutDuplicate(t *testing.T) {
	t.Parallel()

	ledger, _, guard, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	placeBet(t, ledger)
	guard.snap.State = domain.RoundInProgress

	if _, err := ledger.CashOut(ctx, "p1", 1); err != nil {
		t.Fatalf("first cash out: %v", err)
	}
	_, err := ledger.CashOut(ctx, "p1", 1)
	if apperrors.CodeOf(err) != apperrors.CodeCashoutDuplicate {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeCashoutDuplicate)
	}
}

func TestCashOutConcurrentDuplicate(t *testing.T) {
	t.Parallel()

	ledger, store, guard, _ := newTestLedger(t, domain.RoundWaiting)
	ctx := context.Background()

	placeBet(t, ledger)
	guard.snap.State = domain.RoundInProgress

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := ledger.CashOut(ctx, "p1", 1)
			errs <- err
		}()
	}

	var successes, duplicates int
	for range 2 {
		switch err := <-errs; {
		case err == nil:
			successes++
		case apperrors.CodeOf(err) == apperrors.CodeCashoutDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected cashout error: %v", err)
		}
	}
	if successes != 1 || duplicates != 1 {
		t.Fatalf("successes = %d, duplicates = %d, want exactly one of each", successes, duplicates)
	}

	player, err := store.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got := player.Balance(domain.CurrencyBTC); !got.Equal(decimal.RequireFromString("1.002")) {
		t.Fatalf("balance = %s, want 1.002", got)
	}
}
