// Package broadcast fans round lifecycle and settlement events out to
// observers.
package broadcast

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names the events emitted over a round's lifetime. Per round the
// order is round_start, round_started, multiplier_update* with cashout*
// interleaved, then crash.
type EventType string

const (
	EventRoundStart       EventType = "round_start"
	EventRoundStarted     EventType = "round_started"
	EventMultiplierUpdate EventType = "multiplier_update"
	EventCashout          EventType = "cashout"
	EventCrash            EventType = "crash"
)

// Event is one broadcast message with its JSON-serializable payload.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// RoundStartPayload announces a new bet window.
type RoundStartPayload struct {
	RoundNumber int64     `json:"roundNumber"`
	StartTime   time.Time `json:"startTime"`
}

// RoundStartedPayload publishes the round's fairness commitment as the
// multiplier starts climbing.
type RoundStartedPayload struct {
	RoundNumber    int64  `json:"roundNumber"`
	CrashHash      string `json:"crashHash"`
	ServerSeedHash string `json:"serverSeedHash"`
}

// MultiplierUpdatePayload carries one tick of the authoritative clock.
type MultiplierUpdatePayload struct {
	RoundNumber int64   `json:"roundNumber"`
	Multiplier  float64 `json:"multiplier"`
	Elapsed     float64 `json:"elapsed"`
}

// CashoutPayload announces a successful settlement mid-round.
type CashoutPayload struct {
	RoundNumber  int64           `json:"roundNumber"`
	PlayerID     string          `json:"playerId"`
	Multiplier   float64         `json:"multiplier"`
	CryptoAmount decimal.Decimal `json:"cryptoAmount"`
	USDAmount    decimal.Decimal `json:"usdAmount"`
}

// CrashPayload ends a round. ServerSeed is revealed only for rounds whose
// commitment was published; force-crashed rounds omit it.
type CrashPayload struct {
	RoundNumber int64   `json:"roundNumber"`
	CrashPoint  float64 `json:"crashPoint"`
	ServerSeed  string  `json:"serverSeed,omitempty"`
}
