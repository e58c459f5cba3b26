package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RoundState is the lifecycle phase of a round.
type RoundState int

const (
	RoundWaiting RoundState = iota
	RoundInProgress
	RoundCrashed
)

func (s RoundState) String() string {
	switch s {
	case RoundWaiting:
		return "waiting"
	case RoundInProgress:
		return "in_progress"
	case RoundCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ParseRoundState parses the wire/storage form of a round state.
func ParseRoundState(value string) (RoundState, error) {
	switch value {
	case "waiting":
		return RoundWaiting, nil
	case "in_progress":
		return RoundInProgress, nil
	case "crashed":
		return RoundCrashed, nil
	default:
		return RoundWaiting, fmt.Errorf("unknown round state %q", value)
	}
}

// Bet is a stake placed during a round's bet window.
type Bet struct {
	PlayerID   string
	USDAmount  decimal.Decimal
	Currency   Currency
	PriceAtBet decimal.Decimal
	PlacedAt   time.Time
}

// CryptoAmount is the staked crypto value, derived from the USD stake and the
// price at bet time. It is never stored redundantly.
func (b Bet) CryptoAmount() decimal.Decimal {
	return b.USDAmount.Div(b.PriceAtBet)
}

// Cashout records a player locking in a payout mid-round.
type Cashout struct {
	PlayerID     string
	Multiplier   float64
	CryptoAmount decimal.Decimal
	Currency     Currency
	CashedAt     time.Time
}

// Round is one run of the crash game.
//
// Exactly one round is Waiting or InProgress at any time; all others are
// terminal. Number is immutable and unique once assigned.
type Round struct {
	Number     int64
	State      RoundState
	StartTime  time.Time
	CrashPoint float64 // zero until computed at the InProgress transition
	Bets       []Bet
	Cashouts   []Cashout
	CreatedAt  time.Time
}

// HasCrashPoint reports whether the crash point has been computed.
func (r Round) HasCrashPoint() bool {
	return r.CrashPoint >= 1
}

// BetBy returns the player's bet in this round, if any.
func (r Round) BetBy(playerID string) (Bet, bool) {
	for _, bet := range r.Bets {
		if bet.PlayerID == playerID {
			return bet, true
		}
	}
	return Bet{}, false
}

// CashedOut reports whether the player already cashed out of this round.
func (r Round) CashedOut(playerID string) bool {
	for _, cashout := range r.Cashouts {
		if cashout.PlayerID == playerID {
			return true
		}
	}
	return false
}
