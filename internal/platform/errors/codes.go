// Package errors provides structured error handling with machine codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument represents malformed or unparseable input.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Round errors
	CodeRoundNotFound     Code = "ROUND_NOT_FOUND"
	CodeRoundNotBettable  Code = "ROUND_NOT_BETTABLE"
	CodeRoundNotRunning   Code = "ROUND_NOT_RUNNING"
	CodeRoundCrashed      Code = "ROUND_CRASHED"
	CodeRoundSequence     Code = "ROUND_SEQUENCE_CORRUPT"

	// Bet and cashout errors
	CodeBetAmountInvalid    Code = "BET_AMOUNT_INVALID"
	CodeBetDuplicate        Code = "BET_DUPLICATE"
	CodeBetNotFound         Code = "BET_NOT_FOUND"
	CodeCashoutDuplicate    Code = "CASHOUT_DUPLICATE"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"

	// Player errors
	CodePlayerNotFound Code = "PLAYER_NOT_FOUND"

	// Pricing errors
	CodeCurrencyUnsupported Code = "CURRENCY_UNSUPPORTED"
	CodePriceUnavailable    Code = "PRICE_UNAVAILABLE"
)

// HTTPStatus maps the error code to an HTTP status for the transport layer.
//
// Validation failures map to 400, missing entities to 404, the crash race on
// settlement to 409, and a stale price oracle to 503.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeRoundNotFound, CodePlayerNotFound, CodeBetNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument, CodeRoundNotBettable, CodeRoundNotRunning,
		CodeBetAmountInvalid, CodeBetDuplicate, CodeCashoutDuplicate,
		CodeInsufficientBalance, CodeCurrencyUnsupported:
		return http.StatusBadRequest
	case CodeRoundCrashed:
		return http.StatusConflict
	case CodePriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
