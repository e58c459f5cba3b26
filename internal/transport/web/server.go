// Package web exposes the game over a gin REST API and a websocket event
// feed. It translates transport payloads into ledger and storage calls and
// maps domain error codes onto HTTP statuses.
package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/broadcast"
	"github.com/louisbranch/crashfall/internal/game/domain"
	"github.com/louisbranch/crashfall/internal/game/engine"
	"github.com/louisbranch/crashfall/internal/game/ledger"
	"github.com/louisbranch/crashfall/internal/game/pricing"
	"github.com/louisbranch/crashfall/internal/game/storage"
	apperrors "github.com/louisbranch/crashfall/internal/platform/errors"
)

const defaultHistoryLimit = 10

// Settler is the settlement surface the transport needs from the ledger.
type Settler interface {
	PlaceBet(ctx context.Context, playerID string, roundNumber int64, usdAmount decimal.Decimal, currency domain.Currency) (ledger.BetResult, error)
	CashOut(ctx context.Context, playerID string, roundNumber int64) (ledger.CashoutResult, error)
}

// RoundSource reports the live round, if one exists.
type RoundSource interface {
	Current() (engine.RoundSnapshot, bool)
}

// Server serves the REST API and websocket feed.
type Server struct {
	settler Settler
	rounds  RoundSource
	store   storage.Queries
	oracle  pricing.Oracle
	bus     *broadcast.Bus
	now     func() time.Time
	router  *gin.Engine
}

// NewServer wires the routes. The returned server is ready to serve via
// Handler.
func NewServer(settler Settler, rounds RoundSource, store storage.Queries, oracle pricing.Oracle, bus *broadcast.Bus) *Server {
	s := &Server{
		settler: settler,
		rounds:  rounds,
		store:   store,
		oracle:  oracle,
		bus:     bus,
		now:     time.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/rounds/current", s.currentRound)
	api.GET("/rounds/history", s.roundHistory)
	api.GET("/wallet/:playerID", s.wallet)
	api.POST("/bet", s.placeBet)
	api.POST("/cashout", s.cashOut)
	router.GET("/ws", s.serveWebsocket)

	s.router = router
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

type errorBody struct {
	Code     apperrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	body := errorBody{Code: code, Message: err.Error()}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		body.Metadata = domainErr.Metadata
	}
	if code == apperrors.CodeUnknown {
		log.Printf("web: internal error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		body.Message = "internal error"
	}
	c.JSON(code.HTTPStatus(), gin.H{"error": body})
}

type currentRoundResponse struct {
	RoundNumber  int64    `json:"roundNumber"`
	State        string   `json:"state"`
	StartTime    *int64   `json:"startTime,omitempty"`
	Multiplier   *float64 `json:"multiplier,omitempty"`
	Elapsed      *float64 `json:"elapsed,omitempty"`
	BetCount     int      `json:"betCount"`
	CashoutCount int      `json:"cashoutCount"`
}

func (s *Server) currentRound(c *gin.Context) {
	snap, ok := s.rounds.Current()
	if !ok {
		writeError(c, apperrors.New(apperrors.CodeRoundNotFound, "no active round"))
		return
	}

	response := currentRoundResponse{
		RoundNumber: snap.Number,
		State:       snap.State.String(),
	}
	if snap.State == domain.RoundInProgress {
		now := s.now()
		startMillis := snap.StartTime.UnixMilli()
		multiplier := domain.RoundMultiplier(snap.MultiplierAt(now))
		elapsed := domain.RoundElapsed(now.Sub(snap.StartTime).Seconds())
		response.StartTime = &startMillis
		response.Multiplier = &multiplier
		response.Elapsed = &elapsed
	}

	round, err := s.store.GetRound(c.Request.Context(), snap.Number)
	if err != nil {
		writeError(c, err)
		return
	}
	response.BetCount = len(round.Bets)
	response.CashoutCount = len(round.Cashouts)

	c.JSON(http.StatusOK, response)
}

type historyEntry struct {
	RoundNumber int64    `json:"roundNumber"`
	State       string   `json:"state"`
	CrashPoint  *float64 `json:"crashPoint,omitempty"`
	BetCount    int      `json:"betCount"`
	CreatedAt   int64    `json:"createdAt"`
}

func (s *Server) roundHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, apperrors.New(apperrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	rounds, err := s.store.RoundHistory(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	entries := make([]historyEntry, 0, len(rounds))
	for _, round := range rounds {
		entry := historyEntry{
			RoundNumber: round.Number,
			State:       round.State.String(),
			BetCount:    len(round.Bets),
			CreatedAt:   round.CreatedAt.UnixMilli(),
		}
		if round.HasCrashPoint() {
			crashPoint := round.CrashPoint
			entry.CrashPoint = &crashPoint
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{"rounds": entries})
}

type walletBalance struct {
	Currency string           `json:"currency"`
	Amount   decimal.Decimal  `json:"amount"`
	USDValue *decimal.Decimal `json:"usdValue,omitempty"`
}

func (s *Server) wallet(c *gin.Context) {
	playerID := c.Param("playerID")
	player, err := s.store.GetPlayer(c.Request.Context(), playerID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(c, apperrors.WithMetadata(apperrors.CodePlayerNotFound,
			"player not found", map[string]string{"playerId": playerID}))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	balances := make([]walletBalance, 0, len(domain.Currencies()))
	for _, currency := range domain.Currencies() {
		balance := walletBalance{
			Currency: string(currency),
			Amount:   player.Balance(currency),
		}
		if price, err := s.oracle.CurrentPrice(currency); err == nil {
			usd := domain.RoundUSD(balance.Amount.Mul(price))
			balance.USDValue = &usd
		}
		balances = append(balances, balance)
	}

	c.JSON(http.StatusOK, gin.H{
		"playerId": player.ID,
		"username": player.Username,
		"balances": balances,
	})
}

type betRequest struct {
	PlayerID    string          `json:"playerId"`
	RoundNumber int64           `json:"roundNumber"`
	USDAmount   decimal.Decimal `json:"usdAmount"`
	Currency    string          `json:"currency"`
}

type betResponse struct {
	RoundNumber  int64           `json:"roundNumber"`
	Currency     string          `json:"currency"`
	USDAmount    decimal.Decimal `json:"usdAmount"`
	CryptoAmount decimal.Decimal `json:"cryptoAmount"`
	PriceAtBet   decimal.Decimal `json:"priceAtBet"`
}

func (s *Server) placeBet(c *gin.Context) {
	var request betRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidArgument, "malformed bet request", err))
		return
	}
	currency, err := domain.ParseCurrency(request.Currency)
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := s.settler.PlaceBet(c.Request.Context(), request.PlayerID, request.RoundNumber, request.USDAmount, currency)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, betResponse{
		RoundNumber:  result.RoundNumber,
		Currency:     string(result.Currency),
		USDAmount:    result.USDAmount,
		CryptoAmount: domain.RoundCrypto(result.CryptoAmount),
		PriceAtBet:   result.PriceAtBet,
	})
}

type cashoutHTTPRequest struct {
	PlayerID    string `json:"playerId"`
	RoundNumber int64  `json:"roundNumber"`
}

type cashoutResponse struct {
	RoundNumber  int64           `json:"roundNumber"`
	Currency     string          `json:"currency"`
	Multiplier   float64         `json:"multiplier"`
	CryptoAmount decimal.Decimal `json:"cryptoAmount"`
	USDAmount    decimal.Decimal `json:"usdAmount"`
}

func (s *Server) cashOut(c *gin.Context) {
	var request cashoutHTTPRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidArgument, "malformed cashout request", err))
		return
	}

	result, err := s.settler.CashOut(c.Request.Context(), request.PlayerID, request.RoundNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cashoutResponse{
		RoundNumber:  result.RoundNumber,
		Currency:     string(result.Currency),
		Multiplier:   result.Multiplier,
		CryptoAmount: domain.RoundCrypto(result.CryptoAmount),
		USDAmount:    domain.RoundUSD(result.USDAmount),
	})
}
