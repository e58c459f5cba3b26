package web

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/louisbranch/crashfall/internal/game/broadcast"
	"github.com/louisbranch/crashfall/internal/game/domain"
	apperrors "github.com/louisbranch/crashfall/internal/platform/errors"
)

const (
	wsSendBuffer    = 256
	wsWriteTimeout  = 10 * time.Second
	wsPongTimeout   = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsMaxMessageLen = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsMessage is the envelope for every frame in both directions.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsCashoutRequest struct {
	PlayerID    string `json:"playerId"`
	RoundNumber int64  `json:"roundNumber"`
}

type wsCashoutError struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// serveWebsocket upgrades the connection and streams broadcast events to it.
// Inbound cashout_request frames are settled through the ledger and answered
// with cashout_success or cashout_error on the same connection.
func (s *Server) serveWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}

	sub := s.bus.SubscribeBuffer(wsSendBuffer)
	replies := make(chan wsMessage, wsSendBuffer)
	done := make(chan struct{})

	go s.writePump(conn, sub, replies, done)

	s.readPump(c, conn, replies)

	// Reader is gone: tear the connection down. Closing done stops the
	// writer; Unsubscribe closes the event channel.
	close(done)
	s.bus.Unsubscribe(sub)
	_ = conn.Close()
}

func (s *Server) readPump(c *gin.Context, conn *websocket.Conn, replies chan<- wsMessage) {
	conn.SetReadLimit(wsMaxMessageLen)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		var inbound wsMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: websocket read: %v", err)
			}
			return
		}
		switch inbound.Type {
		case "cashout_request":
			s.handleCashoutRequest(c, inbound.Payload, replies)
		default:
			s.reply(replies, wsMessage{Type: "error"}, wsCashoutError{
				Code:    apperrors.CodeInvalidArgument,
				Message: "unknown message type",
			})
		}
	}
}

func (s *Server) handleCashoutRequest(c *gin.Context, payload json.RawMessage, replies chan<- wsMessage) {
	var request wsCashoutRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		s.reply(replies, wsMessage{Type: "cashout_error"}, wsCashoutError{
			Code:    apperrors.CodeInvalidArgument,
			Message: "malformed cashout request",
		})
		return
	}

	result, err := s.settler.CashOut(c.Request.Context(), request.PlayerID, request.RoundNumber)
	if err != nil {
		s.reply(replies, wsMessage{Type: "cashout_error"}, wsCashoutError{
			Code:    apperrors.CodeOf(err),
			Message: err.Error(),
		})
		return
	}
	s.reply(replies, wsMessage{Type: "cashout_success"}, cashoutResponse{
		RoundNumber:  result.RoundNumber,
		Currency:     string(result.Currency),
		Multiplier:   result.Multiplier,
		CryptoAmount: domain.RoundCrypto(result.CryptoAmount),
		USDAmount:    domain.RoundUSD(result.USDAmount),
	})
}

// reply queues an outbound frame without ever blocking the reader.
func (s *Server) reply(replies chan<- wsMessage, message wsMessage, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("web: marshal %s payload: %v", message.Type, err)
		return
	}
	message.Payload = raw
	select {
	case replies <- message:
	default:
		log.Printf("web: dropped %s reply, send queue full", message.Type)
	}
}

// writePump is the sole writer on the connection. It interleaves broadcast
// events, direct replies, and keepalive pings.
func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscription, replies <-chan wsMessage, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	write := func(message wsMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(message); err != nil {
			_ = conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case message := <-replies:
			if !write(message) {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			raw, err := json.Marshal(event.Payload)
			if err != nil {
				log.Printf("web: marshal %s event: %v", event.Type, err)
				continue
			}
			if !write(wsMessage{Type: string(event.Type), Payload: raw}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
