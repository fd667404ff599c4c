package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/auth"
	"github.com/sciffer/sandboxgate/pkg/models"
)

const (
	wsWriteWait       = 10 * time.Second
	wsRequestWait     = 30 * time.Second
	defaultMaxWSConns = 100
)

// NewUpgrader creates a WebSocket upgrader. An empty allow-list accepts
// any origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// TerminalSocket streams terminal output over WebSocket connections
type TerminalSocket struct {
	handler  *Handler
	upgrader websocket.Upgrader

	mu          sync.Mutex
	sessions    int
	maxSessions int
}

// NewTerminalSocket creates the WebSocket terminal endpoint
func NewTerminalSocket(h *Handler, allowedOrigins []string, maxSessions int) *TerminalSocket {
	if maxSessions <= 0 {
		maxSessions = defaultMaxWSConns
	}
	return &TerminalSocket{
		handler:     h,
		upgrader:    NewUpgrader(allowedOrigins),
		maxSessions: maxSessions,
	}
}

// ActiveSessions returns the number of open WebSocket sessions
func (t *TerminalSocket) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions
}

func (t *TerminalSocket) acquireSlot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions >= t.maxSessions {
		return false
	}
	t.sessions++
	return true
}

func (t *TerminalSocket) releaseSlot() {
	t.mu.Lock()
	t.sessions--
	t.mu.Unlock()
}

// ServeHTTP handles GET /terminal/ws. The first client message is a
// TerminalRequest; every output chunk is sent as a text frame and the
// server closes the connection when the stream ends.
func (t *TerminalSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := t.handler.logger
	if !t.acquireSlot() {
		t.handler.respondError(w, http.StatusServiceUnavailable, "too many sessions",
			fmt.Errorf("maximum session limit reached (%d)", t.maxSessions))
		return
	}
	defer t.releaseSlot()

	userID, _ := auth.UserIDFromContext(r.Context())

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	var req models.TerminalRequest
	if err := conn.ReadJSON(&req); err != nil {
		closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// The hijacked connection outlives r.Context(); the reader below
	// cancels ctx when the client goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	stream, reqErr := t.handler.startTerminal(ctx, userID, &req)
	if reqErr != nil {
		writeWSError(conn, reqErr)
		code := websocket.CloseInternalServerErr
		switch reqErr.status {
		case http.StatusBadRequest:
			code = websocket.ClosePolicyViolation
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			code = websocket.CloseTryAgainLater
		}
		closeWS(conn, code, reqErr.message)
		return
	}
	defer stream.Close()

	go func() {
		// Drain control frames; any read error means the peer is gone
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				stream.Close()
				return
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if werr := conn.WriteMessage(websocket.TextMessage, buf[:n]); werr != nil {
				log.Debug("websocket write failed", zap.Error(werr))
				return
			}
		}
		if err != nil {
			if err != io.EOF && err != io.ErrClosedPipe {
				log.Warn("terminal stream ended with error", zap.Error(err))
			}
			break
		}
	}
	closeWS(conn, websocket.CloseNormalClosure, "")
}

func writeWSError(conn *websocket.Conn, e *requestError) {
	payload, err := json.Marshal(models.ErrorResponse{
		Error:        e.message,
		Message:      e.err.Error(),
		Code:         e.status,
		RetryAfterMs: e.retryAfter,
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
