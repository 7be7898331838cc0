package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/broomva/arcan/internal/agent"
	"github.com/broomva/arcan/internal/domain"
	"github.com/broomva/arcan/internal/identity"
	"github.com/broomva/arcan/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

// TurnRunner is the part of the session registry a chat connection drives.
type TurnRunner interface {
	RunTurn(ctx context.Context, userID, query string) (*session.TurnResult, error)
}

// Limiter throttles turns per client key.
type Limiter interface {
	Allow(key string) bool
}

// Handler upgrades requests to WebSocket chat connections. Each inbound frame runs
// one turn for the connection's user and the reply is written before the next frame
// is read.
type Handler struct {
	sessions      TurnRunner
	cm            *ConnManager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket chat handler.
func NewHandler(sessions TurnRunner, cm *ConnManager, allowedOrigin string, isDev bool) *Handler {
	if cm == nil {
		cm = NewConnManager()
	}
	return &Handler{
		sessions:      sessions,
		cm:            cm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// SetLimiter throttles query frames. Without one every frame runs a turn.
func (h *Handler) SetLimiter(l Limiter) {
	h.limiter = l
}

// inbound is a client frame. A frame without a type carrying a query is a query.
type inbound struct {
	Type  string `json:"type,omitempty"`
	Query string `json:"query,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type      string   `json:"type"`
	Response  string   `json:"response,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
	Model     string   `json:"model,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	connID := r.URL.Query().Get("conn_id")
	if connID == "" {
		connID = uuid.NewString()
	}
	slog.Info("Chat connection request",
		"user_id", userID,
		"conn_id", connID,
		"ip", identity.IPFromRequest(r),
		"open_conns", h.cm.Count(userID),
	)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.cm.Register(userID, connID, ws)
	defer h.cm.Unregister(userID, connID, ws)

	h.readLoop(r.Context(), ws, userID, identity.ClientKey(r, userID))
	slog.Info("Chat connection ended", "user_id", userID, "conn_id", connID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || h.allowedOrigin == "" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, clientKey string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := h.write(ctx, ws, outbound{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}

		if msg.Type == "" && msg.Query != "" {
			msg.Type = "query"
		}

		switch msg.Type {
		case "ping":
			if err := h.write(ctx, ws, outbound{Type: "pong"}); err != nil {
				return
			}
		case "close":
			_ = h.write(ctx, ws, outbound{Type: "closed"})
			return
		case "query":
			reply := outbound{Type: "error", Error: "rate limit exceeded"}
			if h.limiter == nil || h.limiter.Allow(clientKey) {
				reply = h.turn(ctx, userID, msg.Query)
			}
			if err := h.write(ctx, ws, reply); err != nil {
				return
			}
		default:
			if err := h.write(ctx, ws, outbound{Type: "error", Error: "unknown message type"}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) turn(ctx context.Context, userID, query string) outbound {
	if strings.TrimSpace(query) == "" {
		return outbound{Type: "error", Error: "query is required"}
	}

	res, err := h.sessions.RunTurn(ctx, userID, query)
	if err != nil {
		if errors.Is(err, agent.ErrEmptyInput) || errors.Is(err, session.ErrInvalidUserID) ||
			errors.Is(err, domain.ErrInvalidUTF8) {
			return outbound{Type: "error", Error: err.Error()}
		}
		slog.Error("Agent turn failed", "error", err, "user_id", userID)
		return outbound{Type: "error", Error: "agent failed to respond"}
	}

	return outbound{
		Type:      "response",
		Response:  res.Response,
		ToolsUsed: res.ToolsUsed,
		Model:     res.Model,
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, v outbound) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, v); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}
