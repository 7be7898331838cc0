package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/broomva/arcan/internal/agent"
	"github.com/broomva/arcan/internal/domain"
	"github.com/broomva/arcan/internal/identity"
	"github.com/broomva/arcan/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// SessionService is the part of the session registry the HTTP layer uses.
type SessionService interface {
	RunTurn(ctx context.Context, userID, query string) (*session.TurnResult, error)
	GetChatHistory(ctx context.Context, userID string) (domain.Transcript, error)
	DeleteHistory(ctx context.Context, userID string) (bool, error)
	Conversations(ctx context.Context, userID string, limit int) ([]*domain.ConversationRecord, error)
	Evict(userID string) bool
	Stats() session.Stats
}

// ConnCloser closes a user's open streaming connections.
type ConnCloser interface {
	CloseSession(userID string)
}

// ChatHandler serves chat turns and session administration.
type ChatHandler struct {
	sessions    SessionService
	rateLimiter *RateLimiter
	conns       ConnCloser
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	UserID string `json:"user_id,omitempty"`
	Query  string `json:"query"`
}

// NewChatHandler creates a chat handler. rateLimiter may be nil to disable limiting.
func NewChatHandler(sessions SessionService, rateLimiter *RateLimiter) *ChatHandler {
	return &ChatHandler{sessions: sessions, rateLimiter: rateLimiter}
}

// SetConnCloser sets the connection manager notified when a session is dropped.
func (h *ChatHandler) SetConnCloser(c ConnCloser) {
	h.conns = c
}

func (h *ChatHandler) closeConns(userID string) {
	if h.conns != nil {
		h.conns.CloseSession(userID)
	}
}

// RegisterRoutes registers chat and session routes. Routes expect identity.Middleware
// to have run. Chat turns are rate limited on the user that finally runs the turn.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/check", h.Check)

		r.Get("/chat", h.ChatQuery)
		r.Post("/chat", h.ChatPost)

		r.Get("/chat_history/{userID}", h.GetHistory)
		r.Delete("/chat_history/{userID}", h.DeleteHistory)
		r.Get("/conversations/{userID}", h.ListConversations)
		r.Get("/sessions/stats", h.Stats)
		r.Delete("/sessions/{userID}", h.EvictSession)
	})
}

// Check is a plain liveness message.
func (h *ChatHandler) Check(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"message": "Arcan is Running!"})
}

// ChatQuery handles GET /api/chat?user_id=...&query=....
func (h *ChatHandler) ChatQuery(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.runTurn(w, r, userID, r.URL.Query().Get("query"))
}

// ChatPost handles POST /api/chat with a JSON body.
func (h *ChatHandler) ChatPost(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	if req.UserID != "" {
		if !identity.IsValidUserID(req.UserID) {
			Error(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		userID = req.UserID
	}
	h.runTurn(w, r, userID, req.Query)
}

func (h *ChatHandler) runTurn(w http.ResponseWriter, r *http.Request, userID, query string) {
	if strings.TrimSpace(query) == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.check(w, identity.ClientKey(r, userID)) {
		slog.Warn("Chat request rate limited", "user_id", userID)
		return
	}

	slog.Info("Chat request",
		"user_id", userID,
		"anonymous", identity.IsAnonymous(r.Context()) && userID == identity.UserIDFromContext(r.Context()),
		"query_length", len(query),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	res, err := h.sessions.RunTurn(r.Context(), userID, query)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidUserID), errors.Is(err, agent.ErrEmptyInput),
			errors.Is(err, domain.ErrInvalidUTF8):
			Error(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.Canceled):
			slog.Info("Chat request canceled by client", "user_id", userID)
		default:
			slog.Error("Agent turn failed", "error", err, "user_id", userID)
			Error(w, http.StatusBadGateway, "agent failed to respond")
		}
		return
	}

	JSON(w, http.StatusOK, res)
}

// GetHistory returns the persisted transcript for a user.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	history, err := h.sessions.GetChatHistory(r.Context(), userID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidUserID) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Failed to read chat history", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to read chat history")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"messages": history,
	})
}

// DeleteHistory removes a user's persisted transcript and live handle.
func (h *ChatHandler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deleted, err := h.sessions.DeleteHistory(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to delete chat history", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to delete chat history")
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "chat history not found")
		return
	}

	h.closeConns(userID)
	slog.Info("Chat history deleted", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

// ListConversations returns the audit records for a user.
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.sessions.Conversations(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if records == nil {
		records = []*domain.ConversationRecord{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":       userID,
		"conversations": records,
	})
}

// EvictSession drops a user's live handle.
func (h *ChatHandler) EvictSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	evicted := h.sessions.Evict(userID)
	h.closeConns(userID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"evicted": evicted,
	})
}

// Stats returns registry cache counters.
func (h *ChatHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.sessions.Stats())
}
