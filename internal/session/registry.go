// Package session maps users to live agent handles and persists their conversations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/broomva/arcan/internal/agent"
	"github.com/broomva/arcan/internal/domain"
	"github.com/broomva/arcan/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidUserID is returned when an operation is called without a user id.
var ErrInvalidUserID = errors.New("user id is required")

// Config tunes the registry cache and the handles it builds.
type Config struct {
	// MaxEntries bounds the number of live handles.
	MaxEntries int
	// IdleTTL evicts handles unused for this long. 0 disables idle eviction.
	IdleTTL time.Duration
	// SweepInterval is how often the janitor looks for idle handles.
	SweepInterval time.Duration
	// HistoryWindow limits the human turns sent to the processor. 0 sends everything.
	HistoryWindow int
	// SystemPrompt is passed to the processor on every turn.
	SystemPrompt string
	// PersistTimeout bounds the post-turn writes.
	PersistTimeout time.Duration
}

// DefaultConfig returns default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:     1024,
		IdleTTL:        30 * time.Minute,
		SweepInterval:  time.Minute,
		PersistTimeout: 10 * time.Second,
	}
}

// Stats is a point-in-time view of the registry cache.
type Stats struct {
	Live      int    `json:"live"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Processor string `json:"processor"`
}

// TurnResult is returned to callers of RunTurn.
type TurnResult struct {
	Response  string   `json:"response" yaml:"response"`
	ToolsUsed []string `json:"tools_used,omitempty" yaml:"tools_used,omitempty"`
	Model     string   `json:"model,omitempty" yaml:"model,omitempty"`
}

// Registry holds at most one live agent handle per user and rebuilds handles from
// persisted history on a cache miss. It is safe for concurrent use.
type Registry struct {
	repo      store.Repository
	processor agent.Processor
	cfg       Config
	logger    *slog.Logger

	cache *lru.Cache[string, *agent.Handle]
	locks *keyedMutex

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewRegistry creates a registry backed by repo that builds handles around processor.
func NewRegistry(repo store.Repository, processor agent.Processor, cfg Config, logger *slog.Logger) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("session registry: repository is required")
	}
	if processor == nil {
		return nil, errors.New("session registry: processor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	r := &Registry{
		repo:      repo,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		locks:     newKeyedMutex(),
	}

	cache, err := lru.NewWithEvict[string, *agent.Handle](cfg.MaxEntries, r.handleEviction)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	r.cache = cache

	return r, nil
}

func (r *Registry) handleEviction(userID string, h *agent.Handle) {
	r.evictions.Add(1)
	r.logger.Debug("Agent handle evicted", "user_id", userID, "handle_id", h.ID())
}

// GetOrCreateAgent returns the live handle for userID, building one from persisted history
// when none is cached. A provided handle is rebound to userID and replaces any cached entry
// without merging histories. History load failures are logged and treated as no history.
func (r *Registry) GetOrCreateAgent(ctx context.Context, userID string, provided *agent.Handle) (*agent.Handle, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	if provided != nil {
		provided.SetUserID(userID)
		r.cache.Add(userID, provided)
		r.logger.Debug("Agent handle registered", "user_id", userID, "handle_id", provided.ID())
		return provided, nil
	}

	if h, ok := r.cache.Get(userID); ok {
		// The live handle is authoritative over persisted state, whether or not a
		// row exists. A handle that was rebound to another user is stale.
		if h.UserID() == userID {
			r.hits.Add(1)
			return h, nil
		}
		r.cache.Remove(userID)
	}
	r.misses.Add(1)

	history := r.loadHistory(ctx, userID)
	h := agent.NewHandle(userID, r.processor, history, agent.HandleOptions{
		SystemPrompt:  r.cfg.SystemPrompt,
		HistoryWindow: r.cfg.HistoryWindow,
	})
	r.cache.Add(userID, h)

	r.logger.Debug("Agent handle created",
		"user_id", userID,
		"handle_id", h.ID(),
		"restored_messages", len(history),
		"restored_turns", history.HumanTurns(),
	)
	return h, nil
}

func (r *Registry) loadHistory(ctx context.Context, userID string) domain.Transcript {
	history, err := r.GetChatHistory(ctx, userID)
	if err != nil {
		r.logger.Warn("Failed to load chat history, starting empty", "user_id", userID, "error", err)
		return domain.Transcript{}
	}
	return history
}

// StoreMessage appends an audit record of one exchange.
func (r *Registry) StoreMessage(ctx context.Context, userID, input, output string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	rec := &domain.ConversationRecord{
		UserID:    userID,
		Message:   input,
		Response:  output,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.repo.InsertConversation(ctx, rec); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// StoreChatHistory replaces the persisted transcript for userID.
func (r *Registry) StoreChatHistory(ctx context.Context, userID string, transcript domain.Transcript) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	data, err := domain.EncodeTranscript(transcript)
	if err != nil {
		return fmt.Errorf("store chat history: %w", err)
	}
	err = r.repo.UpsertChatHistory(ctx, &domain.ChatHistory{
		UserID:    userID,
		History:   string(data),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("store chat history: %w", err)
	}
	return nil
}

// GetChatHistory returns the persisted transcript for userID. A missing row or an
// undecodable payload yields an empty transcript; storage failures are returned.
func (r *Registry) GetChatHistory(ctx context.Context, userID string) (domain.Transcript, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	row, err := r.repo.GetChatHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	if row == nil {
		return domain.Transcript{}, nil
	}

	transcript, err := row.Transcript()
	if err != nil {
		r.logger.Warn("Discarding unreadable chat history", "user_id", userID, "error", err)
		return domain.Transcript{}, nil
	}
	return transcript, nil
}

// RunTurn executes one request/response cycle for userID. Inference errors are returned
// unchanged and nothing is persisted. Once inference succeeds the response is returned even
// if persisting it fails.
func (r *Registry) RunTurn(ctx context.Context, userID, query string) (*TurnResult, error) {
	h, err := r.GetOrCreateAgent(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	res, err := h.Turn(ctx, query, r.persistTurn)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		Response:  res.Output,
		ToolsUsed: res.ToolsUsed,
		Model:     res.Model,
	}, nil
}

func (r *Registry) persistTurn(ctx context.Context, ex agent.Exchange) {
	// The response is already computed; a client going away must not drop the write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()

	if err := r.StoreMessage(ctx, ex.UserID, ex.Input, ex.Output); err != nil {
		r.logger.Error("Failed to store conversation record", "user_id", ex.UserID, "error", err)
	}
	if err := r.StoreChatHistory(ctx, ex.UserID, ex.Transcript); err != nil {
		r.logger.Error("Failed to store chat history", "user_id", ex.UserID, "error", err)
	}
}

// DeleteHistory removes the persisted transcript and evicts the live handle so the next
// turn starts empty.
func (r *Registry) DeleteHistory(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUserID
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	deleted, err := r.repo.DeleteChatHistory(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("delete chat history: %w", err)
	}
	r.cache.Remove(userID)
	return deleted, nil
}

// Conversations lists the audit records for userID, newest first.
func (r *Registry) Conversations(ctx context.Context, userID string, limit int) ([]*domain.ConversationRecord, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	records, err := r.repo.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return records, nil
}

// Evict drops the live handle for userID. The next access rebuilds it from storage.
func (r *Registry) Evict(userID string) bool {
	unlock := r.locks.Lock(userID)
	defer unlock()
	return r.cache.Remove(userID)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Stats returns cache counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Live:      r.cache.Len(),
		Capacity:  r.cfg.MaxEntries,
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Evictions: r.evictions.Load(),
		Processor: r.processor.Name(),
	}
}

// Sweep evicts handles idle for longer than IdleTTL as of now. Handles with a turn in
// flight are kept. It returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}

	evicted := 0
	for _, userID := range r.cache.Keys() {
		h, ok := r.cache.Peek(userID)
		if !ok || h.Busy() || now.Sub(h.LastUsed()) < r.cfg.IdleTTL {
			continue
		}

		unlock := r.locks.Lock(userID)
		// Re-check under the user lock; the entry may have been replaced or used.
		if cur, ok := r.cache.Peek(userID); ok && cur == h && !h.Busy() && now.Sub(h.LastUsed()) >= r.cfg.IdleTTL {
			r.cache.Remove(userID)
			evicted++
		}
		unlock()
	}

	if evicted > 0 {
		r.logger.Info("Session janitor evicted idle handles", "count", evicted, "live", r.cache.Len())
	}
	return evicted
}

// StartJanitor runs Sweep every SweepInterval until ctx is done. It is a no-op when
// IdleTTL is disabled.
func (r *Registry) StartJanitor(ctx context.Context) {
	if r.cfg.IdleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Session janitor started", "interval", r.cfg.SweepInterval, "idle_ttl", r.cfg.IdleTTL)

		for {
			select {
			case now := <-ticker.C:
				r.Sweep(now)
			case <-ctx.Done():
				r.logger.Info("Session janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Close drops every live handle and closes the processor.
func (r *Registry) Close() error {
	r.cache.Purge()
	if err := r.processor.Close(); err != nil {
		return fmt.Errorf("close processor: %w", err)
	}
	return nil
}
