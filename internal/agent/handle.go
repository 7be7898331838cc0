package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/broomva/arcan/internal/domain"
	"github.com/google/uuid"
)

// HandleOptions tunes how a handle talks to its processor.
type HandleOptions struct {
	SystemPrompt string
	// HistoryWindow limits the human turns sent to the processor. 0 sends everything.
	HistoryWindow int
}

// Handle is a live conversational agent bound to one user.
// Turns on a handle are serialized; reads of its state are safe at any time.
type Handle struct {
	id        string
	processor Processor
	opts      HandleOptions

	turnMu sync.Mutex

	mu         sync.RWMutex
	userID     string
	transcript domain.Transcript

	lastUsed atomic.Int64
	active   atomic.Int32
}

// NewHandle creates a handle seeded with history. The history is copied.
func NewHandle(userID string, processor Processor, history domain.Transcript, opts HandleOptions) *Handle {
	h := &Handle{
		id:         uuid.NewString(),
		processor:  processor,
		opts:       opts,
		userID:     userID,
		transcript: history.Clone(),
	}
	h.Touch()
	return h
}

// ID returns the handle's unique instance id.
func (h *Handle) ID() string {
	return h.id
}

// UserID returns the user the handle is bound to.
func (h *Handle) UserID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userID
}

// SetUserID rebinds the handle to another user.
func (h *Handle) SetUserID(userID string) {
	h.mu.Lock()
	h.userID = userID
	h.mu.Unlock()
}

// Transcript returns a copy of the conversation state.
func (h *Handle) Transcript() domain.Transcript {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transcript.Clone()
}

// Len returns the number of messages in the conversation state.
func (h *Handle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.transcript)
}

// Touch marks the handle as used now.
func (h *Handle) Touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed reports when the handle last started a turn.
func (h *Handle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// Busy reports whether a turn is running or waiting on the handle.
func (h *Handle) Busy() bool {
	return h.active.Load() > 0
}

// Turn sends input and the prior history to the processor. On success the human and ai
// messages are appended and persist, if non-nil, is called before the turn lock is released,
// so persisted state for one handle is written in turn order. On failure the conversation
// state is unchanged and the processor error is returned as is.
//
// Input must be valid UTF-8. Invalid bytes in the processor's output are replaced with
// U+FFFD before they are recorded, so the live transcript always matches what storage holds.
func (h *Handle) Turn(ctx context.Context, input string, persist PersistFunc) (*Result, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if !utf8.ValidString(input) {
		return nil, fmt.Errorf("turn input: %w", domain.ErrInvalidUTF8)
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	h.turnMu.Lock()
	defer h.turnMu.Unlock()
	h.Touch()

	h.mu.RLock()
	userID := h.userID
	history := h.transcript.Window(h.opts.HistoryWindow).Clone()
	h.mu.RUnlock()

	result, err := h.processor.Invoke(ctx, Request{
		UserID:       userID,
		Input:        input,
		History:      history,
		SystemPrompt: h.opts.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	if !utf8.ValidString(result.Output) {
		fixed := *result
		fixed.Output = strings.ToValidUTF8(result.Output, string(utf8.RuneError))
		result = &fixed
	}

	h.mu.Lock()
	h.transcript = append(h.transcript,
		domain.NewMessage(domain.RoleHuman, input),
		domain.NewMessage(domain.RoleAI, result.Output),
	)
	snapshot := h.transcript.Clone()
	userID = h.userID
	h.mu.Unlock()

	if persist != nil {
		persist(ctx, Exchange{
			UserID:     userID,
			Input:      input,
			Output:     result.Output,
			Transcript: snapshot,
		})
	}

	return result, nil
}
