package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/broomva/arcan/internal/agent"
	"github.com/broomva/arcan/internal/domain"
)

var errStorageDown = errors.New("storage unreachable")

// fakeRepo is an in-memory store.Repository with switchable failures.
type fakeRepo struct {
	mu            sync.Mutex
	histories     map[string]*domain.ChatHistory
	conversations []*domain.ConversationRecord
	upserts       []string

	failGet    bool
	failUpsert bool
	failInsert bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{histories: make(map[string]*domain.ChatHistory)}
}

func (f *fakeRepo) GetChatHistory(_ context.Context, userID string) (*domain.ChatHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, errStorageDown
	}
	h, ok := f.histories[userID]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (f *fakeRepo) UpsertChatHistory(_ context.Context, h *domain.ChatHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return errStorageDown
	}
	cp := *h
	f.histories[h.UserID] = &cp
	f.upserts = append(f.upserts, h.History)
	return nil
}

func (f *fakeRepo) DeleteChatHistory(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.histories[userID]
	delete(f.histories, userID)
	return ok, nil
}

func (f *fakeRepo) InsertConversation(_ context.Context, rec *domain.ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return errStorageDown
	}
	cp := *rec
	f.conversations = append(f.conversations, &cp)
	return nil
}

func (f *fakeRepo) ListConversations(_ context.Context, userID string, limit int) ([]*domain.ConversationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ConversationRecord
	for _, c := range f.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

func (f *fakeRepo) seed(userID string, tr domain.Transcript) {
	data, err := domain.EncodeTranscript(tr)
	if err != nil {
		panic(err)
	}
	f.histories[userID] = &domain.ChatHistory{UserID: userID, History: string(data), UpdatedAt: time.Now()}
}

func (f *fakeRepo) conversationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conversations)
}

// scriptedProcessor answers from a map of input to output, echoing unknown inputs.
type scriptedProcessor struct {
	replies map[string]string
	err     error
	delay   time.Duration
}

func (p *scriptedProcessor) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if out, ok := p.replies[req.Input]; ok {
		return &agent.Result{Output: out}, nil
	}
	return &agent.Result{Output: req.Input}, nil
}

func (p *scriptedProcessor) Name() string { return "scripted" }
func (p *scriptedProcessor) Close() error { return nil }
