package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/broomva/arcan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu       sync.Mutex
	requests []Request
	reply    func(Request) (*Result, error)
}

func (p *recordingProcessor) Invoke(_ context.Context, req Request) (*Result, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.reply != nil {
		return p.reply(req)
	}
	return &Result{Output: "re: " + req.Input}, nil
}

func (p *recordingProcessor) Name() string { return "recording" }
func (p *recordingProcessor) Close() error { return nil }

func (p *recordingProcessor) last() Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func TestHandleTurnAppendsAndPersists(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewHandle("alice", proc, nil, HandleOptions{SystemPrompt: "be brief"})

	var persisted []Exchange
	res, err := h.Turn(context.Background(), "hi", func(_ context.Context, ex Exchange) {
		persisted = append(persisted, ex)
	})
	require.NoError(t, err)
	assert.Equal(t, "re: hi", res.Output)

	req := proc.last()
	assert.Equal(t, "alice", req.UserID)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Empty(t, req.History)

	tr := h.Transcript()
	require.Len(t, tr, 2)
	assert.Equal(t, domain.RoleHuman, tr[0].Role)
	assert.Equal(t, "hi", tr[0].Content)
	assert.Equal(t, domain.RoleAI, tr[1].Role)
	assert.Equal(t, "re: hi", tr[1].Content)

	require.Len(t, persisted, 1)
	assert.Equal(t, "alice", persisted[0].UserID)
	assert.Equal(t, "hi", persisted[0].Input)
	assert.Equal(t, tr, persisted[0].Transcript)
}

func TestHandleTurnFailureLeavesStateUntouched(t *testing.T) {
	boom := errors.New("model overloaded")
	proc := &recordingProcessor{reply: func(Request) (*Result, error) { return nil, boom }}
	seed := domain.Transcript{domain.NewMessage(domain.RoleHuman, "old")}
	h := NewHandle("bob", proc, seed, HandleOptions{})

	called := false
	_, err := h.Turn(context.Background(), "new", func(context.Context, Exchange) { called = true })
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
	assert.Equal(t, seed, h.Transcript())
}

func TestHandleTurnRejectsBlankInput(t *testing.T) {
	h := NewHandle("carol", &recordingProcessor{}, nil, HandleOptions{})
	_, err := h.Turn(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, h.Len())
}

func TestHandleTurnRejectsInvalidUTF8Input(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewHandle("carol", proc, nil, HandleOptions{})

	called := false
	_, err := h.Turn(context.Background(), "hi\xff\xfe", func(context.Context, Exchange) { called = true })
	assert.ErrorIs(t, err, domain.ErrInvalidUTF8)
	assert.False(t, called)
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, proc.requests, "the processor must not see rejected input")
}

func TestHandleTurnRepairsInvalidUTF8Output(t *testing.T) {
	proc := &recordingProcessor{reply: func(Request) (*Result, error) {
		return &Result{Output: "ok\xff"}, nil
	}}
	h := NewHandle("carol", proc, nil, HandleOptions{})

	var persisted Exchange
	res, err := h.Turn(context.Background(), "hi", func(_ context.Context, ex Exchange) { persisted = ex })
	require.NoError(t, err)

	assert.Equal(t, "ok\uFFFD", res.Output)
	assert.Equal(t, "ok\uFFFD", persisted.Output)
	assert.Equal(t, "ok\uFFFD", h.Transcript()[1].Content)

	_, err = domain.EncodeTranscript(persisted.Transcript)
	assert.NoError(t, err)
}

func TestHandleHistoryWindow(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewHandle("dave", proc, nil, HandleOptions{HistoryWindow: 1})
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		_, err := h.Turn(ctx, q, nil)
		require.NoError(t, err)
	}

	req := proc.last()
	require.Len(t, req.History, 2)
	assert.Equal(t, "two", req.History[0].Content)
	assert.Equal(t, 6, h.Len())
}

func TestHandleSeedIsCopied(t *testing.T) {
	seed := domain.Transcript{domain.NewMessage(domain.RoleHuman, "hi")}
	h := NewHandle("erin", &recordingProcessor{}, seed, HandleOptions{})
	seed[0].Content = "mutated"

	assert.Equal(t, "hi", h.Transcript()[0].Content)
}

func TestHandleSetUserID(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewHandle("old", proc, nil, HandleOptions{})
	h.SetUserID("new")

	_, err := h.Turn(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "new", h.UserID())
	assert.Equal(t, "new", proc.last().UserID)
	assert.NotEmpty(t, h.ID())
	assert.False(t, h.LastUsed().IsZero())
}

func TestHandleConcurrentTurnsSerialize(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewHandle("frank", proc, nil, HandleOptions{})

	var mu sync.Mutex
	var lengths []int
	persist := func(_ context.Context, ex Exchange) {
		mu.Lock()
		lengths = append(lengths, len(ex.Transcript))
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Turn(context.Background(), "q", persist)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, h.Len())
	require.Len(t, lengths, 10)
	for i, n := range lengths {
		assert.Equal(t, 2*(i+1), n, "persist calls must observe growing transcripts in order")
	}
}

func TestSplitSystem(t *testing.T) {
	req := Request{
		SystemPrompt: "base",
		History: domain.Transcript{
			{Role: domain.RoleSystem, Content: "route: math"},
			{Role: domain.RoleHuman, Content: "1+1"},
			{Role: domain.RoleAI, Content: "2"},
		},
	}
	system, turns := splitSystem(req)
	assert.Equal(t, "base\nroute: math", system)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleHuman, turns[0].Role)
}
