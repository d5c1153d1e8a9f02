package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/ai/mock"
	"github.com/kiranshivaraju/lawsignal/internal/session"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type memStore struct {
	mu    sync.Mutex
	data  map[string]models.Session
	saves int
	err   error
}

func newMemStore() *memStore { return &memStore{data: map[string]models.Session{}} }

func (s *memStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	sess.ChatHistory = append([]models.ChatMessage(nil), sess.ChatHistory...)
	return &sess, nil
}

func (s *memStore) Save(_ context.Context, sess *models.Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	cp := *sess
	cp.ChatHistory = append([]models.ChatMessage(nil), sess.ChatHistory...)
	s.data[sess.SessionID] = cp
	return nil
}

type funcSummarizer func(ctx context.Context, older []session.Pair) (string, error)

func (f funcSummarizer) Summarize(ctx context.Context, older []session.Pair) (string, error) {
	return f(ctx, older)
}

func countingSummarizer(calls *atomic.Int64) funcSummarizer {
	return func(_ context.Context, older []session.Pair) (string, error) {
		calls.Add(1)
		return fmt.Sprintf("summary of %d pairs", len(older)), nil
	}
}

func newManager(store session.Store, s session.Summarizer) *session.Manager {
	return session.NewManager(store, s, session.Options{SummaryWait: 200 * time.Millisecond})
}

// chat runs one full turn against the manager and returns the persisted history.
func chat(t *testing.T, m *session.Manager, id string, n int) []models.ChatMessage {
	t.Helper()
	ctx := context.Background()
	sess, err := m.GetOrCreate(ctx, id, nil)
	require.NoError(t, err)
	turn := m.BeginTurn(ctx, sess, fmt.Sprintf("question %d", n))
	history, err := turn.Commit(ctx, fmt.Sprintf("answer %d", n))
	require.NoError(t, err)
	return history
}

// --- Pairs ---

func TestPairs_DropsUnpairedEntries(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleAssistant, Content: "stray"},
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleUser, Content: "q2"},
		{Role: models.RoleUser, Content: "q3"},
		{Role: models.RoleAssistant, Content: "a3"},
		{Role: models.RoleUser, Content: "dangling"},
	}
	assert.Equal(t, []session.Pair{{User: "q1", Assistant: "a1"}, {User: "q3", Assistant: "a3"}}, session.Pairs(history))
}

func TestFlatten_InvertsPairs(t *testing.T) {
	pairs := []session.Pair{{User: "q", Assistant: "a"}, {User: "q2", Assistant: "a2"}}
	assert.Equal(t, pairs, session.Pairs(session.Flatten(pairs)))
}

// --- GetOrCreate ---

func TestGetOrCreate_NewSessionIsNotPersisted(t *testing.T) {
	store := newMemStore()
	m := newManager(store, funcSummarizer(nil))

	sess, err := m.GetOrCreate(context.Background(), "a-1", map[string]any{"law": "x"})
	require.NoError(t, err)
	assert.Equal(t, "a-1", sess.SessionID)
	assert.Equal(t, "x", sess.Analysis["law"])
	assert.Empty(t, sess.ChatHistory)
	assert.WithinDuration(t, sess.CreatedAt.Add(session.DefaultTTL), sess.ExpiresAt, time.Second)
	assert.Zero(t, store.saves)
}

func TestGetOrCreate_StoreError(t *testing.T) {
	m := newManager(failingStore{}, funcSummarizer(nil))
	_, err := m.GetOrCreate(context.Background(), "a-1", nil)
	assert.Error(t, err)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*models.Session, error) {
	return nil, errors.New("redis down")
}

func (failingStore) Save(context.Context, *models.Session, time.Duration) error {
	return errors.New("redis down")
}

// --- history compaction ---

func TestCommit_VerbatimUpToTwoPairs(t *testing.T) {
	var calls atomic.Int64
	m := newManager(newMemStore(), countingSummarizer(&calls))

	history := chat(t, m, "s", 1)
	assert.Len(t, history, 2)

	history = chat(t, m, "s", 2)
	require.Len(t, history, 4)
	assert.Equal(t, "question 1", history[0].Content)
	assert.Equal(t, "answer 2", history[3].Content)
	assert.Zero(t, calls.Load())
}

func TestCommit_ThirdTurnWithOnePriorPairIsVerbatim(t *testing.T) {
	store := newMemStore()
	store.data["s"] = models.Session{
		SessionID: "s",
		ChatHistory: []models.ChatMessage{
			{Role: models.RoleUser, Content: "q1"},
			{Role: models.RoleAssistant, Content: "a1"},
			{Role: models.RoleUser, Content: "unanswered"},
		},
	}
	var calls atomic.Int64
	m := newManager(store, countingSummarizer(&calls))

	history := chat(t, m, "s", 3)
	require.Len(t, history, 4)
	for _, msg := range history {
		assert.NotContains(t, msg.Content, "[Prior conversation summary]")
	}
	assert.Zero(t, calls.Load())
}

func TestCommit_FifthTurnWithThreePriorPairsIsSummarized(t *testing.T) {
	store := newMemStore()
	store.data["s"] = models.Session{
		SessionID: "s",
		ChatHistory: session.Flatten([]session.Pair{
			{User: "q1", Assistant: "a1"},
			{User: "q2", Assistant: "a2"},
			{User: "q3", Assistant: "a3"},
		}),
	}
	var summarized []session.Pair
	m := newManager(store, funcSummarizer(func(_ context.Context, older []session.Pair) (string, error) {
		summarized = older
		return "they discussed q1 and q2", nil
	}))

	history := chat(t, m, "s", 5)
	require.Len(t, history, 6)
	assert.Equal(t, session.SummaryPrefix+"they discussed q1 and q2", history[0].Content)
	assert.Equal(t, session.SummaryAck, history[1].Content)
	assert.Equal(t, []session.Pair{{User: "q3", Assistant: "a3"}, {User: "question 5", Assistant: "answer 5"}},
		session.Pairs(history[2:]))
	assert.Equal(t, []session.Pair{{User: "q1", Assistant: "a1"}, {User: "q2", Assistant: "a2"}}, summarized)
}

func TestCommit_AlwaysSixEntriesAfterTwoTurns(t *testing.T) {
	var calls atomic.Int64
	store := newMemStore()
	m := newManager(store, countingSummarizer(&calls))

	for n := 1; n <= 10; n++ {
		history := chat(t, m, "s", n)
		if n <= 2 {
			assert.Len(t, history, 2*n)
			continue
		}
		require.Len(t, history, 6, "turn %d", n)
		assert.Equal(t, models.RoleUser, history[0].Role)
		assert.Contains(t, history[0].Content, session.SummaryPrefix)
		assert.Equal(t, fmt.Sprintf("question %d", n-1), history[2].Content)
		assert.Equal(t, fmt.Sprintf("answer %d", n), history[5].Content)
	}
	assert.Equal(t, int64(8), calls.Load())

	stored, err := store.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Len(t, stored.ChatHistory, 6)
	assert.Len(t, stored.ChatHistory, 2*(session.RecentPairs+1), "summary pair plus the recent pairs")
}

func TestCommit_SummaryRollsForward(t *testing.T) {
	store := newMemStore()
	var lastOlder []session.Pair
	m := newManager(store, funcSummarizer(func(_ context.Context, older []session.Pair) (string, error) {
		lastOlder = older
		return "rolled", nil
	}))

	for n := 1; n <= 4; n++ {
		chat(t, m, "s", n)
	}
	// The previous synthetic pair is summarized along with the pair that aged out.
	require.Len(t, lastOlder, 2)
	assert.Equal(t, session.SummaryPrefix+"rolled", lastOlder[0].User)
	assert.Equal(t, "question 2", lastOlder[1].User)
}

func TestCommit_SummaryTimeoutUsesPlaceholder(t *testing.T) {
	store := newMemStore()
	store.data["s"] = models.Session{SessionID: "s", ChatHistory: session.Flatten([]session.Pair{
		{User: "q1", Assistant: "a1"}, {User: "q2", Assistant: "a2"},
	})}
	m := session.NewManager(store, funcSummarizer(func(ctx context.Context, _ []session.Pair) (string, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return "too late", nil
	}), session.Options{SummaryWait: 30 * time.Millisecond})

	start := time.Now()
	history := chat(t, m, "s", 3)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, history, 6)
	assert.Equal(t, session.SummaryPrefix+session.SummaryPlaceholder, history[0].Content)
}

func TestCommit_SummaryErrorUsesPlaceholder(t *testing.T) {
	store := newMemStore()
	store.data["s"] = models.Session{SessionID: "s", ChatHistory: session.Flatten([]session.Pair{
		{User: "q1", Assistant: "a1"}, {User: "q2", Assistant: "a2"},
	})}
	m := newManager(store, funcSummarizer(func(context.Context, []session.Pair) (string, error) {
		return "", errors.New("model overloaded")
	}))

	history := chat(t, m, "s", 3)
	assert.Equal(t, session.SummaryPrefix+session.SummaryPlaceholder, history[0].Content)
}

func TestTurn_SummaryIsScopedToTurn(t *testing.T) {
	// A slow summary from one turn must never be consumed by the next turn.
	store := newMemStore()
	store.data["s"] = models.Session{SessionID: "s", ChatHistory: session.Flatten([]session.Pair{
		{User: "q1", Assistant: "a1"}, {User: "q2", Assistant: "a2"},
	})}
	release := make(chan struct{})
	m := session.NewManager(store, funcSummarizer(func(_ context.Context, older []session.Pair) (string, error) {
		if older[0].User == "q1" {
			<-release
			return "stale summary from turn 3", nil
		}
		return "fresh summary", nil
	}), session.Options{SummaryWait: 50 * time.Millisecond})

	first := chat(t, m, "s", 3)
	assert.Contains(t, first[0].Content, session.SummaryPlaceholder)
	close(release)

	second := chat(t, m, "s", 4)
	assert.Equal(t, session.SummaryPrefix+"fresh summary", second[0].Content)
}

func TestTurn_WindowDoesNotWaitForSummary(t *testing.T) {
	store := newMemStore()
	store.data["s"] = models.Session{SessionID: "s", ChatHistory: session.Flatten([]session.Pair{
		{User: "q1", Assistant: "a1"}, {User: "q2", Assistant: "a2"}, {User: "q3", Assistant: "a3"},
	})}
	block := make(chan struct{})
	defer close(block)
	m := newManager(store, funcSummarizer(func(context.Context, []session.Pair) (string, error) {
		<-block
		return "", nil
	}))

	sess, err := m.GetOrCreate(context.Background(), "s", nil)
	require.NoError(t, err)

	done := make(chan []models.ChatMessage)
	go func() { done <- m.BeginTurn(context.Background(), sess, "q4").Window() }()

	select {
	case window := <-done:
		require.Len(t, window, 5)
		assert.Equal(t, "q2", window[0].Content)
		assert.Equal(t, "a3", window[3].Content)
		assert.Equal(t, models.ChatMessage{Role: models.RoleUser, Content: "q4"}, window[4])
	case <-time.After(time.Second):
		t.Fatal("Window blocked on the background summary")
	}
}

func TestCommit_SaveError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("redis down")
	m := newManager(store, funcSummarizer(nil))

	sess, err := m.GetOrCreate(context.Background(), "s", nil)
	require.NoError(t, err)
	_, err = m.BeginTurn(context.Background(), sess, "q").Commit(context.Background(), "a")
	assert.Error(t, err)
}

// --- AISummarizer ---

func TestAISummarizer(t *testing.T) {
	p := &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{Content: "  Short summary.  "}, nil
		},
	}
	s := session.NewAISummarizer(p)

	out, err := s.Summarize(context.Background(), []session.Pair{{User: "Is AAPL exposed?", Assistant: "Moderately."}})
	require.NoError(t, err)
	assert.Equal(t, "Short summary.", out)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, "User: Is AAPL exposed?")
	assert.Equal(t, 300, calls[0].MaxTokens)
}

func TestAISummarizer_NoPairs(t *testing.T) {
	p := mock.NewMockProvider()
	out, err := session.NewAISummarizer(p).Summarize(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, p.Calls())
}
