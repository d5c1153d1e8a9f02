// Package session keeps per-analysis chat history bounded: at rest it holds at
// most the two most recent exchanges verbatim plus one synthetic pair carrying a
// summary of everything older.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultSummaryWait = 3 * time.Second

	// RecentPairs is how many pairs are kept verbatim. With the summary pair it
	// bounds stored history at 6 entries.
	RecentPairs = 2

	SummaryPrefix      = "[Prior conversation summary]\n"
	SummaryAck         = "Understood, I've noted the prior context."
	SummaryPlaceholder = "Summary of prior conversation not available."
)

// Summarizer condenses older conversation pairs into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, older []Pair) (string, error)
}

// Pair is one user message and the assistant reply to it.
type Pair struct {
	User      string
	Assistant string
}

type Options struct {
	TTL         time.Duration
	SummaryWait time.Duration
}

type Manager struct {
	store      Store
	summarizer Summarizer
	opts       Options
	now        func() time.Time
}

func NewManager(store Store, summarizer Summarizer, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SummaryWait <= 0 {
		opts.SummaryWait = DefaultSummaryWait
	}
	return &Manager{store: store, summarizer: summarizer, opts: opts, now: time.Now}
}

// GetOrCreate loads the session or returns a new, not yet persisted one.
// grounding fills in the analysis of sessions that have none.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string, grounding map[string]any) (*models.Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err == nil {
		if len(sess.Analysis) == 0 && len(grounding) > 0 {
			sess.Analysis = grounding
		}
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := m.now().UTC()
	if grounding == nil {
		grounding = map[string]any{}
	}
	return &models.Session{
		SessionID:   sessionID,
		Analysis:    grounding,
		ChatHistory: []models.ChatMessage{},
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.opts.TTL),
	}, nil
}

type summaryResult struct {
	text string
	err  error
}

// Turn is one user message in flight. It owns the result slot of its own
// background summary; nothing is shared with other turns.
type Turn struct {
	m       *Manager
	sess    *models.Session
	user    string
	recent  []Pair
	older   []Pair
	summary chan summaryResult
}

// BeginTurn starts a turn for userMessage. When the history, counting this turn,
// exceeds the recent window, summarization of the older pairs starts right away
// in the background.
func (m *Manager) BeginTurn(ctx context.Context, sess *models.Session, userMessage string) *Turn {
	existing := Pairs(sess.ChatHistory)
	t := &Turn{m: m, sess: sess, user: userMessage}

	// Pairs at rest after this turn: existing + 1.
	if len(existing)+1 > RecentPairs {
		cut := len(existing) + 1 - RecentPairs
		t.older = append([]Pair(nil), existing[:cut]...)
		t.recent = append([]Pair(nil), existing[cut:]...)
		t.summary = make(chan summaryResult, 1)
		go t.summarize(ctx)
	} else {
		t.recent = existing
	}
	return t
}

func (t *Turn) summarize(ctx context.Context) {
	text, err := t.m.summarizer.Summarize(ctx, t.older)
	t.summary <- summaryResult{text: text, err: err}
}

// Window is the conversation sent to the model for this turn: the most recent
// existing pairs followed by the new user message. It never waits on the summary.
func (t *Turn) Window() []models.ChatMessage {
	existing := Pairs(t.sess.ChatHistory)
	if len(existing) > RecentPairs {
		existing = existing[len(existing)-RecentPairs:]
	}
	out := Flatten(existing)
	return append(out, models.ChatMessage{Role: models.RoleUser, Content: t.user})
}

// Commit appends the exchange, compacts the history and persists the session.
// It returns the persisted history.
func (t *Turn) Commit(ctx context.Context, assistantMessage string) ([]models.ChatMessage, error) {
	current := Pair{User: t.user, Assistant: assistantMessage}

	var history []models.ChatMessage
	if t.summary == nil {
		history = Flatten(append(t.recent, current))
	} else {
		summary := t.awaitSummary(ctx)
		history = append([]models.ChatMessage{
			{Role: models.RoleUser, Content: SummaryPrefix + summary},
			{Role: models.RoleAssistant, Content: SummaryAck},
		}, Flatten(append(t.recent, current))...)
	}

	now := t.m.now().UTC()
	t.sess.ChatHistory = history
	t.sess.UpdatedAt = now
	t.sess.ExpiresAt = now.Add(t.m.opts.TTL)

	if err := t.m.store.Save(ctx, t.sess, t.m.opts.TTL); err != nil {
		return nil, fmt.Errorf("saving session %s: %w", t.sess.SessionID, err)
	}
	return history, nil
}

// awaitSummary never fails: a late or failed summary degrades to the placeholder.
func (t *Turn) awaitSummary(ctx context.Context) string {
	timer := time.NewTimer(t.m.opts.SummaryWait)
	defer timer.Stop()

	select {
	case res := <-t.summary:
		if res.err != nil {
			slog.Warn("conversation summary failed", "session_id", t.sess.SessionID, "error", res.err)
			return SummaryPlaceholder
		}
		if res.text == "" {
			return SummaryPlaceholder
		}
		return res.text
	case <-timer.C:
		slog.Warn("conversation summary timed out", "session_id", t.sess.SessionID, "wait", t.m.opts.SummaryWait)
		return SummaryPlaceholder
	case <-ctx.Done():
		return SummaryPlaceholder
	}
}

// Pairs groups history into consecutive (user, assistant) pairs. Entries that
// are not part of such a pair, including an unpaired trailing entry, are dropped.
func Pairs(history []models.ChatMessage) []Pair {
	var out []Pair
	for i := 0; i < len(history)-1; {
		if history[i].Role == models.RoleUser && history[i+1].Role == models.RoleAssistant {
			out = append(out, Pair{User: history[i].Content, Assistant: history[i+1].Content})
			i += 2
			continue
		}
		i++
	}
	return out
}

// Flatten is the inverse of Pairs.
func Flatten(pairs []Pair) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out,
			models.ChatMessage{Role: models.RoleUser, Content: p.User},
			models.ChatMessage{Role: models.RoleAssistant, Content: p.Assistant},
		)
	}
	return out
}
