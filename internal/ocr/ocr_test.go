package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// --- fake Client ---

type scriptedClient struct {
	mu     sync.Mutex
	states []JobState
	errs   []error
	calls  int
}

func (c *scriptedClient) Start(context.Context, string, string) (string, error) { return "job-1", nil }

func (c *scriptedClient) Get(_ context.Context, _ string) (JobState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return JobState{}, c.errs[i]
	}
	if i >= len(c.states) {
		return c.states[len(c.states)-1], nil
	}
	return c.states[i], nil
}

func fastPolicy(maxWait time.Duration) Policy {
	return Policy{InitialInterval: time.Millisecond, Multiplier: 1.5, MaxInterval: 5 * time.Millisecond, MaxWait: maxWait}
}

// --- Wait tests ---

func TestWait_Succeeds(t *testing.T) {
	c := &scriptedClient{states: []JobState{
		{Status: StatusInProgress},
		{Status: StatusInProgress},
		{Status: StatusSucceeded, Lines: []string{" Article 1 ", "", "Scope"}},
	}}

	text, err := Wait(context.Background(), c, "job-1", fastPolicy(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Article 1\nScope" {
		t.Errorf("unexpected text: %q", text)
	}
	if c.calls != 3 {
		t.Errorf("expected 3 polls, got %d", c.calls)
	}
}

func TestWait_JobFailedIsPermanent(t *testing.T) {
	c := &scriptedClient{states: []JobState{
		{Status: StatusFailed, Message: "unsupported document"},
	}}

	_, err := Wait(context.Background(), c, "job-1", fastPolicy(time.Second))
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	if c.calls != 1 {
		t.Errorf("expected a single poll, got %d", c.calls)
	}
}

func TestWait_RetriesTransientErrors(t *testing.T) {
	c := &scriptedClient{
		errs:   []error{ErrUnreachable, ErrUnreachable},
		states: []JobState{{}, {}, {Status: StatusSucceeded, Lines: []string{"ok"}}},
	}

	text, err := Wait(context.Background(), c, "job-1", fastPolicy(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "ok" {
		t.Errorf("unexpected text: %q", text)
	}
}

func TestWait_TimesOut(t *testing.T) {
	c := &scriptedClient{states: []JobState{{Status: StatusInProgress}}}

	start := time.Now()
	_, err := Wait(context.Background(), c, "job-1", fastPolicy(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait overran its limit: %s", elapsed)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.InitialInterval != 500*time.Millisecond || p.Multiplier != 1.5 || p.MaxInterval != 2*time.Second || p.MaxWait != 300*time.Second {
		t.Errorf("unexpected default policy: %+v", p)
	}
}

// --- HTTPClient tests ---

func TestHTTPClient_StartAndGet(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs":
			var req startRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decoding: %v", err)
				return
			}
			if req.Bucket != "laws" || req.Key != "eu/2024/1.pdf" {
				t.Errorf("unexpected start request: %+v", req)
			}
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(startResponse{JobID: "abc"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/jobs/abc":
			json.NewEncoder(w).Encode(JobState{Status: StatusSucceeded, Lines: []string{"line"}})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 5*time.Second)
	id, err := c.Start(context.Background(), "laws", "eu/2024/1.pdf")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "abc" {
		t.Errorf("expected job id abc, got %q", id)
	}

	state, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Status != StatusSucceeded || len(state.Lines) != 1 {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 5*time.Second)
	if _, err := c.Start(context.Background(), "b", "k"); !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed, got %v", err)
	}
	if _, err := c.Get(context.Background(), "x"); !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed, got %v", err)
	}
}

func TestHTTPClient_Unreachable(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", time.Second)
	if _, err := c.Start(context.Background(), "b", "k"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}
