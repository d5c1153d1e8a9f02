// Package ocr drives an asynchronous document text-detection service: start a
// job for an object, then poll until it finishes.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for OCR failures.
var (
	ErrUnreachable   = errors.New("ocr service unreachable")
	ErrRequestFailed = errors.New("ocr request failed")
	ErrJobFailed     = errors.New("ocr job failed")
	ErrTimeout       = errors.New("ocr job timed out")
)

// Job states reported by the service.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
)

// JobState is a snapshot of an OCR job.
type JobState struct {
	Status  string   `json:"status"`
	Lines   []string `json:"lines"`
	Message string   `json:"message,omitempty"`
}

// Client is the interface for the OCR service.
type Client interface {
	Start(ctx context.Context, bucket, key string) (string, error)
	Get(ctx context.Context, jobID string) (JobState, error)
}

// HTTPClient implements Client over the service's JSON API:
// POST /v1/jobs {bucket, key} -> {job_id}; GET /v1/jobs/{id} -> JobState.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new OCR HTTP client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type startRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type startResponse struct {
	JobID string `json:"job_id"`
}

func (c *HTTPClient) Start(ctx context.Context, bucket, key string) (string, error) {
	body, err := json.Marshal(startRequest{Bucket: bucket, Key: key})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("%w: start status %d", ErrRequestFailed, resp.StatusCode)
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding start response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("%w: empty job id", ErrRequestFailed)
	}
	return out.JobID, nil
}

func (c *HTTPClient) Get(ctx context.Context, jobID string) (JobState, error) {
	u := fmt.Sprintf("%s/v1/jobs/%s", c.baseURL, url.PathEscape(jobID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return JobState{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return JobState{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JobState{}, fmt.Errorf("%w: get status %d", ErrRequestFailed, resp.StatusCode)
	}

	var state JobState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return JobState{}, fmt.Errorf("decoding job state: %w", err)
	}
	return state, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
