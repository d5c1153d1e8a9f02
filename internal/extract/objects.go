package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when the referenced object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// maxObjectBytes bounds how much of an object is read.
const maxObjectBytes = 50 << 20

// ObjectFetcher reads a stored object.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// HTTPObjectFetcher reads objects from an S3-compatible endpoint using
// path-style URLs: {baseURL}/{bucket}/{key}.
type HTTPObjectFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPObjectFetcher(baseURL string, timeout time.Duration) *HTTPObjectFetcher {
	return &HTTPObjectFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPObjectFetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := fmt.Sprintf("%s/%s/%s", f.baseURL, url.PathEscape(bucket), strings.Join(segments, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrObjectNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("get object: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}
	return body, nil
}

var _ ObjectFetcher = (*HTTPObjectFetcher)(nil)
