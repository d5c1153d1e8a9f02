package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errStillRunning = errors.New("ocr job still running")

// Policy controls how Wait polls a job.
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// MaxWait is the hard wall-clock limit for the whole wait.
	MaxWait time.Duration
}

// DefaultPolicy polls at 0.5s, growing by 1.5x up to 2s, for at most five minutes.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     2 * time.Second,
		MaxWait:         300 * time.Second,
	}
}

// Wait polls jobID until it succeeds, fails or MaxWait elapses, and returns the
// detected lines joined by newlines. Transient Get errors are retried.
func Wait(ctx context.Context, c Client, jobID string, p Policy) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.MaxWait)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = p.MaxWait

	start := time.Now()
	attempt := 0
	var text string
	op := func() error {
		attempt++
		state, err := c.Get(ctx, jobID)
		if err != nil {
			return err
		}
		switch state.Status {
		case StatusSucceeded:
			text = joinLines(state.Lines)
			return nil
		case StatusFailed:
			msg := state.Message
			if msg == "" {
				msg = "unknown error"
			}
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrJobFailed, msg))
		default:
			return errStillRunning
		}
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		slog.Info("ocr job completed", "ocr_job_id", jobID, "attempts", attempt, "duration_ms", time.Since(start).Milliseconds())
		return text, nil
	case errors.Is(err, ErrJobFailed):
		return "", err
	case ctx.Err() != nil || errors.Is(err, errStillRunning):
		return "", fmt.Errorf("%w after %s (job %s)", ErrTimeout, time.Since(start).Round(time.Second), jobID)
	default:
		return "", err
	}
}

func joinLines(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
