// Package translate converts documents into the target language by splitting them
// into byte-bounded chunks and translating the chunks concurrently.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/lawsignal/internal/config"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
)

const (
	DefaultMaxBytes       = 9000
	DefaultFallbackChars  = 2500
	DefaultWorkers        = 10
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultStopWordRatio  = 0.2
)

// ErrTooManyFailedChunks is returned when the share of untranslatable chunks exceeds
// Options.MaxFailureRatio, or when any chunk fails under Options.Strict. The
// partial Result is still returned alongside it.
var ErrTooManyFailedChunks = errors.New("too many chunks failed to translate")

type Options struct {
	Target          language.Tag
	MaxBytes        int
	FallbackChars   int
	Workers         int
	MaxAttempts     int
	InitialBackoff  time.Duration
	StopWordRatio   float64
	// MaxFailureRatio is the tolerated share of failed chunks. Zero means the default of 1.
	MaxFailureRatio float64
	// Strict fails the translation on the first chunk that stays untranslated.
	Strict          bool
}

// DefaultOptions translates into English and tolerates any number of failed chunks.
func DefaultOptions() Options {
	return Options{
		Target:          language.English,
		MaxBytes:        DefaultMaxBytes,
		FallbackChars:   DefaultFallbackChars,
		Workers:         DefaultWorkers,
		MaxAttempts:     DefaultMaxAttempts,
		InitialBackoff:  DefaultInitialBackoff,
		StopWordRatio:   DefaultStopWordRatio,
		MaxFailureRatio: 1,
	}
}

// OptionsFromConfig maps TRANSLATE_* settings onto Options.
func OptionsFromConfig(cfg config.TranslateConfig) (Options, error) {
	tag, err := language.Parse(cfg.TargetLanguage)
	if err != nil {
		return Options{}, fmt.Errorf("parsing target language %q: %w", cfg.TargetLanguage, err)
	}
	return Options{
		Target:          tag,
		MaxBytes:        cfg.MaxBytes,
		FallbackChars:   cfg.FallbackChars,
		Workers:         cfg.Workers,
		MaxAttempts:     cfg.MaxAttempts,
		InitialBackoff:  cfg.InitialBackoff,
		StopWordRatio:   cfg.StopWordRatio,
		MaxFailureRatio: cfg.MaxFailureRatio,
		Strict:          cfg.Strict,
	}, nil
}

// Result is the outcome of translating one document.
type Result struct {
	Text          string `json:"text"`
	WasTranslated bool   `json:"was_translated"`
	Chunks        int    `json:"chunks"`
	FailedChunks  int    `json:"failed_chunks"`
}

type Translator struct {
	backend  Backend
	detector *Detector
	opts     Options
	target   string
}

func New(backend Backend, opts Options) *Translator {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.FallbackChars <= 0 {
		opts.FallbackChars = def.FallbackChars
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.StopWordRatio <= 0 {
		opts.StopWordRatio = def.StopWordRatio
	}
	if opts.MaxFailureRatio <= 0 {
		opts.MaxFailureRatio = def.MaxFailureRatio
	}
	if opts.Target == language.Und {
		opts.Target = def.Target
	}
	return &Translator{
		backend:  backend,
		detector: NewDetector(opts.Target, opts.StopWordRatio),
		opts:     opts,
		target:   opts.Target.String(),
	}
}

// Translate returns text in the target language. Text that already appears to be
// in the target language is returned unchanged. Chunks that still fail after
// retries are kept untranslated in place.
func (t *Translator) Translate(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" || t.detector.IsTarget(text) {
		return Result{Text: text}, nil
	}

	chunks := Split(text, t.opts.MaxBytes, t.opts.FallbackChars)
	out := make([]string, len(chunks))
	var failed atomic.Int64

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(t.opts.Workers)
	for _, c := range chunks {
		g.Go(func() error {
			translated, err := t.translateChunk(ctx, c)
			if err != nil {
				slog.Warn("chunk translation failed, keeping original",
					"chunk", c.Index, "bytes", len(c.Text), "error", err)
				failed.Add(1)
				out[c.Index] = c.Text
				return nil
			}
			out[c.Index] = translated
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{Text: text, Chunks: len(chunks), FailedChunks: len(chunks)}, err
	}

	nFailed := int(failed.Load())
	res := Result{
		Text:          Reassemble(out),
		WasTranslated: nFailed < len(chunks),
		Chunks:        len(chunks),
		FailedChunks:  nFailed,
	}

	slog.Info("translation finished",
		"chunks", res.Chunks,
		"failed_chunks", res.FailedChunks,
		"workers", t.opts.Workers,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if nFailed > 0 && (t.opts.Strict || float64(nFailed)/float64(len(chunks)) > t.opts.MaxFailureRatio) {
		return res, fmt.Errorf("%w: %d of %d", ErrTooManyFailedChunks, nFailed, len(chunks))
	}
	return res, nil
}

func (t *Translator) translateChunk(ctx context.Context, c Chunk) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var translated string
	op := func() error {
		var err error
		translated, err = t.backend.Translate(ctx, c.Text, t.target)
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("retrying chunk", "chunk", c.Index, "wait_ms", wait.Milliseconds(), "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.opts.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", err
	}
	return translated, nil
}
