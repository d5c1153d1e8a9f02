package translate

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/cache"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Backend translates a single chunk. target is a BCP 47 tag.
type Backend interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// AIBackend uses the inference provider as a contextual translator.
type AIBackend struct {
	provider models.AIProvider
}

func NewAIBackend(provider models.AIProvider) *AIBackend {
	return &AIBackend{provider: provider}
}

func (b *AIBackend) Translate(ctx context.Context, text, target string) (string, error) {
	name := target
	if tag, err := language.Parse(target); err == nil {
		name = display.English.Tags().Name(tag)
	}

	resp, err := b.provider.Complete(ctx, models.CompletionRequest{
		System: fmt.Sprintf("You translate legal and regulatory text into %s. "+
			"Preserve article numbers, defined terms and formatting. "+
			"Reply with the translation only.", name),
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: text}},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("empty translation")
	}
	return out, nil
}

// CachedBackend memoizes chunk translations in the cache under a BLAKE2b-256
// digest of the target and chunk text. Cache failures fall through to next.
type CachedBackend struct {
	next  Backend
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedBackend(next Backend, c cache.Cache, ttl time.Duration) *CachedBackend {
	return &CachedBackend{next: next, cache: c, ttl: ttl}
}

func (b *CachedBackend) Translate(ctx context.Context, text, target string) (string, error) {
	key := cache.TranslationKey(target, digest(target, text))

	if val, ok, err := b.cache.Get(ctx, key); err != nil {
		slog.Warn("translation cache read failed", "error", err)
	} else if ok {
		return string(val), nil
	}

	out, err := b.next.Translate(ctx, text, target)
	if err != nil {
		return "", err
	}
	if err := b.cache.Set(ctx, key, []byte(out), b.ttl); err != nil {
		slog.Warn("translation cache write failed", "error", err)
	}
	return out, nil
}

func digest(target, text string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
