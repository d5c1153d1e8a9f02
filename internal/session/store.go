package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/cache"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

var ErrNotFound = errors.New("session not found")

// Store persists sessions with a time-to-live.
type Store interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Save(ctx context.Context, sess *models.Session, ttl time.Duration) error
}

// RedisStore keeps each session as one JSON document under session:<id>.
type RedisStore struct {
	cache cache.Cache
}

func NewRedisStore(c cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, ok, err := s.cache.Get(ctx, cache.SessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.cache.Set(ctx, cache.SessionKey(sess.SessionID), raw, ttl); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
