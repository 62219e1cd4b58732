package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/crypto"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/model"
)

// ErrNotFound is returned by Replace when the addressed session is gone.
var ErrNotFound = errors.New("session not found")

// Store holds login sessions keyed by opaque token. Sessions are immutable
// values: Replace writes a new snapshot under the same token, expiry is
// fixed at creation time and never slides.
type Store interface {
	Create(ctx context.Context, principal model.Principal) (model.Session, error)
	Get(ctx context.Context, token string) (model.Session, bool, error)
	Replace(ctx context.Context, token string, principal model.Principal) (model.Session, error)
	Delete(ctx context.Context, token string) error
}

const keyPrefix = "session:"

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, principal model.Principal) (model.Session, error) {
	token, err := crypto.NewSessionToken()
	if err != nil {
		return model.Session{}, err
	}
	now := time.Now().UTC()
	sess := model.Session{
		Token:     token,
		Principal: principal,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.write(ctx, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (model.Session, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+token).Result()
	if err == redis.Nil {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	var sess model.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return model.Session{}, false, err
	}
	sess.Token = token
	return sess, true, nil
}

func (s *RedisStore) Replace(ctx context.Context, token string, principal model.Principal) (model.Session, error) {
	sess, ok, err := s.Get(ctx, token)
	if err != nil {
		return model.Session{}, err
	}
	if !ok {
		return model.Session{}, ErrNotFound
	}
	sess.Principal = principal
	if err := s.write(ctx, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, keyPrefix+token).Err()
}

func (s *RedisStore) write(ctx context.Context, sess model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrNotFound
	}
	return s.client.Set(ctx, keyPrefix+sess.Token, data, ttl).Err()
}

// MemoryStore backs local development without Redis, and the HTTP tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	ttl      time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{sessions: make(map[string]model.Session), ttl: ttl}
}

func (s *MemoryStore) Create(ctx context.Context, principal model.Principal) (model.Session, error) {
	token, err := crypto.NewSessionToken()
	if err != nil {
		return model.Session{}, err
	}
	now := time.Now().UTC()
	sess := model.Session{
		Token:     token,
		Principal: principal,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *MemoryStore) Get(ctx context.Context, token string) (model.Session, bool, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return model.Session{}, false, nil
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return model.Session{}, false, nil
	}
	return sess, true, nil
}

func (s *MemoryStore) Replace(ctx context.Context, token string, principal model.Principal) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || time.Now().UTC().After(sess.ExpiresAt) {
		delete(s.sessions, token)
		return model.Session{}, ErrNotFound
	}
	sess.Principal = principal
	s.sessions[token] = sess
	return sess, nil
}

func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}
