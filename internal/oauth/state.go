package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned by Take for unknown or expired states
var ErrStateNotFound = errors.New("oauth state not found")

// StateStore keeps PKCE code verifiers between the authorization redirect and the callback
type StateStore interface {
	Put(ctx context.Context, state, verifier string, ttl time.Duration) error
	// Take returns and removes the verifier. Each state is usable once.
	Take(ctx context.Context, state string) (string, error)
}

type stateEntry struct {
	verifier  string
	expiresAt time.Time
}

// MemoryStateStore is an in-process StateStore. Expired entries are purged on every Put and Take.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[string]stateEntry),
		now:     time.Now,
	}
}

func (s *MemoryStateStore) Put(ctx context.Context, state, verifier string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purge(now)
	s.entries[state] = stateEntry{verifier: verifier, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Take(ctx context.Context, state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge(s.now())
	e, ok := s.entries[state]
	if !ok {
		return "", ErrStateNotFound
	}
	delete(s.entries, state)
	return e.verifier, nil
}

// Len returns the number of stored states, including expired ones not yet purged
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStateStore) purge(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// RedisStateStore keeps verifiers in Redis with a native TTL so that any
// instance behind a load balancer can complete the callback
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) Put(ctx context.Context, state, verifier string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+state, verifier, ttl).Err(); err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, state string) (string, error) {
	v, err := s.client.GetDel(ctx, s.prefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load oauth state: %w", err)
	}
	return v, nil
}

// NewState returns a random URL-safe state value
func NewState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
