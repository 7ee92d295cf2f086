// Package idempotency remembers the responses of mutating requests so that a
// retried request carrying the same Idempotency-Key gets the original answer
// instead of being applied twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/signoff/model"
)

// Response is a stored HTTP response.
type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store provides deduplication for mutating requests.
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// request hash matches, it returns the stored response. If the key exists
	// but the hash differs, it returns CONFLICT.
	Check(ctx context.Context, key, requestHash string) (resp *Response, found bool, err error)

	// Save stores a response keyed by the idempotency key with a TTL.
	Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error
}

type entry struct {
	RequestHash string   `json:"request_hash"`
	Response    Response `json:"response"`
}

// Key builds the storage key. Keys are scoped to the caller so that two
// tenants or users choosing the same key never collide.
func Key(tenantID, subjectID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, subjectID, key)
}

// Hash fingerprints a request by method, route and body.
func Hash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check looks up a stored response. Expired entries are dropped.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if !exists {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if e.data.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	resp := e.data.Response
	return &resp, true, nil
}

// Save stores a response with TTL.
func (s *MemoryStore) Save(_ context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      entry{RequestHash: requestHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is left to Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a stored response in Redis.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

// Save stores a response in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
