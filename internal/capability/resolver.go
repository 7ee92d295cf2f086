// Package capability maps actor roles to capabilities and caches the result
// per subject, tenant and role set.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

type cacheEntry struct {
	subjectID string
	tenantID  string
	caps      model.CapabilitySet
	expires   time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory TTL cache in
// front of a policy evaluator.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics records cache hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithMaxEntries bounds the cache. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(r *Resolver) { r.maxEntries = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// cacheKey identifies an actor by subject, tenant and the roles carried in
// the token, so a token with different roles never hits a stale entry.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	sum := sha256.Sum256([]byte(strings.Join(slices.Compact(roles), "\x00")))
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + hex.EncodeToString(sum[:8])
}

// Resolve returns the capability set of the actor. Results are cached for
// the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		r.metrics.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}
	if r.ttl <= 0 {
		return caps, nil
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{
		subjectID: rctx.SubjectID,
		tenantID:  rctx.TenantID,
		caps:      caps,
		expires:   now.Add(r.ttl),
	}
	r.mu.Unlock()

	return caps, nil
}

// evictLocked drops expired entries, then the entry closest to expiry if the
// cache is still full.
func (r *Resolver) evictLocked(now time.Time) {
	var (
		oldest    string
		oldestExp time.Time
	)
	for k, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, k)
			continue
		}
		if oldest == "" || e.expires.Before(oldestExp) {
			oldest, oldestExp = k, e.expires
		}
	}
	if len(r.cache) >= r.maxEntries && oldest != "" {
		delete(r.cache, oldest)
	}
}

// Invalidate clears cached capabilities for the given user and tenant, for
// every role set seen.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.mu.Lock()
	for k, e := range r.cache {
		if e.subjectID == subjectID && e.tenantID == tenantID {
			delete(r.cache, k)
		}
	}
	r.mu.Unlock()
}

// Purge drops every cached entry, typically after the policy was reloaded.
func (r *Resolver) Purge() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
