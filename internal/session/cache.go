// Package session caches one authority bearer session per tenant.
//
// Lookups try the durable tier first and fall back to an in-process map on any
// durable failure. Cache errors are logged and absorbed; callers only ever see
// a hit or a miss.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/erilink/eri-gateway/internal/metrics"
)

// KeyPrefix namespaces session keys in the durable store.
const KeyPrefix = "eri:session:"

// ErrMiss is returned by a Durable store when the key does not exist.
var ErrMiss = errors.New("session: miss")

// Session is one tenant's authority bearer token.
type Session struct {
	TenantID  string    `json:"tenantId"`
	AuthToken string    `json:"authToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Usable reports whether the session may still be presented at now.
func (s Session) Usable(now time.Time) bool {
	return s.AuthToken != "" && now.Before(s.ExpiresAt)
}

// Durable is the shared, natively-expiring tier.
type Durable interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type entry struct {
	session  Session
	deadline time.Time
	timer    *time.Timer
}

// Cache is the tiered session cache. The zero value is not usable; call NewCache.
type Cache struct {
	durable Durable // nil runs memory-only
	now     func() time.Time
	metrics *metrics.Metrics

	mu    sync.RWMutex
	local map[string]*entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache returns a Cache over durable, which may be nil.
func NewCache(durable Durable, opts ...Option) *Cache {
	c := &Cache{
		durable: durable,
		now:     time.Now,
		metrics: metrics.NewMetrics(),
		local:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(tenantID string) string { return KeyPrefix + tenantID }

// Get returns the tenant's session if one is cached and unexpired.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Session, bool) {
	if c.durable != nil {
		b, err := c.durable.Get(ctx, key(tenantID))
		switch {
		case err == nil:
			var s Session
			if uerr := json.Unmarshal(b, &s); uerr != nil {
				slog.Warn("discarding unreadable cached session", "tenant", tenantID, "error", uerr)
				c.observe("durable", "error")
				break
			}
			if s.Usable(c.now()) {
				c.observe("durable", "hit")
				return &s, true
			}
			c.observe("durable", "expired")
		case errors.Is(err, ErrMiss):
			c.observe("durable", "miss")
		default:
			slog.Debug("durable session tier unavailable, using memory", "tenant", tenantID, "error", err)
			c.observe("durable", "error")
		}
	}

	c.mu.RLock()
	e, ok := c.local[tenantID]
	c.mu.RUnlock()
	if !ok {
		c.observe("memory", "miss")
		return nil, false
	}

	now := c.now()
	if !now.Before(e.deadline) || !e.session.Usable(now) {
		c.evict(tenantID, e)
		c.observe("memory", "expired")
		return nil, false
	}
	c.observe("memory", "hit")
	s := e.session
	return &s, true
}

// Put stores s for ttl. The durable tier is preferred; on failure the session
// lands in memory and is evicted when ttl elapses.
func (c *Cache) Put(ctx context.Context, tenantID string, s Session, ttl time.Duration) {
	s.TenantID = tenantID

	if c.durable != nil {
		b, err := json.Marshal(s)
		if err == nil {
			err = c.durable.Set(ctx, key(tenantID), b, ttl)
		}
		if err == nil {
			// A stale memory entry from an earlier outage must not outlive this write.
			c.dropLocal(tenantID)
			return
		}
		slog.Warn("durable session tier write failed, caching in memory", "tenant", tenantID, "error", err)
	}

	e := &entry{session: s, deadline: c.now().Add(ttl)}
	e.timer = time.AfterFunc(ttl, func() { c.evict(tenantID, e) })

	c.mu.Lock()
	if old, ok := c.local[tenantID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	c.local[tenantID] = e
	c.mu.Unlock()
}

// Clear removes the tenant's session from both tiers.
func (c *Cache) Clear(ctx context.Context, tenantID string) {
	if c.durable != nil {
		if err := c.durable.Del(ctx, key(tenantID)); err != nil {
			slog.Warn("durable session tier delete failed", "tenant", tenantID, "error", err)
		}
	}
	c.dropLocal(tenantID)
}

// Refresh extends an existing session to now+ttl. It reports false when there
// is nothing to refresh.
func (c *Cache) Refresh(ctx context.Context, tenantID string, ttl time.Duration) bool {
	s, ok := c.Get(ctx, tenantID)
	if !ok {
		return false
	}
	s.ExpiresAt = c.now().Add(ttl)
	c.Put(ctx, tenantID, *s, ttl)
	return true
}

func (c *Cache) dropLocal(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.local[tenantID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.local, tenantID)
	}
}

// evict removes e only if it is still the current entry for the tenant.
func (c *Cache) evict(tenantID string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.local[tenantID]; ok && cur == e {
		delete(c.local, tenantID)
	}
}

func (c *Cache) observe(tier, result string) {
	c.metrics.SessionCacheLookups.WithLabelValues(tier, result).Inc()
}
