package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/claw-relay/internal/persistence"
)

// Store is the slice of the persistence layer the cache needs.
type Store interface {
	GetSession(ctx context.Context, key string) (*persistence.Session, error)
	UpsertSession(ctx context.Context, sess persistence.Session) error
	MarkSessionStale(ctx context.Context, key string, ts time.Time) error
}

type entry struct {
	providerSessionID string
	lastUsedAt        time.Time
}

// Cache maps session keys to provider session IDs, backed by the store.
// In-memory entries carry the hot path; the store is the source of truth
// across restarts. Stale rows are never resumed.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   Store
	logger  *slog.Logger

	now func() time.Time // test hook
}

// NewCache creates a cache over store. logger may be nil.
func NewCache(store Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]*entry),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// LoadSessionID returns the resumable provider session for key, refreshing
// its recency. Misses fall through to the store; absent or stale rows yield
// ("", nil).
func (c *Cache) LoadSessionID(ctx context.Context, key Key) (string, error) {
	encoded := key.Encode()

	c.mu.Lock()
	if e, ok := c.entries[encoded]; ok {
		e.lastUsedAt = c.now()
		id := e.providerSessionID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	sess, err := c.store.GetSession(ctx, encoded)
	if err != nil {
		return "", err
	}
	if sess == nil || sess.Status == persistence.SessionStatusStale {
		return "", nil
	}

	c.mu.Lock()
	c.entries[encoded] = &entry{providerSessionID: sess.ProviderSessionID, lastUsedAt: c.now()}
	c.mu.Unlock()
	return sess.ProviderSessionID, nil
}

// PersistSessionID binds key to providerSessionID in memory and in the store
// with status active.
func (c *Cache) PersistSessionID(ctx context.Context, key Key, providerSessionID string) error {
	encoded := key.Encode()
	now := c.now()

	c.mu.Lock()
	c.entries[encoded] = &entry{providerSessionID: providerSessionID, lastUsedAt: now}
	c.mu.Unlock()

	return c.store.UpsertSession(ctx, persistence.Session{
		Key:               encoded,
		ProviderSessionID: providerSessionID,
		LastUsedAt:        now.UTC(),
		Status:            persistence.SessionStatusActive,
	})
}

// Invalidate drops key from memory and marks the persisted row stale. Used
// when a resumed session turns out to be poisoned.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	encoded := key.Encode()

	c.mu.Lock()
	delete(c.entries, encoded)
	c.mu.Unlock()

	return c.store.MarkSessionStale(ctx, encoded, c.now().UTC())
}

// EvictIdle removes entries unused for longer than idleTimeout, then trims
// oldest-first down to maxConcurrent. Every eviction marks the store row
// stale. Returns the number of evicted entries.
func (c *Cache) EvictIdle(ctx context.Context, idleTimeout time.Duration, maxConcurrent int) int {
	now := c.now()

	c.mu.Lock()
	var victims []string
	for key, e := range c.entries {
		if now.Sub(e.lastUsedAt) > idleTimeout {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		delete(c.entries, key)
	}

	if maxConcurrent > 0 && len(c.entries) > maxConcurrent {
		type aged struct {
			key      string
			lastUsed time.Time
		}
		rest := make([]aged, 0, len(c.entries))
		for key, e := range c.entries {
			rest = append(rest, aged{key, e.lastUsedAt})
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].lastUsed.Before(rest[j].lastUsed) })
		for _, a := range rest[:len(c.entries)-maxConcurrent] {
			victims = append(victims, a.key)
			delete(c.entries, a.key)
		}
	}
	c.mu.Unlock()

	for _, key := range victims {
		if err := c.store.MarkSessionStale(ctx, key, now.UTC()); err != nil {
			c.logger.Warn("failed to mark evicted session stale", "session_key", key, "error", err)
		}
	}
	if len(victims) > 0 {
		c.logger.Info("evicted idle sessions", "count", len(victims), "cached", c.Len())
	}
	return len(victims)
}

// Len returns the number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
