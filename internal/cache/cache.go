// Package cache stores results of read-only commands so repeat executions
// within the TTL skip the transport entirely.
package cache

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
	"github.com/xAsh-Ai/droidflow/internal/log"
)

type entry struct {
	result      *bridge.Result
	createdAt   time.Time
	ttl         time.Duration
	accessCount int64
	lastAccess  time.Time
}

// Cache is a TTL + recency-bounded result store, safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	max     int
	sweep   time.Duration
	entries map[string]*entry
	logger  *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a cache holding at most max entries, swept for expired entries
// on sweepInterval.
func New(max int, sweepInterval time.Duration) *Cache {
	if max <= 0 {
		max = 10000
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Cache{
		max:     max,
		sweep:   sweepInterval,
		entries: make(map[string]*entry),
		logger:  log.WithComponent("cache"),
		stopCh:  make(chan struct{}),
	}
}

// Fingerprint derives the stable cache key for a command: a BLAKE3 hash over
// command kind, normalized argv and target serial. Timeout and retry budget
// are deliberately excluded, matching the engine's historical behavior: they
// change how a result is obtained, not what it is.
func Fingerprint(cmd *bridge.Command) string {
	serial := cmd.Serial
	if serial == "" {
		serial = "default"
	}

	norm := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		norm[i] = strings.TrimSpace(a)
	}

	key := string(cmd.Kind) + "|" + serial + "|" + strings.Join(norm, " ")
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for cmd if present and fresh. Expired
// entries are evicted on the spot and reported as a miss.
func (c *Cache) Get(cmd *bridge.Command) *bridge.Result {
	key := Fingerprint(cmd)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if time.Since(e.createdAt) > e.ttl {
		delete(c.entries, key)
		c.logger.Debug("cache entry expired", "key", key)
		return nil
	}

	e.accessCount++
	e.lastAccess = time.Now()
	return e.result
}

// Put stores a successful result under the command's fingerprint. Failed
// results are never cached. At capacity, the least-recently-accessed 10% of
// entries are evicted first.
func (c *Cache) Put(cmd *bridge.Command, res *bridge.Result, ttl time.Duration) {
	if res == nil || !res.Success {
		return
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	key := Fingerprint(cmd)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = &entry{
		result:     res,
		createdAt:  now,
		ttl:        ttl,
		lastAccess: now,
	}
}

// evictOldestLocked removes the least-recently-accessed 10% of entries,
// at least one.
func (c *Cache) evictOldestLocked() {
	type aged struct {
		key        string
		lastAccess time.Time
	}
	byAccess := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		byAccess = append(byAccess, aged{k, e.lastAccess})
	}
	sort.Slice(byAccess, func(i, j int) bool {
		return byAccess[i].lastAccess.Before(byAccess[j].lastAccess)
	})

	evict := len(byAccess) / 10
	if evict < 1 {
		evict = 1
	}
	for i := 0; i < evict; i++ {
		delete(c.entries, byAccess[i].key)
	}
	c.logger.Debug("evicted cache entries", "count", evict)
}

// Sweep removes every expired entry regardless of access and returns the
// number removed. Bounds memory even for keys never re-queried.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > e.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("swept expired cache entries", "count", removed)
	}
	return removed
}

// RemoveDevice drops every entry belonging to the given serial. Called when
// the registry retires a stale device.
func (c *Cache) RemoveDevice(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.result.Command != nil && e.result.Command.Serial == serial {
			delete(c.entries, k)
		}
	}
}

// Start launches the background sweep loop.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the sweep loop and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cap reports the maximum entry count.
func (c *Cache) Cap() int { return c.max }
