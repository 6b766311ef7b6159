package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jon-tompkins/clawstreet/internal/metrics"
)

type cacheEntry struct {
	price   decimal.Decimal
	fetched time.Time
}

// Cache is a read-through price cache with a time-to-live and a bounded
// number of entries. When full, the entry fetched longest ago is evicted.
// Failed lookups are never cached.
type Cache struct {
	next       Oracle
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps next. ttl <= 0 disables caching; maxEntries <= 0 means 1024.
func NewCache(next Oracle, ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Cache{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
	}
}

// WithClock overrides the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := c.lookup(symbol); ok {
		metrics.OracleLookups.WithLabelValues("hit").Inc()
		return p, nil
	}

	p, err := c.next.Price(ctx, symbol)
	if err != nil {
		metrics.OracleLookups.WithLabelValues("error").Inc()
		return decimal.Zero, err
	}
	metrics.OracleLookups.WithLabelValues("miss").Inc()
	c.store(symbol, p)
	return p, nil
}

// Len returns the number of cached entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(symbol string) (decimal.Decimal, bool) {
	if c.ttl <= 0 {
		return decimal.Zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok {
		return decimal.Zero, false
	}
	if c.now().Sub(e.fetched) >= c.ttl {
		delete(c.entries, symbol)
		return decimal.Zero, false
	}
	return e.price, true
}

func (c *Cache) store(symbol string, p decimal.Decimal) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[symbol]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[symbol] = cacheEntry{price: p, fetched: now}
}

// evictLocked drops expired entries, or the oldest one if none expired.
func (c *Cache) evictLocked(now time.Time) {
	var oldestSym string
	var oldest time.Time
	for sym, e := range c.entries {
		if now.Sub(e.fetched) >= c.ttl {
			delete(c.entries, sym)
			continue
		}
		if oldestSym == "" || e.fetched.Before(oldest) {
			oldestSym, oldest = sym, e.fetched
		}
	}
	if len(c.entries) >= c.maxEntries && oldestSym != "" {
		delete(c.entries, oldestSym)
	}
}
