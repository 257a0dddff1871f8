// Package cache is the bounded local store of credential status records and
// of the current revocation bitmap, used when the registry is unreachable or
// when verification is configured to run offline.
//
// Entries expire after a TTL and the least recently accessed entries are
// evicted once the cache grows past its maximum size. The bitmap slot is
// replaced atomically so readers always see one complete bitmap.
package cache

import (
	"container/list"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pilacorp/go-credential-verifier/metrics"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/storage"
)

const (
	DefaultMaxEntries = 10_000
	DefaultTTL        = time.Hour

	evictReasonTTL = "ttl"
	evictReasonLRU = "lru"
)

// Entry is a cached status record with its bookkeeping timestamps.
type Entry struct {
	Record       *status.Record `json:"record"`
	LastAccessed time.Time      `json:"lastAccessed"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Record = e.Record.Clone()
	return &c
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the number of cached records.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTL sets how long a record stays fresh after it is written.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithStorage enables Persist and Restore.
func WithStorage(s storage.Storage) Option {
	return func(c *Cache) {
		c.storage = s
	}
}

// WithSnapshotKey overrides the storage key snapshots are written under.
func WithSnapshotKey(key string) Option {
	return func(c *Cache) {
		if key != "" {
			c.snapshotKey = key
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	items map[string]*list.Element
	// order holds *Entry values, most recently accessed at the front.
	order  *list.List
	bitmap atomic.Pointer[status.Bitmap]

	maxEntries  int
	ttl         time.Duration
	clock       clock.Clock
	storage     storage.Storage
	snapshotKey string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		items:       make(map[string]*list.Element),
		order:       list.New(),
		maxEntries:  DefaultMaxEntries,
		ttl:         DefaultTTL,
		clock:       clock.New(),
		snapshotKey: DefaultSnapshotKey,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness period of cached records.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a copy of the entry for id. Entries past their TTL are never
// returned, even before they are swept. A hit refreshes the entry's LRU
// position.
func (c *Cache) Get(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	entry := elem.Value.(*Entry)
	now := c.clock.Now()
	if entry.expired(now) {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	entry.LastAccessed = now
	c.order.MoveToFront(elem)
	c.metrics.RecordCacheLookup(true)
	return entry.clone(), true
}

// Put stores a copy of record, resetting its TTL.
func (c *Cache) Put(record *status.Record) {
	if record == nil || record.CredentialID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry := &Entry{
		Record:       record.Clone(),
		LastAccessed: now,
		ExpiresAt:    now.Add(c.ttl),
	}
	c.insertLocked(entry)
	c.enforceLimitLocked()
}

// insertLocked places entry at the front of the LRU list.
func (c *Cache) insertLocked(entry *Entry) {
	id := entry.Record.CredentialID
	if elem, ok := c.items[id]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}
	c.items[id] = c.order.PushFront(entry)
}

func (c *Cache) enforceLimitLocked() {
	evicted := 0
	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.removeLocked(oldest)
		evicted++
	}
	if evicted > 0 {
		c.metrics.RecordCacheEvictions(evictReasonLRU, evicted)
	}
	c.metrics.SetCacheEntries(c.order.Len())
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := c.order.Remove(elem).(*Entry)
	delete(c.items, entry.Record.CredentialID)
}

// Delete removes id and reports whether it was present.
func (c *Cache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	c.metrics.SetCacheEntries(c.order.Len())
	return true
}

// EvictExpired removes every entry past its TTL and returns how many were
// removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).expired(now) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		c.metrics.RecordCacheEvictions(evictReasonTTL, removed)
		c.logger.Debug("cache_expired_evicted", "removed", removed)
	}
	c.metrics.SetCacheEntries(c.order.Len())
	return removed
}

// ExpiredIDs lists, sorted, the credentials whose entries are past their TTL.
func (c *Cache) ExpiredIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var ids []string
	for id, elem := range c.items {
		if elem.Value.(*Entry).expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IDs lists every cached credential, fresh or not, sorted.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of entries, including ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bitmap returns the current revocation bitmap, or nil before the first sync.
// The returned bitmap must not be modified.
func (c *Cache) Bitmap() *status.Bitmap {
	return c.bitmap.Load()
}

// ReplaceBitmap swaps in b wholesale.
func (c *Cache) ReplaceBitmap(b *status.Bitmap) {
	c.bitmap.Store(b)
	if b != nil {
		c.metrics.SetBitmapGeneratedAt(b.GeneratedAt)
	}
}
