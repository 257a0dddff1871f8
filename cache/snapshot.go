package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/storage"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

const (
	DefaultSnapshotKey = "credential-cache/snapshot"
	snapshotVersion    = 1
)

// Snapshot is the portable form of a cache used for backup and persistence.
// Entries are ordered from least to most recently accessed.
type Snapshot struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Entries    []*Entry       `json:"entries"`
	Bitmap     *status.Bitmap `json:"bitmap,omitempty"`
}

// Export copies the cache contents, stale entries included.
func (c *Cache) Export() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{
		Version:    snapshotVersion,
		ExportedAt: c.clock.Now(),
		Entries:    make([]*Entry, 0, c.order.Len()),
		Bitmap:     c.bitmap.Load(),
	}
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		snap.Entries = append(snap.Entries, elem.Value.(*Entry).clone())
	}
	return snap
}

// Import replaces the cache contents with snap. Entries keep their recorded
// timestamps so restored records expire when they would have originally.
// A malformed snapshot leaves the cache untouched and yields a cache error.
func (c *Cache) Import(snap *Snapshot) error {
	if snap == nil {
		return verifyerr.New(verifyerr.CodeCache, "cache snapshot is nil")
	}
	if snap.Version != snapshotVersion {
		return verifyerr.New(verifyerr.CodeCache, fmt.Sprintf("unsupported cache snapshot version %d", snap.Version))
	}
	for i, entry := range snap.Entries {
		if entry == nil || entry.Record == nil || entry.Record.CredentialID == "" {
			return verifyerr.New(verifyerr.CodeCache, fmt.Sprintf("cache snapshot entry %d is incomplete", i))
		}
	}

	c.mu.Lock()
	c.items = make(map[string]*list.Element, len(snap.Entries))
	c.order.Init()
	for _, entry := range snap.Entries {
		c.insertLocked(entry.clone())
	}
	c.enforceLimitLocked()
	c.mu.Unlock()

	c.ReplaceBitmap(snap.Bitmap)
	return nil
}

// HasStorage reports whether Persist and Restore are available.
func (c *Cache) HasStorage() bool {
	return c.storage != nil
}

// Persist writes a snapshot to the configured storage.
func (c *Cache) Persist(ctx context.Context) error {
	if c.storage == nil {
		return verifyerr.New(verifyerr.CodeInvalidConfig, "cache has no storage configured")
	}
	snap := c.Export()
	data, err := json.Marshal(snap)
	if err != nil {
		return verifyerr.Wrap(err, verifyerr.CodeCache, "failed to encode cache snapshot")
	}
	if err := c.storage.Put(ctx, c.snapshotKey, data); err != nil {
		return fmt.Errorf("failed to persist cache snapshot: %w", err)
	}
	c.logger.Debug("cache_persisted", "entries", len(snap.Entries), "bytes", len(data))
	return nil
}

// Restore loads the snapshot from storage. It reports false when storage
// holds no snapshot yet.
func (c *Cache) Restore(ctx context.Context) (bool, error) {
	if c.storage == nil {
		return false, verifyerr.New(verifyerr.CodeInvalidConfig, "cache has no storage configured")
	}
	data, err := c.storage.Get(ctx, c.snapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, verifyerr.Wrap(err, verifyerr.CodeCache, "cache snapshot is corrupt")
	}
	if err := c.Import(&snap); err != nil {
		return false, err
	}
	c.logger.Info("cache_restored", "entries", len(snap.Entries))
	return true, nil
}
