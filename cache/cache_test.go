package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilacorp/go-credential-verifier/metrics"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/storage"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

func record(id string, s status.Status) *status.Record {
	return &status.Record{CredentialID: id, Status: s, FetchedAt: time.Unix(1_700_000_000, 0).UTC()}
}

func newTestCache(opts ...Option) (*Cache, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	return New(append([]Option{WithClock(clk)}, opts...)...), clk
}

func TestCacheEvictsLeastRecentlyAccessed(t *testing.T) {
	c, clk := newTestCache(WithMaxEntries(3))

	for _, id := range []string{"a", "b", "c"} {
		c.Put(record(id, status.StatusActive))
		clk.Add(time.Second)
	}
	// touching a makes b the least recently accessed
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put(record("d", status.StatusActive))
	assert.Equal(t, 3, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "c", "d"}, c.IDs())

	c.Put(record("e", status.StatusActive))
	assert.Equal(t, []string{"a", "d", "e"}, c.IDs())
}

func TestCacheTTL(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		validate func(t *testing.T, c *Cache)
	}{
		{
			name:    "fresh entry is returned",
			elapsed: 59 * time.Second,
			validate: func(t *testing.T, c *Cache) {
				entry, ok := c.Get("a")
				require.True(t, ok)
				assert.Equal(t, status.StatusActive, entry.Record.Status)
				assert.Empty(t, c.ExpiredIDs())
			},
		},
		{
			name:    "expired entry is excluded before any sweep",
			elapsed: time.Minute,
			validate: func(t *testing.T, c *Cache) {
				_, ok := c.Get("a")
				assert.False(t, ok)
				assert.Equal(t, 1, c.Len())
				assert.Equal(t, []string{"a"}, c.ExpiredIDs())
			},
		},
		{
			name:    "sweep removes expired entries",
			elapsed: 2 * time.Minute,
			validate: func(t *testing.T, c *Cache) {
				assert.Equal(t, 1, c.EvictExpired())
				assert.Equal(t, 0, c.Len())
				assert.Empty(t, c.ExpiredIDs())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clk := newTestCache(WithTTL(time.Minute))
			c.Put(record("a", status.StatusActive))
			clk.Add(tt.elapsed)
			tt.validate(t, c)
		})
	}
}

func TestCachePutResetsTTL(t *testing.T) {
	c, clk := newTestCache(WithTTL(time.Minute))
	c.Put(record("a", status.StatusActive))
	clk.Add(50 * time.Second)
	c.Put(record("a", status.StatusRevoked))
	clk.Add(50 * time.Second)

	entry, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, status.StatusRevoked, entry.Record.Status)
	assert.Equal(t, 1, c.Len())
}

func TestCacheReturnsCopies(t *testing.T) {
	c, _ := newTestCache()
	rec := record("a", status.StatusActive)
	rec.BitmapIndex = status.Index(4)
	c.Put(rec)
	rec.Status = status.StatusRevoked
	*rec.BitmapIndex = 9

	entry, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, status.StatusActive, entry.Record.Status)
	assert.Equal(t, uint64(4), *entry.Record.BitmapIndex)

	entry.Record.Status = status.StatusRevoked
	again, _ := c.Get("a")
	assert.Equal(t, status.StatusActive, again.Record.Status)
}

func TestCacheDelete(t *testing.T) {
	c, _ := newTestCache()
	c.Put(record("a", status.StatusActive))
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 0, c.Len())
}

func TestCacheIgnoresRecordsWithoutID(t *testing.T) {
	c, _ := newTestCache()
	c.Put(nil)
	c.Put(&status.Record{Status: status.StatusActive})
	assert.Equal(t, 0, c.Len())
}

func TestCacheBitmapReplacement(t *testing.T) {
	c, _ := newTestCache()
	assert.Nil(t, c.Bitmap())

	first := status.NewBitmap(64, make([]byte, 32), time.Unix(1, 0))
	c.ReplaceBitmap(first)
	assert.Same(t, first, c.Bitmap())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.ReplaceBitmap(status.NewBitmap(uint64(64*(i+1)), make([]byte, 32), time.Unix(int64(i), 0)))
		}(i)
		go func() {
			defer wg.Done()
			b := c.Bitmap()
			// a reader sees one whole bitmap, never a mix
			assert.Equal(t, uint64(len(b.Bits))*8, b.Size())
		}()
	}
	wg.Wait()
}

func TestCacheMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, _ := newTestCache(WithMetrics(m), WithMaxEntries(1))

	c.Put(record("a", status.StatusActive))
	c.Put(record("b", status.StatusActive))
	c.Get("a")
	c.Get("b")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictionsTotal.WithLabelValues("lru")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEntries))
}

func TestCacheExportImport(t *testing.T) {
	src, clk := newTestCache(WithTTL(time.Minute))
	revoked := record("b", status.StatusRevoked)
	revoked.BitmapIndex = status.Index(3)
	src.Put(record("a", status.StatusActive))
	clk.Add(time.Second)
	src.Put(revoked)
	bitmap := status.NewBitmap(16, make([]byte, 32), clk.Now())
	require.NoError(t, bitmap.Set(3))
	src.ReplaceBitmap(bitmap)

	snap := src.Export()
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "a", snap.Entries[0].Record.CredentialID)
	assert.Equal(t, "b", snap.Entries[1].Record.CredentialID)

	dst, dstClk := newTestCache(WithTTL(time.Minute), WithMaxEntries(1))
	dstClk.Set(clk.Now())
	require.NoError(t, dst.Import(snap))

	// the limit keeps the most recently accessed entry
	assert.Equal(t, []string{"b"}, dst.IDs())
	entry, ok := dst.Get("b")
	require.True(t, ok)
	assert.Equal(t, uint64(3), *entry.Record.BitmapIndex)
	revokedBit, covered := dst.Bitmap().IsRevoked(3)
	assert.True(t, covered)
	assert.True(t, revokedBit)
}

func TestCacheImportRejectsMalformedSnapshots(t *testing.T) {
	tests := []struct {
		name string
		snap *Snapshot
	}{
		{name: "nil", snap: nil},
		{name: "version", snap: &Snapshot{Version: 42}},
		{name: "nil entry", snap: &Snapshot{Version: snapshotVersion, Entries: []*Entry{nil}}},
		{name: "missing id", snap: &Snapshot{Version: snapshotVersion, Entries: []*Entry{{Record: &status.Record{}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache()
			c.Put(record("keep", status.StatusActive))

			err := c.Import(tt.snap)
			require.Error(t, err)
			assert.True(t, verifyerr.HasCode(err, verifyerr.CodeCache))
			assert.True(t, verifyerr.IsFatal(err))
			assert.Equal(t, []string{"keep"}, c.IDs())
		})
	}
}

func TestCachePersistRestore(t *testing.T) {
	bolt, err := storage.NewBolt(filepath.Join(t.TempDir(), "cache.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	backends := map[string]storage.Storage{
		"memory": storage.NewMemory(),
		"bolt":   bolt,
	}

	for name, db := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src, clk := newTestCache(WithStorage(db))
			rec := record("a", status.StatusActive)
			tree, err := status.BuildMerkleTree([][]byte{status.LeafHash("a", status.StatusActive)})
			require.NoError(t, err)
			rec.Proof, err = tree.Proof(0)
			require.NoError(t, err)
			src.Put(rec)
			src.ReplaceBitmap(status.NewBitmap(8, tree.Root(), clk.Now()))
			require.NoError(t, src.Persist(ctx))

			dst, dstClk := newTestCache(WithStorage(db))
			dstClk.Set(clk.Now())
			restored, err := dst.Restore(ctx)
			require.NoError(t, err)
			assert.True(t, restored)

			entry, ok := dst.Get("a")
			require.True(t, ok)
			require.NotNil(t, entry.Record.Proof)
			assert.True(t, entry.Record.Proof.Verify(dst.Bitmap().MerkleRoot))
		})
	}
}

func TestCacheRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("empty storage", func(t *testing.T) {
		c, _ := newTestCache(WithStorage(storage.NewMemory()))
		restored, err := c.Restore(ctx)
		require.NoError(t, err)
		assert.False(t, restored)
	})

	t.Run("corrupt snapshot is fatal", func(t *testing.T) {
		db := storage.NewMemory()
		require.NoError(t, db.Put(ctx, DefaultSnapshotKey, []byte("{not json")))
		c, _ := newTestCache(WithStorage(db))

		_, err := c.Restore(ctx)
		require.Error(t, err)
		assert.True(t, verifyerr.IsFatal(err))
	})

	t.Run("no storage configured", func(t *testing.T) {
		c, _ := newTestCache()
		_, err := c.Restore(ctx)
		assert.True(t, verifyerr.HasCode(err, verifyerr.CodeInvalidConfig))
		assert.True(t, verifyerr.HasCode(c.Persist(ctx), verifyerr.CodeInvalidConfig))
	})
}
