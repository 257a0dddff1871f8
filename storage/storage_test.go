package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getImplementations(t *testing.T) map[string]Storage {
	bolt, err := NewBolt(filepath.Join(t.TempDir(), "cache.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Storage{
		"memory": NewMemory(),
		"bolt":   bolt,
		"redis":  NewRedis(client, ""),
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()

	for name, db := range getImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put(ctx, "a", []byte("alpha")))
			require.NoError(t, db.Put(ctx, "b", []byte("beta")))

			got, err := db.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("alpha"), got)

			require.NoError(t, db.Put(ctx, "a", []byte("alpha-2")))
			got, err = db.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("alpha-2"), got)

			require.NoError(t, db.Delete(ctx, "a"))
			_, err = db.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)

			// deleting a missing key is not an error
			require.NoError(t, db.Delete(ctx, "a"))

			require.NoError(t, db.Clear(ctx))
			_, err = db.Get(ctx, "b")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put(ctx, "c", []byte("gamma")))
			got, err = db.Get(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, []byte("gamma"), got)
		})
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	db, err := NewBolt(path, "snapshots")
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "k", []byte("v")))
	require.NoError(t, db.Close())

	db, err = NewBolt(path, "snapshots")
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestRedisClearKeepsForeignKeys(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, client.Set(ctx, "other:key", "keep", 0).Err())
	db := NewRedis(client, "ns:")
	require.NoError(t, db.Put(ctx, "k", []byte("v")))
	assert.True(t, mr.Exists("ns:k"))

	require.NoError(t, db.Clear(ctx))
	assert.False(t, mr.Exists("ns:k"))
	assert.True(t, mr.Exists("other:key"))
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	db := NewMemory()
	value := []byte("abc")
	require.NoError(t, db.Put(ctx, "k", value))
	value[0] = 'x'

	got, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'y'

	again, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
