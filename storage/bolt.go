package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultBucket is the bucket used when none is configured.
	DefaultBucket = "credverify"

	boltOpenTimeout = 3 * time.Second
)

// Bolt is a file-backed Storage holding all keys in a single bucket.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

// NewBolt opens (or creates) the bbolt file at path.
func NewBolt(path string, bucket string) (*Bolt, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file %s: %w", path, err)
	}

	b := &Bolt{db: db, bucket: []byte(bucket)}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return b, nil
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var result []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// values are only valid for the life of the transaction
		result = append([]byte(nil), v...)
		return nil
	})
	return result, err
}

func (b *Bolt) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), value)
	})
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
}

func (b *Bolt) Clear(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}
		_, err := tx.CreateBucket(b.bucket)
		return err
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
