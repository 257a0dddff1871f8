package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomStore is a bounded-memory nonce set built from two rotating bloom
// filter generations, each covering one window. A key is remembered for at
// least one and at most two windows. False positives surface as Replayed.
type BloomStore struct {
	mu        sync.Mutex
	capacity  uint
	fpRate    float64
	window    time.Duration
	current   *bloom.BloomFilter
	previous  *bloom.BloomFilter
	startedAt time.Time
	count     int
}

// NewBloomStore creates a store sized for capacity insertions per window at
// the given false-positive rate.
func NewBloomStore(window time.Duration, capacity uint, fpRate float64) *BloomStore {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity == 0 {
		capacity = 100_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.0001
	}
	return &BloomStore{
		capacity: capacity,
		fpRate:   fpRate,
		window:   window,
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
	}
}

// rotate advances generations so that current covers now. Callers hold mu.
func (s *BloomStore) rotate(now time.Time) int {
	if s.startedAt.IsZero() {
		s.startedAt = now
		return 0
	}
	elapsed := now.Sub(s.startedAt)
	if elapsed < s.window {
		return 0
	}

	dropped := 0
	if elapsed >= 2*s.window {
		s.previous.ClearAll()
		dropped = s.count
	} else {
		s.previous, s.current = s.current, s.previous
	}
	s.current.ClearAll()
	s.startedAt = now
	s.count = 0
	return dropped
}

// Contains implements Store.
func (s *BloomStore) Contains(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotate(now)
	return s.current.TestString(key) || s.previous.TestString(key), nil
}

// InsertIfAbsent implements Store.
func (s *BloomStore) InsertIfAbsent(_ context.Context, key string, _ Record, now, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotate(now)
	if s.previous.TestString(key) {
		return false, nil
	}
	if s.current.TestAndAddString(key) {
		return false, nil
	}
	s.count++
	return true, nil
}

// Sweep implements Store by rotating generations. It reports the number of
// insertions dropped when a whole generation was discarded unread.
func (s *BloomStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotate(now), nil
}

// ApproximateLen estimates the number of keys in the current generation.
func (s *BloomStore) ApproximateLen() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ApproximatedSize()
}
