package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/pilacorp/go-credential-verifier/metrics"
)

const testWindow = time.Minute

// GuardSuite runs the guard contract against every store implementation.
type GuardSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	clock    *clock.Mock
	guard    *Guard
}

func (s *GuardSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.clock.Set(time.Unix(1_700_000_000, 0))
	store := s.newStore(s.T())
	s.guard = NewGuard(
		WithStore(store),
		WithWindow(testWindow),
		WithClockSkew(5*time.Second),
		WithClock(s.clock),
	)
}

func (s *GuardSuite) check(presentationID string, nonce uint64, observedAt time.Time) Outcome {
	outcome, err := s.guard.CheckAndRecord(context.Background(), presentationID, nonce, observedAt)
	s.Require().NoError(err)
	return outcome
}

func (s *GuardSuite) TestAcceptedThenReplayed() {
	s.Equal(Accepted, s.check("p-1", 7, s.clock.Now()))
	s.Equal(Replayed, s.check("p-1", 7, s.clock.Now()))
}

func (s *GuardSuite) TestDistinctPairsAreIndependent() {
	s.Equal(Accepted, s.check("p-1", 7, s.clock.Now()))
	s.Equal(Accepted, s.check("p-1", 8, s.clock.Now()))
	s.Equal(Accepted, s.check("p-2", 7, s.clock.Now()))
}

func (s *GuardSuite) TestObservationOutsideWindowExpires() {
	now := s.clock.Now()
	s.Equal(Expired, s.check("p-1", 1, now.Add(-testWindow-6*time.Second)))
	s.Equal(Expired, s.check("p-1", 2, now.Add(6*time.Second)))
	s.Equal(Accepted, s.check("p-1", 3, now.Add(-testWindow-4*time.Second)))
	s.Equal(Accepted, s.check("p-1", 4, now.Add(4*time.Second)))
}

func (s *GuardSuite) TestExpiredObservationIsNotRecorded() {
	now := s.clock.Now()
	s.Equal(Expired, s.check("p-1", 1, now.Add(time.Hour)))
	s.Equal(Accepted, s.check("p-1", 1, now))
}

func (s *GuardSuite) TestConcurrentChecksAcceptOnce() {
	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	now := s.clock.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.guard.CheckAndRecord(context.Background(), "p-race", 99, now)
			if err == nil && outcome == Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, accepted)
}

func TestGuardWithMemoryStore(t *testing.T) {
	suite.Run(t, &GuardSuite{newStore: func(*testing.T) Store {
		return NewMemoryStore()
	}})
}

func TestGuardWithBloomStore(t *testing.T) {
	suite.Run(t, &GuardSuite{newStore: func(*testing.T) Store {
		return NewBloomStore(testWindow, 10_000, 0.0001)
	}})
}

func TestGuardWithRedisStore(t *testing.T) {
	suite.Run(t, &GuardSuite{newStore: func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisStore(client)
	}})
}

func TestNonceAcceptedAgainAfterWindow(t *testing.T) {
	tests := []struct {
		name    string
		store   func(t *testing.T) (Store, func(time.Duration))
		elapsed time.Duration
	}{
		{
			name:    "memory",
			store:   func(*testing.T) (Store, func(time.Duration)) { return NewMemoryStore(), nil },
			elapsed: testWindow,
		},
		{
			name: "redis",
			store: func(t *testing.T) (Store, func(time.Duration)) {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisStore(client), mr.FastForward
			},
			elapsed: testWindow,
		},
		{
			// bloom generations remember a key for up to two windows
			name:    "bloom",
			store:   func(*testing.T) (Store, func(time.Duration)) { return NewBloomStore(testWindow, 1000, 0.0001), nil },
			elapsed: 2 * testWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMock()
			clk.Set(time.Unix(1_700_000_000, 0))
			store, storeAdvance := tt.store(t)
			g := NewGuard(WithStore(store), WithWindow(testWindow), WithClock(clk))
			ctx := context.Background()

			outcome, err := g.CheckAndRecord(ctx, "p-1", 1, clk.Now())
			require.NoError(t, err)
			assert.Equal(t, Accepted, outcome)

			clk.Add(testWindow / 2)
			if storeAdvance != nil {
				storeAdvance(testWindow / 2)
			}
			outcome, err = g.CheckAndRecord(ctx, "p-1", 1, clk.Now())
			require.NoError(t, err)
			assert.Equal(t, Replayed, outcome)

			clk.Add(tt.elapsed - testWindow/2)
			if storeAdvance != nil {
				storeAdvance(tt.elapsed - testWindow/2)
			}
			outcome, err = g.CheckAndRecord(ctx, "p-1", 1, clk.Now())
			require.NoError(t, err)
			assert.Equal(t, Accepted, outcome)
		})
	}
}

func TestDisabledGuardAlwaysAccepts(t *testing.T) {
	store := NewMemoryStore()
	g := NewGuard(WithDisabled(true), WithStore(store))

	for i := 0; i < 3; i++ {
		outcome, err := g.CheckAndRecord(context.Background(), "p-1", 1, time.Unix(0, 0))
		require.NoError(t, err)
		assert.Equal(t, Accepted, outcome)
	}
	assert.Equal(t, 0, store.Len())
}

func TestGuardRecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	clk := clock.NewMock()
	g := NewGuard(WithClock(clk), WithMetrics(m))

	_, err := g.CheckAndRecord(context.Background(), "p", 1, clk.Now())
	require.NoError(t, err)
	_, err = g.CheckAndRecord(context.Background(), "p", 1, clk.Now())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NonceChecksTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NonceChecksTotal.WithLabelValues("replayed")))
}

func TestMemoryStoreSweep(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore()
	g := NewGuard(WithStore(store), WithWindow(testWindow), WithClock(clk))
	ctx := context.Background()

	for i := uint64(0); i < 5; i++ {
		_, err := g.CheckAndRecord(ctx, "p", i, clk.Now())
		require.NoError(t, err)
	}
	rec, ok := store.Get(Key("p", 3))
	require.True(t, ok)
	assert.Equal(t, uint64(3), rec.Nonce)
	assert.Equal(t, "p", rec.PresentationID)

	removed, err := g.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clk.Add(testWindow)
	removed, err = g.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, store.Len())
}

func TestGuardStartSweepsInBackground(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore()
	g := NewGuard(WithStore(store), WithWindow(testWindow), WithSweepInterval(time.Second), WithClock(clk))

	_, err := g.CheckAndRecord(context.Background(), "p", 1, clk.Now())
	require.NoError(t, err)
	clk.Add(testWindow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return store.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBloomStoreSweepDropsStaleGenerations(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewBloomStore(testWindow, 1000, 0.0001)

	for _, key := range []string{"a", "b", "c"} {
		ok, err := store.InsertIfAbsent(ctx, key, Record{}, now, now.Add(testWindow))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NotZero(t, store.ApproximateLen())

	dropped, err := store.Sweep(ctx, now.Add(3*testWindow))
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)

	seen, err := store.Contains(ctx, "a", now.Add(3*testWindow))
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisStoreGet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := store.InsertIfAbsent(ctx, "k", Record{PresentationID: "p", Nonce: 5, FirstSeenAt: now}, now, now.Add(testWindow))
	require.NoError(t, err)
	require.True(t, ok)

	rec, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), rec.Nonce)
	assert.True(t, now.Equal(rec.FirstSeenAt))

	mr.FastForward(testWindow)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "replayed", Replayed.String())
	assert.Equal(t, "expired", Expired.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
