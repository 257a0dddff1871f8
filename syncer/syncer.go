// Package syncer keeps the credential cache in step with the registry, on
// demand or on a fixed interval.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/pilacorp/go-credential-verifier/cache"
	"github.com/pilacorp/go-credential-verifier/chain"
	"github.com/pilacorp/go-credential-verifier/metrics"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

const DefaultConcurrency = 8

// Result summarizes one sync cycle.
type Result struct {
	StartedAt time.Time
	Duration  time.Duration
	// Height is the registry block height seen at the start of the cycle.
	Height    uint64
	HeightErr error
	// BitmapUpdated is false when the bitmap fetch failed; the previous
	// bitmap then stays authoritative and BitmapErr says why.
	BitmapUpdated bool
	BitmapErr     error
	Refreshed     int
	Evicted       int
	// Errors holds per-credential refresh failures keyed by credential ID.
	Errors     map[string]error
	Persisted  bool
	PersistErr error
}

// OK reports whether every step of the cycle succeeded.
func (r *Result) OK() bool {
	return r.HeightErr == nil && r.BitmapErr == nil && len(r.Errors) == 0 && r.PersistErr == nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds parallel credential refreshes.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMeteredCheck makes auto-sync skip cycles while metered returns true.
// Explicit Sync calls are never skipped.
func WithMeteredCheck(metered func() bool) Option {
	return func(e *Engine) {
		e.metered = metered
	}
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clock = clk
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine refreshes a cache from a chain querier.
type Engine struct {
	cache       *cache.Cache
	querier     chain.Querier
	concurrency int
	metered     func() bool
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// syncMu serializes cycles.
	syncMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sync engine.
func New(c *cache.Cache, q chain.Querier, opts ...Option) (*Engine, error) {
	if c == nil || q == nil {
		return nil, verifyerr.New(verifyerr.CodeInvalidConfig, "sync engine requires a cache and a querier")
	}
	e := &Engine{
		cache:       c,
		querier:     q,
		concurrency: DefaultConcurrency,
		clock:       clock.New(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Sync runs one full cycle: record the registry height, replace the bitmap,
// refresh stale credentials, evict what is still stale and persist the cache
// when storage is configured.
//
// Partial failures are reported in the Result. The returned error is reserved
// for fatal cache failures.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	res := &Result{StartedAt: e.clock.Now(), Errors: make(map[string]error)}

	res.Height, res.HeightErr = e.querier.QueryHeight(ctx)
	if res.HeightErr != nil {
		e.logger.Warn("sync_height_failed", "error", res.HeightErr)
	}

	bitmap, err := e.querier.QueryRevocationBitmap(ctx)
	switch {
	case err != nil:
		res.BitmapErr = err
		e.logger.Warn("sync_bitmap_failed", "error", err)
	case bitmap == nil:
		res.BitmapErr = verifyerr.New(verifyerr.CodeNetwork, "registry returned no bitmap")
	default:
		if bitmap.Height == 0 {
			bitmap.Height = res.Height
		}
		e.cache.ReplaceBitmap(bitmap)
		res.BitmapUpdated = true
	}

	e.refresh(ctx, res)
	res.Evicted = e.cache.EvictExpired()

	if e.cache.HasStorage() {
		if err := e.cache.Persist(ctx); err != nil {
			res.PersistErr = err
			if verifyerr.IsFatal(err) {
				return res, fmt.Errorf("failed to persist cache: %w", err)
			}
			e.logger.Warn("sync_persist_failed", "error", err)
		} else {
			res.Persisted = true
		}
	}

	res.Duration = e.clock.Since(res.StartedAt)
	e.metrics.RecordSync(res.OK(), len(res.Errors), res.Duration)
	e.logger.Info("sync_completed",
		"height", res.Height,
		"bitmap_updated", res.BitmapUpdated,
		"refreshed", res.Refreshed,
		"evicted", res.Evicted,
		"errors", len(res.Errors),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// refresh re-queries every cached credential whose TTL elapsed.
func (e *Engine) refresh(ctx context.Context, res *Result) {
	ids := e.cache.ExpiredIDs()
	if len(ids) == 0 {
		return
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := e.querier.QueryCredentialStatus(ctx, id)
			if verifyerr.HasCode(err, verifyerr.CodeNotFound) {
				rec, err = &status.Record{CredentialID: id, Status: status.StatusUnknown, FetchedAt: e.clock.Now()}, nil
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[id] = err
				return nil
			}
			e.cache.Put(rec)
			res.Refreshed++
			return nil
		})
	}
	_ = g.Wait()
}

// StartAutoSync runs Sync every interval until StopAutoSync is called or ctx
// is done. Calling it while auto-sync is running does nothing.
func (e *Engine) StartAutoSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return verifyerr.New(verifyerr.CodeInvalidConfig, "auto-sync interval must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go func() {
		defer close(done)
		e.loop(ctx, interval)

		// the parent context ended without StopAutoSync
		e.mu.Lock()
		if e.done == done {
			e.cancel()
			e.cancel, e.done = nil, nil
		}
		e.mu.Unlock()
	}()
	e.logger.Info("auto_sync_started", "interval", interval.String())
	return nil
}

// StopAutoSync cancels auto-sync and waits for an in-flight cycle to finish.
func (e *Engine) StopAutoSync() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("auto_sync_stopped")
}

// Running reports whether auto-sync is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func (e *Engine) loop(ctx context.Context, interval time.Duration) {
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.metered != nil && e.metered() {
				e.metrics.RecordSyncSkippedMetered()
				e.logger.Debug("auto_sync_skipped", "reason", "metered_network")
				continue
			}
			if _, err := e.Sync(ctx); err != nil {
				e.logger.Error("auto_sync_failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
