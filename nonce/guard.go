// Package nonce implements replay protection for presentations.
//
// A Guard remembers every (presentation ID, nonce) pair it accepted for a
// sliding window. Storage is pluggable: an exact in-memory set, a bounded
// probabilistic filter, or Redis for deployments with several verifiers.
package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pilacorp/go-credential-verifier/metrics"
)

const (
	DefaultWindow        = 5 * time.Minute
	DefaultClockSkew     = 30 * time.Second
	DefaultSweepInterval = time.Minute
)

// Outcome is the result of a nonce check.
type Outcome int

const (
	Accepted Outcome = iota
	Replayed
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Replayed:
		return "replayed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Record is a remembered nonce.
type Record struct {
	PresentationID string    `json:"presentationId"`
	Nonce          uint64    `json:"nonce"`
	FirstSeenAt    time.Time `json:"firstSeenAt"`
}

// Store persists nonce records for the guard.
type Store interface {
	// Contains reports whether key is recorded and not yet expired at now.
	Contains(ctx context.Context, key string, now time.Time) (bool, error)
	// InsertIfAbsent atomically records key unless a live record exists.
	// It reports whether the record was inserted.
	InsertIfAbsent(ctx context.Context, key string, rec Record, now, expiresAt time.Time) (bool, error)
	// Sweep purges records that expired at or before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Key is the replay key of a presentation nonce.
func Key(presentationID string, nonce uint64) string {
	return presentationID + ":" + strconv.FormatUint(nonce, 10)
}

// Option configures a Guard.
type Option func(*Guard)

// WithStore sets the backing store. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(g *Guard) {
		if s != nil {
			g.store = s
		}
	}
}

// WithWindow sets how long accepted nonces are remembered.
func WithWindow(window time.Duration) Option {
	return func(g *Guard) {
		if window > 0 {
			g.window = window
		}
	}
}

// WithClockSkew sets the tolerated skew between observer and verifier clocks.
func WithClockSkew(skew time.Duration) Option {
	return func(g *Guard) {
		if skew >= 0 {
			g.skew = skew
		}
	}
}

// WithSweepInterval sets the background sweep period.
func WithSweepInterval(interval time.Duration) Option {
	return func(g *Guard) {
		if interval > 0 {
			g.sweepInterval = interval
		}
	}
}

// WithDisabled turns replay protection off; every check is Accepted.
func WithDisabled(disabled bool) Option {
	return func(g *Guard) {
		g.disabled = disabled
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// Guard tracks presentation nonces inside a sliding time window.
type Guard struct {
	store         Store
	window        time.Duration
	skew          time.Duration
	sweepInterval time.Duration
	disabled      bool
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewGuard creates a Guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		window:        DefaultWindow,
		skew:          DefaultClockSkew,
		sweepInterval: DefaultSweepInterval,
		clock:         clock.New(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = NewMemoryStore()
	}
	return g
}

// Window returns the replay window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// CheckAndRecord checks a nonce observed at observedAt and records it when
// accepted. A pair seen within the window is Replayed; an observation outside
// [now-window-skew, now+skew] is Expired. Errors come only from the store.
func (g *Guard) CheckAndRecord(ctx context.Context, presentationID string, nonce uint64, observedAt time.Time) (Outcome, error) {
	if g.disabled {
		return Accepted, nil
	}

	outcome, err := g.check(ctx, presentationID, nonce, observedAt)
	if err != nil {
		return outcome, err
	}
	g.metrics.RecordNonceCheck(outcome.String())
	return outcome, nil
}

func (g *Guard) check(ctx context.Context, presentationID string, nonce uint64, observedAt time.Time) (Outcome, error) {
	now := g.clock.Now()
	key := Key(presentationID, nonce)

	seen, err := g.store.Contains(ctx, key, now)
	if err != nil {
		return Replayed, fmt.Errorf("failed to look up nonce: %w", err)
	}
	if seen {
		return Replayed, nil
	}

	earliest := now.Add(-g.window - g.skew)
	latest := now.Add(g.skew)
	if observedAt.Before(earliest) || observedAt.After(latest) {
		return Expired, nil
	}

	rec := Record{PresentationID: presentationID, Nonce: nonce, FirstSeenAt: now}
	inserted, err := g.store.InsertIfAbsent(ctx, key, rec, now, now.Add(g.window))
	if err != nil {
		return Replayed, fmt.Errorf("failed to record nonce: %w", err)
	}
	if !inserted {
		return Replayed, nil
	}
	return Accepted, nil
}

// Start runs the background sweep until ctx is done.
func (g *Guard) Start(ctx context.Context) error {
	ticker := g.clock.Ticker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := g.clock.Now()
			removed, err := g.RunOnce(ctx)
			duration := g.clock.Since(start)
			if err != nil {
				g.logger.Error("nonce_sweep_failed",
					"error", err,
					"duration_ms", duration.Milliseconds(),
				)
				continue
			}
			g.metrics.RecordNonceSweep(removed, duration)
			if removed > 0 {
				g.logger.Debug("nonce_sweep_completed",
					"removed", removed,
					"duration_ms", duration.Milliseconds(),
				)
			}
		case <-ctx.Done():
			g.logger.Info("nonce sweeper stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce performs a single sweep.
func (g *Guard) RunOnce(ctx context.Context) (int, error) {
	return g.store.Sweep(ctx, g.clock.Now())
}
