// Package revocation resolves the current status of a credential, preferring
// a live registry query and falling back to cached status data.
//
// On the cache path the revocation bitmap is authoritative: a set bit always
// means revoked, and a bit that is covered and clear overrides a conflicting
// cached record or proof. A Merkle proof that does not recompute to the
// cached root makes the credential unknown, never active.
package revocation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pilacorp/go-credential-verifier/cache"
	"github.com/pilacorp/go-credential-verifier/chain"
	"github.com/pilacorp/go-credential-verifier/metrics"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

// Source tells where a resolution came from.
type Source string

const (
	SourceOnline Source = "online"
	SourceCache  Source = "cache"
)

// Resolution is the outcome of resolving one credential.
type Resolution struct {
	Record *status.Record
	Source Source
	// OnlineLatency is the time spent on the live query, including a failed
	// one that led to a cache fallback. Zero when no query was attempted.
	OnlineLatency time.Duration
}

// Status is the effective status of the resolved record.
func (r Resolution) Status() status.Status {
	if r.Record == nil {
		return status.StatusUnknown
	}
	return r.Record.Status
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithQuerier enables live registry queries. Without one every resolution is
// served from the cache.
func WithQuerier(q chain.Querier) Option {
	return func(o *Oracle) {
		o.querier = q
	}
}

func WithClock(clk clock.Clock) Option {
	return func(o *Oracle) {
		if clk != nil {
			o.clock = clk
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Oracle) {
		o.metrics = m
	}
}

// Oracle resolves credential statuses.
type Oracle struct {
	cache   *cache.Cache
	querier chain.Querier
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Oracle reading from and writing through to c.
func New(c *cache.Cache, opts ...Option) (*Oracle, error) {
	if c == nil {
		return nil, verifyerr.New(verifyerr.CodeInvalidConfig, "revocation oracle requires a cache")
	}
	o := &Oracle{
		cache:  c,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Online reports whether live queries are configured.
func (o *Oracle) Online() bool {
	return o.querier != nil
}

// Resolve returns the status of credentialID. When preferOffline is false and
// a querier is configured, the registry is asked first: a successful answer
// is written through to the cache, a not-found answer is a definitive
// unknown, and an unreachable registry falls back to the cache.
//
// The only error is the caller's context being cancelled.
func (o *Oracle) Resolve(ctx context.Context, credentialID string, preferOffline bool) (Resolution, error) {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return Resolution{}, verifyerr.Wrap(err, verifyerr.CodeTimeout, "revocation lookup cancelled")
	}

	var latency time.Duration
	if !preferOffline && o.querier != nil {
		res, ok := o.resolveOnline(ctx, credentialID)
		if ok {
			o.record(res)
			return res, nil
		}
		latency = res.OnlineLatency
	}

	res := Resolution{
		Record:        o.resolveCached(credentialID),
		Source:        SourceCache,
		OnlineLatency: latency,
	}
	o.record(res)
	return res, nil
}

func (o *Oracle) record(res Resolution) {
	o.metrics.RecordRevocationLookup(string(res.Source), string(res.Status()))
}

// resolveOnline reports false when the registry could not answer.
func (o *Oracle) resolveOnline(ctx context.Context, credentialID string) (Resolution, bool) {
	start := o.clock.Now()
	rec, err := o.querier.QueryCredentialStatus(ctx, credentialID)
	latency := o.clock.Since(start)
	o.metrics.ObserveOnlineLatency(latency)

	switch {
	case err == nil:
		o.cache.Put(rec)
		resolved := rec.Clone()
		resolved.Status = rec.EffectiveStatus(o.clock.Now())
		return Resolution{Record: resolved, Source: SourceOnline, OnlineLatency: latency}, true
	case verifyerr.HasCode(err, verifyerr.CodeNotFound):
		unknown := &status.Record{
			CredentialID: credentialID,
			Status:       status.StatusUnknown,
			FetchedAt:    o.clock.Now(),
		}
		o.cache.Put(unknown)
		return Resolution{Record: unknown, Source: SourceOnline, OnlineLatency: latency}, true
	default:
		o.logger.Warn("revocation_online_failed",
			"credential_id", credentialID,
			"code", string(verifyerr.CodeOf(err)),
			"error", err,
			"latency_ms", latency.Milliseconds(),
		)
		return Resolution{OnlineLatency: latency}, false
	}
}

// resolveCached applies the cache rules. It never returns nil.
func (o *Oracle) resolveCached(credentialID string) *status.Record {
	now := o.clock.Now()
	bitmap := o.cache.Bitmap()

	var rec *status.Record
	if entry, ok := o.cache.Get(credentialID); ok {
		rec = entry.Record
	}

	index, hasIndex := bitmap.IndexOf(credentialID)
	if rec != nil && rec.BitmapIndex != nil {
		index, hasIndex = *rec.BitmapIndex, true
	}

	var revoked, covered bool
	if hasIndex {
		revoked, covered = bitmap.IsRevoked(index)
	}

	result := &status.Record{CredentialID: credentialID, Status: status.StatusUnknown, FetchedAt: now}
	if rec != nil {
		result = rec.Clone()
	} else if bitmap != nil {
		result.FetchedAt = bitmap.GeneratedAt
	}
	if hasIndex {
		result.BitmapIndex = status.Index(index)
	}

	fromProof := false
	switch {
	case covered && revoked:
		result.Status = status.StatusRevoked
		return result
	case rec != nil && rec.Proof != nil:
		result.Status = proofStatus(credentialID, rec.Proof, bitmap, index, hasIndex)
		if result.Status == status.StatusUnknown {
			return result
		}
		fromProof = true
	case rec != nil:
		// cached status as is
	case covered:
		result.Status = status.StatusActive
		return result
	default:
		return result
	}

	// A clear bit only lifts a revocation it is at least as recent as. A proof
	// leaf is committed to by the same root, so the bit always wins there.
	if covered && result.Status == status.StatusRevoked &&
		(fromProof || !bitmap.GeneratedAt.Before(rec.FetchedAt)) {
		result.Status = status.StatusActive
	}
	result.Status = result.EffectiveStatus(now)
	return result
}

// proofStatus verifies proof against the bitmap root and reads the status the
// leaf commits to. Any inconsistency yields unknown.
func proofStatus(credentialID string, proof *status.MerkleProof, bitmap *status.Bitmap, index uint64, hasIndex bool) status.Status {
	if bitmap == nil || len(bitmap.MerkleRoot) == 0 {
		return status.StatusUnknown
	}
	if hasIndex && proof.LeafIndex != index {
		return status.StatusUnknown
	}
	if !proof.Verify(bitmap.MerkleRoot) {
		return status.StatusUnknown
	}
	for _, s := range []status.Status{status.StatusActive, status.StatusRevoked, status.StatusSuspended, status.StatusExpired} {
		if bytes.Equal(proof.LeafHash, status.LeafHash(credentialID, s)) {
			return s
		}
	}
	return status.StatusUnknown
}
