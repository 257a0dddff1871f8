// Package metrics provides Prometheus collectors for the verification
// pipeline. Collectors are registered on a caller supplied registerer so
// several verifier instances (and tests) can coexist in one process.
//
// Every recording method is safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "credverify"

// Metrics contains all verifier collectors.
type Metrics struct {
	// Verification engine
	VerificationsTotal      *prometheus.CounterVec   // by outcome stage
	VerificationDuration    *prometheus.HistogramVec // by verification method
	SignatureChecksTotal    *prometheus.CounterVec   // by algorithm and result
	RevocationLookupsTotal  *prometheus.CounterVec   // by source and status
	RevocationOnlineLatency prometheus.Histogram

	// Nonce guard
	NonceChecksTotal   *prometheus.CounterVec // by outcome
	NonceSweptTotal    prometheus.Counter
	NonceSweepDuration prometheus.Histogram

	// Credential cache
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal *prometheus.CounterVec // by reason: ttl, lru
	CacheEntries        prometheus.Gauge
	BitmapGeneratedAt   prometheus.Gauge

	// Sync engine
	SyncRunsTotal      *prometheus.CounterVec // by result
	SyncDuration       prometheus.Histogram
	SyncItemErrors     prometheus.Counter
	SyncSkippedMetered prometheus.Counter

	// Batch coordinator
	BatchItemsTotal    *prometheus.CounterVec // by result: success, failure, timeout
	BatchDuration      prometheus.Histogram
	BatchInFlightItems prometheus.Gauge
}

// New creates a Metrics instance registered on reg. A nil reg registers on
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		VerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of presentation verifications by terminal stage",
		}, []string{"stage"}),
		VerificationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Duration of presentation verifications by verification method",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method"}),
		SignatureChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_checks_total",
			Help:      "Total number of signature checks by algorithm and result",
		}, []string{"algorithm", "result"}),
		RevocationLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_lookups_total",
			Help:      "Total number of credential status resolutions by source and status",
		}, []string{"source", "status"}),
		RevocationOnlineLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "revocation_online_latency_seconds",
			Help:      "Latency of live registry status queries",
			Buckets:   prometheus.DefBuckets,
		}),

		NonceChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_checks_total",
			Help:      "Total number of nonce checks by outcome",
		}, []string{"outcome"}),
		NonceSweptTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_swept_total",
			Help:      "Total number of nonce records purged by the sweeper",
		}),
		NonceSweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "nonce_sweep_duration_seconds",
			Help:      "Duration of nonce sweeps",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1},
		}),

		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of credential cache hits",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of credential cache misses, including expired entries",
		}),
		CacheEvictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of credential cache evictions by reason",
		}, []string{"reason"}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of credential status entries in cache",
		}),
		BitmapGeneratedAt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "revocation_bitmap_generated_timestamp_seconds",
			Help:      "Generation time of the cached revocation bitmap",
		}),

		SyncRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Total number of cache sync runs by result",
		}, []string{"result"}),
		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of cache sync runs",
			Buckets:   prometheus.DefBuckets,
		}),
		SyncItemErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_item_errors_total",
			Help:      "Total number of per-credential refresh failures during sync",
		}),
		SyncSkippedMetered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_skipped_metered_total",
			Help:      "Total number of auto-sync cycles skipped on metered networks",
		}),

		BatchItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of batch verification items by result",
		}, []string{"result"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch verifications",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchInFlightItems: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_in_flight_items",
			Help:      "Number of batch items currently being verified",
		}),
	}
}

// RecordVerification records a finished verification.
func (m *Metrics) RecordVerification(stage, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(stage).Inc()
	m.VerificationDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordSignatureCheck records one signature verification.
func (m *Metrics) RecordSignatureCheck(algorithm string, valid bool) {
	if m == nil {
		return
	}
	m.SignatureChecksTotal.WithLabelValues(algorithm, boolLabel(valid)).Inc()
}

// RecordRevocationLookup records a status resolution.
func (m *Metrics) RecordRevocationLookup(source, status string) {
	if m == nil {
		return
	}
	m.RevocationLookupsTotal.WithLabelValues(source, status).Inc()
}

// ObserveOnlineLatency records the latency of a live registry query.
func (m *Metrics) ObserveOnlineLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.RevocationOnlineLatency.Observe(d.Seconds())
}

// RecordNonceCheck records a nonce guard outcome.
func (m *Metrics) RecordNonceCheck(outcome string) {
	if m == nil {
		return
	}
	m.NonceChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordNonceSweep records a sweeper run.
func (m *Metrics) RecordNonceSweep(removed int, d time.Duration) {
	if m == nil {
		return
	}
	m.NonceSweptTotal.Add(float64(removed))
	m.NonceSweepDuration.Observe(d.Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheEvictions records evictions for a reason.
func (m *Metrics) RecordCacheEvictions(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// SetCacheEntries updates the cache size gauge.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// SetBitmapGeneratedAt updates the bitmap age gauge.
func (m *Metrics) SetBitmapGeneratedAt(t time.Time) {
	if m == nil {
		return
	}
	m.BitmapGeneratedAt.Set(float64(t.Unix()))
}

// RecordSync records a sync run.
func (m *Metrics) RecordSync(ok bool, itemErrors int, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "partial"
	}
	m.SyncRunsTotal.WithLabelValues(result).Inc()
	m.SyncItemErrors.Add(float64(itemErrors))
	m.SyncDuration.Observe(d.Seconds())
}

// RecordSyncSkippedMetered records an auto-sync cycle skipped on a metered network.
func (m *Metrics) RecordSyncSkippedMetered() {
	if m == nil {
		return
	}
	m.SyncSkippedMetered.Inc()
}

// RecordBatchItem records one finished batch item.
func (m *Metrics) RecordBatchItem(result string) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(result).Inc()
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
}

// AddBatchInFlight adjusts the in-flight gauge.
func (m *Metrics) AddBatchInFlight(delta float64) {
	if m == nil {
		return
	}
	m.BatchInFlightItems.Add(delta)
}

func boolLabel(b bool) string {
	if b {
		return "valid"
	}
	return "invalid"
}
