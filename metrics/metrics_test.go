package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordVerification("verified", "online", time.Millisecond)
		m.RecordSignatureCheck("EdDSA", true)
		m.RecordRevocationLookup("cache", "active")
		m.ObserveOnlineLatency(time.Millisecond)
		m.RecordNonceCheck("accepted")
		m.RecordNonceSweep(3, time.Millisecond)
		m.RecordCacheLookup(true)
		m.RecordCacheEvictions("lru", 2)
		m.SetCacheEntries(4)
		m.SetBitmapGeneratedAt(time.Now())
		m.RecordSync(true, 0, time.Second)
		m.RecordSyncSkippedMetered()
		m.RecordBatchItem("success")
		m.ObserveBatch(time.Second)
		m.AddBatchInFlight(1)
	})
}

func TestInstancesUseSeparateRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.RecordNonceCheck("replayed")
	a.RecordNonceCheck("replayed")
	b.RecordNonceCheck("replayed")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.NonceChecksTotal.WithLabelValues("replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.NonceChecksTotal.WithLabelValues("replayed")))
}

func TestCacheCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.RecordCacheEvictions("ttl", 0)
	m.RecordCacheEvictions("lru", 3)
	m.SetCacheEntries(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEvictionsTotal.WithLabelValues("lru")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CacheEntries))
}

func TestSyncCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSync(true, 0, time.Second)
	m.RecordSync(false, 2, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRunsTotal.WithLabelValues("partial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncItemErrors))
}
