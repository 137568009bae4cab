package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveLookup("ok", "lowest_cost", true, 2*time.Millisecond)
	m.ObserveLookup("not_found", "", false, 0)
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.Invalidated("all", 3)
	m.HealthScore("gw-1", 85)
	m.StatusChanged("degraded")
	m.FailoverDecision("advance", 34)
	m.Notification("webhook", errors.New("refused"))
	m.StoreFallback()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.invalidations.WithLabelValues("all")))
	assert.Equal(t, 85.0, testutil.ToFloat64(m.healthScore.WithLabelValues("gw-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("webhook", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeFallbacks))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLookup("ok", "priority", false, time.Millisecond)
		m.CacheHit()
		m.Invalidated("prefix", 1)
		m.FailoverDecision("stop", 17)
		m.Notification("redis", nil)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.CacheHit()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `lcr_cache_requests_total{outcome="hit"} 1`)
}
