package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FetchDone("summary", OutcomeSuccess)
		m.FetchRetried("summary")
		m.PushEvent(ChannelStream, "telemetry")
		m.PushDropped(ChannelSocket, "parse")
		m.Reconnect(ChannelSocket)
		m.Rollback()
		m.SetCacheEntries(3)
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.FetchDone("summary", OutcomeSuccess)
	m.FetchDone("summary", OutcomeSuccess)
	m.FetchDone("readings", OutcomeError)
	m.Rollback()
	m.SetCacheEntries(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queryFetches.WithLabelValues("summary", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queryFetches.WithLabelValues("readings", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.cacheEntries))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.PushEvent(ChannelStream, "telemetry")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fleetwatch_push_events_total{channel="stream",event="telemetry"} 1`)
}
