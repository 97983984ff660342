package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestPrometheusCollectorCallLifecycle(t *testing.T) {
	c := NewPrometheusCollector()

	c.CallStarted("outgoing")
	c.CallStarted("incoming")
	c.CallEnded("ended", 90*time.Second)

	body := scrape(t, c)
	assert.Contains(t, body, `callkit_calls_started_total{direction="outgoing"} 1`)
	assert.Contains(t, body, `callkit_calls_started_total{direction="incoming"} 1`)
	assert.Contains(t, body, `callkit_calls_ended_total{status="ended"} 1`)
	assert.Contains(t, body, `callkit_active_calls 1`)
	assert.Contains(t, body, "callkit_call_duration_seconds")
}

func TestPrometheusCollectorQualityAndSignals(t *testing.T) {
	c := NewPrometheusCollector()

	c.QualityChanged("poor")
	c.SignalSent("offer")
	c.SignalSent("offer")
	c.SignalReceived("answer")

	body := scrape(t, c)
	assert.Contains(t, body, `callkit_quality_changes_total{level="poor"} 1`)
	assert.Contains(t, body, `callkit_signals_sent_total{type="offer"} 2`)
	assert.Contains(t, body, `callkit_signals_received_total{type="answer"} 1`)
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewPrometheusCollector()
	b := NewPrometheusCollector()

	a.CallStarted("outgoing")

	assert.Contains(t, scrape(t, a), `callkit_calls_started_total{direction="outgoing"} 1`)
	assert.NotContains(t, scrape(t, b), "callkit_calls_started_total")
}

func TestNopCollector(t *testing.T) {
	c := NewNopCollector()

	c.CallStarted("outgoing")
	c.CallEnded("ended", time.Minute)
	c.QualityChanged("good")
	c.SignalSent("offer")
	c.SignalReceived("answer")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
