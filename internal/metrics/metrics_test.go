package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_RecordRequest(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	r.RecordRequest("svc", "GET", 200, 25*time.Millisecond)
	r.RecordRequest("svc", "GET", 200, 30*time.Millisecond)
	r.RecordRequest("svc", "POST", 502, time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		r.requestsTotal.WithLabelValues("svc", "GET", "200"),
	))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		r.requestsTotal.WithLabelValues("svc", "POST", "502"),
	))
}

func TestRegistry_BreakerSeries(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	r.SetBreakerState("svc", 1)
	r.RecordBreakerFailure("svc", "timeout")
	r.RecordBreakerFailure("svc", "timeout")
	r.RecordBreakerSuccess("svc")
	r.RecordBreakerRejected("svc")

	assert.Equal(t, float64(1), testutil.ToFloat64(r.breakerState.WithLabelValues("svc")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.breakerFailures.WithLabelValues("svc", "timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.breakerSuccesses.WithLabelValues("svc")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.breakerRejected.WithLabelValues("svc")))
}

func TestRegistry_SnapshotText(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	r.RecordRequest("svc", "GET", 200, 25*time.Millisecond)
	r.SetBreakerState("svc", 0)

	text, err := r.SnapshotText()
	require.NoError(t, err)

	assert.Contains(t, text, `api_requests_total{method="GET",route="svc",status_code="200"} 1`)
	assert.Contains(t, text, "api_response_time_seconds_bucket")
	assert.Contains(t, text, `circuit_breaker_state{service_id="svc"} 0`)
}

func TestRegistry_HandlerServesExposition(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.RecordRequest("svc", "GET", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "api_requests_total"))
}

func TestRegistry_HistogramBuckets(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	r.RecordRequest("svc", "GET", 200, 75*time.Millisecond)

	text, err := r.SnapshotText()
	require.NoError(t, err)

	// 75ms falls past the 0.05 bucket and into 0.1.
	assert.Contains(t, text, `api_response_time_seconds_bucket{method="GET",route="svc",le="0.05"} 0`)
	assert.Contains(t, text, `api_response_time_seconds_bucket{method="GET",route="svc",le="0.1"} 1`)
}
