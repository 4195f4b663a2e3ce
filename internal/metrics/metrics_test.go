package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()

	r.AnalyzerCall("google", "gemini", true, time.Second)
	r.AnalyzerCall("google", "gemini", false, time.Second)
	r.DeliveryAttempt("photo", 1, errors.New("x"))
	r.DeliveryAttempt("photo", 2, nil)
	r.DeliveryResult("photo", 2, nil)
	r.Signal("AAPL", "BUY")
	r.Cycle("AAPL", "delivered")
	r.Sweep(nil, 3*time.Second)
	r.QuotaUsed("google", 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.analyzer.WithLabelValues("google", "gemini", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.analyzer.WithLabelValues("google", "gemini", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("photo", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("photo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.signals.WithLabelValues("AAPL", "BUY")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.quotaUsed.WithLabelValues("google")))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Sweep(errors.New("x"), time.Second)
	r.AnalyzerCall("google", "m", true, time.Second)
	r.DeliveryResult("text", 1, nil)
	assert.Nil(t, r.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.Signal("MSFT", "SELL")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chartsignal_signals_total{direction="SELL",symbol="MSFT"} 1`)
}
