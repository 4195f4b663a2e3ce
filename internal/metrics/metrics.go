package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chartsignal"

// Recorder exposes the bot's Prometheus metrics. A nil *Recorder is a no-op.
type Recorder struct {
	registry *prometheus.Registry

	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	cycles        *prometheus.CounterVec
	signals       *prometheus.CounterVec
	analyzer      *prometheus.CounterVec
	analyzerTime  *prometheus.HistogramVec
	deliveries    *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	quotaUsed     *prometheus.GaugeVec
}

// New creates a recorder on its own registry, including Go runtime collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed polling sweeps by outcome",
		}, []string{"outcome"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one sweep over all symbols",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbol_cycles_total",
			Help:      "Per-symbol poll cycles by the stage they ended at",
		}, []string{"symbol", "stage"}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Parsed signals by direction",
		}, []string{"symbol", "direction"}),
		analyzer: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_calls_total",
			Help:      "Analyzer calls by provider, model and result",
		}, []string{"provider", "model", "result"}),
		analyzerTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_duration_seconds",
			Help:      "Analyzer call latency",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		}, []string{"provider"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery operations by name and result",
		}, []string{"name", "result"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Individual delivery attempts by name and result",
		}, []string{"name", "result"}),
		quotaUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_used",
			Help:      "Analyzer calls counted in the current billing window",
		}, []string{"provider"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Sweep records a finished sweep.
func (r *Recorder) Sweep(err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.sweeps.WithLabelValues(result(err)).Inc()
	r.sweepDuration.Observe(elapsed.Seconds())
}

// Cycle records where a symbol's cycle ended.
func (r *Recorder) Cycle(symbol, stage string) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(symbol, stage).Inc()
}

// Signal records a parsed signal.
func (r *Recorder) Signal(symbol, direction string) {
	if r == nil {
		return
	}
	r.signals.WithLabelValues(symbol, direction).Inc()
}

// AnalyzerCall records one analyzer call.
func (r *Recorder) AnalyzerCall(provider, model string, success bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	res := "success"
	if !success {
		res = "failure"
	}
	r.analyzer.WithLabelValues(provider, model, res).Inc()
	r.analyzerTime.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// DeliveryAttempt records one delivery attempt.
func (r *Recorder) DeliveryAttempt(name string, _ int, err error) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(name, result(err)).Inc()
}

// DeliveryResult records the final outcome of a delivery.
func (r *Recorder) DeliveryResult(name string, _ int, err error) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(name, result(err)).Inc()
}

// QuotaUsed publishes the provider's usage in the current window.
func (r *Recorder) QuotaUsed(provider string, used int) {
	if r == nil {
		return
	}
	r.quotaUsed.WithLabelValues(provider).Set(float64(used))
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
