package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/toolgate-io/toolgate/internal/domain/breaker"
	"github.com/toolgate-io/toolgate/internal/domain/token"
)

// Metrics holds the Prometheus metrics recorded at the transport layer.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ExecutionsTotal *prometheus.CounterVec
	PollAttempts    prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"route", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ExecutionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "executions_total",
				Help:      "Total tool executions by mode and outcome",
			},
			[]string{"mode", "status"},
		),
		PollAttempts: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "toolgate",
				Name:      "poll_attempts",
				Help:      "Status poll attempts per async execution",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
			},
		),
	}
}

// breakerStateValue maps a breaker state onto a gauge value.
func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// breakerCollector exports the state of every circuit breaker as a
// gauge: 0 closed, 1 half-open, 2 open.
type breakerCollector struct {
	registry *breaker.Registry
	desc     *prometheus.Desc
}

// RegisterBreakerStates registers the breaker state gauge for the
// given breaker registry.
func RegisterBreakerStates(reg prometheus.Registerer, breakers *breaker.Registry) {
	reg.MustRegister(&breakerCollector{
		registry: breakers,
		desc: prometheus.NewDesc(
			"toolgate_breaker_state",
			"Circuit breaker state (0 closed, 1 half-open, 2 open)",
			[]string{"source"}, nil,
		),
	})
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for source, state := range c.registry.States() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, breakerStateValue(state), source)
	}
}

// RegisterTokenCacheSize registers a gauge tracking the number of
// live entries in the token exchange cache.
func RegisterTokenCacheSize(reg prometheus.Registerer, cache *token.Cache) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "toolgate",
			Name:      "token_cache_entries",
			Help:      "Entries in the token exchange cache",
		},
		func() float64 { return float64(cache.Len()) },
	))
}
