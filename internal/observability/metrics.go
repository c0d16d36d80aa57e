package observability

import (
	"net/http"
	"sync"
	"time"

	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	hubState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tcphub",
			Subsystem: "hub",
			Name:      "state",
			Help:      "Connection state per hub (0 disconnected, 1 connecting, 2 connected).",
		},
		[]string{"hub"},
	)
	hubTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tcphub",
			Subsystem: "hub",
			Name:      "transitions_total",
			Help:      "Connection state transitions per hub.",
		},
		[]string{"hub", "to"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tcphub",
			Subsystem: "request",
			Name:      "duration_seconds",
			Help:      "Synchronous request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"hub", "target", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(hubState, hubTransitions, requestDuration)
	})
}

func RecordHubState(hub, to string, state int) {
	RegisterMetrics()
	hubState.WithLabelValues(hub).Set(float64(state))
	hubTransitions.WithLabelValues(hub, to).Inc()
}

func RecordRequest(hub, target, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(hub, target, outcome).Observe(duration.Seconds())
}

// NewHubSink returns a go-metrics sink that exports hub telemetry through reg. A nil reg uses
// the default registerer.
func NewHubSink(reg prometheus.Registerer) (*gmprom.PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return gmprom.NewPrometheusSinkFrom(gmprom.PrometheusOpts{
		Expiration: 10 * time.Minute,
		Registerer: reg,
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
