// Package metrics exposes Prometheus collectors for the dispatcher.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	commandsTotal              *prometheus.CounterVec
	commandDurationSeconds     *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	jobTransitionsTotal        *prometheus.CounterVec
	throttleDelaySeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		commandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_commands_total",
				Help: "Remote commands executed, labeled by action and result.",
			},
			[]string{"action", "result"},
		)

		commandDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_command_duration_seconds",
				Help:    "Wall time of remote commands, labeled by action.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"action"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_active_workers",
				Help: "Number of workers currently running a remote command.",
			},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_job_transitions_total",
				Help: "Queue transitions performed, labeled by target state.",
			},
			[]string{"state"},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_throttle_delay_seconds",
				Help:    "Time workers waited on the per-host throttle.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCommand records one remote command outcome.
func ObserveCommand(action string, ok bool, duration time.Duration) {
	Init()
	result := ResultFailure
	if ok {
		result = ResultSuccess
	}
	commandsTotal.WithLabelValues(action, result).Inc()
	commandDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveJobTransition counts a job moving into state.
func ObserveJobTransition(state string) {
	Init()
	jobTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveThrottleDelay records how long a worker waited before its command.
func ObserveThrottleDelay(host string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
