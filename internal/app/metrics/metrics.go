package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	raffleEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "entries_total",
			Help:      "Entry attempts by outcome.",
		},
		[]string{"result"},
	)

	rafflePool = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "pool_wei",
			Help:      "Current pool balance in wei (float approximation).",
		},
	)

	raffleParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "participants",
			Help:      "Entries in the current round.",
		},
	)

	raffleState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_layer",
			Subsystem: "raffle",
			Name:      "state",
			Help:      "Round state: 0 open, 1 settling.",
		},
	)

	upkeepChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "upkeep",
			Name:      "checks_total",
			Help:      "Readiness evaluations by result.",
		},
		[]string{"ready"},
	)

	upkeepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "upkeep",
			Name:      "perform_total",
			Help:      "performUpkeep invocations by outcome.",
		},
		[]string{"result"},
	)

	fulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "randomness",
			Name:      "fulfillments_total",
			Help:      "Randomness callbacks by outcome.",
		},
		[]string{"result"},
	)

	fulfillmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle_layer",
			Subsystem: "randomness",
			Name:      "fulfillment_latency_seconds",
			Help:      "Time between a randomness request and its accepted callback.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	keeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_layer",
			Subsystem: "keeper",
			Name:      "runs_total",
			Help:      "Keeper poll cycles by outcome.",
		},
		[]string{"outcome"},
	)

	keeperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle_layer",
			Subsystem: "keeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of keeper poll cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		raffleEntries,
		rafflePool,
		raffleParticipants,
		raffleState,
		upkeepChecks,
		upkeepRuns,
		fulfillments,
		fulfillmentLatency,
		keeperRuns,
		keeperDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEntry counts an entry attempt. result is "accepted" or an error class.
func RecordEntry(result string) {
	if result == "" {
		result = "unknown"
	}
	raffleEntries.WithLabelValues(result).Inc()
}

// SetRound publishes the gauges describing the current round.
func SetRound(state uint8, participants int, poolWei float64) {
	raffleState.Set(float64(state))
	raffleParticipants.Set(float64(participants))
	rafflePool.Set(poolWei)
}

// RecordUpkeepCheck counts a readiness evaluation.
func RecordUpkeepCheck(ready bool) {
	upkeepChecks.WithLabelValues(strconv.FormatBool(ready)).Inc()
}

// RecordPerformUpkeep counts a trigger attempt.
func RecordPerformUpkeep(result string) {
	upkeepRuns.WithLabelValues(result).Inc()
}

// RecordFulfillment counts a randomness callback; latency is observed only
// for accepted callbacks.
func RecordFulfillment(result string, latency time.Duration) {
	fulfillments.WithLabelValues(result).Inc()
	if result == "accepted" && latency > 0 {
		fulfillmentLatency.Observe(latency.Seconds())
	}
}

// RecordKeeperRun records one keeper poll cycle.
func RecordKeeperRun(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	keeperRuns.WithLabelValues(outcome).Inc()
	keeperDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "raffle" || len(parts) == 1 {
		return "/" + parts[0]
	}
	if parts[1] == "participants" {
		return "/raffle/participants/:index"
	}
	return "/raffle/" + parts[1]
}
