package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine metrics.
var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redmatch_batches_total",
			Help: "Batches finished, by terminal status.",
		},
		[]string{"status"},
	)

	groupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redmatch_groups_total",
			Help: "Groups processed, by outcome.",
		},
		[]string{"outcome"},
	)

	negativesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redmatch_negatives_total",
			Help: "Negative invoices processed, by result status.",
		},
		[]string{"status"},
	)

	matchedAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redmatch_matched_amount_cents_total",
		Help: "Total allocated amount in cents.",
	})

	fragmentsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redmatch_fragments_created_total",
		Help: "Blue lines left with a small positive remaining after allocation.",
	})

	staleRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redmatch_stale_retries_total",
		Help: "Group restarts caused by concurrently decremented balances.",
	})

	refetchRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redmatch_refetch_rounds_total",
		Help: "Follow-up candidate fetches beyond the first window.",
	})

	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redmatch_phase_duration_seconds",
			Help:    "Per-group phase latencies.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"}, // fetch | allocate | commit
	)

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "redmatch_batch_duration_seconds",
		Help:    "Whole-batch execution latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all collectors in the default registry.
func Init() {
	prometheus.MustRegister(
		batchesTotal, groupsTotal, negativesTotal,
		matchedAmount, fragmentsCreated, staleRetries, refetchRounds,
		phaseDuration, batchDuration,
		httpInFlight, httpRequestsTotal, httpRequestDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func BatchFinished(status string, seconds float64) {
	batchesTotal.WithLabelValues(status).Inc()
	batchDuration.Observe(seconds)
}

func GroupFinished(outcome string) {
	groupsTotal.WithLabelValues(outcome).Inc()
}

func NegativeFinished(status string) {
	negativesTotal.WithLabelValues(status).Inc()
}

func AddMatchedAmount(cents int64) {
	matchedAmount.Add(float64(cents))
}

func AddFragments(n int) {
	fragmentsCreated.Add(float64(n))
}

func StaleRetry() { staleRetries.Inc() }

func RefetchRound() { refetchRounds.Inc() }

func ObservePhase(phase string, seconds float64) {
	phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
