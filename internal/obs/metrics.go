package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_ledger_operations_total",
			Help: "Ledger mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	ledgerAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_ledger_amount_total",
			Help: "Credits moved by committed ledger entries, by entry kind.",
		},
		[]string{"kind"},
	)

	accessTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_access_tokens_total",
			Help: "Delegated access token lifecycle events.",
		},
		[]string{"event"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credits_ready",
		Help: "1 when the ledger store answered the last readiness probe.",
	})
)

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			ledgerOps, ledgerAmount, accessTokens, ready)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLedgerOp counts one ledger mutation attempt.
func RecordLedgerOp(op, outcome string) {
	ledgerOps.WithLabelValues(op, outcome).Inc()
}

// RecordLedgerAmount adds amount to the per-kind credit flow.
func RecordLedgerAmount(kind string, amount int64) {
	ledgerAmount.WithLabelValues(kind).Add(float64(amount))
}

// RecordTokenEvent counts issued, revoked and rejected access tokens.
func RecordTokenEvent(event string) {
	accessTokens.WithLabelValues(event).Inc()
}

// SetReady publishes the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "user" && parts[2] == "tokens" {
		return "/api/user/tokens/:id"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
