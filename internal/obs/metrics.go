package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

// Governance metrics.
var (
	PermissionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_permission_checks_total",
			Help: "Permission resolver decisions by outcome.",
		},
		[]string{"level", "allowed"},
	)

	ApprovalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_approval_transitions_total",
			Help: "Approval request transitions by resulting status.",
		},
		[]string{"status"},
	)

	LedgerAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_ledger_appends_total",
		Help: "Entries appended to the audit ledger.",
	})

	LedgerVerifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_ledger_verify_failures_total",
		Help: "Ledger verifications that reported a broken chain.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		PermissionChecks, ApprovalTransitions, LedgerAppends, LedgerVerifyFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses per-resource path segments so metric labels stay
// low-cardinality. Only the id-bearing routes are rewritten.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "approvals":
			if len(parts) == 3 && parts[2] != "pending" {
				return "/v1/approvals/:id"
			}
			if len(parts) == 4 && (parts[3] == "approve" || parts[3] == "reject") {
				return "/v1/approvals/:id/" + parts[3]
			}
		case "users":
			if len(parts) == 4 && (parts[3] == "roles" || parts[3] == "permissions") {
				return "/v1/users/:id/" + parts[3]
			}
		}
	}
	return path
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
