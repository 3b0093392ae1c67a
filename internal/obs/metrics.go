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

	credentialVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_verifications_total",
			Help: "Credential verification attempts by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)

	cipherOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payload_cipher_ops_total",
			Help: "Payload encrypt/decrypt operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	authorizationDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authorization_decisions_total",
			Help: "Authorization decisions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "serial_queue_pending",
		Help: "Work units waiting or executing across all serial lanes.",
	})

	queueUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serial_queue_units_total",
			Help: "Completed serial work units by status.",
		},
		[]string{"status"},
	)

	queueUnitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "serial_queue_unit_duration_seconds",
		Help:    "Execution time of serial work units.",
		Buckets: prometheus.DefBuckets,
	})

	initOnce sync.Once
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			credentialVerifications, cipherOps, authorizationDecisions,
			queuePending, queueUnits, queueUnitDuration,
			buildInfo, keyRingSize, keyRingActive,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveVerification counts a credential verification.
func ObserveVerification(purpose, outcome string) {
	credentialVerifications.WithLabelValues(purpose, outcome).Inc()
}

// ObserveCipher counts a payload cipher operation.
func ObserveCipher(op, outcome string) {
	cipherOps.WithLabelValues(op, outcome).Inc()
}

// ObserveDecision counts an authorization decision.
func ObserveDecision(action, outcome string) {
	authorizationDecisions.WithLabelValues(action, outcome).Inc()
}

// QueueEnqueued and QueueSettled track the serial queue depth and unit outcomes.
func QueueEnqueued() { queuePending.Inc() }

func QueueSettled(d time.Duration, err error) {
	queuePending.Dec()
	status := "ok"
	if err != nil {
		status = "failed"
	}
	queueUnits.WithLabelValues(status).Inc()
	queueUnitDuration.Observe(d.Seconds())
}

// Instrument measures in-flight requests, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses entity ids so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && (parts[1] == "profiles" || parts[1] == "teams") {
		parts[2] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
