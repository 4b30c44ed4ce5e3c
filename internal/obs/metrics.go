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

// HTTP metrics shared by every endpoint.
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

// Token lifecycle metrics.
var (
	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Tokens issued, labelled by token type (access|refresh).",
		},
		[]string{"type"},
	)

	tokenRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_rejections_total",
			Help: "Token validation rejections, labelled by reason.",
		},
		[]string{"reason"},
	)

	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rotations_total",
			Help: "Token version rotations, labelled by scope (user|global).",
		},
		[]string{"scope"},
	)

	sessionsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_revoked_total",
		Help: "Refresh token sessions revoked through the session API.",
	})

	cacheFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_blacklist_cache_failures_total",
		Help: "Blacklist cache operations that failed and were swallowed.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			tokensIssuedTotal, tokenRejectionsTotal, rotationsTotal,
			sessionsRevokedTotal, cacheFailuresTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued records an issued token of the given type.
func TokenIssued(tokenType string) {
	tokensIssuedTotal.WithLabelValues(tokenType).Inc()
}

// TokenRejected records a validation rejection.
func TokenRejected(reason string) {
	tokenRejectionsTotal.WithLabelValues(reason).Inc()
}

// RotationPerformed records a completed version rotation.
func RotationPerformed(scope string) {
	rotationsTotal.WithLabelValues(scope).Inc()
}

// SessionsRevoked records n revoked sessions.
func SessionsRevoked(n int64) {
	if n > 0 {
		sessionsRevokedTotal.Add(float64(n))
	}
}

// CacheFailure records a swallowed blacklist cache failure.
func CacheFailure() {
	cacheFailuresTotal.Inc()
}

// Instrument wraps a handler with request counting and latency measurement.
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

// CanonicalPath collapses per-resource path segments so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(p, "/auth/sessions/"); ok {
		if rest == "others/revoke" || rest == "all/revoke" {
			return p
		}
		if rest != "" && !strings.Contains(rest, "/") {
			return "/auth/sessions/:id"
		}
	}
	if rest, ok := strings.CutPrefix(p, "/token-rotation/users/"); ok {
		if rest != "" && !strings.Contains(rest, "/") {
			return "/token-rotation/users/:id"
		}
	}
	return p
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
