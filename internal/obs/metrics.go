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

	authEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_auth_events_total",
			Help: "Authentication events by operation and outcome.",
		},
		[]string{"event", "outcome"},
	)

	refreshReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_refresh_reuse_detected_total",
		Help: "Refresh token replays that revoked a session.",
	})

	passwordHashSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "identity_password_hash_seconds",
		Help:    "Argon2id computation time in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	hashPoolWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "identity_hash_pool_waiting",
		Help: "Password hash requests waiting for or holding a worker.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "identity_ready",
		Help: "1 when the service dependencies are reachable.",
	})

	registerOnce sync.Once
)

// Init registers all collectors in the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authEvents, refreshReuse, passwordHashSeconds, hashPoolWaiting, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady publishes the latest readiness result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// AuthEvent counts one authentication event.
func AuthEvent(event, outcome string) {
	authEvents.WithLabelValues(event, outcome).Inc()
}

// RefreshReuseDetected counts a detected refresh token replay.
func RefreshReuseDetected() {
	refreshReuse.Inc()
}

// ObservePasswordHash records the duration of one Argon2id computation.
func ObservePasswordHash(d time.Duration) {
	passwordHashSeconds.Observe(d.Seconds())
}

// HashPoolWaiting adjusts the hash pool gauge by delta.
func HashPoolWaiting(delta float64) {
	hashPoolWaiting.Add(delta)
}

// Instrument records RPS, latency and in-flight requests per canonical path.
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

// collections whose following segment is an identifier.
var idCollections = map[string]struct{}{
	"tenants":     {},
	"roles":       {},
	"memberships": {},
	"sessions":    {},
}

// CanonicalPath replaces identifier segments with ":id" so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(segs); i++ {
		if _, ok := idCollections[segs[i-1]]; ok && segs[i] != "" {
			segs[i] = ":id"
			i++
		}
	}
	return "/" + strings.Join(segs, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
