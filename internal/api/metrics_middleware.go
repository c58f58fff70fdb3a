package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carpie/sid/internal/metrics"
)

// metricsMiddleware wraps an http.Handler to record request metrics.
type metricsMiddleware struct {
	next http.Handler
}

// newMetricsMiddleware wraps a handler with Prometheus metrics instrumentation.
func newMetricsMiddleware(next http.Handler) http.Handler {
	return &metricsMiddleware{next: next}
}

func (m *metricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	m.next.ServeHTTP(sw, r)

	duration := time.Since(start).Seconds()
	path := normalizePath(r.URL.Path)

	metrics.APIRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
	metrics.APIRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
}

// statusWriter captures the HTTP status code.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// normalizePath reduces cardinality by collapsing MAC path segments.
func normalizePath(path string) string {
	const requests = "/api/v1/requests/"
	switch {
	case strings.HasPrefix(path, requests) && strings.HasSuffix(path, "/approve"):
		return requests + "{mac}/approve"
	case strings.HasPrefix(path, requests) && strings.HasSuffix(path, "/deny"):
		return requests + "{mac}/deny"
	case strings.HasPrefix(path, "/api/v1/macvendor/"):
		return "/api/v1/macvendor/{mac}"
	case strings.HasPrefix(path, "/api/v1/") || path == "/metrics":
		return path
	default:
		return "other"
	}
}
