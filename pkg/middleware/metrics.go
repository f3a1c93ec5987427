// Package middleware holds the searcher's HTTP middleware: request IDs,
// Prometheus instrumentation, per-client rate limiting and request timeouts.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
)

// slowRequest is the latency above which a request is logged. Lookups are
// expected to take well under a millisecond; anything this slow points at a
// cold page cache or a redis stall.
const slowRequest = 250 * time.Millisecond

// Metrics records request count, latency and in-flight requests, labelled by
// chi route pattern so article titles do not become label values.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			start := time.Now()
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			route := routePattern(r)
			status := rec.statusCode()
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			if elapsed >= slowRequest {
				slog.Warn("slow request",
					"request_id", GetRequestID(r.Context()),
					"method", r.Method,
					"route", route,
					"status", status,
					"bytes", rec.bytes,
					"duration_ms", elapsed.Milliseconds(),
				)
			}
		})
	}
}

// recorder captures the status code and body size written by a handler.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *recorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *recorder) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
