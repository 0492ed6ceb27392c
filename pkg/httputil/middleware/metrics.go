package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/odatadb/pkg/metrics"
)

// Metrics records request counts and latencies per route pattern. It reads the
// pattern the ServeMux sets on the request, so it must be the innermost
// middleware mounted on the root router.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.StatusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
