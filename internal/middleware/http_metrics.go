package middleware

import (
	"net/http"
	"time"
)

// HTTPMetrics records the count, latency and body sizes of each request under its
// Route. Health, readiness and scrape requests are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if untracked(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			// ContentLength is -1 for chunked bodies.
			in := max(r.ContentLength, 0)
			metrics.observeRequest(r.Method, Route(r.URL.Path), rw.statusCode, time.Since(start), in, int64(rw.size))
		})
	}
}
