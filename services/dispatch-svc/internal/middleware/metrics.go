package middleware

import (
	"net/http"
	"strconv"
	"time"

	"dispatch/pkg/metrics"
)

// Metrics records an HTTPRequestsTotal/HTTPRequestDuration sample for every
// request, keyed by route pattern rather than the raw path so cardinality
// stays bounded.
func Metrics(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if routePattern != nil {
				if p := routePattern(r); p != "" {
					route = p
				}
			}
			metrics.Get().RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}
