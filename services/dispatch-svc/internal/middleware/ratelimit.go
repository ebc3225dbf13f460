package middleware

import (
	"net/http"
	"time"

	"dispatch/pkg/logger"
	"dispatch/pkg/ratelimit"
)

// KeyExtractor derives the rate-limit bucket key for a request.
type KeyExtractor func(r *http.Request) string

// DefaultKeyExtractor keys by the X-Forwarded-For header when present,
// falling back to the connection's RemoteAddr.
func DefaultKeyExtractor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + xff
	}
	return "ip:" + r.RemoteAddr
}

// RateLimit applies limiter to every request matching a route category,
// per the gateway's category+key bucketing. On limiter error it fails
// open, logging the failure rather than blocking traffic.
func RateLimit(limiter ratelimit.Limiter, category string, keyFn KeyExtractor) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = DefaultKeyExtractor
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fullKey := category + ":" + keyFn(r)

			allowed, err := limiter.Allow(r.Context(), fullKey)
			if err != nil {
				logger.Log.Warn("rate limit check failed", "error", err, "key", fullKey)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				info, infoErr := limiter.GetInfo(r.Context(), fullKey)
				resetAt := time.Now().Add(time.Minute)
				if infoErr == nil {
					resetAt = info.ResetAt
				}
				w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
				w.Header().Set("Retry-After", time.Until(resetAt).String())
				http.Error(w, `{"code":"rate_limited","message":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
