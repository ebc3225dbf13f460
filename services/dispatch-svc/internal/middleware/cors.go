package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"dispatch/pkg/config"
)

// wildcardHeaders is what a configured "*" expands to: browsers refuse
// to send Authorization against a literal "*" Allow-Headers.
var wildcardHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Language",
	"Content-Type",
	"Authorization",
	"Origin",
	"X-Requested-With",
}

// CORS handles cross-origin requests for the dispatch API: origin
// allow-list (or wildcard), preflight short-circuit, optional
// credentials.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowedHeaders := strings.Join(expandHeaders(cfg.AllowedHeaders), ", ")
	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := matchOrigin(cfg.AllowedOrigins, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin returns the Allow-Origin value for a request origin, or
// "" when the origin is not allowed.
func matchOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if o == origin && origin != "" {
			return origin
		}
	}
	return ""
}

// expandHeaders resolves a wildcard entry and guarantees Authorization
// is present.
func expandHeaders(headers []string) []string {
	for _, h := range headers {
		if h == "*" {
			return wildcardHeaders
		}
	}

	for _, h := range headers {
		if strings.EqualFold(h, "Authorization") {
			return headers
		}
	}
	return append(append([]string{}, headers...), "Authorization")
}
