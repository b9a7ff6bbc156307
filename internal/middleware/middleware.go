// Package middleware holds the HTTP filters shared by the plain and TLS
// listener surfaces: the bearer-token gate and the global rate limiter.
// gRPC and the raw relays are not covered by either filter.
package middleware

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// Auth admits only requests whose Authorization header equals token
// verbatim — no scheme stripping, no trimming. An empty token disables the
// gate entirely.
func Auth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != token {
			slog.Debug("request rejected: bad token", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewLimiter builds the process-global token bucket: perSec permits per
// second with a bucket capacity of burst. A burst below 1 would reject
// every request, so it is raised to perSec.
func NewLimiter(perSec, burst int) *rate.Limiter {
	if burst < 1 {
		burst = perSec
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// RateLimit rejects requests exceeding l with 503 and Retry-After: 0
// rather than queuing them. A nil limiter is a pass-through.
func RateLimit(l *rate.Limiter, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			slog.Debug("request rejected: rate limit", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Chain applies the standard filter order: auth first, then rate limiting.
func Chain(token string, l *rate.Limiter, next http.Handler) http.Handler {
	return Auth(token, RateLimit(l, next))
}
