package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dunamismax/genflow/internal/ratelimit"
)

// RateLimiter gates job mutations per caller.
type RateLimiter = ratelimit.Limiter

const anonymousCaller = "anonymous"

// withRateLimit charges each caller one token per mutating job request. Every
// route has its own bucket, so a burst of retries does not starve submissions.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := limitedRoute(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		caller := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if caller == "" {
			caller = anonymousCaller
		}
		subject := rateLimitSubject(caller, r.Method, route)

		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Msg("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(r.Method + " " + route).Inc()
		s.logger.Debug().Str("subject", subject).Int("retry_after", retryAfter).Msg("rate limited")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// limitedRoute resolves the chi pattern the request will be dispatched to.
// Middleware runs before routing, so the pattern is found with a scratch
// context instead of the request's own. Reads and unmatched paths are never
// limited.
func limitedRoute(r *http.Request) (string, bool) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return "", false
	}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.Routes == nil {
		return "", false
	}

	scratch := chi.NewRouteContext()
	if !rctx.Routes.Match(scratch, r.Method, r.URL.Path) {
		return "", false
	}
	pattern := strings.TrimSuffix(scratch.RoutePattern(), "/")
	if !strings.HasPrefix(pattern, "/v1/jobs") {
		return "", false
	}
	return pattern, true
}

func rateLimitSubject(caller, method, route string) string {
	return caller + ":" + method + ":" + route
}
