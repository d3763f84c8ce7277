package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	apiContext "signet/internal/api/context"
	"signet/internal/pkg/errors"
	"signet/internal/pkg/ratelimit"
	"signet/internal/platform/auth"
	"signet/internal/platform/config"
)

const (
	LimitRead  = "api_read"
	LimitWrite = "api_write"
)

type RateLimiter struct {
	limiter *ratelimit.Limiter
	limits  map[string]int
	window  time.Duration
}

// NewRateLimiter applies per-minute limits keyed by the caller's user id, or by client IP before
// authentication.
func NewRateLimiter(limiter *ratelimit.Limiter, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiter: limiter,
		limits: map[string]int{
			LimitRead:  cfg.APIReadPerMinute,
			LimitWrite: cfg.APIWritePerMinute,
		},
		window: time.Minute,
	}
}

func (rl *RateLimiter) Limit(limitType string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			limit, ok := rl.limits[limitType]
			if !ok {
				limit = 100
			}

			var key string
			if claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims); ok && claims != nil {
				key = fmt.Sprintf("user:%s:%s", claims.UserID, limitType)
			} else {
				key = fmt.Sprintf("ip:%s:%s", ClientIP(r), limitType)
			}

			if !rl.limiter.Allow(key, limit, rl.window) {
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
				errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded", nil)
				return
			}

			next(w, r)
		}
	}
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
