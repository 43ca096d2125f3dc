package middleware

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"svcbus/failure"
)

// ErrRateLimited is returned when the token bucket is empty. It is an internal failure
// sent with status 429.
var ErrRateLimited = &failure.Error{
	Kind:    failure.KindInternal,
	Status:  http.StatusTooManyRequests,
	Message: "rate limit exceeded",
}

// RateLimitMiddleware creates a token bucket limiter shared by every action of a host.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, inv)
		}
	}
}
