package middleware

import (
	"context"
	"net/http"
	"time"

	"svcbus/failure"
)

type outcome struct {
	result any
	err    error
}

// TimeOutMiddleware bounds an invocation. The handler keeps its context, which is
// cancelled at the deadline; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, inv)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, &failure.Error{
					Kind:    failure.KindInternal,
					Status:  http.StatusGatewayTimeout,
					Message: inv.Service + "." + inv.Action + ": request timed out",
					Err:     ctx.Err(),
				}
			}
		}
	}
}
