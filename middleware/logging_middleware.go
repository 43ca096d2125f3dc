package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"svcbus/failure"
)

// LoggingMiddleware logs every invocation with its duration, and the classified status
// of failed ones.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			fields := []zap.Field{
				zap.String("service", inv.Service),
				zap.String("action", inv.Action),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				fe := failure.Classify(err)
				logger.Info("Invocation failed", append(fields, zap.Int("status", fe.Status), zap.Error(err))...)
				return result, err
			}
			logger.Debug("Invocation served", fields...)
			return result, nil
		}
	}
}
