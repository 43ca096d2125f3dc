// Package middleware wraps host dispatch in an onion of cross-cutting handlers.
//
// The chain runs after the host has resolved the action and decoded the arguments, so a
// middleware sees the typed invocation and the raw result or error of the handler.
package middleware

import (
	"context"
)

// Invocation describes one resolved call.
type Invocation struct {
	Service string // bus address of the service
	Action  string
	Args    []any
}

// HandlerFunc executes an invocation and returns the handler's result.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
