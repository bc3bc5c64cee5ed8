// Package middleware wraps remote call invokers, onion style: the first
// middleware passed to Chain is the outermost layer.
package middleware

import (
	"context"

	"nodelink/codec"
	"nodelink/message"
)

// HandlerFunc performs one remote access. The returned frame is positioned after
// the status byte; a non-zero status is reported as *message.RemoteError.
type HandlerFunc func(ctx context.Context, req *message.Request) (*codec.Frame, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
