package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"nodelink/codec"
	"nodelink/message"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
//
// With wait set the call blocks for a token (bounded by ctx); otherwise calls
// over the limit fail with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int, wait bool) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*codec.Frame, error) {
			if wait {
				if err := limiter.Wait(ctx); err != nil {
					return nil, err
				}
			} else if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
