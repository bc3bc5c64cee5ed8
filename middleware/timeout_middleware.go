package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nodelink/channel"
	"nodelink/codec"
	"nodelink/message"
)

type result struct {
	frame *codec.Frame
	err   error
}

// TimeOutMiddleware bounds the whole call, retries of inner layers included.
// Expiry is reported as channel.ErrTimeout so it is retryable further out.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*codec.Frame, error) {
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				f, err := next(tctx, req)
				done <- result{f, err}
			}()

			select {
			case r := <-done:
				if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
					return nil, fmt.Errorf("%w: %s after %v", channel.ErrTimeout, req, timeout)
				}
				return r.frame, r.err
			case <-tctx.Done():
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: %s after %v", channel.ErrTimeout, req, timeout)
			}
		}
	}
}
