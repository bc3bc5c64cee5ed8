package middleware

import (
	"context"
	"errors"
	"time"

	"nodelink/channel"
	"nodelink/codec"
	"nodelink/message"
	"nodelink/metrics"
)

// MetricsMiddleware records call counts and latency by outcome.
func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*codec.Frame, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			metrics.RecordCall(req.Module, req.Name, Outcome(err), time.Since(start))
			return resp, err
		}
	}
}

// Outcome maps a call error to a short metrics label.
func Outcome(err error) string {
	var re *message.RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, channel.ErrTimeout):
		return "timeout"
	case errors.Is(err, channel.ErrChannelBusy):
		return "busy"
	case errors.Is(err, channel.ErrClosed):
		return "closed"
	case errors.As(err, &re):
		return "remote_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}
