package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"nodelink/channel"
	"nodelink/codec"
	"nodelink/message"
)

// Retryable reports whether a call failure may succeed when re-issued: the peer
// did not answer in time, or no correlation id was free.
func Retryable(err error) bool {
	return errors.Is(err, channel.ErrTimeout) || errors.Is(err, channel.ErrChannelBusy)
}

// RetryMiddleware re-issues retryable failures up to maxRetries times with
// exponential backoff starting at baseDelay.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zerolog.Logger) Middleware {
	return RetryIf(maxRetries, baseDelay, log, Retryable)
}

// RetryIf is RetryMiddleware with a caller supplied predicate.
func RetryIf(maxRetries int, baseDelay time.Duration, log *zerolog.Logger, retryable func(error) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*codec.Frame, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return resp, err
				}
				if log != nil {
					log.Info().Int("attempt", i+1).Stringer("node", req.Node).Str("module", req.Module).
						Str("name", req.Name).Err(err).Msg("retrying call")
				}

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
