package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"nodelink/codec"
	"nodelink/message"
)

// LoggingMiddleware logs every call at debug level and failures at warn.
func LoggingMiddleware(log *zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*codec.Frame, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				log.Warn().Stringer("node", req.Node).Str("module", req.Module).Str("name", req.Name).
					Stringer("tag", req.Tag).Dur("duration", duration).Err(err).Msg("remote call failed")
				return resp, err
			}
			log.Debug().Stringer("node", req.Node).Str("module", req.Module).Str("name", req.Name).
				Stringer("tag", req.Tag).Dur("duration", duration).Msg("remote call")
			return resp, nil
		}
	}
}
