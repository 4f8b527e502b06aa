// Package logctx carries the forwarder's zerolog logger on a context.
//
// The handler tags the logger as it descends from a Lambda invocation to one
// queue message, the input that message resolved to, the S3 object it names
// and finally a single record in that object. Anything below, from the line
// reader to the shippers, logs through FromContext and inherits those fields:
//
//	ctx = logctx.WithMessage(ctx, msg.MessageId, i)
//	ctx = logctx.WithInput(ctx, in.ID)
//	ctx = logctx.WithObject(ctx, bucket, key)
//	logctx.FromContext(ctx).Debug().Int64("offset", off).Msg("object resumed")
package logctx

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

var (
	fallback     zerolog.Logger
	fallbackOnce sync.Once
)

func initFallback() {
	fallbackOnce.Do(func() {
		fallback = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
}

// DefaultLogger is used when a context carries no logger, for example in code
// reached outside an invocation. It writes JSON to stderr.
func DefaultLogger() zerolog.Logger {
	initFallback()
	return fallback
}

// SetDefaultLogger installs the configured process logger as the fallback.
// Call it from main before the first invocation.
func SetDefaultLogger(l zerolog.Logger) {
	initFallback()
	fallback = l
}

// WithLogger attaches logger to ctx. A nil ctx is treated as Background.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to ctx, or DefaultLogger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return DefaultLogger()
}

func with(ctx context.Context, fields func(zerolog.Context) zerolog.Context) context.Context {
	return WithLogger(ctx, fields(FromContext(ctx).With()).Logger())
}

// WithMessage tags the queue message being handled and its position in the
// invocation batch.
func WithMessage(ctx context.Context, messageID string, index int) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("message_id", messageID).Int("notification_index", index)
	})
}

// WithInput tags the configured input id a message or config entry belongs to.
func WithInput(ctx context.Context, id string) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("input", id)
	})
}

// WithObject tags the bucket and key of the object being read.
func WithObject(ctx context.Context, bucket, key string) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("bucket", bucket).Str("key", key)
	})
}

// WithRecord tags the S3 event record index within a notification.
func WithRecord(ctx context.Context, index int) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Int("record_index", index)
	})
}
