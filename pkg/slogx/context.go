package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithCallID attaches the correlator-assigned call id to the context logger so
// every log line for one outbound call carries it.
func WithCallID(ctx context.Context, callID uint64) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("call_id", callID))
}
