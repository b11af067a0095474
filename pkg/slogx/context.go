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

// WithRunID tags the contextual logger with a scheduler run id so every
// per-account log line can be traced back to the batch that produced it.
func WithRunID(ctx context.Context, runID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("run_id", runID))
}
