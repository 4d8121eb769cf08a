package logcontext

import (
	"context"
	"log/slog"
)

type ctxKey string

// Fields is the context key under which correlation attributes are stored.
const Fields ctxKey = "slog_fields"

// AppendCtx returns a copy of parent carrying attr in addition to any attributes already attached.
func AppendCtx(parent context.Context, attr ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if v, ok := parent.Value(Fields).([]slog.Attr); ok {
		merged := make([]slog.Attr, 0, len(v)+len(attr))
		merged = append(merged, v...)
		merged = append(merged, attr...)
		return context.WithValue(parent, Fields, merged)
	}

	return context.WithValue(parent, Fields, append([]slog.Attr(nil), attr...))
}

// Attrs returns the correlation attributes stored on ctx.
func Attrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(Fields).([]slog.Attr)
	return v
}
