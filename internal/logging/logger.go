package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/grafana/loki-client-go/loki"
	slogloki "github.com/samber/slog-loki/v3"
	"go.opentelemetry.io/otel/trace"

	"mpesa-reconciler/internal/config"
	"mpesa-reconciler/internal/logcontext"
)

const serviceName = "mpesa-reconciler"

// Redacted replaces the value of any credential-bearing attribute.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":           {},
	"securitycredential": {},
	"consumerkey":        {},
	"consumersecret":     {},
	"consumer-key":       {},
	"consumer-secret":    {},
	"consumer_key":       {},
	"consumer_secret":    {},
	"authorization":      {},
	"access_token":       {},
	"passkey":            {},
	"initiatorpassword":  {},
	"secret":             {},
}

// IsSensitive reports whether a field of that name must never reach a log sink.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// ContextHandler adds correlation attributes and the active span to every record.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(logcontext.Attrs(ctx)...)

	if s := trace.SpanContextFromContext(ctx); s.IsValid() {
		r.AddAttrs(
			slog.String("traceId", s.TraceID().String()),
			slog.String("spanId", s.SpanID().String()),
		)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func GetLogger(cfg config.Logs) *slog.Logger {
	if cfg.URL == "" {
		return localLogger(parseLevel(cfg.Level))
	}

	return remoteLogger(cfg.URL, parseLevel(cfg.Level))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if IsSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

func localLogger(level slog.Level) *slog.Logger {
	return slog.New(ContextHandler{Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	})}).With("service", serviceName)
}

func remoteLogger(url string, level slog.Level) *slog.Logger {
	lokiConfig, err := loki.NewDefaultConfig(url)
	if err != nil {
		return localLogger(level)
	}
	client, err := loki.New(lokiConfig)
	if err != nil {
		return localLogger(level)
	}

	return slog.New(slogloki.Option{
		Level:       level,
		Client:      client,
		ReplaceAttr: redact,
		AttrFromContext: []func(ctx context.Context) []slog.Attr{
			logcontext.Attrs,
		},
	}.NewLokiHandler()).With("service", serviceName)
}
