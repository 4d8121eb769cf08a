package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"mpesa-reconciler/internal/logcontext"
	"mpesa-reconciler/internal/message"
)

// Handler reacts to a payment event. Its error is logged and never reaches the publisher.
type Handler func(ctx context.Context, e message.PaymentEvent) error

// Bus dispatches payment events to subscribers, synchronously and in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[message.Kind][]Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[message.Kind][]Handler),
		logger:   logger,
	}
}

func (b *Bus) Subscribe(kind message.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

func (b *Bus) Publish(ctx context.Context, e message.PaymentEvent) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Kind]...)
	b.mu.RUnlock()

	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", e.ID.String()), slog.String("orderId", e.OrderID))

	b.logger.InfoContext(ctx, "Publishing payment event", "event", e.Kind, "subscribers", len(handlers))

	for i, h := range handlers {
		if err := b.invoke(ctx, h, e); err != nil {
			b.logger.ErrorContext(ctx, "Event handler failed", "event", e.Kind, "handler", i, "error", err)
			handlerCounter(e.Kind, "error").Inc()
			continue
		}
		handlerCounter(e.Kind, "success").Inc()
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, e message.PaymentEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

func handlerCounter(kind message.Kind, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`event_handler_total{event="` + string(kind) + `",result="` + result + `"}`)
}
