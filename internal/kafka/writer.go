package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"mpesa-reconciler/internal/config"
	"mpesa-reconciler/internal/event"
	"mpesa-reconciler/internal/message"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 100
)

var (
	sinkMarshalErrorCounter = metrics.GetOrCreateCounter(`kafka_writer_total{result="marshal_error",type="payment_event"}`)
	sinkWriteErrorCounter   = metrics.GetOrCreateCounter(`kafka_writer_total{result="write_error",type="payment_event"}`)
	sinkSuccessCounter      = metrics.GetOrCreateCounter(`kafka_writer_total{result="success",type="payment_event"}`)
)

func NewWriter(kafkaURL, topic string, cfg config.KafkaWriter) *kafka.Writer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchTimeout := cfg.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(kafkaURL, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// EventSink forwards payment events to a topic, keyed by order id so that all
// events of one order land on the same partition.
type EventSink struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewEventSink(writer MessageWriter, logger *slog.Logger) *EventSink {
	return &EventSink{writer: writer, logger: logger}
}

// Subscribe registers the sink for every payment event kind.
func (s *EventSink) Subscribe(bus *event.Bus) {
	bus.Subscribe(message.PaymentCompleted, s.Handle)
	bus.Subscribe(message.PaymentFailed, s.Handle)
}

func (s *EventSink) Handle(ctx context.Context, e message.PaymentEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		sinkMarshalErrorCounter.Inc()
		return errors.Wrap(err, "marshal payment event")
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Kind)},
		},
	})
	if err != nil {
		sinkWriteErrorCounter.Inc()
		return errors.Wrapf(err, "write %s event", e.Kind)
	}

	sinkSuccessCounter.Inc()
	s.logger.DebugContext(ctx, "Payment event written", "event", e.Kind, "eventId", e.ID.String())
	return nil
}
