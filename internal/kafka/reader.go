package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"mpesa-reconciler/internal/logcontext"
	"mpesa-reconciler/internal/payload"
	"mpesa-reconciler/internal/service"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var paymentRequestMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="payment_request"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="payment_request"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="payment_request"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="payment_request"}`),
}

func NewReader(kafkaURL, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(kafkaURL, ","),
		GroupID: groupID,
		Topic:   topic,
	})
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type Initiator interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error)
}

// ReadPaymentRequests consumes payment requests and starts an STK push for each.
// Malformed or failing requests are logged and skipped; the loop ends with ctx.
func ReadPaymentRequests(ctx context.Context, reader MessageReader, initiator Initiator, logger *slog.Logger) {
	readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var r payload.PaymentRequest
		if err := json.Unmarshal(value, &r); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Error unmarshalling message: %v", err))
			paymentRequestMetrics.UnmarshalErrorCounter.Inc()
			return err
		}

		res, err := initiator.Initiate(ctx, service.InitiateRequest{
			OrderID:     r.OrderID,
			Phone:       r.Phone,
			Amount:      r.Amount,
			Currency:    r.Currency,
			Description: r.Description,
		})
		if err != nil {
			return err
		}
		if res.Rejection != nil {
			logger.WarnContext(ctx, "Payment request rejected by provider", "orderId", r.OrderID, "errorCode", res.Rejection.ErrorCode)
		}
		return nil
	}, paymentRequestMetrics)
}

func readMessages(ctx context.Context, reader MessageReader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	for {
		logger.DebugContext(ctx, "Waiting for messages from Kafka...")
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "Context done, stopping kafka reader")
				return
			}
			logger.ErrorContext(ctx, fmt.Sprintf("Error reading message: %v", err))
			kafkaMetrics.ReadErrorCounter.Inc()
			continue
		}

		msgCtx := logcontext.AppendCtx(ctx, slog.String("requestId", uuid.New().String()))
		logger.InfoContext(msgCtx, fmt.Sprintf("Received message from topic %s", m.Topic), "partition", m.Partition, "offset", m.Offset)

		if err := process(msgCtx, m.Value); err != nil {
			logger.ErrorContext(msgCtx, fmt.Sprintf("Error processing message: %v", err))
			kafkaMetrics.ProcessErrorCounter.Inc()
			continue
		}
		kafkaMetrics.SuccessCounter.Inc()
	}
}
