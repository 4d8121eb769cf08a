package message

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	PaymentCompleted Kind = "payment.completed"
	PaymentFailed    Kind = "payment.failed"
)

// PaymentEvent is emitted after a reconciliation changes an order's payment state.
type PaymentEvent struct {
	ID         uuid.UUID         `json:"id"`
	Kind       Kind              `json:"event"`
	OrderID    string            `json:"orderId"`
	Data       map[string]string `json:"data"`
	OccurredAt time.Time         `json:"occurredAt"`
}

func NewPaymentEvent(kind Kind, orderID string, data map[string]string) PaymentEvent {
	return PaymentEvent{
		ID:         uuid.New(),
		Kind:       kind,
		OrderID:    orderID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}
