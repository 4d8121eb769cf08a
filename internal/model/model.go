package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of one STK push attempt.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusCompleted PaymentStatus = "COMPLETED"
	StatusFailed    PaymentStatus = "FAILED"
	// StatusPartiallyPaid is reserved for an STK push settled below its amount.
	// The provider only confirms an STK push for the full amount, so nothing
	// assigns it today; C2B shortages hold the order (OrderOnHold) instead.
	StatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
)

var validTransitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:       {StatusCompleted, StatusFailed, StatusPartiallyPaid},
	StatusPartiallyPaid: {StatusCompleted, StatusFailed},
	// terminal
	StatusCompleted: {},
	StatusFailed:    {},
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to PaymentStatus) bool {
	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PendingPayment is one outstanding STK push, keyed by the provider's MerchantRequestID.
type PendingPayment struct {
	MerchantRequestID string          `json:"merchantRequestId"`
	CheckoutRequestID string          `json:"checkoutRequestId,omitempty"`
	OrderID           string          `json:"orderId"`
	Phone             string          `json:"phone"`
	Amount            decimal.Decimal `json:"amount"`
	Status            PaymentStatus   `json:"status"`
	TransactionID     *string         `json:"transactionId,omitempty"`
	ResultCode        *string         `json:"resultCode,omitempty"`
	ResultDesc        *string         `json:"resultDesc,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// HasTransaction reports whether the payment already settled with transactionID.
func (p *PendingPayment) HasTransaction(transactionID string) bool {
	return p.TransactionID != nil && *p.TransactionID == transactionID
}

// OrderStatus mirrors the storefront's order states.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderOnHold     OrderStatus = "on-hold"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderRefunded   OrderStatus = "refunded"
)

type Order struct {
	ID            string          `json:"id"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	Status        OrderStatus     `json:"status"`
	TransactionID *string         `json:"transactionId,omitempty"`
	PaymentPhone  *string         `json:"paymentPhone,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (o *Order) Paid() bool {
	return o.TransactionID != nil && *o.TransactionID != ""
}

type OrderNote struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"orderId"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"createdAt"`
}

// C2BOutcome classifies a customer-initiated transfer against the order total.
type C2BOutcome string

const (
	C2BExact    C2BOutcome = "EXACT"
	C2BShortage C2BOutcome = "SHORTAGE"
	C2BExcess   C2BOutcome = "EXCESS"
	// C2BAdditional is a transfer against an order another transaction already paid.
	C2BAdditional C2BOutcome = "ADDITIONAL"
)

type C2BTransaction struct {
	TransID   string          `json:"transId"`
	OrderID   string          `json:"orderId"`
	Amount    decimal.Decimal `json:"amount"`
	Phone     string          `json:"phone"`
	Outcome   C2BOutcome      `json:"outcome"`
	CreatedAt time.Time       `json:"createdAt"`
}

const ReversalRequested = "REQUESTED"

type Reversal struct {
	ID             uuid.UUID       `json:"id"`
	TransactionID  string          `json:"transactionId"`
	OrderID        string          `json:"orderId"`
	Amount         decimal.Decimal `json:"amount"`
	ConversationID string          `json:"conversationId"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
}
