package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"mpesa-reconciler/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAlreadySettled means the compare-and-swap found the record outside PENDING,
	// or the transaction id is already recorded.
	ErrAlreadySettled = errors.New("payment already settled")
)

// Applied reports what a settling write did to the order.
type Applied int

const (
	// AppliedToOrder means the payment paid the order or changed its status.
	AppliedToOrder Applied = iota + 1
	// AppliedExtra means another transaction had already paid the order. The
	// payment is recorded and ExtraNote is written; the order is left as it was.
	AppliedExtra
)

// Completion settles a pending STK payment and marks its order paid.
type Completion struct {
	MerchantRequestID string
	OrderID           string
	TransactionID     string
	Phone             string
	Amount            decimal.Decimal
	OrderStatus       model.OrderStatus
	Note              string
	ExtraNote         string
}

type Failure struct {
	MerchantRequestID string
	OrderID           string
	ResultCode        string
	ResultDesc        string
	OrderStatus       model.OrderStatus
	Note              string
}

// C2BSettlement records a customer-initiated transfer. MarkPaid assigns the
// transaction id to the order; otherwise only the status changes.
type C2BSettlement struct {
	Transaction model.C2BTransaction
	OrderStatus model.OrderStatus
	MarkPaid    bool
	Note        string
	ExtraNote   string
}

// Store is the persisted order and payment state.
type Store interface {
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CreatePendingPayment(ctx context.Context, p *model.PendingPayment, note string) error
	GetPendingPayment(ctx context.Context, merchantRequestID string) (*model.PendingPayment, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PendingPayment, error)
	CompletePayment(ctx context.Context, c Completion) (Applied, error)
	FailPayment(ctx context.Context, f Failure) error
	RecordC2B(ctx context.Context, s C2BSettlement) (Applied, error)
	// FlagForReview stops status polling of a PENDING payment and writes note.
	// A later callback can still settle it.
	FlagForReview(ctx context.Context, merchantRequestID, note string) error
	CreateReversal(ctx context.Context, r *model.Reversal, note string) error
	AddNote(ctx context.Context, orderID, note string) error
	Notes(ctx context.Context, orderID string) ([]model.OrderNote, error)
}
