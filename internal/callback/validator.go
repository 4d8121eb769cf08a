package callback

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"mpesa-reconciler/internal/db"
	"mpesa-reconciler/internal/model"
	"mpesa-reconciler/internal/payload"
)

const (
	ValidationAcceptAll  = "accept-all"
	ValidationKnownOrder = "known-order"
)

// Validator decides whether the provider may accept a C2B transfer before confirming it.
type Validator interface {
	Validate(ctx context.Context, n payload.C2BNotification) payload.ValidationAck
}

// AcceptAll accepts every transfer.
type AcceptAll struct{}

func (AcceptAll) Validate(context.Context, payload.C2BNotification) payload.ValidationAck {
	return payload.ValidationAck{ResultCode: payload.ValidationAccepted, ResultDesc: "Accepted"}
}

type OrderFinder interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
}

// KnownOrderValidator rejects transfers whose bill reference names no order.
// Lookup errors fail open; the confirmation path still reconciles the transfer.
type KnownOrderValidator struct {
	orders OrderFinder
	logger *slog.Logger
}

func NewKnownOrderValidator(orders OrderFinder, logger *slog.Logger) *KnownOrderValidator {
	return &KnownOrderValidator{orders: orders, logger: logger}
}

func (v *KnownOrderValidator) Validate(ctx context.Context, n payload.C2BNotification) payload.ValidationAck {
	if n.BillRefNumber == "" {
		return invalidAccount()
	}

	_, err := v.orders.GetOrder(ctx, n.BillRefNumber)
	if errors.Is(err, db.ErrNotFound) {
		return invalidAccount()
	}
	if err != nil {
		v.logger.ErrorContext(ctx, "Error looking up order for C2B validation", "billRef", n.BillRefNumber, "error", err)
	}

	return AcceptAll{}.Validate(ctx, n)
}

func invalidAccount() payload.ValidationAck {
	return payload.ValidationAck{ResultCode: payload.ValidationInvalidAccount, ResultDesc: "Invalid Account Number"}
}

// NewValidator picks the policy named by mode.
func NewValidator(mode string, orders OrderFinder, logger *slog.Logger) Validator {
	if mode == ValidationKnownOrder {
		return NewKnownOrderValidator(orders, logger)
	}
	return AcceptAll{}
}
