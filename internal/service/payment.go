package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"mpesa-reconciler/internal/currency"
	"mpesa-reconciler/internal/db"
	"mpesa-reconciler/internal/logcontext"
	"mpesa-reconciler/internal/model"
	"mpesa-reconciler/internal/mpesa"
)

var (
	ErrInvalidRequest   = errors.New("invalid payment request")
	ErrAlreadyPaid      = errors.New("order is already paid")
	ErrNotPaid          = errors.New("order has no settled transaction")
	ErrReversalDisabled = errors.New("reversals are disabled")
)

type Provider interface {
	InitiatePayment(ctx context.Context, req mpesa.InitiationRequest) (*mpesa.InitiationResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResult, error)
	ReverseTransaction(ctx context.Context, req mpesa.ReversalRequest) (*mpesa.ReversalResult, error)
}

type Converter interface {
	ConversionInfo(ctx context.Context, amount decimal.Decimal, from string) (*currency.Conversion, error)
	Settlement() string
}

type Store interface {
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CreatePendingPayment(ctx context.Context, p *model.PendingPayment, note string) error
	CreateReversal(ctx context.Context, r *model.Reversal, note string) error
	AddNote(ctx context.Context, orderID, note string) error
}

type InitiateRequest struct {
	OrderID     string
	Phone       string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// InitiateResult is returned for every provider answer. A non-nil Rejection is the
// provider refusing the push; it is not an error.
type InitiateResult struct {
	OrderID           string               `json:"orderId"`
	MerchantRequestID string               `json:"merchantRequestId,omitempty"`
	CheckoutRequestID string               `json:"checkoutRequestId,omitempty"`
	CustomerMessage   string               `json:"customerMessage,omitempty"`
	Charged           decimal.Decimal      `json:"charged"`
	Conversion        *currency.Conversion `json:"conversion,omitempty"`
	Rejection         *mpesa.Rejection     `json:"rejection,omitempty"`
}

type Options struct {
	CountryCode     string
	ReversalEnabled bool
}

type PaymentService struct {
	provider  Provider
	converter Converter
	store     Store
	opts      Options
	logger    *slog.Logger
}

func NewPaymentService(provider Provider, converter Converter, store Store, opts Options, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		provider:  provider,
		converter: converter,
		store:     store,
		opts:      opts,
		logger:    logger,
	}
}

// Initiate converts the order total to the settlement currency and sends an STK push.
// A rate failure aborts before anything is sent.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" || strings.TrimSpace(req.Phone) == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "orderId and phone are required")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("orderId", req.OrderID))

	existing, err := s.store.GetOrder(ctx, req.OrderID)
	switch {
	case err == nil && existing.Paid():
		return nil, ErrAlreadyPaid
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	conversion, err := s.converter.ConversionInfo(ctx, req.Amount, req.Currency)
	if err != nil {
		s.logger.WarnContext(ctx, "Payment aborted, amount could not be converted", "currency", req.Currency, "error", err)
		return nil, errors.Wrap(err, "convert amount")
	}

	// the provider only accepts whole units
	charged := conversion.SettlementAmount.Ceil()
	phone := mpesa.FormatPhone(req.Phone, s.opts.CountryCode)

	order := &model.Order{ID: req.OrderID, Total: charged, Currency: s.converter.Settlement()}
	if err := s.store.SaveOrder(ctx, order); err != nil {
		return nil, err
	}

	res, err := s.provider.InitiatePayment(ctx, mpesa.InitiationRequest{
		Phone:       phone,
		Amount:      charged,
		Reference:   req.OrderID,
		Description: req.Description,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "STK push failed", "kind", mpesa.KindOf(err).String(), "error", err)
		return nil, err
	}

	result := &InitiateResult{
		OrderID:           req.OrderID,
		MerchantRequestID: res.MerchantRequestID,
		CheckoutRequestID: res.CheckoutRequestID,
		CustomerMessage:   res.CustomerMessage,
		Charged:           charged,
		Rejection:         res.Rejection,
	}
	if conversion.WasConverted {
		result.Conversion = conversion
	}

	if !res.Accepted() {
		rejection := res.Rejection
		if rejection == nil {
			rejection = &mpesa.Rejection{ErrorCode: res.ResponseCode, ErrorMessage: res.ResponseDescription}
			result.Rejection = rejection
		}
		s.logger.WarnContext(ctx, "STK push rejected", "errorCode", rejection.ErrorCode, "errorMessage", rejection.ErrorMessage)
		note := fmt.Sprintf("M-Pesa STK push rejected. Code: %s, Message: %s", rejection.ErrorCode, rejection.ErrorMessage)
		if err := s.store.AddNote(ctx, req.OrderID, note); err != nil {
			s.logger.ErrorContext(ctx, "Error adding order note", "error", err)
		}
		return result, nil
	}

	note := fmt.Sprintf("M-Pesa STK push sent to %s. Amount: %s %s, MerchantRequestID: %s",
		phone, charged.StringFixed(0), order.Currency, res.MerchantRequestID)
	if conversion.WasConverted {
		note += fmt.Sprintf(". Converted from %s %s at rate %s",
			conversion.OriginalAmount.StringFixed(2), conversion.Currency, conversion.Rate.String())
	}

	err = s.store.CreatePendingPayment(ctx, &model.PendingPayment{
		MerchantRequestID: res.MerchantRequestID,
		CheckoutRequestID: res.CheckoutRequestID,
		OrderID:           req.OrderID,
		Phone:             phone,
		Amount:            charged,
	}, note)
	if err != nil {
		return nil, errors.Wrap(err, "record pending payment")
	}

	s.logger.InfoContext(ctx, "STK push accepted", "merchantRequestId", res.MerchantRequestID, "amount", charged.String())
	return result, nil
}

// Reverse asks the provider to reverse the transaction that paid orderID.
// A provider rejection is returned as data.
func (s *PaymentService) Reverse(ctx context.Context, orderID, remarks string) (*mpesa.ReversalResult, error) {
	if !s.opts.ReversalEnabled {
		return nil, ErrReversalDisabled
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("orderId", orderID))

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Paid() {
		return nil, ErrNotPaid
	}
	if remarks == "" {
		remarks = "Order " + orderID + " reversal"
	}

	res, err := s.provider.ReverseTransaction(ctx, mpesa.ReversalRequest{
		TransactionID: *order.TransactionID,
		Amount:        order.Total,
		Remarks:       remarks,
		Occasion:      orderID,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Reversal request failed", "kind", mpesa.KindOf(err).String(), "error", err)
		return nil, err
	}

	if res.Rejection != nil {
		s.logger.WarnContext(ctx, "Reversal rejected", "errorCode", res.Rejection.ErrorCode)
		note := fmt.Sprintf("M-Pesa reversal rejected. Code: %s, Message: %s", res.Rejection.ErrorCode, res.Rejection.ErrorMessage)
		if err := s.store.AddNote(ctx, orderID, note); err != nil {
			s.logger.ErrorContext(ctx, "Error adding order note", "error", err)
		}
		return res, nil
	}

	reversal := &model.Reversal{
		ID:             uuid.New(),
		TransactionID:  *order.TransactionID,
		OrderID:        orderID,
		Amount:         order.Total,
		ConversationID: res.ConversationID,
		Status:         model.ReversalRequested,
	}
	note := fmt.Sprintf("M-Pesa reversal requested for %s. ConversationID: %s", reversal.TransactionID, res.ConversationID)
	if err := s.store.CreateReversal(ctx, reversal, note); err != nil {
		return nil, errors.Wrap(err, "record reversal")
	}

	s.logger.InfoContext(ctx, "Reversal requested", "conversationId", res.ConversationID)
	return res, nil
}
