package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"mpesa-reconciler/internal/db"
	"mpesa-reconciler/internal/logcontext"
	"mpesa-reconciler/internal/message"
	"mpesa-reconciler/internal/model"
	"mpesa-reconciler/internal/mpesa"
	"mpesa-reconciler/internal/payload"
)

const (
	kindSTK   = "stk"
	kindC2B   = "c2b"
	kindQuery = "status_query"
)

// amountEpsilon absorbs rounding noise when comparing a C2B amount with the order total.
var amountEpsilon = decimal.New(1, -2)

type Store interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetPendingPayment(ctx context.Context, merchantRequestID string) (*model.PendingPayment, error)
	CompletePayment(ctx context.Context, c db.Completion) (db.Applied, error)
	FailPayment(ctx context.Context, f db.Failure) error
	RecordC2B(ctx context.Context, s db.C2BSettlement) (db.Applied, error)
}

type Publisher interface {
	Publish(ctx context.Context, e message.PaymentEvent)
}

// Processor turns provider webhooks into idempotent order and payment transitions.
// It holds no per-payment state; concurrent duplicates are resolved by the store.
type Processor struct {
	store      Store
	events     Publisher
	paidStatus model.OrderStatus
	logger     *slog.Logger
}

func NewProcessor(store Store, events Publisher, paidStatus model.OrderStatus, logger *slog.Logger) *Processor {
	if paidStatus == "" {
		paidStatus = model.OrderProcessing
	}
	return &Processor{
		store:      store,
		events:     events,
		paidStatus: paidStatus,
		logger:     logger,
	}
}

// stkResult is the part of an STK outcome the transition logic needs, whether it
// came from a callback or from a status query.
type stkResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	Metadata          map[string]string
}

// HandleReconciliation processes an STK result callback body.
func (p *Processor) HandleReconciliation(ctx context.Context, body []byte) Result {
	var envelope payload.STKEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		p.logger.WarnContext(ctx, "STK callback is not valid JSON", "error", err)
		return p.count(kindSTK, rejected(Malformed, "Invalid callback payload"))
	}

	cb := envelope.Callback()
	if cb == nil {
		p.logger.WarnContext(ctx, "STK callback has no stkCallback result")
		return p.count(kindSTK, rejected(Malformed, "Missing stkCallback result"))
	}

	r := stkResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode.String(),
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata != nil {
		r.Metadata = cb.CallbackMetadata.Flatten()
	}

	return p.count(kindSTK, p.reconcile(ctx, r))
}

// ApplyStatusResult feeds a definitive status query answer through the callback
// transition path. A success carries no receipt number, so it is left for the
// callback to settle; the status poller hands it to manual reconciliation once
// the payment is too old.
func (p *Processor) ApplyStatusResult(ctx context.Context, merchantRequestID string, status *mpesa.StatusResult) Outcome {
	if status == nil || !status.Final() {
		return p.count(kindQuery, accepted(Ignored)).Outcome
	}

	code := status.ResultCode.String()
	if code == "0" {
		p.logger.InfoContext(ctx, "Status query reports success, waiting for callback receipt",
			"merchantRequestId", merchantRequestID)
		return p.count(kindQuery, accepted(Ignored)).Outcome
	}

	r := stkResult{
		MerchantRequestID: merchantRequestID,
		CheckoutRequestID: status.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        status.ResultDesc,
	}
	return p.count(kindQuery, p.reconcile(ctx, r)).Outcome
}

func (p *Processor) reconcile(ctx context.Context, r stkResult) Result {
	ctx = logcontext.AppendCtx(ctx, slog.String("merchantRequestId", r.MerchantRequestID))

	pending, err := p.store.GetPendingPayment(ctx, r.MerchantRequestID)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.WarnContext(ctx, "No pending payment for STK result", "resultCode", r.ResultCode)
		return accepted(Unmatched)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error loading pending payment", "error", err)
		return rejected(Failed, "Temporary processing failure")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("orderId", pending.OrderID))

	if r.ResultCode == "0" && r.Metadata != nil {
		return p.complete(ctx, pending, r)
	}
	return p.fail(ctx, pending, r)
}

func (p *Processor) complete(ctx context.Context, pending *model.PendingPayment, r stkResult) Result {
	transactionID := r.Metadata[payload.ItemReceiptNumber]
	if transactionID == "" {
		p.logger.ErrorContext(ctx, "Successful STK result carries no receipt number, leaving payment untouched")
		return accepted(Ignored)
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("transactionId", transactionID))

	if pending.HasTransaction(transactionID) || pending.Status.Terminal() {
		p.logger.InfoContext(ctx, "Duplicate STK result ignored", "status", pending.Status)
		return accepted(Duplicate)
	}

	phone := r.Metadata[payload.ItemPhoneNumber]
	if phone == "" {
		phone = pending.Phone
	}
	amount := pending.Amount
	if a, err := decimal.NewFromString(r.Metadata[payload.ItemAmount]); err == nil {
		amount = a
	}

	applied, err := p.store.CompletePayment(ctx, db.Completion{
		MerchantRequestID: pending.MerchantRequestID,
		OrderID:           pending.OrderID,
		TransactionID:     transactionID,
		Phone:             phone,
		Amount:            amount,
		OrderStatus:       p.paidStatus,
		Note: fmt.Sprintf("M-Pesa payment received. Receipt: %s, Phone: %s, Amount: %s",
			transactionID, phone, amount.StringFixed(2)),
		ExtraNote: fmt.Sprintf("M-Pesa payment received on an order already paid. Receipt: %s, Phone: %s, Amount: %s. Refund required.",
			transactionID, phone, amount.StringFixed(2)),
	})
	if errors.Is(err, db.ErrAlreadySettled) {
		p.logger.InfoContext(ctx, "Payment settled concurrently, treating STK result as duplicate")
		return accepted(Duplicate)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error completing payment", "error", err)
		return rejected(Failed, "Temporary processing failure")
	}

	data := map[string]string{
		"transactionId":     transactionID,
		"phone":             phone,
		"amount":            amount.StringFixed(2),
		"merchantRequestId": pending.MerchantRequestID,
		"checkoutRequestId": pending.CheckoutRequestID,
		"transactionDate":   r.Metadata[payload.ItemTransactionDate],
	}
	if applied == db.AppliedExtra {
		p.logger.WarnContext(ctx, "Payment received on an order already paid, refund required", "amount", amount.StringFixed(2))
		data["additional"] = "true"
	} else {
		p.logger.InfoContext(ctx, "Payment completed", "amount", amount.StringFixed(2))
	}

	p.events.Publish(ctx, message.NewPaymentEvent(message.PaymentCompleted, pending.OrderID, data))

	return accepted(Processed)
}

func (p *Processor) fail(ctx context.Context, pending *model.PendingPayment, r stkResult) Result {
	if pending.Status.Terminal() {
		p.logger.InfoContext(ctx, "Failure result for settled payment ignored", "status", pending.Status, "resultCode", r.ResultCode)
		return accepted(Duplicate)
	}

	desc := ResultDescription(r.ResultCode)
	providerDesc := r.ResultDesc
	if providerDesc == "" {
		providerDesc = desc
	}

	err := p.store.FailPayment(ctx, db.Failure{
		MerchantRequestID: pending.MerchantRequestID,
		OrderID:           pending.OrderID,
		ResultCode:        r.ResultCode,
		ResultDesc:        providerDesc,
		OrderStatus:       model.OrderFailed,
		Note:              fmt.Sprintf("M-Pesa payment failed. Code: %s, Reason: %s", r.ResultCode, desc),
	})
	if errors.Is(err, db.ErrAlreadySettled) {
		p.logger.InfoContext(ctx, "Payment settled concurrently, treating failure result as duplicate")
		return accepted(Duplicate)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error failing payment", "error", err)
		return rejected(Failed, "Temporary processing failure")
	}

	p.logger.InfoContext(ctx, "Payment failed", "resultCode", r.ResultCode, "reason", desc)

	p.events.Publish(ctx, message.NewPaymentEvent(message.PaymentFailed, pending.OrderID, map[string]string{
		"resultCode":        r.ResultCode,
		"resultDesc":        desc,
		"merchantRequestId": pending.MerchantRequestID,
	}))

	return accepted(Processed)
}

// HandleC2BConfirmation reconciles a customer-initiated transfer against the order
// named by its bill reference.
func (p *Processor) HandleC2BConfirmation(ctx context.Context, body []byte) Result {
	var n payload.C2BNotification
	if err := json.Unmarshal(body, &n); err != nil {
		p.logger.WarnContext(ctx, "C2B confirmation is not valid JSON", "error", err)
		return p.count(kindC2B, rejected(Malformed, "Invalid confirmation payload"))
	}
	if n.TransID == "" || n.BillRefNumber == "" {
		p.logger.WarnContext(ctx, "C2B confirmation without TransID or BillRefNumber")
		return p.count(kindC2B, rejected(Malformed, "Missing TransID or BillRefNumber"))
	}

	ctx = logcontext.AppendCtx(ctx,
		slog.String("transactionId", n.TransID),
		slog.String("orderId", n.BillRefNumber))

	return p.count(kindC2B, p.confirm(ctx, n))
}

func (p *Processor) confirm(ctx context.Context, n payload.C2BNotification) Result {
	order, err := p.store.GetOrder(ctx, n.BillRefNumber)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.WarnContext(ctx, "No order for C2B bill reference", "amount", n.TransAmount.String())
		return accepted(Unmatched)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error loading order", "error", err)
		return rejected(Failed, "Temporary processing failure")
	}

	received := n.TransAmount
	diff := order.Total.Sub(received)

	settlement := db.C2BSettlement{
		Transaction: model.C2BTransaction{
			TransID: n.TransID,
			OrderID: order.ID,
			Amount:  received,
			Phone:   n.MSISDN,
		},
	}

	switch {
	case diff.Abs().LessThan(amountEpsilon):
		settlement.Transaction.Outcome = model.C2BExact
		settlement.OrderStatus = p.paidStatus
		settlement.MarkPaid = true
		settlement.Note = fmt.Sprintf("M-Pesa C2B payment received. Transaction: %s, Phone: %s",
			n.TransID, n.MSISDN)
	case received.LessThan(order.Total):
		settlement.Transaction.Outcome = model.C2BShortage
		settlement.OrderStatus = model.OrderOnHold
		settlement.Note = fmt.Sprintf("M-Pesa C2B underpayment. Expected: %s, Received: %s, Shortage: %s, Transaction: %s",
			order.Total.StringFixed(2), received.StringFixed(2), diff.StringFixed(2), n.TransID)
	default:
		settlement.Transaction.Outcome = model.C2BExcess
		settlement.OrderStatus = p.paidStatus
		settlement.MarkPaid = true
		settlement.Note = fmt.Sprintf("M-Pesa C2B overpayment. Expected: %s, Received: %s, Excess: %s, Transaction: %s",
			order.Total.StringFixed(2), received.StringFixed(2), diff.Neg().StringFixed(2), n.TransID)
	}

	settlement.ExtraNote = fmt.Sprintf("M-Pesa C2B payment received on an order already paid. Transaction: %s, Phone: %s, Amount: %s. Refund required.",
		n.TransID, n.MSISDN, received.StringFixed(2))

	applied, err := p.store.RecordC2B(ctx, settlement)
	if errors.Is(err, db.ErrAlreadySettled) {
		p.logger.InfoContext(ctx, "Duplicate C2B confirmation ignored")
		return accepted(Duplicate)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recording C2B transaction", "error", err)
		return rejected(Failed, "Temporary processing failure")
	}

	data := map[string]string{
		"transactionId": n.TransID,
		"phone":         n.MSISDN,
		"amount":        received.StringFixed(2),
		"channel":       "c2b",
	}

	if applied == db.AppliedExtra {
		p.logger.WarnContext(ctx, "C2B payment received on an order already paid, refund required",
			"received", received.StringFixed(2))
		data["additional"] = "true"
		p.events.Publish(ctx, message.NewPaymentEvent(message.PaymentCompleted, order.ID, data))
		return accepted(Processed)
	}

	outcome := settlement.Transaction.Outcome
	p.logger.InfoContext(ctx, "C2B transaction reconciled", "outcome", outcome,
		"expected", order.Total.StringFixed(2), "received", received.StringFixed(2))

	if settlement.MarkPaid {
		if outcome == model.C2BExcess {
			data["excess"] = diff.Neg().StringFixed(2)
		}
		p.events.Publish(ctx, message.NewPaymentEvent(message.PaymentCompleted, order.ID, data))
	}

	return accepted(Processed)
}

// HandleC2BValidation asks validator whether the provider may accept the transfer.
func (p *Processor) HandleC2BValidation(ctx context.Context, body []byte, validator Validator) payload.ValidationAck {
	var n payload.C2BNotification
	if err := json.Unmarshal(body, &n); err != nil {
		p.logger.WarnContext(ctx, "C2B validation is not valid JSON", "error", err)
	}

	ack := validator.Validate(ctx, n)
	p.logger.InfoContext(ctx, "C2B validation answered", "billRef", n.BillRefNumber, "resultCode", ack.ResultCode)
	return ack
}

func (p *Processor) count(kind string, r Result) Result {
	outcomeCounter(kind, r.Outcome).Inc()
	return r
}
