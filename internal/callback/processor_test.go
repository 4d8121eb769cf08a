package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpesa-reconciler/internal/db"
	"mpesa-reconciler/internal/message"
	"mpesa-reconciler/internal/model"
	"mpesa-reconciler/internal/mpesa"
)

type recorder struct {
	mu     sync.Mutex
	events []message.PaymentEvent
}

func (r *recorder) Publish(_ context.Context, e message.PaymentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []message.PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.PaymentEvent(nil), r.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store     *db.MemoryStore
	events    *recorder
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := db.NewMemoryStore()
	events := &recorder{}
	return &fixture{
		store:     store,
		events:    events,
		processor: NewProcessor(store, events, model.OrderProcessing, discardLogger()),
	}
}

func (f *fixture) seedPending(t *testing.T, orderID, merchantRequestID string, total int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.SaveOrder(ctx, &model.Order{ID: orderID, Total: decimal.NewFromInt(total), Currency: "KES"}))
	require.NoError(t, f.store.CreatePendingPayment(ctx, &model.PendingPayment{
		MerchantRequestID: merchantRequestID,
		CheckoutRequestID: "ws_CO_" + merchantRequestID,
		OrderID:           orderID,
		Phone:             "254712345678",
		Amount:            decimal.NewFromInt(total),
	}, ""))
}

func (f *fixture) notes(t *testing.T, orderID string) []model.OrderNote {
	t.Helper()
	notes, err := f.store.Notes(context.Background(), orderID)
	require.NoError(t, err)
	return notes
}

func stkSuccess(merchantRequestID, receipt string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":%q,
		"CheckoutRequestID":"ws_CO_%s",
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":1000.00},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20240308120000},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`, merchantRequestID, merchantRequestID, receipt))
}

func stkFailure(merchantRequestID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":%q,"CheckoutRequestID":"ws_CO_1","ResultCode":%d,"ResultDesc":%q}}}`,
		merchantRequestID, code, desc))
}

func TestHandleReconciliation_Success(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "1042", "29115-1", 1000)

	res := f.processor.HandleReconciliation(context.Background(), stkSuccess("29115-1", "NLJ7RT61SV"))

	assert.Equal(t, Processed, res.Outcome)
	assert.True(t, res.Ack.OK())

	order, err := f.store.GetOrder(context.Background(), "1042")
	require.NoError(t, err)
	assert.Equal(t, model.OrderProcessing, order.Status)
	require.NotNil(t, order.TransactionID)
	assert.Equal(t, "NLJ7RT61SV", *order.TransactionID)

	notes := f.notes(t, "1042")
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Note, "NLJ7RT61SV")

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, message.PaymentCompleted, events[0].Kind)
	assert.Equal(t, "1042", events[0].OrderID)
	assert.Equal(t, "NLJ7RT61SV", events[0].Data["transactionId"])
	assert.Equal(t, "254712345678", events[0].Data["phone"])
	assert.Equal(t, "1000.00", events[0].Data["amount"])
}

func TestHandleReconciliation_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "1042", "29115-1", 1000)
	body := stkSuccess("29115-1", "NLJ7RT61SV")

	first := f.processor.HandleReconciliation(context.Background(), body)
	second := f.processor.HandleReconciliation(context.Background(), body)

	assert.Equal(t, Processed, first.Outcome)
	assert.Equal(t, Duplicate, second.Outcome)
	assert.True(t, second.Ack.OK())
	assert.Len(t, f.notes(t, "1042"), 1)
	assert.Len(t, f.events.all(), 1)
}

func TestHandleReconciliation_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "1042", "29115-1", 1000)
	body := stkSuccess("29115-1", "NLJ7RT61SV")

	const deliveries = 10
	outcomes := make([]Outcome, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := f.processor.HandleReconciliation(context.Background(), body)
			assert.True(t, res.Ack.OK())
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		if o == Processed {
			processed++
		} else {
			assert.Equal(t, Duplicate, o)
		}
	}
	assert.Equal(t, 1, processed)
	assert.Len(t, f.notes(t, "1042"), 1)
	assert.Len(t, f.events.all(), 1)
}

func TestHandleReconciliation_Malformed(t *testing.T) {
	bodies := map[string]string{
		"not json":       `{"Body":`,
		"missing body":   `{"Result":{}}`,
		"missing result": `{"Body":{"somethingElse":{}}}`,
		"no request id":  `{"Body":{"stkCallback":{"ResultCode":0}}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.seedPending(t, "1042", "29115-1", 1000)

			res := f.processor.HandleReconciliation(context.Background(), []byte(body))

			assert.Equal(t, Malformed, res.Outcome)
			assert.False(t, res.Ack.OK())

			p, err := f.store.GetPendingPayment(context.Background(), "29115-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, p.Status)
			assert.Empty(t, f.notes(t, "1042"))
			assert.Empty(t, f.events.all())
		})
	}
}

func TestHandleReconciliation_Unmatched(t *testing.T) {
	f := newFixture(t)

	res := f.processor.HandleReconciliation(context.Background(), stkSuccess("unknown", "NLJ7RT61SV"))

	assert.Equal(t, Unmatched, res.Outcome)
	assert.True(t, res.Ack.OK())
	assert.Empty(t, f.events.all())
}

func TestHandleReconciliation_SuccessWithoutReceipt(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "1042", "29115-1", 1000)

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":1000}]}}}}`
	res := f.processor.HandleReconciliation(context.Background(), []byte(body))

	assert.Equal(t, Ignored, res.Outcome)
	assert.True(t, res.Ack.OK())

	p, err := f.store.GetPendingPayment(context.Background(), "29115-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, p.Status)

	order, err := f.store.GetOrder(context.Background(), "1042")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, order.Status)
}

func TestHandleReconciliation_Failure(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		wantCode string
		wantDesc string
	}{
		{
			name:     "cancelled by user",
			body:     stkFailure("29115-1", 1032, "Request cancelled by user"),
			wantCode: "1032",
			wantDesc: "Request cancelled by user",
		},
		{
			name:     "unknown code",
			body:     stkFailure("29115-1", 4242, "Something odd"),
			wantCode: "4242",
			wantDesc: "Unknown Error",
		},
		{
			name:     "success code without metadata",
			body:     stkFailure("29115-1", 0, "The service request is processed successfully."),
			wantCode: "0",
			wantDesc: "Success",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedPending(t, "1042", "29115-1", 1000)

			res := f.processor.HandleReconciliation(context.Background(), tt.body)
			assert.Equal(t, Processed, res.Outcome)
			assert.True(t, res.Ack.OK())

			p, err := f.store.GetPendingPayment(context.Background(), "29115-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, p.Status)

			order, err := f.store.GetOrder(context.Background(), "1042")
			require.NoError(t, err)
			assert.Equal(t, model.OrderFailed, order.Status)

			notes := f.notes(t, "1042")
			require.Len(t, notes, 1)
			assert.Contains(t, notes[0].Note, tt.wantCode)
			assert.Contains(t, notes[0].Note, tt.wantDesc)

			events := f.events.all()
			require.Len(t, events, 1)
			assert.Equal(t, message.PaymentFailed, events[0].Kind)
			assert.Equal(t, tt.wantCode, events[0].Data["resultCode"])
			assert.Equal(t, tt.wantDesc, events[0].Data["resultDesc"])
		})
	}
}

func TestHandleReconciliation_FailureAfterSuccessIsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "1042", "29115-1", 1000)

	f.processor.HandleReconciliation(context.Background(), stkSuccess("29115-1", "NLJ7RT61SV"))
	res := f.processor.HandleReconciliation(context.Background(), stkFailure("29115-1", 1037, "timeout"))

	assert.Equal(t, Duplicate, res.Outcome)
	order, err := f.store.GetOrder(context.Background(), "1042")
	require.NoError(t, err)
	assert.Equal(t, model.OrderProcessing, order.Status)
}

func c2bBody(transID, billRef, amount string) []byte {
	b, _ := json.Marshal(map[string]string{
		"TransactionType":   "Pay Bill",
		"TransID":           transID,
		"TransTime":         "20240308120000",
		"TransAmount":       amount,
		"BusinessShortCode": "600984",
		"BillRefNumber":     billRef,
		"MSISDN":            "254712345678",
		"FirstName":         "Jane",
	})
	return b
}

func TestHandleC2BConfirmation_Thresholds(t *testing.T) {
	tests := []struct {
		name       string
		received   string
		wantStatus model.OrderStatus
		wantPaid   bool
		wantNote   string
		wantEvent  bool
	}{
		{name: "exact", received: "1000.00", wantStatus: model.OrderProcessing, wantPaid: true, wantNote: "RKTQDM7W6S", wantEvent: true},
		{name: "shortage", received: "999.00", wantStatus: model.OrderOnHold, wantPaid: false, wantNote: "Shortage: 1.00"},
		{name: "within epsilon", received: "1000.005", wantStatus: model.OrderProcessing, wantPaid: true, wantNote: "C2B payment received", wantEvent: true},
		{name: "excess", received: "1500.00", wantStatus: model.OrderProcessing, wantPaid: true, wantNote: "Excess: 500.00", wantEvent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.store.SaveOrder(context.Background(), &model.Order{ID: "1042", Total: decimal.NewFromInt(1000), Currency: "KES"}))

			res := f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W6S", "1042", tt.received))
			assert.Equal(t, Processed, res.Outcome)
			assert.True(t, res.Ack.OK())

			order, err := f.store.GetOrder(context.Background(), "1042")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, order.Status)
			assert.Equal(t, tt.wantPaid, order.Paid())

			notes := f.notes(t, "1042")
			require.Len(t, notes, 1)
			assert.Contains(t, notes[0].Note, tt.wantNote)

			if tt.wantEvent {
				require.Len(t, f.events.all(), 1)
				assert.Equal(t, message.PaymentCompleted, f.events.all()[0].Kind)
			} else {
				assert.Empty(t, f.events.all())
			}
		})
	}
}

func TestHandleC2BConfirmation_ExcessEventData(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveOrder(context.Background(), &model.Order{ID: "1042", Total: decimal.NewFromInt(1000), Currency: "KES"}))

	f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W6S", "1042", "1500"))

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, "500.00", events[0].Data["excess"])
	assert.Equal(t, "c2b", events[0].Data["channel"])
}

func TestHandleC2BConfirmation_Duplicate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveOrder(context.Background(), &model.Order{ID: "1042", Total: decimal.NewFromInt(1000), Currency: "KES"}))
	body := c2bBody("RKTQDM7W6S", "1042", "1000")

	assert.Equal(t, Processed, f.processor.HandleC2BConfirmation(context.Background(), body).Outcome)
	res := f.processor.HandleC2BConfirmation(context.Background(), body)

	assert.Equal(t, Duplicate, res.Outcome)
	assert.True(t, res.Ack.OK())
	assert.Len(t, f.notes(t, "1042"), 1)
}

func TestHandleC2BConfirmation_SecondTransferOnPaidOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveOrder(context.Background(), &model.Order{ID: "1042", Total: decimal.NewFromInt(1000), Currency: "KES"}))

	assert.Equal(t, Processed, f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W6S", "1042", "1000")).Outcome)
	res := f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W7T", "1042", "1000"))

	assert.Equal(t, Processed, res.Outcome)
	assert.True(t, res.Ack.OK())

	order, err := f.store.GetOrder(context.Background(), "1042")
	require.NoError(t, err)
	require.NotNil(t, order.TransactionID)
	assert.Equal(t, "RKTQDM7W6S", *order.TransactionID)

	extra, ok := f.store.C2BTransaction("RKTQDM7W7T")
	require.True(t, ok)
	assert.Equal(t, model.C2BAdditional, extra.Outcome)

	notes := f.notes(t, "1042")
	require.Len(t, notes, 2)
	assert.Contains(t, notes[1].Note, "RKTQDM7W7T")
	assert.Contains(t, notes[1].Note, "Refund required")

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, "true", events[1].Data["additional"])
	assert.Equal(t, "RKTQDM7W7T", events[1].Data["transactionId"])

	// redelivery of the extra transfer stays a duplicate
	res = f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W7T", "1042", "1000"))
	assert.Equal(t, Duplicate, res.Outcome)
	assert.Len(t, f.notes(t, "1042"), 2)
}

func TestHandleC2BConfirmation_AfterSTKPayment(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "1042", "29115-1", 1000)

	require.Equal(t, Processed, f.processor.HandleReconciliation(context.Background(), stkSuccess("29115-1", "NLJ7RT61SV")).Outcome)
	res := f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W6S", "1042", "1000"))

	assert.Equal(t, Processed, res.Outcome)

	order, err := f.store.GetOrder(context.Background(), "1042")
	require.NoError(t, err)
	require.NotNil(t, order.TransactionID)
	assert.Equal(t, "NLJ7RT61SV", *order.TransactionID)

	_, ok := f.store.C2BTransaction("RKTQDM7W6S")
	assert.True(t, ok)

	notes := f.notes(t, "1042")
	require.Len(t, notes, 2)
	assert.Contains(t, notes[1].Note, "Refund required")
}

func TestHandleReconciliation_SuccessOnOrderPaidByC2B(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "1042", "29115-1", 1000)

	require.Equal(t, Processed, f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W6S", "1042", "1000")).Outcome)
	res := f.processor.HandleReconciliation(context.Background(), stkSuccess("29115-1", "NLJ7RT61SV"))

	assert.Equal(t, Processed, res.Outcome)
	assert.True(t, res.Ack.OK())

	pending, err := f.store.GetPendingPayment(context.Background(), "29115-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, pending.Status)
	assert.True(t, pending.HasTransaction("NLJ7RT61SV"))

	stale, err := f.store.ListStalePending(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	order, err := f.store.GetOrder(context.Background(), "1042")
	require.NoError(t, err)
	require.NotNil(t, order.TransactionID)
	assert.Equal(t, "RKTQDM7W6S", *order.TransactionID)

	notes := f.notes(t, "1042")
	require.Len(t, notes, 2)
	assert.Contains(t, notes[1].Note, "NLJ7RT61SV")
	assert.Contains(t, notes[1].Note, "Refund required")

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, "true", events[1].Data["additional"])

	// the same receipt again is a plain duplicate
	res = f.processor.HandleReconciliation(context.Background(), stkSuccess("29115-1", "NLJ7RT61SV"))
	assert.Equal(t, Duplicate, res.Outcome)
}

func TestHandleC2BConfirmation_UnmatchedAndMalformed(t *testing.T) {
	f := newFixture(t)

	res := f.processor.HandleC2BConfirmation(context.Background(), c2bBody("RKTQDM7W6S", "garbage", "10"))
	assert.Equal(t, Unmatched, res.Outcome)
	assert.True(t, res.Ack.OK())

	res = f.processor.HandleC2BConfirmation(context.Background(), []byte(`{"TransAmount":"10"}`))
	assert.Equal(t, Malformed, res.Outcome)
	assert.False(t, res.Ack.OK())

	res = f.processor.HandleC2BConfirmation(context.Background(), []byte(`nope`))
	assert.Equal(t, Malformed, res.Outcome)
}

func TestApplyStatusResult(t *testing.T) {
	tests := []struct {
		name       string
		status     *mpesa.StatusResult
		want       Outcome
		wantStatus model.PaymentStatus
	}{
		{
			name:       "still processing",
			status:     &mpesa.StatusResult{ResponseCode: "0"},
			want:       Ignored,
			wantStatus: model.StatusPending,
		},
		{
			name:       "success waits for callback",
			status:     &mpesa.StatusResult{ResponseCode: "0", ResultCode: "0", ResultDesc: "processed"},
			want:       Ignored,
			wantStatus: model.StatusPending,
		},
		{
			name:       "timeout fails payment",
			status:     &mpesa.StatusResult{ResponseCode: "0", ResultCode: "1037", ResultDesc: "DS timeout"},
			want:       Processed,
			wantStatus: model.StatusFailed,
		},
		{
			name:       "rejected query",
			status:     &mpesa.StatusResult{Rejection: &mpesa.Rejection{ErrorCode: "500.001.1001"}},
			want:       Ignored,
			wantStatus: model.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedPending(t, "1042", "29115-1", 1000)

			assert.Equal(t, tt.want, f.processor.ApplyStatusResult(context.Background(), "29115-1", tt.status))

			p, err := f.store.GetPendingPayment(context.Background(), "29115-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, p.Status)
		})
	}
}

func TestResultDescription(t *testing.T) {
	assert.Equal(t, "Insufficient balance", ResultDescription("1"))
	assert.Equal(t, "Error sending push request", ResultDescription("9999"))
	assert.Equal(t, "Unknown Error", ResultDescription("77"))
}
