package payload

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// Metadata item names carried by a successful STK result.
const (
	ItemAmount          = "Amount"
	ItemReceiptNumber   = "MpesaReceiptNumber"
	ItemTransactionDate = "TransactionDate"
	ItemPhoneNumber     = "PhoneNumber"
)

// STKEnvelope is the body the provider posts for action=reconcile.
type STKEnvelope struct {
	Body *struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// Callback returns the nested result, or nil when the structure is absent.
func (e *STKEnvelope) Callback() *STKCallback {
	if e == nil || e.Body == nil || e.Body.STKCallback == nil {
		return nil
	}
	cb := e.Body.STKCallback
	if cb.MerchantRequestID == "" || cb.ResultCode == "" {
		return nil
	}
	return cb
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        json.Number       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

func (c *STKCallback) Succeeded() bool {
	return c.ResultCode == "0"
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Flatten maps item names to their values. Numbers keep their literal text so
// phone numbers and dates are not mangled by float conversion.
func (m *CallbackMetadata) Flatten() map[string]string {
	out := make(map[string]string)
	if m == nil {
		return out
	}

	for _, item := range m.Item {
		if item.Name == "" {
			continue
		}
		out[item.Name] = rawString(item.Value)
	}

	return out
}

func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
	}
	return string(raw)
}

// C2BNotification is the body of action=confirm and action=validate.
type C2BNotification struct {
	TransactionType   string          `json:"TransactionType"`
	TransID           string          `json:"TransID"`
	TransTime         string          `json:"TransTime"`
	TransAmount       decimal.Decimal `json:"TransAmount"`
	BusinessShortCode string          `json:"BusinessShortCode"`
	BillRefNumber     string          `json:"BillRefNumber"`
	InvoiceNumber     string          `json:"InvoiceNumber"`
	OrgAccountBalance string          `json:"OrgAccountBalance"`
	ThirdPartyTransID string          `json:"ThirdPartyTransID"`
	MSISDN            string          `json:"MSISDN"`
	FirstName         string          `json:"FirstName"`
	MiddleName        string          `json:"MiddleName"`
	LastName          string          `json:"LastName"`
}

// Ack is returned for every webhook delivery. ResultCode 0 tells the provider not to retry.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func AckAccepted() Ack {
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}

func AckRejected(desc string) Ack {
	return Ack{ResultCode: 1, ResultDesc: desc}
}

func (a Ack) OK() bool {
	return a.ResultCode == 0
}

// ValidationAck answers a C2B validation request. The provider expects a string code.
type ValidationAck struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

const (
	ValidationAccepted       = "0"
	ValidationInvalidAccount = "C2B00012"
)

// PaymentRequest asks the service to start an STK push for an order.
type PaymentRequest struct {
	OrderID     string          `json:"orderId" binding:"required"`
	Phone       string          `json:"phone" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

type ReversalRequest struct {
	Remarks string `json:"remarks"`
}
