package mpesa

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// CachedToken is an OAuth bearer token with the instant after which it must not be used.
type CachedToken struct {
	Value     string
	ExpiresAt time.Time
}

func (t CachedToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (r tokenResponse) expiresIn() time.Duration {
	secs, err := strconv.ParseInt(r.ExpiresIn.String(), 10, 64)
	if err != nil || secs <= 0 {
		return defaultTokenExpiry
	}
	return time.Duration(secs) * time.Second
}

// Rejection is an application-level refusal returned by the provider.
type Rejection struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type InitiationRequest struct {
	Phone       string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// InitiationResult is the provider's answer to an STK push. Exactly one of
// MerchantRequestID or Rejection is meaningful.
type InitiationResult struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	CustomerMessage     string          `json:"CustomerMessage"`
	Rejection           *Rejection      `json:"-"`
	Raw                 json.RawMessage `json:"-"`
}

func (r *InitiationResult) Accepted() bool {
	return r.Rejection == nil && r.MerchantRequestID != ""
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type StatusResult struct {
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResultCode          json.Number     `json:"ResultCode"`
	ResultDesc          string          `json:"ResultDesc"`
	Rejection           *Rejection      `json:"-"`
	Raw                 json.RawMessage `json:"-"`
}

// Final reports whether the query carries a definitive STK result.
func (r *StatusResult) Final() bool {
	return r.Rejection == nil && r.ResultCode != ""
}

type registerURLBody struct {
	ShortCode       string `json:"ShortCode"`
	ResponseType    string `json:"ResponseType"`
	ConfirmationURL string `json:"ConfirmationURL"`
	ValidationURL   string `json:"ValidationURL"`
}

type RegisterResult struct {
	OriginatorCoversationID string          `json:"OriginatorCoversationID"`
	ResponseCode            string          `json:"ResponseCode"`
	ResponseDescription     string          `json:"ResponseDescription"`
	Rejection               *Rejection      `json:"-"`
	Raw                     json.RawMessage `json:"-"`
}

type ReversalRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Remarks       string
	Occasion      string
}

type reversalBody struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	TransactionID          string `json:"TransactionID"`
	Amount                 int64  `json:"Amount"`
	ReceiverParty          string `json:"ReceiverParty"`
	RecieverIdentifierType string `json:"RecieverIdentifierType"`
	ResultURL              string `json:"ResultURL"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	Remarks                string `json:"Remarks"`
	Occasion               string `json:"Occasion"`
}

type ReversalResult struct {
	ConversationID           string          `json:"ConversationID"`
	OriginatorConversationID string          `json:"OriginatorConversationID"`
	ResponseCode             string          `json:"ResponseCode"`
	ResponseDescription      string          `json:"ResponseDescription"`
	Rejection                *Rejection      `json:"-"`
	Raw                      json.RawMessage `json:"-"`
}

// providerReply is implemented by every result that may carry a rejection.
type providerReply interface {
	setRejection(*Rejection)
	setRaw(json.RawMessage)
	responseCode() (string, string)
}

func (r *InitiationResult) setRejection(rj *Rejection) { r.Rejection = rj }
func (r *InitiationResult) setRaw(raw json.RawMessage) { r.Raw = raw }
func (r *InitiationResult) responseCode() (string, string) {
	return r.ResponseCode, r.ResponseDescription
}

func (r *StatusResult) setRejection(rj *Rejection)     { r.Rejection = rj }
func (r *StatusResult) setRaw(raw json.RawMessage)     { r.Raw = raw }
func (r *StatusResult) responseCode() (string, string) { return r.ResponseCode, r.ResponseDescription }

func (r *RegisterResult) setRejection(rj *Rejection) { r.Rejection = rj }
func (r *RegisterResult) setRaw(raw json.RawMessage) { r.Raw = raw }
func (r *RegisterResult) responseCode() (string, string) {
	return r.ResponseCode, r.ResponseDescription
}

func (r *ReversalResult) setRejection(rj *Rejection) { r.Rejection = rj }
func (r *ReversalResult) setRaw(raw json.RawMessage) { r.Raw = raw }
func (r *ReversalResult) responseCode() (string, string) {
	return r.ResponseCode, r.ResponseDescription
}
