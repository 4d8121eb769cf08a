package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"mpesa-reconciler/internal/config"
)

const (
	SandboxURL = "https://sandbox.safaricom.co.ke"
	LiveURL    = "https://api.safaricom.co.ke"

	tokenPath    = "/oauth/v1/generate"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"
	registerPath = "/mpesa/c2b/v1/registerurl"
	reversalPath = "/mpesa/reversal/v1/request"

	// WebhookPath is where the provider delivers every callback, discriminated by ?action=.
	WebhookPath = "/webhooks/mpesa"

	defaultTimeout     = 30 * time.Second
	defaultTokenExpiry = time.Hour
	tokenSafetyMargin  = 5 * time.Minute
	tokenCacheKey      = "mpesa_access_token"

	transactionTypePaybill = "CustomerPayBillOnline"
	transactionTypeTill    = "CustomerBuyGoodsOnline"
	receiverTypeShortCode  = "11"
)

var requestDuration = metrics.GetOrCreateHistogram(`mpesa_request_duration_milliseconds`)

func requestCounter(op, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`mpesa_requests_total{op="` + op + `",result="` + result + `"}`)
}

type Options struct {
	Environment       string
	BaseURL           string
	ShortCode         string
	ConsumerKey       string
	ConsumerSecret    string
	Passkey           string
	InitiatorName     string
	InitiatorPassword string
	CertificatePath   string
	BusinessType      string
	CountryCode       string
	CallbackBaseURL   string
	WebhookSecret     string
	Timeout           time.Duration

	AllowInsecureCredentialFallback bool
}

func OptionsFromConfig(m config.Mpesa, w config.Webhook) Options {
	return Options{
		Environment:                     m.Environment,
		BaseURL:                         m.BaseURL,
		ShortCode:                       m.ShortCode,
		ConsumerKey:                     m.ConsumerKey,
		ConsumerSecret:                  m.ConsumerSecret,
		Passkey:                         m.Passkey,
		InitiatorName:                   m.InitiatorName,
		InitiatorPassword:               m.InitiatorPassword,
		CertificatePath:                 m.CertificatePath,
		BusinessType:                    m.BusinessType,
		CountryCode:                     m.CountryCode,
		CallbackBaseURL:                 m.CallbackBaseURL,
		WebhookSecret:                   w.Secret,
		Timeout:                         m.Timeout(),
		AllowInsecureCredentialFallback: m.AllowInsecureCredentialFallback,
	}
}

func (o Options) baseURL() string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	if o.Environment == config.EnvironmentLive {
		return LiveURL
	}
	return SandboxURL
}

// CallbackURL returns the public webhook URL for action.
func (o Options) CallbackURL(action string) string {
	return o.CallbackBaseURL + WebhookPath + "?action=" + action
}

type Option func(*Client)

// WithHTTPClient makes the client send through hc instead of a fresh http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces time.Now, for token expiry and request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client talks to the provider REST API. It never retries; retry policy belongs to the caller.
type Client struct {
	opts       Options
	httpClient *http.Client
	http       *resty.Client
	logger     *slog.Logger
	now        func() time.Time
	signer     *Signer

	mu    sync.Mutex
	token CachedToken
	group singleflight.Group
}

func NewClient(opts Options, logger *slog.Logger, options ...Option) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CountryCode == "" {
		opts.CountryCode = DefaultCountryCode
	}

	c := &Client{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		signer: NewSigner(opts.WebhookSecret),
	}
	for _, o := range options {
		o(c)
	}
	// SetTimeout mutates the wrapped client; work on a copy
	hc := &http.Client{}
	if c.httpClient != nil {
		*hc = *c.httpClient
	}

	c.http = resty.NewWithClient(hc).
		SetBaseURL(opts.baseURL()).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")

	return c
}

// AccessToken returns a cached bearer token or fetches a new one. Concurrent
// callers during a cache miss share a single fetch.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}

	ch := c.group.DoChan(tokenCacheKey, func() (any, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		return c.fetchToken(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", newError(KindAuth, "token", 0, ctx.Err())
	}
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid(c.now()) {
		return c.token.Value, true
	}
	return "", false
}

// InvalidateToken drops the cached token so the next call fetches a fresh one.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = CachedToken{}
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	start := time.Now()
	c.logger.DebugContext(ctx, "Requesting access token", "environment", c.opts.Environment)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.opts.ConsumerKey, c.opts.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		Get(tokenPath)
	requestDuration.UpdateDuration(start)
	if err != nil {
		metrics.GetOrCreateCounter(`mpesa_token_fetch_total{result="transport_error"}`).Inc()
		c.logger.ErrorContext(ctx, "Access token request failed", "error", err)
		return "", newError(KindAuth, "token", 0, err)
	}

	if resp.IsError() {
		metrics.GetOrCreateCounter(`mpesa_token_fetch_total{result="auth_error"}`).Inc()
		c.logger.ErrorContext(ctx, "Access token rejected", "status", resp.StatusCode(), "body", redactJSON(resp.Body()))
		return "", newError(KindAuth, "token", resp.StatusCode(), errors.Errorf("token endpoint returned %s", resp.Status()))
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		metrics.GetOrCreateCounter(`mpesa_token_fetch_total{result="auth_error"}`).Inc()
		return "", newError(KindAuth, "token", resp.StatusCode(), errors.Wrap(err, "decode token response"))
	}
	if tr.AccessToken == "" {
		metrics.GetOrCreateCounter(`mpesa_token_fetch_total{result="auth_error"}`).Inc()
		return "", newError(KindAuth, "token", resp.StatusCode(), ErrNoAccessToken)
	}

	ttl := tr.expiresIn() - tokenSafetyMargin
	if ttl > 0 {
		c.mu.Lock()
		c.token = CachedToken{Value: tr.AccessToken, ExpiresAt: c.now().Add(ttl)}
		c.mu.Unlock()
	}

	metrics.GetOrCreateCounter(`mpesa_token_fetch_total{result="success"}`).Inc()
	c.logger.InfoContext(ctx, "Access token refreshed", "ttl", ttl.String())

	return tr.AccessToken, nil
}

func (c *Client) transactionType() string {
	if c.opts.BusinessType == config.BusinessTypeTill {
		return transactionTypeTill
	}
	return transactionTypePaybill
}

// InitiatePayment sends an STK push. A provider refusal is returned in
// InitiationResult.Rejection, not as an error.
func (c *Client) InitiatePayment(ctx context.Context, req InitiationRequest) (*InitiationResult, error) {
	timestamp := Timestamp(c.now())
	phone := FormatPhone(req.Phone, c.opts.CountryCode)

	body := stkPushBody{
		BusinessShortCode: c.opts.ShortCode,
		Password:          Password(c.opts.ShortCode, c.opts.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.transactionType(),
		Amount:            req.Amount.Ceil().IntPart(),
		PartyA:            phone,
		PartyB:            c.opts.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.opts.CallbackURL("reconcile"),
		AccountReference:  req.Reference,
		TransactionDesc:   req.Description,
	}

	var result InitiationResult
	if err := c.post(ctx, "stk_push", stkPushPath, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryStatus polls the provider for the outcome of an STK push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	timestamp := Timestamp(c.now())

	body := stkQueryBody{
		BusinessShortCode: c.opts.ShortCode,
		Password:          Password(c.opts.ShortCode, c.opts.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var result StatusResult
	if err := c.post(ctx, "stk_query", stkQueryPath, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterC2BURLs tells the provider where to deliver C2B validation and confirmation requests.
func (c *Client) RegisterC2BURLs(ctx context.Context) (*RegisterResult, error) {
	body := registerURLBody{
		ShortCode:       c.opts.ShortCode,
		ResponseType:    "Completed",
		ConfirmationURL: c.opts.CallbackURL("confirm"),
		ValidationURL:   c.opts.CallbackURL("validate"),
	}

	var result RegisterResult
	if err := c.post(ctx, "c2b_register", registerPath, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReverseTransaction asks the provider to reverse a settled transaction.
func (c *Client) ReverseTransaction(ctx context.Context, req ReversalRequest) (*ReversalResult, error) {
	credential, err := c.SecurityCredential(ctx)
	if err != nil {
		return nil, err
	}

	body := reversalBody{
		Initiator:              c.opts.InitiatorName,
		SecurityCredential:     credential,
		CommandID:              "TransactionReversal",
		TransactionID:          req.TransactionID,
		Amount:                 req.Amount.Ceil().IntPart(),
		ReceiverParty:          c.opts.ShortCode,
		RecieverIdentifierType: receiverTypeShortCode,
		ResultURL:              c.opts.CallbackURL("reversal_result"),
		QueueTimeOutURL:        c.opts.CallbackURL("reversal_timeout"),
		Remarks:                req.Remarks,
		Occasion:               req.Occasion,
	}

	var result ReversalResult
	if err := c.post(ctx, "reversal", reversalPath, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateCallback checks a webhook signature against the configured shared secret.
func (c *Client) ValidateCallback(payload []byte, providedSignature string) bool {
	return c.signer.Validate(payload, providedSignature)
}

func (c *Client) post(ctx context.Context, op, path string, body any, out providerReply) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		requestCounter(op, "auth_error").Inc()
		return err
	}

	c.logger.InfoContext(ctx, "Provider request", "op", op, "body", redactBody(body))

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	requestDuration.UpdateDuration(start)
	if err != nil {
		requestCounter(op, "transport_error").Inc()
		c.logger.ErrorContext(ctx, "Provider request failed", "op", op, "error", err)
		return newError(KindTransport, op, 0, err)
	}

	raw := resp.Body()
	c.logger.InfoContext(ctx, "Provider response", "op", op, "status", resp.StatusCode(), "body", redactJSON(raw))

	if resp.StatusCode() == http.StatusUnauthorized {
		c.InvalidateToken()
	}

	return c.decode(op, resp.StatusCode(), raw, out)
}

func (c *Client) decode(op string, status int, raw []byte, out providerReply) error {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		if status >= http.StatusBadRequest {
			requestCounter(op, "transport_error").Inc()
			return newError(KindTransport, op, status, errors.Errorf("unexpected HTTP status %d", status))
		}
		requestCounter(op, "decode_error").Inc()
		return newError(KindDecode, op, status, errors.New("response is not a JSON object"))
	}

	out.setRaw(json.RawMessage(trimmed))

	var rejection Rejection
	if err := json.Unmarshal(trimmed, &rejection); err == nil && rejection.ErrorCode != "" {
		out.setRejection(&rejection)
		requestCounter(op, "rejected").Inc()
		return nil
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		requestCounter(op, "decode_error").Inc()
		return newError(KindDecode, op, status, errors.Wrap(err, "decode response"))
	}

	if code, desc := out.responseCode(); code != "" && code != "0" {
		out.setRejection(&Rejection{ErrorCode: code, ErrorMessage: desc})
		requestCounter(op, "rejected").Inc()
		return nil
	}

	if status >= http.StatusBadRequest {
		requestCounter(op, "transport_error").Inc()
		return newError(KindTransport, op, status, errors.Errorf("unexpected HTTP status %d", status))
	}

	requestCounter(op, "success").Inc()
	return nil
}
