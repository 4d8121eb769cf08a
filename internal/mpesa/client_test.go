package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 8, 22, 2, 3, 0, time.UTC)

func testOptions() Options {
	return Options{
		Environment:       "sandbox",
		ShortCode:         "174379",
		ConsumerKey:       "key",
		ConsumerSecret:    "secret",
		Passkey:           "passkey",
		InitiatorName:     "testapi",
		InitiatorPassword: "Safaricom999!*!",
		BusinessType:      "paybill",
		CountryCode:       "254",
		CallbackBaseURL:   "https://shop.example.com",
		WebhookSecret:     "s3cret",
		Timeout:           5 * time.Second,
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, opts Options, clk *clock) *Client {
	t.Helper()

	hc := &http.Client{}
	gock.InterceptClient(hc)
	t.Cleanup(func() {
		gock.RestoreClient(hc)
		gock.Off()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(opts, logger, WithHTTPClient(hc), WithClock(clk.Now))
}

func mockToken(value string) {
	gock.New(SandboxURL).
		Get(tokenPath).
		MatchParam("grant_type", "client_credentials").
		MatchHeader("Authorization", "^Basic ").
		Reply(200).
		JSON(map[string]string{"access_token": value, "expires_in": "3599"})
}

// bodyMatcher decodes the request body into out and restores it for later matchers.
func bodyMatcher(out any) gock.MatchFunc {
	return func(req *http.Request, _ *gock.Request) (bool, error) {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return false, err
		}
		req.Body = io.NopCloser(bytes.NewReader(raw))
		return true, json.Unmarshal(raw, out)
	}
}

func TestClient_AccessToken_Caching(t *testing.T) {
	clk := &clock{now: testNow}
	client := newTestClient(t, testOptions(), clk)
	ctx := context.Background()

	mockToken("tok-1")

	first, err := client.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", first)
	assert.True(t, gock.IsDone())

	// No mock registered: a second network fetch would fail.
	clk.Advance(30 * time.Minute)
	second, err := client.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 3599s expiry minus the 5 minute margin has elapsed.
	clk.Advance(25 * time.Minute)
	mockToken("tok-2")

	third, err := client.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", third)
	assert.True(t, gock.IsDone())
}

func TestClient_AccessToken_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mock    func()
		wantErr error
	}{
		{
			name: "missing access_token",
			mock: func() {
				gock.New(SandboxURL).Get(tokenPath).Reply(200).JSON(map[string]string{"expires_in": "3599"})
			},
			wantErr: ErrNoAccessToken,
		},
		{
			name: "invalid credentials",
			mock: func() {
				gock.New(SandboxURL).Get(tokenPath).Reply(400).JSON(map[string]string{
					"errorCode":    "400.008.01",
					"errorMessage": "Invalid Authentication passed",
				})
			},
		},
		{
			name: "network failure",
			mock: func() {
				gock.New(SandboxURL).Get(tokenPath).ReplyError(errors.New("connection refused"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &clock{now: testNow}
			client := newTestClient(t, testOptions(), clk)
			tt.mock()

			_, err := client.AccessToken(context.Background())
			require.Error(t, err)
			assert.Equal(t, KindAuth, KindOf(err))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			// Failures are not cached: the next call fetches again.
			mockToken("tok-ok")
			tok, err := client.AccessToken(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "tok-ok", tok)
			assert.True(t, gock.IsDone())
		})
	}
}

func TestClient_AccessToken_SingleFlight(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"shared","expires_in":"3599"}`))
	}))
	defer server.Close()

	opts := testOptions()
	opts.BaseURL = server.URL
	client := NewClient(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := client.AccessToken(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	for _, tok := range tokens {
		assert.Equal(t, "shared", tok)
	}
}

func TestClient_InitiatePayment(t *testing.T) {
	clk := &clock{now: testNow}
	client := newTestClient(t, testOptions(), clk)

	mockToken("tok-1")

	var sent map[string]any
	gock.New(SandboxURL).
		Post(stkPushPath).
		MatchHeader("Authorization", "^Bearer tok-1$").
		AddMatcher(bodyMatcher(&sent)).
		Reply(200).
		JSON(map[string]string{
			"MerchantRequestID":   "29115-34620561-1",
			"CheckoutRequestID":   "ws_CO_191220191020363925",
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		})

	result, err := client.InitiatePayment(context.Background(), InitiationRequest{
		Phone:       "0712345678",
		Amount:      decimal.RequireFromString("99.20"),
		Reference:   "1042",
		Description: "Order 1042",
	})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())

	assert.True(t, result.Accepted())
	assert.Equal(t, "29115-34620561-1", result.MerchantRequestID)
	assert.Equal(t, "ws_CO_191220191020363925", result.CheckoutRequestID)
	assert.NotEmpty(t, result.Raw)

	assert.Equal(t, "174379", sent["BusinessShortCode"])
	assert.Equal(t, "20240308220203", sent["Timestamp"])
	assert.Equal(t, Password("174379", "passkey", "20240308220203"), sent["Password"])
	assert.Equal(t, "CustomerPayBillOnline", sent["TransactionType"])
	assert.Equal(t, float64(100), sent["Amount"])
	assert.Equal(t, "254712345678", sent["PartyA"])
	assert.Equal(t, "254712345678", sent["PhoneNumber"])
	assert.Equal(t, "174379", sent["PartyB"])
	assert.Equal(t, "https://shop.example.com/webhooks/mpesa?action=reconcile", sent["CallBackURL"])
	assert.Equal(t, "1042", sent["AccountReference"])
}

func TestClient_InitiatePayment_TillUsesBuyGoods(t *testing.T) {
	clk := &clock{now: testNow}
	opts := testOptions()
	opts.BusinessType = "till"
	client := newTestClient(t, opts, clk)

	mockToken("tok-1")

	var sent map[string]any
	gock.New(SandboxURL).
		Post(stkPushPath).
		AddMatcher(bodyMatcher(&sent)).
		Reply(200).
		JSON(map[string]string{"MerchantRequestID": "m-1", "CheckoutRequestID": "c-1", "ResponseCode": "0"})

	_, err := client.InitiatePayment(context.Background(), InitiationRequest{Phone: "712345678", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, "CustomerBuyGoodsOnline", sent["TransactionType"])
}

func TestClient_InitiatePayment_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		reply        func(*gock.Request)
		wantKind     ErrorKind
		wantRejected string
	}{
		{
			name: "business rejection is data",
			reply: func(r *gock.Request) {
				r.Reply(400).JSON(map[string]string{
					"requestId":    "11728-2929992-1",
					"errorCode":    "400.002.02",
					"errorMessage": "Bad Request - Invalid PhoneNumber",
				})
			},
			wantRejected: "400.002.02",
		},
		{
			name: "non-zero response code is data",
			reply: func(r *gock.Request) {
				r.Reply(200).JSON(map[string]string{"ResponseCode": "1", "ResponseDescription": "Rejected"})
			},
			wantRejected: "1",
		},
		{
			name: "transport failure",
			reply: func(r *gock.Request) {
				r.ReplyError(errors.New("connection reset by peer"))
			},
			wantKind: KindTransport,
		},
		{
			name: "gateway error without body",
			reply: func(r *gock.Request) {
				r.Reply(503).BodyString("Service Unavailable")
			},
			wantKind: KindTransport,
		},
		{
			name: "malformed json",
			reply: func(r *gock.Request) {
				r.Reply(200).BodyString("<html>ok</html>")
			},
			wantKind: KindDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &clock{now: testNow}
			client := newTestClient(t, testOptions(), clk)
			mockToken("tok-1")
			tt.reply(gock.New(SandboxURL).Post(stkPushPath))

			result, err := client.InitiatePayment(context.Background(), InitiationRequest{Phone: "0712345678", Amount: decimal.NewFromInt(1)})
			if tt.wantKind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))
				assert.Nil(t, result)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, result.Rejection)
			assert.False(t, result.Accepted())
			assert.Equal(t, tt.wantRejected, result.Rejection.ErrorCode)
		})
	}
}

func TestClient_QueryStatus(t *testing.T) {
	clk := &clock{now: testNow}
	client := newTestClient(t, testOptions(), clk)
	mockToken("tok-1")

	var sent map[string]any
	gock.New(SandboxURL).
		Post(stkQueryPath).
		AddMatcher(bodyMatcher(&sent)).
		Reply(200).
		JSON(map[string]string{
			"ResponseCode":        "0",
			"ResponseDescription": "The service request has been accepted successsfully",
			"MerchantRequestID":   "22205-34066-1",
			"CheckoutRequestID":   "ws_CO_13012021093521236557",
			"ResultCode":          "1032",
			"ResultDesc":          "Request cancelled by user",
		})

	result, err := client.QueryStatus(context.Background(), "ws_CO_13012021093521236557")
	require.NoError(t, err)
	assert.True(t, result.Final())
	assert.Equal(t, "1032", result.ResultCode.String())
	assert.Equal(t, "ws_CO_13012021093521236557", sent["CheckoutRequestID"])
	assert.Equal(t, Password("174379", "passkey", "20240308220203"), sent["Password"])
}

func TestClient_QueryStatus_StillProcessing(t *testing.T) {
	clk := &clock{now: testNow}
	client := newTestClient(t, testOptions(), clk)
	mockToken("tok-1")

	gock.New(SandboxURL).
		Post(stkQueryPath).
		Reply(500).
		JSON(map[string]string{
			"requestId":    "8555-67195-1",
			"errorCode":    "500.001.1001",
			"errorMessage": "The transaction is being processed",
		})

	result, err := client.QueryStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.False(t, result.Final())
	assert.Equal(t, "500.001.1001", result.Rejection.ErrorCode)
}

func TestClient_RegisterC2BURLs(t *testing.T) {
	clk := &clock{now: testNow}
	client := newTestClient(t, testOptions(), clk)
	mockToken("tok-1")

	var sent map[string]any
	gock.New(SandboxURL).
		Post(registerPath).
		AddMatcher(bodyMatcher(&sent)).
		Reply(200).
		JSON(map[string]string{"OriginatorCoversationID": "6e86-45dd-91ac", "ResponseCode": "0", "ResponseDescription": "Success"})

	result, err := client.RegisterC2BURLs(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Rejection)
	assert.Equal(t, "Completed", sent["ResponseType"])
	assert.Equal(t, "https://shop.example.com/webhooks/mpesa?action=confirm", sent["ConfirmationURL"])
	assert.Equal(t, "https://shop.example.com/webhooks/mpesa?action=validate", sent["ValidationURL"])
}

func TestClient_UnauthorizedDropsCachedToken(t *testing.T) {
	clk := &clock{now: testNow}
	client := newTestClient(t, testOptions(), clk)
	mockToken("tok-1")

	gock.New(SandboxURL).
		Post(stkQueryPath).
		Reply(401).
		JSON(map[string]string{"errorCode": "404.001.03", "errorMessage": "Invalid Access Token"})

	_, err := client.QueryStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)

	_, ok := client.cachedToken()
	assert.False(t, ok)
}

func TestClient_ValidateCallback(t *testing.T) {
	client := NewClient(testOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	payload := []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`)

	signature, err := NewSigner("s3cret").Sign(payload)
	require.NoError(t, err)

	assert.True(t, client.ValidateCallback(payload, signature))
	assert.False(t, client.ValidateCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":1}}}`), signature))

	opts := testOptions()
	opts.WebhookSecret = ""
	unsigned := NewClient(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, unsigned.ValidateCallback(payload, signature))
}

func TestRedactJSON(t *testing.T) {
	got := redactJSON([]byte(`{"Password":"abc","Nested":{"SecurityCredential":"xyz"},"Amount":1}`))

	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", m["Password"])
	assert.Equal(t, "[REDACTED]", m["Nested"].(map[string]any)["SecurityCredential"])
	assert.Equal(t, float64(1), m["Amount"])

	assert.Equal(t, "plain text", redactJSON([]byte("plain text")))
}

func TestNewClient_DoesNotChangeSharedHTTPClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	opts := testOptions()
	opts.Timeout = 30 * time.Second

	client := NewClient(opts, slog.New(slog.NewTextHandler(io.Discard, nil)), WithHTTPClient(hc))

	assert.Equal(t, time.Second, hc.Timeout)
	assert.Equal(t, 30*time.Second, client.http.GetClient().Timeout)
}
