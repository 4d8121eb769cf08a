package main

import (
	"bytes"
	"encoding/json"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	contentType = "application/json"
	failRate    = 0.2
)

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Amount            int64  `json:"Amount"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
}

type stkQueryRequest struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type push struct {
	merchantRequestID string
	resultCode        int
	resultDesc        string
	done              bool
}

var (
	mu     sync.Mutex
	pushes = make(map[string]*push)
)

func main() {
	stats := newEndpointStats()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", stats.handler)
	mux.HandleFunc("GET /oauth/v1/generate", tokenHandler)
	mux.HandleFunc("POST /mpesa/stkpush/v1/processrequest", stkPushHandler)
	mux.HandleFunc("POST /mpesa/stkpushquery/v1/query", stkQueryHandler)
	mux.HandleFunc("POST /mpesa/c2b/v1/registerurl", registerHandler)
	mux.HandleFunc("POST /mpesa/reversal/v1/request", reversalHandler)

	addr := ":8085"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	log.Printf("provider mock listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, requestLogger(stats, mux)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func authorized(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			RequestID:    uuid.NewString(),
			ErrorCode:    "404.001.04",
			ErrorMessage: "Invalid Authentication passed",
		})
		return false
	}
	return true
}

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{RequestID: uuid.NewString(), ErrorCode: "400.008.01", ErrorMessage: "Invalid Authentication passed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": strings.ReplaceAll(uuid.NewString(), "-", ""),
		"expires_in":   "3599",
	})
}

func stkPushHandler(w http.ResponseWriter, r *http.Request) {
	if !authorized(w, r) {
		return
	}

	var req stkPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid Amount"})
		return
	}
	if len(req.PhoneNumber) != 12 {
		writeJSON(w, http.StatusBadRequest, errorResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid PhoneNumber"})
		return
	}

	p := &push{
		merchantRequestID: strconv.Itoa(rand.IntN(90000)+10000) + "-" + strconv.Itoa(rand.IntN(90000000)+10000000) + "-1",
		resultCode:        0,
		resultDesc:        "The service request is processed successfully.",
	}
	if rand.Float64() < failRate {
		p.resultCode = 1032
		p.resultDesc = "Request cancelled by user"
	}
	checkoutID := "ws_CO_" + time.Now().Format("02012006150405") + strconv.Itoa(rand.IntN(1000000))

	mu.Lock()
	pushes[checkoutID] = p
	mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"MerchantRequestID":   p.merchantRequestID,
		"CheckoutRequestID":   checkoutID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})

	go deliverCallback(req, checkoutID, p)
}

func deliverCallback(req stkPushRequest, checkoutID string, p *push) {
	time.Sleep(time.Duration(3+rand.IntN(6)) * time.Second)

	callback := map[string]any{
		"MerchantRequestID": p.merchantRequestID,
		"CheckoutRequestID": checkoutID,
		"ResultCode":        p.resultCode,
		"ResultDesc":        p.resultDesc,
	}
	if p.resultCode == 0 {
		callback["CallbackMetadata"] = map[string]any{
			"Item": []map[string]any{
				{"Name": "Amount", "Value": req.Amount},
				{"Name": "MpesaReceiptNumber", "Value": receiptNumber()},
				{"Name": "TransactionDate", "Value": time.Now().Format("20060102150405")},
				{"Name": "PhoneNumber", "Value": req.PhoneNumber},
			},
		}
	}

	body, err := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": callback}})
	if err != nil {
		log.Printf("Error encoding callback: %v", err)
		return
	}

	resp, err := http.Post(req.CallBackURL, contentType, bytes.NewReader(body))
	if err != nil {
		log.Printf("Error delivering callback to %s: %v", req.CallBackURL, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("Callback for %s delivered, status %d", checkoutID, resp.StatusCode)

	mu.Lock()
	p.done = true
	mu.Unlock()
}

func receiptNumber() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func stkQueryHandler(w http.ResponseWriter, r *http.Request) {
	if !authorized(w, r) {
		return
	}

	var req stkQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: "Bad Request"})
		return
	}

	mu.Lock()
	p, ok := pushes[req.CheckoutRequestID]
	var done bool
	if ok {
		done = p.done
	}
	mu.Unlock()

	switch {
	case !ok:
		writeJSON(w, http.StatusNotFound, errorResponse{RequestID: uuid.NewString(), ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid CheckoutRequestID"})
	case !done:
		writeJSON(w, http.StatusInternalServerError, errorResponse{RequestID: uuid.NewString(), ErrorCode: "500.001.1001", ErrorMessage: "The transaction is being processed"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"ResponseCode":        "0",
			"ResponseDescription": "The service request has been accepted successsfully",
			"MerchantRequestID":   p.merchantRequestID,
			"CheckoutRequestID":   req.CheckoutRequestID,
			"ResultCode":          strconv.Itoa(p.resultCode),
			"ResultDesc":          p.resultDesc,
		})
	}
}

func registerHandler(w http.ResponseWriter, r *http.Request) {
	if !authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"OriginatorCoversationID": uuid.NewString(),
		"ResponseCode":            "0",
		"ResponseDescription":     "Success",
	})
}

func reversalHandler(w http.ResponseWriter, r *http.Request) {
	if !authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"OriginatorConversationID": uuid.NewString(),
		"ConversationID":           "AG_" + time.Now().Format("20060102") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		"ResponseCode":             "0",
		"ResponseDescription":      "Accept the service request successfully.",
	})
}
