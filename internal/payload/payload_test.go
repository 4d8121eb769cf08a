package payload

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successBody = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestSTKEnvelope_Flatten(t *testing.T) {
	var env STKEnvelope
	require.NoError(t, json.Unmarshal([]byte(successBody), &env))

	cb := env.Callback()
	require.NotNil(t, cb)
	assert.True(t, cb.Succeeded())

	items := cb.CallbackMetadata.Flatten()
	assert.Equal(t, "NLJ7RT61SV", items[ItemReceiptNumber])
	assert.Equal(t, "254708374149", items[ItemPhoneNumber])
	assert.Equal(t, "1.00", items[ItemAmount])
	assert.Equal(t, "20191219102115", items[ItemTransactionDate])
	assert.Equal(t, "", items["Balance"])
}

func TestSTKEnvelope_Callback_Missing(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"Body":{}}`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"MerchantRequestID":"1"}}}`,
	}

	for _, body := range bodies {
		var env STKEnvelope
		require.NoError(t, json.Unmarshal([]byte(body), &env))
		assert.Nil(t, env.Callback(), body)
	}
}

func TestCallbackMetadata_FlattenNil(t *testing.T) {
	var m *CallbackMetadata
	assert.Empty(t, m.Flatten())
}

func TestC2BNotification_StringAmount(t *testing.T) {
	var n C2BNotification
	err := json.Unmarshal([]byte(`{"TransID":"RKTQDM7W6S","TransAmount":"1000.00","MSISDN":"254708374149","BillRefNumber":"1042"}`), &n)
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(1000).Equal(n.TransAmount))
	assert.Equal(t, "1042", n.BillRefNumber)
}
