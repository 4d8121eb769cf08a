package callback

var resultDescriptions = map[string]string{
	"0":    "Success",
	"1":    "Insufficient balance",
	"1001": "Unable to lock subscriber",
	"1019": "Transaction expired",
	"1025": "Error sending push request",
	"1032": "Request cancelled by user",
	"1037": "DS timeout user cannot be reached",
	"2001": "Invalid initiator information",
	"9999": "Error sending push request",
}

// ResultDescription translates an STK result code into readable text.
func ResultDescription(code string) string {
	if desc, ok := resultDescriptions[code]; ok {
		return desc
	}
	return "Unknown Error"
}
