package mpesa

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why a provider call produced no usable response.
type ErrorKind int

const (
	// KindTransport covers network failures and HTTP errors without a provider body.
	KindTransport ErrorKind = iota + 1
	// KindAuth means the token endpoint answered but yielded no usable token.
	KindAuth
	// KindDecode means the provider answered with something that is not the expected JSON.
	KindDecode
	// KindCredential means the reversal security credential could not be produced.
	KindCredential
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindDecode:
		return "decode"
	case KindCredential:
		return "credential"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mpesa %s: %s failure (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mpesa %s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrNoAccessToken          = errors.New("token response carried no access_token")
	ErrCertificateUnavailable = errors.New("provider certificate unavailable")
)

// KindOf returns the kind of a provider error, or 0 when err is not one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind ErrorKind, op string, status int, err error) *Error {
	return &Error{Kind: kind, Op: op, StatusCode: status, Err: err}
}
