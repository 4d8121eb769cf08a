package callback

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const (
	defaultTimeoutMs = 10_000
)

// Sender forwards webhook bodies this service does not interpret, such as
// reversal results, to a downstream URL.
type Sender struct {
	client *resty.Client
	logger *slog.Logger
}

func NewSender(timeout time.Duration, hc *http.Client, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = defaultTimeoutMs * time.Millisecond
	}
	own := &http.Client{}
	if hc != nil {
		*own = *hc
	}
	return &Sender{
		client: resty.NewWithClient(own).SetTimeout(timeout),
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, url string, payload []byte) error {
	s.logger.DebugContext(ctx, "Forwarding webhook", "url", url)

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(url)
	if err != nil {
		return errors.Wrap(err, "forward webhook")
	}

	s.logger.DebugContext(ctx, "Forward response", "status", resp.Status(), "body", string(resp.Body()))

	if resp.IsError() {
		return errors.Errorf("error response: %s", resp.Status())
	}

	s.logger.InfoContext(ctx, "Webhook forwarded", "url", url)
	return nil
}
