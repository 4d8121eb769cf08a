package currency

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	DefaultLiveTTL     = 6 * time.Hour
	defaultLiveTimeout = 10 * time.Second
)

type liveResponse struct {
	Result string                     `json:"result"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

type liveEntry struct {
	rate      decimal.Decimal
	expiresAt time.Time
}

// LiveSource fetches rates from an HTTP API of the form GET {url}/{BASE} returning
// {"rates":{"KES":129.5}} and caches each result.
type LiveSource struct {
	http       *resty.Client
	url        string
	settlement string
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]liveEntry
}

type LiveOption func(*LiveSource)

func WithLiveHTTPClient(hc *http.Client) LiveOption {
	return func(s *LiveSource) {
		own := *hc
		s.http = resty.NewWithClient(&own)
	}
}

func WithLiveClock(now func() time.Time) LiveOption {
	return func(s *LiveSource) { s.now = now }
}

func NewLiveSource(url, settlement string, ttl, timeout time.Duration, logger *slog.Logger, opts ...LiveOption) *LiveSource {
	if ttl <= 0 {
		ttl = DefaultLiveTTL
	}
	if timeout <= 0 {
		timeout = defaultLiveTimeout
	}

	s := &LiveSource{
		url:        strings.TrimRight(url, "/"),
		settlement: strings.ToUpper(settlement),
		ttl:        ttl,
		now:        time.Now,
		logger:     logger,
		cache:      make(map[string]liveEntry),
	}
	for _, o := range opts {
		o(s)
	}
	if s.http == nil {
		s.http = resty.New()
	}
	s.http.SetTimeout(timeout)

	return s
}

func (s *LiveSource) Name() string { return "live" }

func (s *LiveSource) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)

	s.mu.Lock()
	entry, ok := s.cache[currency]
	s.mu.Unlock()
	if ok && s.now().Before(entry.expiresAt) {
		return entry.rate, nil
	}

	rate, err := s.fetch(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	s.cache[currency] = liveEntry{rate: rate, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return rate, nil
}

func (s *LiveSource) fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(s.url + "/" + currency)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "fetch live rates")
	}
	if resp.IsError() {
		return decimal.Zero, errors.Errorf("live rates returned %s", resp.Status())
	}

	var body liveResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode live rates")
	}
	if body.Result != "" && body.Result != "success" {
		return decimal.Zero, errors.Errorf("live rates result %q", body.Result)
	}

	rate, ok := body.Rates[s.settlement]
	if !ok {
		s.logger.WarnContext(ctx, "Live rates response has no settlement rate", "currency", currency, "settlement", s.settlement)
		return decimal.Zero, ErrRateMiss
	}

	return rate, nil
}
