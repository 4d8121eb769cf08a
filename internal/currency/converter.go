package currency

import (
	"context"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNoRateAvailable = errors.New("no exchange rate available")
	ErrInvalidRate     = errors.New("exchange rate is not positive")
	ErrInvalidAmount   = errors.New("amount must be positive")

	// ErrRateMiss is returned by a source that has no rate for the currency.
	ErrRateMiss = errors.New("rate source has no rate")
)

// RateSource yields how many settlement units one unit of currency is worth.
type RateSource interface {
	Name() string
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Conversion is the display record of a converted amount.
type Conversion struct {
	OriginalAmount   decimal.Decimal `json:"originalAmount"`
	Currency         string          `json:"currency"`
	SettlementAmount decimal.Decimal `json:"settlementAmount"`
	Rate             decimal.Decimal `json:"rate"`
	WasConverted     bool            `json:"wasConverted"`
}

// Converter resolves rates through its sources in order; the first valid positive rate wins.
type Converter struct {
	settlement string
	sources    []RateSource
	logger     *slog.Logger
}

func NewConverter(settlement string, logger *slog.Logger, sources ...RateSource) *Converter {
	return &Converter{
		settlement: strings.ToUpper(settlement),
		sources:    sources,
		logger:     logger,
	}
}

func (c *Converter) Settlement() string {
	return c.settlement
}

// Convert returns amount expressed in the settlement currency, rounded to cents.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	if from == "" || from == c.settlement {
		return amount, nil
	}

	rate, err := c.resolve(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}

	return amount.Mul(rate).Round(2), nil
}

// ConversionInfo wraps Convert for display. Non-positive amounts are rejected.
func (c *Converter) ConversionInfo(ctx context.Context, amount decimal.Decimal, from string) (*Conversion, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	from = strings.ToUpper(strings.TrimSpace(from))
	if from == "" || from == c.settlement {
		return &Conversion{
			OriginalAmount:   amount,
			Currency:         c.settlement,
			SettlementAmount: amount,
			Rate:             decimal.NewFromInt(1),
		}, nil
	}

	rate, err := c.resolve(ctx, from)
	if err != nil {
		return nil, err
	}

	return &Conversion{
		OriginalAmount:   amount,
		Currency:         from,
		SettlementAmount: amount.Mul(rate).Round(2),
		Rate:             rate,
		WasConverted:     true,
	}, nil
}

func (c *Converter) resolve(ctx context.Context, from string) (decimal.Decimal, error) {
	sawInvalid := false

	for _, source := range c.sources {
		rate, err := source.Rate(ctx, from)
		if err != nil {
			if !errors.Is(err, ErrRateMiss) {
				c.logger.WarnContext(ctx, "Rate source failed", "source", source.Name(), "currency", from, "error", err)
			}
			sourceCounter(source.Name(), "miss").Inc()
			continue
		}

		if !rate.IsPositive() {
			c.logger.WarnContext(ctx, "Rate source returned non-positive rate", "source", source.Name(), "currency", from, "rate", rate.String())
			sourceCounter(source.Name(), "invalid").Inc()
			sawInvalid = true
			continue
		}

		sourceCounter(source.Name(), "hit").Inc()
		c.logger.DebugContext(ctx, "Exchange rate resolved", "source", source.Name(), "currency", from, "rate", rate.String())
		return rate, nil
	}

	if sawInvalid {
		return decimal.Zero, errors.Wrapf(ErrInvalidRate, "%s to %s", from, c.settlement)
	}
	return decimal.Zero, errors.Wrapf(ErrNoRateAvailable, "%s to %s", from, c.settlement)
}

func sourceCounter(source, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(`currency_rate_source_total{source="` + source + `",result="` + result + `"}`)
}
