package currency

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// OverrideFunc lets the host application force a rate. ok=false defers to the next source.
type OverrideFunc func(ctx context.Context, currency string) (rate decimal.Decimal, ok bool)

type overrideSource struct {
	fn OverrideFunc
}

// OverrideSource adapts fn into the highest-precedence source.
func OverrideSource(fn OverrideFunc) RateSource {
	return overrideSource{fn: fn}
}

func (s overrideSource) Name() string { return "override" }

func (s overrideSource) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	if s.fn == nil {
		return decimal.Zero, ErrRateMiss
	}
	rate, ok := s.fn(ctx, currency)
	if !ok {
		return decimal.Zero, ErrRateMiss
	}
	return rate, nil
}

// MultiCurrencyProvider is implemented by a storefront multi-currency integration
// that already knows its own rates.
type MultiCurrencyProvider interface {
	ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, bool, error)
}

type integrationSource struct {
	provider   MultiCurrencyProvider
	settlement string
}

func IntegrationSource(provider MultiCurrencyProvider, settlement string) RateSource {
	return integrationSource{provider: provider, settlement: strings.ToUpper(settlement)}
}

func (s integrationSource) Name() string { return "integration" }

func (s integrationSource) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	if s.provider == nil {
		return decimal.Zero, ErrRateMiss
	}
	rate, ok, err := s.provider.ExchangeRate(ctx, currency, s.settlement)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, ErrRateMiss
	}
	return rate, nil
}

// StaticSource serves the manually configured rate table.
type StaticSource struct {
	rates map[string]decimal.Decimal
}

func NewStaticSource(rates map[string]decimal.Decimal) *StaticSource {
	return &StaticSource{rates: rates}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Rate(_ context.Context, currency string) (decimal.Decimal, error) {
	rate, ok := s.rates[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, ErrRateMiss
	}
	return rate, nil
}
