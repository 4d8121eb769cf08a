package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mpesa-reconciler/internal/callback"
	"mpesa-reconciler/internal/config"
	"mpesa-reconciler/internal/db"
	"mpesa-reconciler/internal/logcontext"
	"mpesa-reconciler/internal/model"
	"mpesa-reconciler/internal/mpesa"
)

const (
	defaultPollingIntervalMs = 30_000
	defaultMinAgeSec         = 60
	defaultFetchSize         = 50
	defaultMaxAgeMin         = 60
)

var (
	// poller batch metrics
	pollerErrorFetchingCounter = metrics.GetOrCreateCounter(`poller_runs_total{result="fetching_failed"}`)
	pollerSuccessCounter       = metrics.GetOrCreateCounter(`poller_runs_total{result="success"}`)

	pollerProcessDurationHistogram = metrics.GetOrCreateHistogram(`poller_duration_milliseconds`)

	// poller per payment metrics
	pollerQueryFailedCounter = metrics.GetOrCreateCounter(`poller_payments_total{result="query_failed"}`)
	pollerAppliedCounter     = metrics.GetOrCreateCounter(`poller_payments_total{result="applied"}`)
	pollerUnchangedCounter   = metrics.GetOrCreateCounter(`poller_payments_total{result="unchanged"}`)
	pollerFlaggedCounter     = metrics.GetOrCreateCounter(`poller_payments_total{result="flagged"}`)
)

type PendingLister interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PendingPayment, error)
	FlagForReview(ctx context.Context, merchantRequestID, note string) error
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResult, error)
}

type StatusApplier interface {
	ApplyStatusResult(ctx context.Context, merchantRequestID string, status *mpesa.StatusResult) callback.Outcome
}

// StatusPoller queries the provider for STK pushes whose callback has not arrived
// and feeds definitive answers through the callback transition path.
type StatusPoller struct {
	store           PendingLister
	provider        StatusQuerier
	applier         StatusApplier
	pollingInterval time.Duration
	minAge          time.Duration
	maxAge          time.Duration
	fetchSize       int
	now             func() time.Time
	logger          *slog.Logger
}

func NewStatusPoller(store PendingLister, provider StatusQuerier, applier StatusApplier, cfg config.Poller, logger *slog.Logger) *StatusPoller {
	interval := cfg.IntervalMs
	if interval <= 0 {
		interval = defaultPollingIntervalMs
	}
	minAge := cfg.MinAgeSec
	if minAge <= 0 {
		minAge = defaultMinAgeSec
	}
	maxAge := cfg.MaxAgeMin
	if maxAge <= 0 {
		maxAge = defaultMaxAgeMin
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}

	return &StatusPoller{
		store:           store,
		provider:        provider,
		applier:         applier,
		pollingInterval: time.Duration(interval) * time.Millisecond,
		minAge:          time.Duration(minAge) * time.Second,
		maxAge:          time.Duration(maxAge) * time.Minute,
		fetchSize:       fetchSize,
		now:             time.Now,
		logger:          logger,
	}
}

func (p *StatusPoller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping status poller")
				return
			}
		}
	}()
}

func (p *StatusPoller) process(ctx context.Context) {
	startTime := time.Now()
	defer func() {
		pollerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	payments, err := p.store.ListStalePending(ctx, p.now().Add(-p.minAge), p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching stale pending payments", "error", err)
		pollerErrorFetchingCounter.Inc()
		return
	}

	if len(payments) == 0 {
		p.logger.DebugContext(ctx, "No stale pending payments found")
		pollerSuccessCounter.Inc()
		return
	}

	p.logger.InfoContext(ctx, "Querying stale pending payments", "count", len(payments))

	for _, payment := range payments {
		if ctx.Err() != nil {
			return
		}

		paymentCtx := logcontext.AppendCtx(ctx,
			slog.String("merchantRequestId", payment.MerchantRequestID),
			slog.String("orderId", payment.OrderID))

		status, err := p.provider.QueryStatus(paymentCtx, payment.CheckoutRequestID)
		if err != nil {
			p.logger.WarnContext(paymentCtx, "Status query failed, retrying next run", "kind", mpesa.KindOf(err).String(), "error", err)
			pollerQueryFailedCounter.Inc()
			p.flagIfExpired(paymentCtx, payment, nil)
			continue
		}

		outcome := p.applier.ApplyStatusResult(paymentCtx, payment.MerchantRequestID, status)
		if outcome == callback.Processed {
			pollerAppliedCounter.Inc()
		} else {
			pollerUnchangedCounter.Inc()
			p.flagIfExpired(paymentCtx, payment, status)
		}
		p.logger.InfoContext(paymentCtx, "Status query applied", "outcome", outcome)
	}

	pollerSuccessCounter.Inc()
}

// flagIfExpired stops polling a payment older than maxAge and leaves an order
// note for manual reconciliation. A success answer carries no receipt, so it
// can never settle the payment on its own.
func (p *StatusPoller) flagIfExpired(ctx context.Context, payment *model.PendingPayment, status *mpesa.StatusResult) {
	age := p.now().Sub(payment.CreatedAt)
	if age < p.maxAge {
		return
	}

	note := fmt.Sprintf("No definitive M-Pesa status for checkout %s after %s. Manual reconciliation required.",
		payment.CheckoutRequestID, age.Truncate(time.Minute))
	if status != nil && status.Final() && status.ResultCode.String() == "0" {
		note = fmt.Sprintf("M-Pesa reports checkout %s as paid but no confirmation callback arrived. Manual reconciliation required.",
			payment.CheckoutRequestID)
	}

	if err := p.store.FlagForReview(ctx, payment.MerchantRequestID, note); err != nil {
		if errors.Is(err, db.ErrAlreadySettled) {
			return
		}
		p.logger.ErrorContext(ctx, "Error flagging payment for manual reconciliation", "error", err)
		return
	}

	pollerFlaggedCounter.Inc()
	p.logger.WarnContext(ctx, "Payment handed over to manual reconciliation", "age", age.String())
}
