package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mpesa-reconciler/internal/callback"
	"mpesa-reconciler/internal/config"
	"mpesa-reconciler/internal/currency"
	"mpesa-reconciler/internal/db"
	"mpesa-reconciler/internal/event"
	"mpesa-reconciler/internal/kafka"
	"mpesa-reconciler/internal/logging"
	"mpesa-reconciler/internal/metrics"
	"mpesa-reconciler/internal/model"
	"mpesa-reconciler/internal/mpesa"
	"mpesa-reconciler/internal/service"
	"mpesa-reconciler/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "."
	}
	cfg := config.MustLoadConfig(configPath)

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}()

	store, closeStore := newStore(ctx, cfg.Database, logger)
	defer closeStore()

	provider := mpesa.NewClient(mpesa.OptionsFromConfig(cfg.Mpesa, cfg.Webhook), logger, mpesa.WithHTTPClient(newHTTPClient()))

	converter := currency.NewConverter(cfg.Currency.Settlement, logger, rateSources(cfg.Currency, newHTTPClient(), logger)...)

	bus := event.NewBus(logger)
	if cfg.Kafka.Enabled {
		writer := kafka.NewWriter(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.PaymentEvents, cfg.Kafka.Writer)
		defer writer.Close()
		kafka.NewEventSink(writer, logger).Subscribe(bus)
	}

	processor := callback.NewProcessor(store, bus, model.OrderStatus(cfg.Order.PaidStatus), logger)
	sender := callback.NewSender(time.Duration(cfg.Webhook.ForwardTimeoutMs)*time.Millisecond, newHTTPClient(), logger)
	webhooks := callback.NewHandler(
		processor,
		callback.NewValidator(cfg.Webhook.C2BValidation, store, logger),
		provider,
		sender,
		callback.HandlerConfig{
			RequireSignature:   cfg.Webhook.RequireSignature,
			ReversalForwardURL: cfg.Webhook.ReversalForwardURL,
		},
		logger,
	)

	payments := service.NewPaymentService(provider, converter, store, service.Options{
		CountryCode:     cfg.Mpesa.CountryCode,
		ReversalEnabled: cfg.Mpesa.ReversalEnabled,
	}, logger)

	if cfg.Kafka.Enabled {
		reader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.PaymentRequests, cfg.Kafka.Reader.GroupID)
		defer reader.Close()
		go kafka.ReadPaymentRequests(ctx, reader, payments, logger)
	}

	if cfg.Poller.Enabled {
		service.NewStatusPoller(store, provider, processor, cfg.Poller, logger).Start(ctx)
	}

	if cfg.Mpesa.C2BEnabled {
		res, err := provider.RegisterC2BURLs(ctx)
		switch {
		case err != nil:
			logger.Error("C2B URL registration failed", "error", err)
		case res.Rejection != nil:
			logger.Warn("C2B URL registration rejected", "errorCode", res.Rejection.ErrorCode, "errorMessage", res.Rejection.ErrorMessage)
		default:
			logger.Info("C2B URLs registered", "response", res.ResponseDescription)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/liveness", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST(mpesa.WebhookPath, webhooks.Handle)
	service.NewHandler(payments, logger).Register(router)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           otelhttp.NewHandler(router, "mpesa-reconciler"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
}

func newStore(ctx context.Context, cfg config.Database, logger *slog.Logger) (db.Store, func()) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, payment records are lost on restart")
		return db.NewMemoryStore(), func() {}
	}

	if err := db.RunMigrations(cfg.ConnString(), cfg.Migrations); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(ctx, cfg.ConnString())
	if err != nil {
		log.Fatal(err)
	}
	return db.NewRepository(pool), pool.Close
}

// newHTTPClient returns a traced client; every component gets its own.
func newHTTPClient() *http.Client {
	return &http.Client{Transport: tracing.Transport(http.DefaultTransport)}
}

// rateSources orders the configured sources by precedence: live fetch, then the
// static table.
func rateSources(cfg config.Currency, hc *http.Client, logger *slog.Logger) []currency.RateSource {
	var sources []currency.RateSource
	if cfg.LiveRates {
		sources = append(sources, currency.NewLiveSource(
			cfg.LiveRatesURL,
			cfg.Settlement,
			time.Duration(cfg.CacheTTLMin)*time.Minute,
			time.Duration(cfg.LiveTimeoutMs)*time.Millisecond,
			logger,
			currency.WithLiveHTTPClient(hc),
		))
	}
	return append(sources, currency.NewStaticSource(currency.ParseRateTable(cfg.RateTable, logger)))
}
