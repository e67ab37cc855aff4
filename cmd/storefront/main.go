package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/joao-fontenele/storefront-fulfillment/internal/blobstore"
	"github.com/joao-fontenele/storefront-fulfillment/internal/catalog"
	"github.com/joao-fontenele/storefront-fulfillment/internal/config"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/downloads"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/messaging"
	"github.com/joao-fontenele/storefront-fulfillment/internal/telemetry"
	"github.com/joao-fontenele/storefront-fulfillment/internal/webhook"
)

const serviceName = "storefront"

func main() {
	cfg := config.Load("8081")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	ctx := context.Background()

	if cfg.Postgres.URL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}
	if cfg.Stripe.WebhookSecret == "" {
		logger.Error("STRIPE_WEBHOOK_SECRET environment variable is required")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, cfg.Telemetry.ServiceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime metrics", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB(ctx, cfg.Postgres.URL, telemetry.PoolConfig{
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := blobstore.New(blobstore.Config{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		Region:    cfg.Blob.Region,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		logger.Error("failed to create blob store", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx, cfg.Blob.Region); err != nil {
		logger.Warn("blob bucket check failed, uploads may fail", "error", err, "bucket", cfg.Blob.Bucket)
	}

	var fulfilledPublisher, downloadsPublisher fulfillment.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		fulfilled := messaging.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, domain.EventTypeOrderFulfilled)
		defer func() { _ = fulfilled.Close() }()
		downloadsReady := messaging.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, domain.EventTypeDownloadsReady)
		defer func() { _ = downloadsReady.Close() }()
		fulfilledPublisher, downloadsPublisher = fulfilled, downloadsReady
	} else {
		logger.Warn("KAFKA_BROKERS not set, order notifications disabled")
	}

	catalogRepo := catalog.NewRepository(db)
	orderRepo := fulfillment.NewOrderRepository(db)

	issuer := fulfillment.NewIssuer(catalogRepo, fulfillment.IssuerConfig{
		LicenseMaxActivations: cfg.Fulfillment.LicenseMaxActivations,
		LinkExpiryDays:        cfg.Downloads.ExpiryDays,
		LinkMaxDownloads:      cfg.Downloads.MaxDownloads,
	}, logger)
	ledger := fulfillment.NewLedger(cfg.Fulfillment.AffiliateCommissionRate, logger)
	runner := fulfillment.NewTaskRunner(db, issuer, ledger, cfg.Tasks.MaxAttempts, downloadsPublisher, logger)

	service := fulfillment.NewService(
		fulfillment.NewGuard(orderRepo),
		fulfillment.NewMaterializer(db, orderRepo, cfg.Fulfillment.OrderNumberPrefix, logger),
		runner,
		orderRepo,
		fulfilledPublisher,
		logger,
	)

	retrier, err := fulfillment.NewRetrier(runner, fulfillment.RetrierConfig{
		Interval:  cfg.Tasks.RetryInterval,
		BatchSize: cfg.Tasks.BatchSize,
	}, logger)
	if err != nil {
		logger.Error("failed to create task retrier", "error", err)
		os.Exit(1)
	}
	retrier.Start()

	gate := downloads.NewGate(downloads.NewLinkRepository(db), catalogRepo, store, downloads.Config{
		URLTTL:       cfg.Downloads.URLTTL,
		RefreshDays:  cfg.Downloads.RefreshDays,
		MaxRefreshes: cfg.Downloads.MaxRefreshes,
	}, logger)

	webhookHandler := webhook.NewHandler(cfg.Stripe.WebhookSecret, service, webhook.NewFailureStore(db), logger)
	downloadsHandler := downloads.NewHandler(gate, logger)
	ordersHandler := fulfillment.NewHandler(orderRepo, logger)
	catalogHandler := catalog.NewHandler(catalogRepo, store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/stripe", telemetry.WithHTTPRoute(webhookHandler.HandleStripe))
	mux.HandleFunc("GET /downloads/{token}", telemetry.WithHTTPRoute(downloadsHandler.HandleDownload))
	mux.HandleFunc("GET /customer/downloads", telemetry.WithHTTPRoute(downloadsHandler.HandleList))
	mux.HandleFunc("POST /customer/downloads/{linkId}/refresh", telemetry.WithHTTPRoute(downloadsHandler.HandleRefresh))
	mux.HandleFunc("GET /orders/session/{sessionId}", telemetry.WithHTTPRoute(ordersHandler.HandleGetBySession))
	mux.HandleFunc("GET /products/{id}/files", telemetry.WithHTTPRoute(catalogHandler.HandleListFiles))
	mux.HandleFunc("POST /products/{id}/files", telemetry.WithHTTPRoute(catalogHandler.HandleUploadFile))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     telemetry.NewServerHandler(mux, serviceName),
		ReadTimeout: 30 * time.Second,
		// Uploads stream large bodies.
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting storefront service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	retrier.Stop(shutdownCtx)
}
