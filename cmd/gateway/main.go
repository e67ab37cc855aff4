package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-fontenele/storefront-fulfillment/internal/config"
	"github.com/joao-fontenele/storefront-fulfillment/internal/gateway"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ratelimit"
	"github.com/joao-fontenele/storefront-fulfillment/internal/telemetry"
)

func main() {
	ctx := context.Background()
	cfg := config.Load("8080")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "gateway", cfg.Telemetry.ServiceVersion, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	if cfg.Services.StorefrontURL == "" {
		logger.Error("STOREFRONT_SERVICE_URL is required")
		os.Exit(1)
	}

	redisClient, err := ratelimit.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	limiter := ratelimit.NewLimiter(redisClient, "downloads", cfg.Downloads.RateLimit, time.Minute)

	trustedProxies, err := gateway.ParseTrustedProxies(cfg.Gateway.TrustedProxies)
	if err != nil {
		logger.Error("invalid TRUSTED_PROXIES", "error", err)
		os.Exit(1)
	}

	var auth *gateway.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth, err = gateway.NewAuthenticator(cfg.Auth.JWTSecret)
		if err != nil {
			logger.Error("failed to configure customer auth", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("CUSTOMER_JWT_SECRET not set, customer routes disabled")
	}

	storefrontProxy := gateway.NewServiceProxy(cfg.Services.StorefrontURL, telemetry.NewHTTPClient(30*time.Second))
	handler := gateway.NewHandler(storefrontProxy, gateway.Options{
		DownloadLimiter: limiter,
		Auth:            auth,
		TrustedProxies:  trustedProxies,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/stripe", telemetry.WithHTTPRoute(handler.HandleStorefront))
	mux.HandleFunc("GET /downloads/{token}", telemetry.WithHTTPRoute(handler.HandleDownload))
	if auth != nil {
		mux.HandleFunc("GET /customer/downloads", telemetry.WithHTTPRoute(handler.HandleCustomer))
		mux.HandleFunc("POST /customer/downloads/{linkId}/refresh", telemetry.WithHTTPRoute(handler.HandleCustomer))
	}
	mux.HandleFunc("GET /orders/session/{sessionId}", telemetry.WithHTTPRoute(handler.HandleStorefront))
	mux.HandleFunc("GET /products/{id}/files", telemetry.WithHTTPRoute(handler.HandleStorefront))
	mux.HandleFunc("POST /products/{id}/files", telemetry.WithHTTPRoute(handler.HandleStorefront))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.NewServerHandler(mux, "gateway"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting gateway service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
