package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "KAFKA_BROKERS", "DOWNLOAD_EXPIRY_DAYS", "DOWNLOAD_MAX_DOWNLOADS",
		"DOWNLOAD_REFRESH_DAYS", "DOWNLOAD_MAX_REFRESHES", "DOWNLOAD_URL_TTL",
		"AFFILIATE_COMMISSION_RATE", "ORDER_NUMBER_PREFIX", "LICENSE_MAX_ACTIVATIONS",
		"TASK_MAX_ATTEMPTS", "DOWNLOAD_RATE_LIMIT", "CUSTOMER_JWT_SECRET", "TRUSTED_PROXIES",
	} {
		t.Setenv(key, "")
	}

	cfg := Load("8081")

	if cfg.Port != "8081" {
		t.Errorf("expected port 8081, got %s", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.LogLevel)
	}
	if cfg.Kafka.Brokers != nil {
		t.Errorf("expected no brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Downloads.ExpiryDays != 30 {
		t.Errorf("expected 30 expiry days, got %d", cfg.Downloads.ExpiryDays)
	}
	if cfg.Downloads.MaxDownloads != 5 {
		t.Errorf("expected 5 max downloads, got %d", cfg.Downloads.MaxDownloads)
	}
	if cfg.Downloads.RefreshDays != 7 {
		t.Errorf("expected 7 refresh days, got %d", cfg.Downloads.RefreshDays)
	}
	if cfg.Downloads.MaxRefreshes != 0 {
		t.Errorf("expected unlimited refreshes, got %d", cfg.Downloads.MaxRefreshes)
	}
	if cfg.Downloads.URLTTL != time.Hour {
		t.Errorf("expected 1h url ttl, got %s", cfg.Downloads.URLTTL)
	}
	if cfg.Downloads.RateLimit != 20 {
		t.Errorf("expected rate limit 20, got %d", cfg.Downloads.RateLimit)
	}
	if cfg.Fulfillment.AffiliateCommissionRate.String() != "0.1" {
		t.Errorf("expected commission 0.1, got %s", cfg.Fulfillment.AffiliateCommissionRate)
	}
	if cfg.Fulfillment.OrderNumberPrefix != "OG" {
		t.Errorf("expected prefix OG, got %s", cfg.Fulfillment.OrderNumberPrefix)
	}
	if cfg.Fulfillment.LicenseMaxActivations != 3 {
		t.Errorf("expected 3 activations, got %d", cfg.Fulfillment.LicenseMaxActivations)
	}
	if cfg.Tasks.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Tasks.MaxAttempts)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Error("expected no customer jwt secret")
	}
	if cfg.Gateway.TrustedProxies != nil {
		t.Errorf("expected no trusted proxies, got %v", cfg.Gateway.TrustedProxies)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("AFFILIATE_COMMISSION_RATE", "0.15")
	t.Setenv("DOWNLOAD_URL_TTL", "900")
	t.Setenv("TASK_RETRY_INTERVAL", "1m")
	t.Setenv("DOWNLOAD_MAX_DOWNLOADS", "not-a-number")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.10")

	cfg := Load("8081")

	if cfg.Port != "9000" {
		t.Errorf("expected port 9000, got %s", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.LogLevel)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if len(cfg.Gateway.TrustedProxies) != 2 || cfg.Gateway.TrustedProxies[0] != "10.0.0.0/8" {
		t.Errorf("unexpected trusted proxies: %v", cfg.Gateway.TrustedProxies)
	}
	if cfg.Fulfillment.AffiliateCommissionRate.String() != "0.15" {
		t.Errorf("expected commission 0.15, got %s", cfg.Fulfillment.AffiliateCommissionRate)
	}
	if cfg.Downloads.URLTTL != 15*time.Minute {
		t.Errorf("expected 15m url ttl, got %s", cfg.Downloads.URLTTL)
	}
	if cfg.Tasks.RetryInterval != time.Minute {
		t.Errorf("expected 1m retry interval, got %s", cfg.Tasks.RetryInterval)
	}
	if cfg.Downloads.MaxDownloads != 5 {
		t.Errorf("expected fallback of 5 for invalid value, got %d", cfg.Downloads.MaxDownloads)
	}
}
