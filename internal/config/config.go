package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config aggregates the runtime settings shared by every binary. Each service
// reads only the sections it needs.
type Config struct {
	Port        string
	LogLevel    slog.Level
	Postgres    PostgresConfig
	Kafka       KafkaConfig
	Redis       RedisConfig
	Stripe      StripeConfig
	Blob        BlobConfig
	Fulfillment FulfillmentConfig
	Downloads   DownloadsConfig
	Tasks       TasksConfig
	Services    ServicesConfig
	Auth        AuthConfig
	Gateway     GatewayConfig
	Migrations  MigrationsConfig
	Telemetry   TelemetryConfig
}

type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type RedisConfig struct {
	URL string
}

type StripeConfig struct {
	WebhookSecret string
}

type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type FulfillmentConfig struct {
	OrderNumberPrefix       string
	LicenseMaxActivations   int
	AffiliateCommissionRate decimal.Decimal
}

type DownloadsConfig struct {
	ExpiryDays   int
	MaxDownloads int
	RefreshDays  int
	// Zero disables the cap.
	MaxRefreshes int
	URLTTL       time.Duration
	RateLimit    int
}

type TasksConfig struct {
	RetryInterval time.Duration
	MaxAttempts   int
	BatchSize     int
}

type ServicesConfig struct {
	StorefrontURL string
	EmailURL      string
}

type AuthConfig struct {
	// JWTSecret verifies customer bearer tokens. Empty disables the
	// customer routes at the gateway.
	JWTSecret string
}

type GatewayConfig struct {
	// TrustedProxies are addresses or CIDR ranges allowed to set
	// X-Forwarded-For.
	TrustedProxies []string
}

type MigrationsConfig struct {
	Path string
}

type TelemetryConfig struct {
	OTLPEndpoint   string
	ServiceVersion string
}

// Load reads configuration from the environment (optionally .env) and applies
// defaults. defaultPort is used when PORT is unset.
func Load(defaultPort string) *Config {
	_ = godotenv.Load(".env")

	return &Config{
		Port:     getString("PORT", defaultPort),
		LogLevel: getLevel("LOG_LEVEL", slog.LevelInfo),
		Postgres: PostgresConfig{
			URL:          os.Getenv("POSTGRES_URL"),
			MaxOpenConns: getInt("POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getInt("POSTGRES_MAX_IDLE_CONNS", 10),
		},
		Kafka: KafkaConfig{
			Brokers: getList("KAFKA_BROKERS"),
			Topic:   getString("KAFKA_TOPIC", "order.fulfilled"),
			GroupID: getString("KAFKA_GROUP_ID", "notification-worker"),
		},
		Redis: RedisConfig{
			URL: getString("REDIS_URL", "redis://localhost:6379/0"),
		},
		Stripe: StripeConfig{
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Blob: BlobConfig{
			Endpoint:  getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getString("MINIO_BUCKET", "products"),
			Region:    getString("MINIO_REGION", "us-east-1"),
			UseSSL:    getBool("MINIO_USE_SSL", false),
		},
		Fulfillment: FulfillmentConfig{
			OrderNumberPrefix:       getString("ORDER_NUMBER_PREFIX", "OG"),
			LicenseMaxActivations:   getInt("LICENSE_MAX_ACTIVATIONS", 3),
			AffiliateCommissionRate: getDecimal("AFFILIATE_COMMISSION_RATE", decimal.RequireFromString("0.10")),
		},
		Downloads: DownloadsConfig{
			ExpiryDays:   getInt("DOWNLOAD_EXPIRY_DAYS", 30),
			MaxDownloads: getInt("DOWNLOAD_MAX_DOWNLOADS", 5),
			RefreshDays:  getInt("DOWNLOAD_REFRESH_DAYS", 7),
			MaxRefreshes: getInt("DOWNLOAD_MAX_REFRESHES", 0),
			URLTTL:       getDuration("DOWNLOAD_URL_TTL", time.Hour),
			RateLimit:    getInt("DOWNLOAD_RATE_LIMIT", 20),
		},
		Tasks: TasksConfig{
			RetryInterval: getDuration("TASK_RETRY_INTERVAL", 30*time.Second),
			MaxAttempts:   getInt("TASK_MAX_ATTEMPTS", 5),
			BatchSize:     getInt("TASK_BATCH_SIZE", 20),
		},
		Services: ServicesConfig{
			StorefrontURL: os.Getenv("STOREFRONT_SERVICE_URL"),
			EmailURL:      os.Getenv("EMAIL_SERVICE_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("CUSTOMER_JWT_SECRET"),
		},
		Gateway: GatewayConfig{
			TrustedProxies: getList("TRUSTED_PROXIES"),
		},
		Migrations: MigrationsConfig{
			Path: getString("MIGRATIONS_PATH", "file://migrations"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   getString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceVersion: getString("SERVICE_VERSION", "0.1.0"),
		},
	}
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if parsed, err := decimal.NewFromString(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getLevel(key string, fallback slog.Level) slog.Level {
	if val := os.Getenv(key); val != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(val)); err == nil {
			return level
		}
	}
	return fallback
}
