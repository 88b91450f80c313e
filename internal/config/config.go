// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	CORS        CORSConfig
	RateLimit   RateLimitConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Redis       RedisConfig
	AWS         AWSConfig
	Payment     PaymentConfig
	Providers   ProvidersConfig
	Worker      WorkerConfig
	Telemetry   TelemetryConfig
	I18n        I18nConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         int // in hours
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	WebhookPerSecond  float64
	WebhookBurst      int
}

type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	MaxLifetime    int
	ConnectTimeout int // in seconds
	LogLevel       string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	LockTTL  int // in seconds
	SeenTTL  int // in hours
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

// PaymentConfig holds the platform economics and the retry budget for
// outbound provider calls.
type PaymentConfig struct {
	Currency               string
	PlatformCommissionRate float64
	ProcessingFee          float64
	MinimumPayout          float64
	DisputeWindowHours     int
	PushTimeoutSeconds     int
	RetryMaxAttempts       int
	RetryBaseDelayMs       int
	RetryMaxDelayMs        int
}

func (p PaymentConfig) CommissionRate() decimal.Decimal {
	return decimal.NewFromFloat(p.PlatformCommissionRate)
}

func (p PaymentConfig) FixedFee() decimal.Decimal {
	return decimal.NewFromFloat(p.ProcessingFee)
}

func (p PaymentConfig) MinimumPayoutAmount() decimal.Decimal {
	return decimal.NewFromFloat(p.MinimumPayout)
}

func (p PaymentConfig) DisputeWindow() time.Duration {
	return time.Duration(p.DisputeWindowHours) * time.Hour
}

func (p PaymentConfig) PushTimeout() time.Duration {
	return time.Duration(p.PushTimeoutSeconds) * time.Second
}

type ProvidersConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string

	MobileMoneyBaseURL        string
	MobileMoneyAPIKey         string
	MobileMoneyCallbackSecret string
	MobileMoneyCallbackURL    string

	GatewayBaseURL    string
	GatewayMerchantID string
	GatewaySecret     string
	GatewayReturnURL  string

	BankSharedSecret  string
	BankName          string
	BankAccountName   string
	BankAccountNumber string
}

type WorkerConfig struct {
	Enabled              bool
	SweepIntervalSeconds int
	BatchSize            int
	OutboxMaxAttempts    int
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

type I18nConfig struct {
	DefaultLocale string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			MaxAge:         getEnvAsInt("CORS_MAX_AGE", 12),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
			WebhookPerSecond:  getEnvAsFloat("WEBHOOK_RATE_LIMIT_RPS", 50),
			WebhookBurst:      getEnvAsInt("WEBHOOK_RATE_LIMIT_BURST", 100),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", ""),
			Database:       getEnv("DB_NAME", "imi_ledger"),
			SSLMode:        getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:   getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:   getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:    getEnvAsInt("DB_MAX_LIFETIME", 300),
			ConnectTimeout: getEnvAsInt("DB_CONNECT_TIMEOUT", 5),
			LogLevel:       getEnv("DB_LOG_LEVEL", "silent"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsInt("REDIS_LOCK_TTL", 30),
			SeenTTL:  getEnvAsInt("REDIS_SEEN_TTL", 72),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_WEBHOOK_ARCHIVE_BUCKET", ""),
		},
		Payment: PaymentConfig{
			Currency:               strings.ToUpper(getEnv("PAYMENT_CURRENCY", "USD")),
			PlatformCommissionRate: getEnvAsFloat("PLATFORM_COMMISSION_RATE", 0.05),
			ProcessingFee:          getEnvAsFloat("PAYMENT_PROCESSING_FEE", 0),
			MinimumPayout:          getEnvAsFloat("MINIMUM_PAYOUT", 1000),
			DisputeWindowHours:     getEnvAsInt("DISPUTE_WINDOW_HOURS", 72),
			PushTimeoutSeconds:     getEnvAsInt("PUSH_PAYMENT_TIMEOUT", 120),
			RetryMaxAttempts:       getEnvAsInt("PROVIDER_RETRY_MAX_ATTEMPTS", 4),
			RetryBaseDelayMs:       getEnvAsInt("PROVIDER_RETRY_BASE_DELAY_MS", 200),
			RetryMaxDelayMs:        getEnvAsInt("PROVIDER_RETRY_MAX_DELAY_MS", 5000),
		},
		Providers: ProvidersConfig{
			StripeSecretKey:           getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret:       getEnv("STRIPE_WEBHOOK_SECRET", ""),
			MobileMoneyBaseURL:        getEnv("MOBILE_MONEY_BASE_URL", ""),
			MobileMoneyAPIKey:         getEnv("MOBILE_MONEY_API_KEY", ""),
			MobileMoneyCallbackSecret: getEnv("MOBILE_MONEY_CALLBACK_SECRET", ""),
			MobileMoneyCallbackURL:    getEnv("MOBILE_MONEY_CALLBACK_URL", ""),
			GatewayBaseURL:            getEnv("GATEWAY_BASE_URL", ""),
			GatewayMerchantID:         getEnv("GATEWAY_MERCHANT_ID", ""),
			GatewaySecret:             getEnv("GATEWAY_SECRET", ""),
			GatewayReturnURL:          getEnv("GATEWAY_RETURN_URL", ""),
			BankSharedSecret:          getEnv("BANK_SHARED_SECRET", ""),
			BankName:                  getEnv("BANK_NAME", ""),
			BankAccountName:           getEnv("BANK_ACCOUNT_NAME", ""),
			BankAccountNumber:         getEnv("BANK_ACCOUNT_NUMBER", ""),
		},
		Worker: WorkerConfig{
			Enabled:              getEnvAsBool("WORKER_ENABLED", true),
			SweepIntervalSeconds: getEnvAsInt("WORKER_SWEEP_INTERVAL", 30),
			BatchSize:            getEnvAsInt("WORKER_BATCH_SIZE", 100),
			OutboxMaxAttempts:    getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getEnvAsBool("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "imi-ledger"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:     getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		I18n: I18nConfig{
			DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.Payment.PlatformCommissionRate < 0 || c.Payment.PlatformCommissionRate > 1 {
		return fmt.Errorf("platform commission rate must be between 0 and 1, got %v", c.Payment.PlatformCommissionRate)
	}

	if c.Payment.ProcessingFee < 0 {
		return fmt.Errorf("payment processing fee cannot be negative")
	}

	if c.Payment.MinimumPayout <= 0 {
		return fmt.Errorf("minimum payout must be positive")
	}

	if c.Payment.RetryMaxAttempts < 1 {
		return fmt.Errorf("provider retry budget must allow at least one attempt")
	}

	if c.Environment != "production" {
		return nil
	}

	if c.JWT.SecretKey == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Providers.StripeSecretKey != "" && c.Providers.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required when card payments are enabled")
	}

	if c.Providers.MobileMoneyBaseURL != "" && c.Providers.MobileMoneyCallbackSecret == "" {
		return fmt.Errorf("mobile money callback secret is required when push payments are enabled")
	}

	if c.Providers.GatewayBaseURL != "" && c.Providers.GatewaySecret == "" {
		return fmt.Errorf("gateway secret is required when the hosted gateway is enabled")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
