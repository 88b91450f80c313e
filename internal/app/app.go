// Package app builds the ledger's object graph from configuration. The
// HTTP server and ledgerctl share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/archive"
	"github.com/javajoker/imi-ledger/internal/cache"
	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/lock"
	"github.com/javajoker/imi-ledger/internal/middleware"
	"github.com/javajoker/imi-ledger/internal/providers"
	"github.com/javajoker/imi-ledger/internal/router"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/telemetry"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type Container struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Telemetry *telemetry.Provider
	JWT       *utils.JWTManager
	Archiver  archive.Archiver
	Registry  *providers.Registry
	Locker    lock.Locker
	Seen      cache.SeenSet

	Gate           services.Gate
	Admin          *services.AdminService
	Notifications  *services.NotificationService
	Checkout       *services.CheckoutService
	Reconciliation *services.ReconciliationService
	Escrow         *services.EscrowService
	Payouts        *services.PayoutService
	Outbox         *services.OutboxService
	Sweeper        *services.Sweeper

	generalLimiter *middleware.RateLimiter
	webhookLimiter *middleware.RateLimiter
}

// ConfigureLogging applies the configured level and switches to JSON output
// in production.
func ConfigureLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// New opens every external connection and wires the services. Call Close
// when done, including after a partial failure.
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	if err := i18n.Initialize(cfg.I18n.DefaultLocale); err != nil {
		return c, fmt.Errorf("failed to initialize i18n: %w", err)
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Environment)
	if err != nil {
		return c, err
	}
	c.Telemetry = tel

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		return c, fmt.Errorf("failed to initialize database: %w", err)
	}
	c.DB = db

	if cfg.Redis.Enabled {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return c, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.Locker = lock.NewRedisLocker(c.Redis, time.Duration(cfg.Redis.LockTTL)*time.Second)
		c.Seen = cache.NewRedisSeenSet(c.Redis, time.Duration(cfg.Redis.SeenTTL)*time.Hour)
		logrus.WithField("addr", cfg.Redis.Addr()).Info("Using redis for locks and the seen-set")
	} else {
		c.Locker = lock.NewMemoryLocker()
		c.Seen = cache.NopSeenSet{}
		logrus.Warn("Redis disabled, locks are process-local")
	}

	c.Archiver, err = archive.New(cfg.AWS)
	if err != nil {
		return c, err
	}

	c.Registry = BuildRegistry(cfg)
	c.JWT = utils.NewJWTManager(cfg.JWT.SecretKey, time.Duration(cfg.JWT.AccessTokenTTL)*time.Hour)
	c.wireServices()

	return c, nil
}

// BuildRegistry registers the rails that have credentials configured.
func BuildRegistry(cfg *config.Config) *providers.Registry {
	p := cfg.Providers
	retry := retryPolicy(cfg.Payment)

	var adapters []providers.Adapter
	if p.StripeSecretKey != "" {
		adapters = append(adapters, providers.NewCardAdapter(p.StripeSecretKey, p.StripeWebhookSecret, retry))
	}
	if p.MobileMoneyBaseURL != "" {
		adapters = append(adapters, providers.NewMobileMoneyAdapter(providers.MobileMoneyOptions{
			BaseURL:        p.MobileMoneyBaseURL,
			APIKey:         p.MobileMoneyAPIKey,
			CallbackSecret: p.MobileMoneyCallbackSecret,
			CallbackURL:    p.MobileMoneyCallbackURL,
			Retry:          retry,
		}))
	}
	if p.GatewayBaseURL != "" {
		adapters = append(adapters, providers.NewGatewayAdapter(providers.GatewayOptions{
			BaseURL:    p.GatewayBaseURL,
			MerchantID: p.GatewayMerchantID,
			Secret:     p.GatewaySecret,
			ReturnURL:  p.GatewayReturnURL,
			Retry:      retry,
		}))
	}
	if p.BankSharedSecret != "" {
		adapters = append(adapters, providers.NewBankTransferAdapter(providers.BankTransferOptions{
			SharedSecret:  p.BankSharedSecret,
			BankName:      p.BankName,
			AccountName:   p.BankAccountName,
			AccountNumber: p.BankAccountNumber,
		}))
	}

	registry := providers.NewRegistry(adapters...)
	logrus.WithField("providers", registry.Names()).Info("Payment providers registered")
	return registry
}

// retryPolicy reads the provider retry settings; unset fields keep the
// defaults.
func retryPolicy(p config.PaymentConfig) utils.RetryPolicy {
	policy := utils.DefaultRetryPolicy()
	if p.RetryMaxAttempts > 0 {
		policy.MaxAttempts = p.RetryMaxAttempts
	}
	if p.RetryBaseDelayMs > 0 {
		policy.BaseDelay = time.Duration(p.RetryBaseDelayMs) * time.Millisecond
	}
	if p.RetryMaxDelayMs > 0 {
		policy.MaxDelay = time.Duration(p.RetryMaxDelayMs) * time.Millisecond
	}
	return policy
}

func (c *Container) wireServices() {
	cfg := c.Config

	c.Gate = services.NewRoleGate()
	c.Admin = services.NewAdminService(c.DB)
	c.Notifications = services.NewNotificationService(c.DB, cfg.I18n.DefaultLocale)
	c.Checkout = services.NewCheckoutService(c.DB, c.Locker, c.Registry, c.Gate, cfg.Payment, c.Telemetry)
	c.Reconciliation = services.NewReconciliationService(c.DB, c.Locker, c.Seen, c.Registry, cfg.Payment, cfg.Worker.BatchSize, c.Telemetry)
	c.Escrow = services.NewEscrowService(c.DB, c.Locker, c.Gate, c.Admin, cfg.Payment, cfg.Worker.BatchSize, c.Telemetry)
	c.Payouts = services.NewPayoutService(c.DB, c.Locker, c.Gate, c.Admin, cfg.Payment, c.Telemetry)
	c.Outbox = services.NewOutboxService(c.DB, cfg.Worker, c.Notifications,
		services.NewManualDisbursementExecutor(c.DB),
		services.NewProviderRefundExecutor(c.DB, c.Registry),
		c.Telemetry)
	c.Sweeper = services.NewSweeper(c.Reconciliation, c.Escrow, c.Outbox,
		time.Duration(cfg.Worker.SweepIntervalSeconds)*time.Second)
}

// Router builds the HTTP surface. Its rate limiters are stopped by Close.
func (c *Container) Router() *gin.Engine {
	rl := c.Config.RateLimit
	c.generalLimiter = middleware.NewRateLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst)
	c.webhookLimiter = middleware.NewRateLimiter(rate.Limit(rl.WebhookPerSecond), rl.WebhookBurst)
	c.generalLimiter.StartCleanup(time.Minute)
	c.webhookLimiter.StartCleanup(time.Minute)

	return router.Initialize(router.Dependencies{
		Config:         c.Config,
		DB:             c.DB,
		JWT:            c.JWT,
		Telemetry:      c.Telemetry,
		Registry:       c.Registry,
		Archiver:       c.Archiver,
		Checkout:       c.Checkout,
		Reconciliation: c.Reconciliation,
		Escrow:         c.Escrow,
		Payouts:        c.Payouts,
		Admin:          c.Admin,
		Notifications:  c.Notifications,
		GeneralLimiter: c.generalLimiter,
		WebhookLimiter: c.webhookLimiter,
	})
}

// Close releases everything New opened, in reverse order.
func (c *Container) Close(ctx context.Context) {
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	if c.generalLimiter != nil {
		c.generalLimiter.Stop()
	}
	if c.webhookLimiter != nil {
		c.webhookLimiter.Stop()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logrus.WithError(err).Warn("Error closing redis client")
		}
	}
	if c.DB != nil {
		database.Close(c.DB)
	}
	if c.Telemetry != nil {
		_ = c.Telemetry.Shutdown(ctx)
	}
}
