// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/archive"
	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/handlers"
	"github.com/javajoker/imi-ledger/internal/middleware"
	"github.com/javajoker/imi-ledger/internal/providers"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/telemetry"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// Dependencies are the collaborators the HTTP surface is built from.
type Dependencies struct {
	Config    *config.Config
	DB        *gorm.DB
	JWT       *utils.JWTManager
	Telemetry *telemetry.Provider
	Registry  *providers.Registry
	Archiver  archive.Archiver

	Checkout       *services.CheckoutService
	Reconciliation *services.ReconciliationService
	Escrow         *services.EscrowService
	Payouts        *services.PayoutService
	Admin          *services.AdminService
	Notifications  *services.NotificationService

	GeneralLimiter *middleware.RateLimiter
	WebhookLimiter *middleware.RateLimiter
}

func Initialize(deps Dependencies) *gin.Engine {
	// Initialize handlers
	webhookHandler := handlers.NewWebhookHandler(deps.Registry, deps.Reconciliation, deps.Archiver)
	orderHandler := handlers.NewOrderHandler(deps.Checkout, deps.Escrow)
	payoutHandler := handlers.NewPayoutHandler(deps.Payouts)
	notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
	adminHandler := handlers.NewAdminHandler(deps.Admin, deps.Escrow, deps.Payouts)

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(tel.Middleware())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(deps.Config.CORS))
	r.Use(middleware.I18nMiddleware(deps.Config.I18n.DefaultLocale))

	// Health checks
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		sqlDB, err := deps.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Provider callbacks authenticate by signature, not bearer token
		webhooks := v1.Group("/webhooks")
		if deps.WebhookLimiter != nil {
			webhooks.Use(deps.WebhookLimiter.Middleware())
		}
		{
			webhooks.POST("/:provider", webhookHandler.Receive)
		}

		authed := v1.Group("")
		if deps.GeneralLimiter != nil {
			authed.Use(deps.GeneralLimiter.Middleware())
		}
		authed.Use(middleware.AuthRequired(deps.JWT))

		// Order routes
		orders := authed.Group("/orders")
		{
			orders.POST("", orderHandler.CreateOrder)
			orders.GET("/:id", orderHandler.GetOrder)
			orders.POST("/:id/pay", orderHandler.Pay)
			orders.PUT("/:id/fulfillment", orderHandler.UpdateFulfillment)
			orders.POST("/:id/disputes", orderHandler.OpenDispute)
		}

		// Payout routes
		payouts := authed.Group("/payouts")
		{
			payouts.GET("/balance", payoutHandler.GetBalance)
			payouts.POST("/requests", payoutHandler.RequestPayout)
			payouts.GET("/requests", payoutHandler.ListPayoutRequests)
		}

		// Notification routes
		notifications := authed.Group("/notifications")
		{
			notifications.GET("", notificationHandler.GetNotifications)
			notifications.PUT("/:id/read", notificationHandler.MarkRead)
		}

		// Admin routes
		admin := authed.Group("/admin")
		admin.Use(middleware.AdminRequired())
		admin.Use(middleware.AuditLogMiddleware(deps.DB))
		{
			admin.GET("/dashboard", adminHandler.GetDashboardStats)
			admin.GET("/audit-logs", adminHandler.GetAuditLogs)

			admin.GET("/notifications", adminHandler.GetAdminNotifications)
			admin.PUT("/notifications/:id/read", adminHandler.MarkAdminNotificationRead)

			admin.PUT("/disputes/:id/resolve", adminHandler.ResolveDispute)

			admin.POST("/escrow/release-due", adminHandler.ReleaseDue)
			admin.POST("/escrow/:id/release", adminHandler.ReleaseEscrow)

			admin.GET("/payouts", adminHandler.GetPayoutRequests)
			admin.PUT("/payouts/:id/decision", adminHandler.DecidePayoutRequest)
			admin.PUT("/payouts/:id/complete", adminHandler.CompletePayoutRequest)
		}
	}

	return r
}
