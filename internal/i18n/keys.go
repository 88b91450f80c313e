// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Common
	KeySuccess = "success"
	KeyError   = "error"

	// Authentication
	KeyAuthRequired      = "auth.required"
	KeyAuthInvalidToken  = "auth.invalid_token"
	KeyAuthTokenExpired  = "auth.token_expired"
	KeyAuthAccessDenied  = "auth.access_denied"
	KeyAdminAccessDenied = "admin.access_denied"
	KeyRateLimitExceeded = "rate_limit.exceeded"

	// Validation
	KeyValidationInvalid  = "validation.invalid"
	KeyValidationRequired = "validation.required"

	// Orders
	KeyOrderCreated   = "order.created"
	KeyOrderNotFound  = "order.not_found"
	KeyOrderFulfilled = "order.fulfilled"

	// Payments
	KeyPaymentInitiated           = "payment.initiated"
	KeyPaymentNotFound            = "payment.not_found"
	KeyPaymentProviderDown        = "payment.provider_unavailable"
	KeyPaymentTimeout             = "payment.timeout"
	KeyPaymentSignatureInvalid    = "payment.signature_invalid"
	KeyPaymentUnknownOrder        = "payment.unknown_order"
	KeyPaymentUnsupportedProvider = "payment.unsupported_provider"
	KeyWebhookProcessed           = "webhook.processed"

	// Escrow and disputes
	KeyDisputeOpened   = "dispute.opened"
	KeyDisputeResolved = "dispute.resolved"
	KeyDisputeNotFound = "dispute.not_found"
	KeyEscrowReleased  = "escrow.released"
	KeyEscrowNotFound  = "escrow.not_found"

	// Payouts
	KeyPayoutRequested           = "payout.requested"
	KeyPayoutDecided             = "payout.decided"
	KeyPayoutCompleted           = "payout.completed"
	KeyPayoutNotFound            = "payout.not_found"
	KeyPayoutInsufficientBalance = "payout.insufficient_balance"

	// Notifications
	KeyNotificationNotFound  = "notification.not_found"
	KeyAdminNotificationRead = "admin_notification.read"

	// Conflicts
	KeyConflict = "conflict"

	// Server
	KeyInternalError = "server.internal_error"
)
