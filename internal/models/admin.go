// internal/models/admin.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions.
const (
	AuditActionFinancialConflict = "FINANCIAL_CONFLICT"
	AuditActionAnomaly           = "PAYMENT_ANOMALY"
	AuditActionDisputeResolved   = "DISPUTE_RESOLVED"
	AuditActionEscrowReleased    = "ESCROW_RELEASED"
	AuditActionPayoutDecided     = "PAYOUT_DECIDED"
	AuditActionPayoutCompleted   = "PAYOUT_COMPLETED"
	AuditActionRefundExecuted    = "REFUND_EXECUTED"
	AuditActionOrderFulfilled    = "ORDER_FULFILLED"
	AuditActionAdminRequest      = "ADMIN_REQUEST"
)

type AuditLog struct {
	LedgerModel
	UserID       *uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Action       string     `json:"action" gorm:"size:100;not null;index"`
	ResourceType string     `json:"resource_type" gorm:"size:50;not null;index"`
	ResourceID   *uuid.UUID `json:"resource_id" gorm:"type:uuid;index"`
	OldValues    JSONB      `json:"old_values" gorm:"type:jsonb"`
	NewValues    JSONB      `json:"new_values" gorm:"type:jsonb"`
	IPAddress    string     `json:"ip_address" gorm:"size:45"`
	UserAgent    string     `json:"user_agent" gorm:"type:text"`
}

const (
	AdminPriorityHigh   = "high"
	AdminPriorityMedium = "medium"

	AdminNotificationUnread = "unread"
	AdminNotificationRead   = "read"
)

// AdminNotification is raised for operations staff: payment anomalies,
// dead outbox messages and refunds that need a human.
type AdminNotification struct {
	LedgerModel
	Type                string     `json:"type" gorm:"type:varchar(50);not null;index"`
	Title               string     `json:"title" gorm:"size:255;not null"`
	Message             string     `json:"message" gorm:"type:text;not null"`
	Priority            string     `json:"priority" gorm:"type:varchar(20);not null;index"`
	Status              string     `json:"status" gorm:"type:varchar(20);not null;index"`
	RelatedResourceType string     `json:"related_resource_type,omitempty" gorm:"size:50"`
	RelatedResourceID   *uuid.UUID `json:"related_resource_id" gorm:"type:uuid"`
	OutboxMessageID     *uuid.UUID `json:"-" gorm:"type:uuid;uniqueIndex"`
	ReadAt              *time.Time `json:"read_at"`
}
