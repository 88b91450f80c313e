// internal/models/outbox.go
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outbox topics.
const (
	TopicPaymentSucceeded    = "notification.payment_succeeded"
	TopicPaymentFailed       = "notification.payment_failed"
	TopicDisputeOpened       = "notification.dispute_opened"
	TopicDisputeResolved     = "notification.dispute_resolved"
	TopicEscrowReleased      = "notification.escrow_released"
	TopicPayoutRequested     = "notification.payout_requested"
	TopicPayoutDecided       = "notification.payout_decided"
	TopicPayoutCompleted     = "notification.payout_completed"
	TopicPaymentAnomaly      = "notification.payment_anomaly"
	TopicDisbursementExecute = "disbursement.execute"
	TopicRefundExecute       = "refund.execute"
)

// OutboxMessage is written in the same transaction as the ledger transition
// it describes and delivered at least once by the dispatcher.
type OutboxMessage struct {
	LedgerModel
	Topic         string       `json:"topic" gorm:"size:64;not null;index"`
	Payload       JSONB        `json:"payload" gorm:"type:jsonb;not null"`
	Status        OutboxStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	Attempts      int          `json:"attempts" gorm:"not null"`
	NextAttemptAt time.Time    `json:"next_attempt_at" gorm:"index"`
	LastError     string       `json:"last_error,omitempty" gorm:"type:text"`
	DeliveredAt   *time.Time   `json:"delivered_at"`
}

func (m *OutboxMessage) IsNotification() bool {
	return strings.HasPrefix(m.Topic, "notification.")
}

// Notification is an in-app message for a buyer or seller.
type Notification struct {
	LedgerModel
	UserID          uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index"`
	Type            string     `json:"type" gorm:"size:64;not null"`
	Title           string     `json:"title" gorm:"size:255;not null"`
	Message         string     `json:"message" gorm:"type:text"`
	Data            JSONB      `json:"data" gorm:"type:jsonb"`
	OutboxMessageID uuid.UUID  `json:"outbox_message_id" gorm:"type:uuid;uniqueIndex"`
	ReadAt          *time.Time `json:"read_at"`
}
