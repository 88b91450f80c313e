// internal/models/escrow.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowPayment holds an order's funds until release or refund. Both
// terminal states are one-shot.
type EscrowPayment struct {
	LedgerModel
	OrderID    uuid.UUID       `json:"order_id" gorm:"type:uuid;not null;uniqueIndex"`
	SellerID   uuid.UUID       `json:"seller_id" gorm:"type:uuid;not null;index"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(14,2);not null"`
	Currency   string          `json:"currency" gorm:"size:3;not null"`
	Status     EscrowStatus    `json:"status" gorm:"type:varchar(20);not null;index"`
	ReleasedAt *time.Time      `json:"released_at"`
	RefundedAt *time.Time      `json:"refunded_at"`
}

func (e *EscrowPayment) Terminal() bool {
	return e.Status == EscrowStatusReleased || e.Status == EscrowStatusRefunded
}

type PaymentDispute struct {
	LedgerModel
	OrderID       uuid.UUID        `json:"order_id" gorm:"type:uuid;not null;uniqueIndex"`
	EscrowID      uuid.UUID        `json:"escrow_id" gorm:"type:uuid;not null;index"`
	OpenedBy      uuid.UUID        `json:"opened_by" gorm:"type:uuid;not null"`
	Reason        string           `json:"reason" gorm:"type:text;not null"`
	Status        DisputeStatus    `json:"status" gorm:"type:varchar(20);not null;index"`
	Resolution    string           `json:"resolution,omitempty" gorm:"type:text"`
	RefundToBuyer *bool            `json:"refund_to_buyer"`
	RefundAmount  *decimal.Decimal `json:"refund_amount" gorm:"type:decimal(14,2)"`
	ResolvedBy    *uuid.UUID       `json:"resolved_by" gorm:"type:uuid"`
	ResolvedAt    *time.Time       `json:"resolved_at"`
}
