// internal/models/payout.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SellerPayout is money a seller earned from one settled escrow and has not
// withdrawn yet. Net = Gross - Commission - Fee.
type SellerPayout struct {
	LedgerModel
	SellerID        uuid.UUID          `json:"seller_id" gorm:"type:uuid;not null;index"`
	OrderID         uuid.UUID          `json:"order_id" gorm:"type:uuid;not null;index"`
	EscrowID        uuid.UUID          `json:"escrow_id" gorm:"type:uuid;not null;uniqueIndex"`
	Gross           decimal.Decimal    `json:"gross" gorm:"type:decimal(14,2);not null"`
	Commission      decimal.Decimal    `json:"commission" gorm:"type:decimal(14,2);not null"`
	Fee             decimal.Decimal    `json:"fee" gorm:"type:decimal(14,2);not null"`
	Net             decimal.Decimal    `json:"net" gorm:"type:decimal(14,2);not null"`
	Currency        string             `json:"currency" gorm:"size:3;not null"`
	Status          SellerPayoutStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	PayoutRequestID *uuid.UUID         `json:"payout_request_id" gorm:"type:uuid;index"`
	PaidAt          *time.Time         `json:"paid_at"`

	PayoutRequest *PayoutRequest `json:"-" gorm:"foreignKey:PayoutRequestID"`
}

// PayoutRequest batches a seller's pending SellerPayout rows into one
// withdrawal.
type PayoutRequest struct {
	LedgerModel
	SellerID              uuid.UUID           `json:"seller_id" gorm:"type:uuid;not null;index"`
	Amount                decimal.Decimal     `json:"amount" gorm:"type:decimal(14,2);not null"`
	Currency              string              `json:"currency" gorm:"size:3;not null"`
	Method                PayoutMethod        `json:"method" gorm:"type:varchar(20);not null"`
	RecipientDetails      JSONB               `json:"recipient_details" gorm:"type:jsonb"`
	Status                PayoutRequestStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	AdminNotes            string              `json:"admin_notes,omitempty" gorm:"type:text"`
	DecidedBy             *uuid.UUID          `json:"decided_by" gorm:"type:uuid"`
	DecidedAt             *time.Time          `json:"decided_at"`
	ExternalTransactionID string              `json:"external_transaction_id,omitempty" gorm:"size:255"`
	CompletedAt           *time.Time          `json:"completed_at"`
}
