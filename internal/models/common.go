// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LedgerModel is embedded by every ledger row. Rows are never deleted, so
// there is no soft-delete column. Version is bumped by every conditional
// update and is the optimistic-concurrency token.
type LedgerModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version" gorm:"not null"`
}

func (m *LedgerModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Version == 0 {
		m.Version = 1
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
}

// Enums
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodMobileMoney  PaymentMethod = "mobile_money"
	PaymentMethodGateway      PaymentMethod = "gateway"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodMobileMoney, PaymentMethodGateway, PaymentMethodBankTransfer:
		return true
	}
	return false
}

type AttemptState string

const (
	AttemptStateAwaitingPayment AttemptState = "awaiting_payment"
	AttemptStatePaid            AttemptState = "paid"
	AttemptStatePaymentFailed   AttemptState = "payment_failed"
	AttemptStatePaymentTimeout  AttemptState = "payment_timeout"
)

// Open reports whether a provider event may still move the attempt.
// A timed out attempt stays identifiable so late callbacks reconcile.
func (s AttemptState) Open() bool {
	return s == AttemptStateAwaitingPayment || s == AttemptStatePaymentTimeout
}

type EscrowStatus string

const (
	EscrowStatusPending  EscrowStatus = "pending"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusResolved DisputeStatus = "resolved"
)

type SellerPayoutStatus string

const (
	SellerPayoutStatusPending    SellerPayoutStatus = "pending"
	SellerPayoutStatusRequested  SellerPayoutStatus = "requested"
	SellerPayoutStatusProcessing SellerPayoutStatus = "processing"
	SellerPayoutStatusPaid       SellerPayoutStatus = "paid"
)

type PayoutRequestStatus string

const (
	PayoutRequestStatusRequested PayoutRequestStatus = "requested"
	PayoutRequestStatusApproved  PayoutRequestStatus = "approved"
	PayoutRequestStatusRejected  PayoutRequestStatus = "rejected"
	PayoutRequestStatusCompleted PayoutRequestStatus = "completed"
)

type PayoutMethod string

const (
	PayoutMethodBankTransfer PayoutMethod = "bank_transfer"
	PayoutMethodMobileMoney  PayoutMethod = "mobile_money"
)

type EventDisposition string

const (
	DispositionApplied         EventDisposition = "applied"
	DispositionDuplicate       EventDisposition = "duplicate"
	DispositionIgnoredTerminal EventDisposition = "ignored_terminal"
	DispositionStale           EventDisposition = "stale"
	DispositionAnomaly         EventDisposition = "anomaly"
	DispositionInformational   EventDisposition = "informational"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusDead      OutboxStatus = "dead"
)
