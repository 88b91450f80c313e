// internal/models/order.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderItem is a line item frozen at checkout. UnitPrice is never recomputed
// from the live catalog.
type OrderItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Title     string          `json:"title,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type OrderItems []OrderItem

func (items OrderItems) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

func (items OrderItems) Value() (driver.Value, error) {
	if items == nil {
		return json.Marshal([]OrderItem{})
	}
	return json.Marshal([]OrderItem(items))
}

func (items *OrderItems) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*items = nil
		return nil
	case []byte:
		return json.Unmarshal(v, items)
	case string:
		return json.Unmarshal([]byte(v), items)
	default:
		return fmt.Errorf("unsupported order items source type %T", value)
	}
}

type Order struct {
	LedgerModel
	BuyerID          uuid.UUID       `json:"buyer_id" gorm:"type:uuid;not null;index"`
	SellerID         uuid.UUID       `json:"seller_id" gorm:"type:uuid;not null;index"`
	Items            OrderItems      `json:"items" gorm:"type:jsonb;not null"`
	Total            decimal.Decimal `json:"total" gorm:"type:decimal(14,2);not null"`
	Currency         string          `json:"currency" gorm:"size:3;not null"`
	Status           OrderStatus     `json:"status" gorm:"type:varchar(20);not null;index"`
	PaymentStatus    PaymentStatus   `json:"payment_status" gorm:"type:varchar(20);not null;index"`
	PaymentMethod    PaymentMethod   `json:"payment_method" gorm:"type:varchar(20)"`
	PaymentReference string          `json:"payment_reference" gorm:"size:64;index"`
	FailureReason    string          `json:"failure_reason,omitempty" gorm:"type:text"`
	PaidAt           *time.Time      `json:"paid_at"`
	DeliveredAt      *time.Time      `json:"delivered_at"`
}

// PaymentAttempt is one provider-facing attempt to collect an order total.
// Reference is the order reference handed to the provider; a retry after a
// failure always gets a fresh Reference.
type PaymentAttempt struct {
	LedgerModel
	OrderID       uuid.UUID       `json:"order_id" gorm:"type:uuid;not null;index"`
	Method        PaymentMethod   `json:"method" gorm:"type:varchar(20);not null"`
	Reference     string          `json:"reference" gorm:"size:64;not null;uniqueIndex"`
	ProviderRef   string          `json:"provider_ref" gorm:"size:255;index"`
	PollHandle    string          `json:"poll_handle,omitempty" gorm:"size:255"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(14,2);not null"`
	Currency      string          `json:"currency" gorm:"size:3;not null"`
	State         AttemptState    `json:"state" gorm:"type:varchar(20);not null;index"`
	LastEventAt   *time.Time      `json:"last_event_at"`
	FailureReason string          `json:"failure_reason,omitempty" gorm:"type:text"`
}

// ProcessedEvent is the per-provider seen-set. A row is inserted in the same
// transaction as the state change its event caused.
type ProcessedEvent struct {
	LedgerModel
	Provider       string           `json:"provider" gorm:"size:32;not null;uniqueIndex:idx_processed_events_key"`
	IdempotencyKey string           `json:"idempotency_key" gorm:"size:255;not null;uniqueIndex:idx_processed_events_key"`
	ProviderRef    string           `json:"provider_ref" gorm:"size:255"`
	OrderRef       string           `json:"order_ref" gorm:"size:64;index"`
	Outcome        string           `json:"outcome" gorm:"size:20;not null"`
	Disposition    EventDisposition `json:"disposition" gorm:"type:varchar(20);not null"`
	OccurredAt     time.Time        `json:"occurred_at"`
}
