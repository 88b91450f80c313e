// internal/services/checkout_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/lock"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/providers"
	"github.com/javajoker/imi-ledger/internal/telemetry"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// CheckoutService records orders and starts payment attempts. Attempts are
// created under the order lock; the provider is called after the lock and
// the transaction are released.
type CheckoutService struct {
	db        *gorm.DB
	locker    lock.Locker
	registry  *providers.Registry
	gate      Gate
	payment   config.PaymentConfig
	telemetry *telemetry.Provider
}

type CreateOrderRequest struct {
	SellerID uuid.UUID          `json:"seller_id" validate:"required"`
	Items    []models.OrderItem `json:"items" validate:"required,min=1"`
	Total    decimal.Decimal    `json:"total" validate:"gt=0"`
	Currency string             `json:"currency" validate:"omitempty,currency"`
}

type PayRequest struct {
	Method models.PaymentMethod   `json:"method" validate:"required"`
	Payer  providers.PayerDetails `json:"payer"`
}

type PaymentInitiation struct {
	Order   *models.Order          `json:"order"`
	Attempt *models.PaymentAttempt `json:"attempt"`
	Handle  *providers.Handle      `json:"handle,omitempty"`
}

type OrderView struct {
	Order    *models.Order           `json:"order"`
	Attempts []models.PaymentAttempt `json:"attempts"`
	Escrow   *models.EscrowPayment   `json:"escrow,omitempty"`
	Dispute  *models.PaymentDispute  `json:"dispute,omitempty"`
}

func NewCheckoutService(db *gorm.DB, locker lock.Locker, registry *providers.Registry, gate Gate, payment config.PaymentConfig, tel *telemetry.Provider) *CheckoutService {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &CheckoutService{
		db:        db,
		locker:    locker,
		registry:  registry,
		gate:      gate,
		payment:   payment,
		telemetry: tel,
	}
}

// CreateOrder stores an order with the line items frozen by the catalog. The
// supplied total must equal the sum of the frozen items.
func (s *CheckoutService) CreateOrder(ctx context.Context, buyerID uuid.UUID, req *CreateOrderRequest) (*models.Order, error) {
	req.Currency = strings.ToUpper(req.Currency)
	if req.Currency == "" {
		req.Currency = s.payment.Currency
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, apperr.Validation("order", err.Error())
	}
	if req.SellerID == buyerID {
		return nil, apperr.Validation("seller_id", "buyer and seller must differ")
	}

	for i, item := range req.Items {
		if item.ProductID == uuid.Nil {
			return nil, apperr.Validation(fmt.Sprintf("items[%d].product_id", i), "product id is required")
		}
		if item.Quantity < 1 {
			return nil, apperr.Validation(fmt.Sprintf("items[%d].quantity", i), "quantity must be at least 1")
		}
		if item.UnitPrice.IsNegative() {
			return nil, apperr.Validation(fmt.Sprintf("items[%d].unit_price", i), "unit price cannot be negative")
		}
		if item.UnitPrice.Exponent() < -2 {
			return nil, apperr.Validation(fmt.Sprintf("items[%d].unit_price", i), "unit price has more than two decimals")
		}
	}

	items := models.OrderItems(req.Items)
	if !items.Total().Equal(req.Total) {
		return nil, apperr.Validation("total", fmt.Sprintf("total %s does not match line items %s",
			req.Total.StringFixed(2), items.Total().StringFixed(2)))
	}

	order := &models.Order{
		BuyerID:       buyerID,
		SellerID:      req.SellerID,
		Items:         items,
		Total:         req.Total,
		Currency:      req.Currency,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"order_id":  order.ID.String(),
		"buyer_id":  buyerID.String(),
		"seller_id": req.SellerID.String(),
		"total":     order.Total.StringFixed(2),
	}).Info("Order created")
	return order, nil
}

// Pay opens a new payment attempt with a fresh reference and asks the
// provider to collect it. A failed order returns to pending only here.
func (s *CheckoutService) Pay(ctx context.Context, orderID, buyerID uuid.UUID, req *PayRequest) (result *PaymentInitiation, err error) {
	ctx, done := s.telemetry.Track(ctx, "ledger.checkout.pay", attribute.String("method", string(req.Method)))
	defer func() { done(err) }()

	if err := utils.ValidateStruct(req); err != nil {
		return nil, apperr.Validation("payment", err.Error())
	}
	if !req.Method.Valid() {
		return nil, apperr.Validation("method", fmt.Sprintf("unknown payment method %q", req.Method))
	}
	if req.Method == models.PaymentMethodMobileMoney && req.Payer.MSISDN == "" {
		return nil, apperr.Validation("payer.msisdn", "mobile money payments need the payer's phone number")
	}

	adapter, err := s.registry.Get(providers.Provider(req.Method))
	if err != nil {
		return nil, err
	}

	var order models.Order
	var attempt *models.PaymentAttempt
	err = withLock(ctx, s.locker, lock.OrderKey(orderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
				return notFound(err, "order")
			}
			if order.BuyerID != buyerID {
				return fmt.Errorf("order %s belongs to another buyer: %w", orderID, apperr.ErrAuthorization)
			}
			if order.PaymentStatus == models.PaymentStatusPaid {
				return apperr.Conflict("order", orderID.String(), "order is already paid")
			}
			if order.Status == models.OrderStatusCancelled {
				return apperr.Conflict("order", orderID.String(), "order is cancelled")
			}

			var inFlight int64
			if err := tx.Model(&models.PaymentAttempt{}).
				Where("order_id = ? AND state = ?", orderID, models.AttemptStateAwaitingPayment).
				Count(&inFlight).Error; err != nil {
				return fmt.Errorf("failed to check attempts: %w", err)
			}
			if inFlight > 0 {
				return apperr.Conflict("order", orderID.String(), "a payment attempt is already awaiting the provider")
			}

			reference, err := utils.GeneratePaymentReference()
			if err != nil {
				return fmt.Errorf("failed to generate payment reference: %w", err)
			}
			attempt = &models.PaymentAttempt{
				OrderID:   order.ID,
				Method:    req.Method,
				Reference: reference,
				Amount:    order.Total,
				Currency:  order.Currency,
				State:     models.AttemptStateAwaitingPayment,
			}
			if err := tx.Create(attempt).Error; err != nil {
				return fmt.Errorf("failed to create payment attempt: %w", err)
			}

			moved, err := casUpdate(tx, &models.Order{}, order.ID, order.Version, "payment_status", order.PaymentStatus, map[string]interface{}{
				"payment_status":    models.PaymentStatusPending,
				"payment_method":    req.Method,
				"payment_reference": reference,
				"failure_reason":    "",
			})
			if err != nil {
				return fmt.Errorf("failed to update order: %w", err)
			}
			if !moved {
				return apperr.Conflict("order", orderID.String(), "order changed while starting payment")
			}
			order.Version++
			order.PaymentStatus = models.PaymentStatusPending
			order.PaymentMethod = req.Method
			order.PaymentReference = reference
			order.FailureReason = ""
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"order_id":  order.ID.String(),
		"order_ref": attempt.Reference,
		"provider":  string(req.Method),
	})

	// Push rails get a caller-visible deadline; an attempt that misses it
	// stays reconcilable through polling and late callbacks.
	_, push := adapter.(providers.Poller)
	initCtx, cancel := ctx, context.CancelFunc(func() {})
	if push {
		initCtx, cancel = context.WithTimeout(ctx, s.payment.PushTimeout())
	}
	handle, initErr := adapter.Initiate(initCtx, providers.InitiateRequest{
		OrderRef:    attempt.Reference,
		Amount:      attempt.Amount,
		Currency:    attempt.Currency,
		Description: "Order " + order.ID.String(),
		Payer:       req.Payer,
	})
	cancel()

	// The buyer may hang up; bookkeeping still has to land.
	bookCtx := context.WithoutCancel(ctx)

	if initErr != nil {
		state := models.AttemptStatePaymentFailed
		if push && !apperr.IsValidation(initErr) {
			state = models.AttemptStatePaymentTimeout
		}
		log.WithError(initErr).WithField("state", state).Warn("Payment initiation failed")
		if err := s.settleInitiation(bookCtx, attempt.ID, order.ID, state, initErr.Error()); err != nil {
			log.WithError(err).Error("Failed to record initiation outcome")
		}
		if push && errors.Is(initErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("initiate %s payment: %w", req.Method, apperr.ErrPaymentTimeout)
		}
		return nil, initErr
	}

	if err := s.recordHandle(bookCtx, attempt, handle); err != nil {
		log.WithError(err).Error("Failed to store provider handle")
	}

	log.Info("Payment initiated")
	return &PaymentInitiation{Order: &order, Attempt: attempt, Handle: handle}, nil
}

func (s *CheckoutService) recordHandle(ctx context.Context, attempt *models.PaymentAttempt, handle *providers.Handle) error {
	if handle == nil || (handle.ProviderRef == "" && handle.PollHandle == "") {
		return nil
	}
	return withLock(ctx, s.locker, lock.OrderKey(attempt.OrderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			var current models.PaymentAttempt
			if err := tx.First(&current, "id = ?", attempt.ID).Error; err != nil {
				return notFound(err, "payment attempt")
			}
			updates := map[string]interface{}{"poll_handle": handle.PollHandle}
			if current.ProviderRef == "" {
				updates["provider_ref"] = handle.ProviderRef
			}
			moved, err := casUpdate(tx, &models.PaymentAttempt{}, current.ID, current.Version, "state", current.State, updates)
			if err != nil {
				return err
			}
			if !moved {
				return apperr.Conflict("payment_attempt", current.ID.String(), "attempt changed while storing handle")
			}
			attempt.Version = current.Version + 1
			attempt.State = current.State
			attempt.PollHandle = handle.PollHandle
			if current.ProviderRef == "" {
				attempt.ProviderRef = handle.ProviderRef
			} else {
				attempt.ProviderRef = current.ProviderRef
			}
			return nil
		})
	})
}

// settleInitiation moves an attempt whose initiation did not succeed. A
// callback that already settled the attempt wins.
func (s *CheckoutService) settleInitiation(ctx context.Context, attemptID, orderID uuid.UUID, state models.AttemptState, reason string) error {
	return withLock(ctx, s.locker, lock.OrderKey(orderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			var attempt models.PaymentAttempt
			if err := tx.First(&attempt, "id = ?", attemptID).Error; err != nil {
				return notFound(err, "payment attempt")
			}
			if attempt.State != models.AttemptStateAwaitingPayment {
				return nil
			}

			moved, err := casUpdate(tx, &models.PaymentAttempt{}, attempt.ID, attempt.Version, "state", attempt.State, map[string]interface{}{
				"state":          state,
				"failure_reason": reason,
			})
			if err != nil {
				return err
			}
			if !moved {
				return apperr.Conflict("payment_attempt", attempt.ID.String(), "attempt changed during initiation")
			}
			s.telemetry.RecordTransition(ctx, "payment_attempt", string(state))

			if state != models.AttemptStatePaymentFailed {
				return nil
			}
			var order models.Order
			if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
				return notFound(err, "order")
			}
			return failOrder(tx, &order, &attempt, reason)
		})
	})
}

// failOrder marks the order failed when attempt is still its active attempt.
func failOrder(tx *gorm.DB, order *models.Order, attempt *models.PaymentAttempt, reason string) error {
	if order.PaymentStatus != models.PaymentStatusPending || order.PaymentReference != attempt.Reference {
		return nil
	}
	moved, err := casUpdate(tx, &models.Order{}, order.ID, order.Version, "payment_status", models.PaymentStatusPending, map[string]interface{}{
		"payment_status": models.PaymentStatusFailed,
		"failure_reason": reason,
	})
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if !moved {
		return apperr.Conflict("order", order.ID.String(), "order changed while failing payment")
	}
	order.Version++
	order.PaymentStatus = models.PaymentStatusFailed
	order.FailureReason = reason
	return enqueue(tx, models.TopicPaymentFailed, notifyUser(order.BuyerID, order.ID.String(), nil))
}

func (s *CheckoutService) GetOrder(ctx context.Context, orderID uuid.UUID, principal Principal) (*OrderView, error) {
	db := s.db.WithContext(ctx)

	var order models.Order
	if err := db.First(&order, "id = ?", orderID).Error; err != nil {
		return nil, notFound(err, "order")
	}
	if principal.Role != RoleAdmin && principal.UserID != order.BuyerID && principal.UserID != order.SellerID {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}

	view := &OrderView{Order: &order}
	if err := db.Where("order_id = ?", orderID).Order("created_at ASC").Find(&view.Attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}

	var escrow models.EscrowPayment
	if err := db.Where("order_id = ?", orderID).First(&escrow).Error; err == nil {
		view.Escrow = &escrow
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}

	var dispute models.PaymentDispute
	if err := db.Where("order_id = ?", orderID).First(&dispute).Error; err == nil {
		view.Dispute = &dispute
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load dispute: %w", err)
	}

	return view, nil
}

var fulfillmentRank = map[models.OrderStatus]int{
	models.OrderStatusConfirmed:  1,
	models.OrderStatusProcessing: 2,
	models.OrderStatusShipped:    3,
	models.OrderStatusDelivered:  4,
}

// UpdateFulfillment is the fulfillment collaborator's hook. Paid orders only
// move forward; reaching delivered starts the dispute window.
func (s *CheckoutService) UpdateFulfillment(ctx context.Context, orderID uuid.UUID, principal Principal, status models.OrderStatus) (*models.Order, error) {
	toRank, ok := fulfillmentRank[status]
	if !ok || status == models.OrderStatusConfirmed {
		return nil, apperr.Validation("status", "status must be one of processing, shipped, delivered")
	}

	var owner models.Order
	if err := s.db.WithContext(ctx).Select("id", "seller_id").First(&owner, "id = ?", orderID).Error; err != nil {
		return nil, notFound(err, "order")
	}
	if err := s.gate.Authorize(ctx, principal, PermissionOrdersFulfill, owner.SellerID); err != nil {
		return nil, err
	}

	var order models.Order
	err := withLock(ctx, s.locker, lock.OrderKey(orderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
				return notFound(err, "order")
			}
			if order.PaymentStatus != models.PaymentStatusPaid {
				return apperr.Validation("status", "order is not paid")
			}
			fromRank, ok := fulfillmentRank[order.Status]
			if !ok || toRank <= fromRank {
				return apperr.Conflict("order", orderID.String(), fmt.Sprintf("cannot move from %s to %s", order.Status, status))
			}

			updates := map[string]interface{}{"status": status}
			var deliveredAt time.Time
			if status == models.OrderStatusDelivered {
				deliveredAt = utcNow()
				updates["delivered_at"] = deliveredAt
			}
			moved, err := casUpdate(tx, &models.Order{}, order.ID, order.Version, "status", order.Status, updates)
			if err != nil {
				return fmt.Errorf("failed to update fulfillment: %w", err)
			}
			if !moved {
				return apperr.Conflict("order", orderID.String(), "order changed during fulfillment update")
			}

			old := order.Status
			order.Version++
			order.Status = status
			if status == models.OrderStatusDelivered {
				order.DeliveredAt = &deliveredAt
			}
			return createAuditLog(tx, principal.actor(), models.AuditActionOrderFulfilled, "order", order.ID,
				map[string]interface{}{"status": old}, map[string]interface{}{"status": status})
		})
	})
	if err != nil {
		return nil, err
	}

	s.telemetry.RecordTransition(ctx, "order", string(status))
	return &order, nil
}
