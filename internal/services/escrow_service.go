// internal/services/escrow_service.go
package services

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/javajoker/imi-ledger/internal/telemetry"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// EscrowService settles escrows. Release and refund are both one-shot:
// a settled escrow never moves again, and the loser of a race gets a
// ConflictError.
type EscrowService struct {
	db        *gorm.DB
	locker    lock.Locker
	gate      Gate
	admin     *AdminService
	payment   config.PaymentConfig
	telemetry *telemetry.Provider
	batchSize int
	now       func() time.Time
}

type OpenDisputeRequest struct {
	Reason string `json:"reason" validate:"required,min=10,max=2000"`
}

type ResolveDisputeRequest struct {
	RefundToBuyer bool   `json:"refund_to_buyer"`
	Resolution    string `json:"resolution" validate:"required,min=5,max=2000"`
}

type ResolveDisputeResult struct {
	Dispute *models.PaymentDispute `json:"dispute"`
	Escrow  *models.EscrowPayment  `json:"escrow"`
	Payout  *models.SellerPayout   `json:"payout,omitempty"`
}

type ReleaseResult struct {
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
}

// PayoutBreakdown splits a settled escrow into platform and seller shares.
type PayoutBreakdown struct {
	Gross      decimal.Decimal `json:"gross"`
	Commission decimal.Decimal `json:"commission"`
	Fee        decimal.Decimal `json:"fee"`
	Net        decimal.Decimal `json:"net"`
}

// ComputePayout applies commission = round(gross*rate, 2) and
// fee = min(fixedFee, gross-commission). Net is never negative.
func ComputePayout(gross, rate, fixedFee decimal.Decimal) PayoutBreakdown {
	commission := gross.Mul(rate).Round(2)
	if commission.GreaterThan(gross) {
		commission = gross
	}
	if commission.IsNegative() {
		commission = decimal.Zero
	}
	remaining := gross.Sub(commission)
	fee := decimal.Min(fixedFee, remaining)
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	return PayoutBreakdown{
		Gross:      gross,
		Commission: commission,
		Fee:        fee,
		Net:        remaining.Sub(fee),
	}
}

func NewEscrowService(db *gorm.DB, locker lock.Locker, gate Gate, admin *AdminService, payment config.PaymentConfig, batchSize int, tel *telemetry.Provider) *EscrowService {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if batchSize < 1 {
		batchSize = 100
	}
	return &EscrowService{
		db:        db,
		locker:    locker,
		gate:      gate,
		admin:     admin,
		payment:   payment,
		telemetry: tel,
		batchSize: batchSize,
		now:       utcNow,
	}
}

func (s *EscrowService) OpenDispute(ctx context.Context, orderID, buyerID uuid.UUID, reason string) (*models.PaymentDispute, error) {
	if err := utils.ValidateStruct(&OpenDisputeRequest{Reason: reason}); err != nil {
		return nil, apperr.Validation("reason", err.Error())
	}

	var dispute *models.PaymentDispute
	err := withLock(ctx, s.locker, lock.OrderKey(orderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			var order models.Order
			if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
				return notFound(err, "order")
			}
			if order.BuyerID != buyerID {
				return fmt.Errorf("order %s belongs to another buyer: %w", orderID, apperr.ErrAuthorization)
			}
			if order.PaymentStatus != models.PaymentStatusPaid {
				return apperr.Validation("order", "only paid orders can be disputed")
			}
			if order.DeliveredAt != nil && s.now().After(order.DeliveredAt.Add(s.payment.DisputeWindow())) {
				return apperr.Validation("order", "the dispute window for this order has closed")
			}

			var escrow models.EscrowPayment
			if err := tx.First(&escrow, "order_id = ?", orderID).Error; err != nil {
				return notFound(err, "escrow")
			}
			if escrow.Terminal() {
				return apperr.Conflict("escrow", escrow.ID.String(), fmt.Sprintf("escrow already %s", escrow.Status))
			}

			dispute = &models.PaymentDispute{
				OrderID:  orderID,
				EscrowID: escrow.ID,
				OpenedBy: buyerID,
				Reason:   reason,
				Status:   models.DisputeStatusOpen,
			}
			inserted, err := insertOnce(tx, dispute)
			if err != nil {
				return fmt.Errorf("failed to open dispute: %w", err)
			}
			if !inserted {
				return apperr.Conflict("dispute", orderID.String(), "order already has a dispute")
			}

			payload := notifyAdmins(notifyUser(order.SellerID, orderID.String(), nil), "dispute", dispute.ID)
			return enqueue(tx, models.TopicDisputeOpened, payload)
		})
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order_id":   orderID.String(),
		"dispute_id": dispute.ID.String(),
	}).Info("Dispute opened")
	return dispute, nil
}

// ResolveDispute settles the disputed escrow for the buyer or the seller.
// The dispute, the escrow and the seller payout move in one transaction; a
// lost escrow race rolls all of it back and is audited.
func (s *EscrowService) ResolveDispute(ctx context.Context, disputeID uuid.UUID, principal Principal, req ResolveDisputeRequest) (result *ResolveDisputeResult, err error) {
	if err := s.gate.Authorize(ctx, principal, PermissionDisputesResolve, uuid.Nil); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, apperr.Validation("resolution", err.Error())
	}

	ctx, done := s.telemetry.Track(ctx, "ledger.escrow.resolve_dispute", attribute.Bool("refund_to_buyer", req.RefundToBuyer))
	defer func() { done(err) }()

	var head models.PaymentDispute
	if err := s.db.WithContext(ctx).Select("id", "order_id").First(&head, "id = ?", disputeID).Error; err != nil {
		return nil, notFound(err, "dispute")
	}

	result = &ResolveDisputeResult{}
	err = withLock(ctx, s.locker, lock.OrderKey(head.OrderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			var dispute models.PaymentDispute
			if err := tx.First(&dispute, "id = ?", disputeID).Error; err != nil {
				return notFound(err, "dispute")
			}
			var escrow models.EscrowPayment
			if err := tx.First(&escrow, "id = ?", dispute.EscrowID).Error; err != nil {
				return notFound(err, "escrow")
			}
			var order models.Order
			if err := tx.First(&order, "id = ?", dispute.OrderID).Error; err != nil {
				return notFound(err, "order")
			}

			now := s.now()
			refund := req.RefundToBuyer
			updates := map[string]interface{}{
				"status":          models.DisputeStatusResolved,
				"resolution":      req.Resolution,
				"refund_to_buyer": refund,
				"resolved_by":     principal.actor(),
				"resolved_at":     now,
			}
			if refund {
				updates["refund_amount"] = escrow.Amount
			}
			moved, err := casUpdate(tx, &models.PaymentDispute{}, dispute.ID, dispute.Version, "status", models.DisputeStatusOpen, updates)
			if err != nil {
				return fmt.Errorf("failed to resolve dispute: %w", err)
			}
			if !moved {
				return apperr.Conflict("dispute", dispute.ID.String(), fmt.Sprintf("dispute already %s", dispute.Status))
			}
			dispute.Version++
			dispute.Status = models.DisputeStatusResolved
			dispute.Resolution = req.Resolution
			dispute.RefundToBuyer = &refund
			dispute.ResolvedBy = principal.actor()
			dispute.ResolvedAt = &now
			if refund {
				amount := escrow.Amount
				dispute.RefundAmount = &amount
			}

			target := models.EscrowStatusReleased
			if refund {
				target = models.EscrowStatusRefunded
			}
			payout, err := s.settle(tx, &escrow, &order, target, now)
			if err != nil {
				return err
			}

			for _, userID := range []uuid.UUID{order.BuyerID, order.SellerID} {
				if err := enqueue(tx, models.TopicDisputeResolved, notifyUser(userID, order.ID.String(), models.JSONB{
					"refund_to_buyer": refund,
				})); err != nil {
					return err
				}
			}

			if err := createAuditLog(tx, principal.actor(), models.AuditActionDisputeResolved, "dispute", dispute.ID,
				map[string]interface{}{"status": models.DisputeStatusOpen, "escrow_status": models.EscrowStatusPending},
				map[string]interface{}{"status": dispute.Status, "escrow_status": escrow.Status, "refund_to_buyer": refund, "resolution": req.Resolution},
			); err != nil {
				return err
			}

			result.Dispute = &dispute
			result.Escrow = &escrow
			result.Payout = payout
			return nil
		})
	})
	if err != nil {
		if apperr.IsConflict(err) {
			s.telemetry.RecordConflict(ctx, "escrow")
			s.admin.RecordConflict(ctx, principal.actor(), err, map[string]interface{}{
				"operation":  "resolve_dispute",
				"dispute_id": disputeID.String(),
			})
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"dispute_id":      disputeID.String(),
		"order_id":        result.Escrow.OrderID.String(),
		"refund_to_buyer": req.RefundToBuyer,
	}).Info("Dispute resolved")
	return result, nil
}

// settle moves a pending escrow to its terminal state. Release books the
// seller's earnings; refund queues the money back to the buyer.
func (s *EscrowService) settle(tx *gorm.DB, escrow *models.EscrowPayment, order *models.Order, target models.EscrowStatus, now time.Time) (*models.SellerPayout, error) {
	updates := map[string]interface{}{"status": target}
	if target == models.EscrowStatusReleased {
		updates["released_at"] = now
	} else {
		updates["refunded_at"] = now
	}
	moved, err := casUpdate(tx, &models.EscrowPayment{}, escrow.ID, escrow.Version, "status", models.EscrowStatusPending, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to settle escrow: %w", err)
	}
	if !moved {
		return nil, apperr.Conflict("escrow", escrow.ID.String(), fmt.Sprintf("escrow already %s", escrow.Status))
	}
	escrow.Version++
	escrow.Status = target
	s.telemetry.RecordTransition(tx.Statement.Context, "escrow", string(target))

	if target == models.EscrowStatusRefunded {
		escrow.RefundedAt = &now
		instruction := RefundInstruction{
			OrderID:  order.ID,
			Amount:   escrow.Amount,
			Currency: escrow.Currency,
			Reason:   "dispute_refund",
		}
		var attempt models.PaymentAttempt
		if err := tx.First(&attempt, "reference = ?", order.PaymentReference).Error; err == nil {
			instruction.AttemptID = attempt.ID
			instruction.Provider = string(attempt.Method)
			instruction.ProviderRef = attempt.ProviderRef
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load paid attempt: %w", err)
		}
		return nil, enqueue(tx, models.TopicRefundExecute, instruction.payload())
	}

	escrow.ReleasedAt = &now
	breakdown := ComputePayout(escrow.Amount, s.payment.CommissionRate(), s.payment.FixedFee())
	payout := &models.SellerPayout{
		SellerID:   escrow.SellerID,
		OrderID:    escrow.OrderID,
		EscrowID:   escrow.ID,
		Gross:      breakdown.Gross,
		Commission: breakdown.Commission,
		Fee:        breakdown.Fee,
		Net:        breakdown.Net,
		Currency:   escrow.Currency,
		Status:     models.SellerPayoutStatusPending,
	}
	if err := tx.Create(payout).Error; err != nil {
		return nil, fmt.Errorf("failed to book seller payout: %w", err)
	}
	if err := enqueue(tx, models.TopicEscrowReleased, notifyUser(escrow.SellerID, order.ID.String(), models.JSONB{
		"net": breakdown.Net.StringFixed(2),
	})); err != nil {
		return nil, err
	}
	return payout, nil
}

// ReleaseEscrow releases one escrow that is past its dispute window and has
// no open dispute.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, escrowID uuid.UUID, principal Principal) (*models.SellerPayout, error) {
	if err := s.gate.Authorize(ctx, principal, PermissionEscrowRelease, uuid.Nil); err != nil {
		return nil, err
	}

	var head models.EscrowPayment
	if err := s.db.WithContext(ctx).Select("id", "order_id").First(&head, "id = ?", escrowID).Error; err != nil {
		return nil, notFound(err, "escrow")
	}

	var payout *models.SellerPayout
	err := withLock(ctx, s.locker, lock.OrderKey(head.OrderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			var escrow models.EscrowPayment
			if err := tx.First(&escrow, "id = ?", escrowID).Error; err != nil {
				return notFound(err, "escrow")
			}
			var order models.Order
			if err := tx.First(&order, "id = ?", escrow.OrderID).Error; err != nil {
				return notFound(err, "order")
			}
			if escrow.Terminal() {
				return apperr.Conflict("escrow", escrow.ID.String(), fmt.Sprintf("escrow already %s", escrow.Status))
			}

			now := s.now()
			if order.DeliveredAt == nil || now.Before(order.DeliveredAt.Add(s.payment.DisputeWindow())) {
				return apperr.Validation("escrow", "the dispute window is still open")
			}

			var open int64
			if err := tx.Model(&models.PaymentDispute{}).
				Where("escrow_id = ? AND status = ?", escrow.ID, models.DisputeStatusOpen).
				Count(&open).Error; err != nil {
				return fmt.Errorf("failed to check disputes: %w", err)
			}
			if open > 0 {
				return apperr.Conflict("escrow", escrow.ID.String(), "escrow has an open dispute")
			}

			var err error
			payout, err = s.settle(tx, &escrow, &order, models.EscrowStatusReleased, now)
			if err != nil {
				return err
			}
			return createAuditLog(tx, principal.actor(), models.AuditActionEscrowReleased, "escrow", escrow.ID,
				map[string]interface{}{"status": models.EscrowStatusPending},
				map[string]interface{}{"status": models.EscrowStatusReleased, "net": payout.Net.StringFixed(2)})
		})
	})
	if err != nil {
		if apperr.IsConflict(err) {
			s.telemetry.RecordConflict(ctx, "escrow")
			s.admin.RecordConflict(ctx, principal.actor(), err, map[string]interface{}{
				"operation": "release_escrow",
			})
		}
		return nil, err
	}
	return payout, nil
}

// ReleaseDue releases every escrow whose order was delivered more than the
// dispute window ago and has no open dispute. Races with a resolution are
// skipped.
func (s *EscrowService) ReleaseDue(ctx context.Context, principal Principal) (result *ReleaseResult, err error) {
	if err := s.gate.Authorize(ctx, principal, PermissionEscrowRelease, uuid.Nil); err != nil {
		return nil, err
	}

	ctx, done := s.telemetry.Track(ctx, "ledger.escrow.release_due")
	defer func() { done(err) }()

	cutoff := s.now().Add(-s.payment.DisputeWindow())
	var due []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&models.EscrowPayment{}).
		Joins("JOIN orders ON orders.id = escrow_payments.order_id").
		Where("escrow_payments.status = ?", models.EscrowStatusPending).
		Where("orders.delivered_at IS NOT NULL AND orders.delivered_at <= ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM payment_disputes d WHERE d.escrow_id = escrow_payments.id AND d.status = ?)", models.DisputeStatusOpen).
		Order("escrow_payments.created_at ASC").
		Limit(s.batchSize).
		Pluck("escrow_payments.id", &due).Error; err != nil {
		return nil, fmt.Errorf("failed to load due escrows: %w", err)
	}

	result = &ReleaseResult{}
	for _, escrowID := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.ReleaseEscrow(ctx, escrowID, principal); err != nil {
			if apperr.IsConflict(err) || apperr.IsValidation(err) {
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Released++
	}

	if result.Released > 0 || result.Skipped > 0 {
		logrus.WithFields(logrus.Fields{
			"released": result.Released,
			"skipped":  result.Skipped,
		}).Info("Released due escrows")
	}
	return result, nil
}
