// internal/services/reconciliation_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/cache"
	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/lock"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/providers"
	"github.com/javajoker/imi-ledger/internal/telemetry"
)

// Anomaly kinds. They appear in logs as anomaly=<kind>.
const (
	AnomalyUnknownOrder       = "unknown_order"
	AnomalyContradictoryEvent = "contradictory_event"
	AnomalyDoublePayment      = "double_payment"
	AnomalyAmountMismatch     = "amount_mismatch"
	AnomalyProviderMismatch   = "provider_mismatch"
)

type ApplyResult struct {
	Disposition models.EventDisposition `json:"disposition"`
	OrderID     uuid.UUID               `json:"order_id,omitempty"`
	AttemptID   uuid.UUID               `json:"attempt_id,omitempty"`
	Anomaly     string                  `json:"anomaly,omitempty"`
}

type SweepResult struct {
	Polled   int `json:"polled"`
	Applied  int `json:"applied"`
	TimedOut int `json:"timed_out"`
	Failed   int `json:"failed"`
}

// ReconciliationService applies normalized provider events to the ledger.
// Every event is recorded in processed_events in the same transaction as the
// change it caused, so redelivery is always a no-op.
type ReconciliationService struct {
	db        *gorm.DB
	locker    lock.Locker
	seen      cache.SeenSet
	registry  *providers.Registry
	telemetry *telemetry.Provider
	payment   config.PaymentConfig
	batchSize int
	now       func() time.Time
}

func NewReconciliationService(db *gorm.DB, locker lock.Locker, seen cache.SeenSet, registry *providers.Registry, payment config.PaymentConfig, batchSize int, tel *telemetry.Provider) *ReconciliationService {
	if seen == nil {
		seen = cache.NopSeenSet{}
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if batchSize < 1 {
		batchSize = 100
	}
	return &ReconciliationService{
		db:        db,
		locker:    locker,
		seen:      seen,
		registry:  registry,
		telemetry: tel,
		payment:   payment,
		batchSize: batchSize,
		now:       utcNow,
	}
}

func (s *ReconciliationService) Apply(ctx context.Context, event *providers.PaymentEvent) (result *ApplyResult, err error) {
	if event == nil || event.IdempotencyKey == "" || event.OrderRef == "" {
		return nil, apperr.Validation("event", "event needs an idempotency key and an order reference")
	}
	if !event.Outcome.Definite() && event.Outcome != providers.OutcomePending {
		return nil, apperr.Validation("outcome", fmt.Sprintf("unknown outcome %q", event.Outcome))
	}

	ctx, done := s.telemetry.Track(ctx, "ledger.reconcile.apply",
		attribute.String("provider", string(event.Provider)),
		attribute.String("outcome", string(event.Outcome)))
	defer func() { done(err) }()

	provider := string(event.Provider)
	log := logrus.WithFields(logrus.Fields{
		"provider":        provider,
		"order_ref":       event.OrderRef,
		"provider_ref":    event.ProviderRef,
		"idempotency_key": event.IdempotencyKey,
		"outcome":         string(event.Outcome),
	})

	if hit, seenErr := s.seen.Seen(ctx, provider, event.IdempotencyKey); seenErr != nil {
		log.WithError(seenErr).Warn("Seen-set lookup failed, falling back to the ledger")
	} else if hit {
		s.telemetry.RecordEvent(ctx, provider, string(models.DispositionDuplicate))
		return &ApplyResult{Disposition: models.DispositionDuplicate}, nil
	}

	var ref models.PaymentAttempt
	if err := s.db.WithContext(ctx).Select("id", "order_id").
		First(&ref, "reference = ?", event.OrderRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.WithField("anomaly", AnomalyUnknownOrder).Warn("Provider event references an unknown order")
			s.telemetry.RecordAnomaly(ctx, AnomalyUnknownOrder)
			return nil, fmt.Errorf("order reference %s: %w", event.OrderRef, apperr.ErrUnknownOrder)
		}
		return nil, fmt.Errorf("failed to resolve order reference: %w", err)
	}

	result = &ApplyResult{OrderID: ref.OrderID, AttemptID: ref.ID}
	err = withLock(ctx, s.locker, lock.OrderKey(ref.OrderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			record := &models.ProcessedEvent{
				Provider:       provider,
				IdempotencyKey: event.IdempotencyKey,
				ProviderRef:    event.ProviderRef,
				OrderRef:       event.OrderRef,
				Outcome:        string(event.Outcome),
				Disposition:    models.DispositionApplied,
				OccurredAt:     event.OccurredAt.UTC(),
			}
			inserted, err := insertOnce(tx, record)
			if err != nil {
				return fmt.Errorf("failed to record provider event: %w", err)
			}
			if !inserted {
				result.Disposition = models.DispositionDuplicate
				return nil
			}

			var attempt models.PaymentAttempt
			if err := tx.First(&attempt, "id = ?", ref.ID).Error; err != nil {
				return notFound(err, "payment attempt")
			}
			var order models.Order
			if err := tx.First(&order, "id = ?", attempt.OrderID).Error; err != nil {
				return notFound(err, "order")
			}

			disposition, anomaly, err := s.transition(tx, &order, &attempt, event)
			if err != nil {
				return err
			}
			result.Disposition = disposition
			result.Anomaly = anomaly

			if anomaly != "" {
				if err := s.raiseAnomaly(tx, &order, &attempt, event, anomaly); err != nil {
					return err
				}
			}

			if disposition != models.DispositionApplied {
				if err := tx.Model(&models.ProcessedEvent{}).
					Where("id = ?", record.ID).
					Update("disposition", disposition).Error; err != nil {
					return fmt.Errorf("failed to record disposition: %w", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		if apperr.IsConflict(err) {
			log.WithError(err).WithField("financial_conflict", true).Warn("Provider event lost a concurrent update")
			s.telemetry.RecordConflict(ctx, "payment_attempt")
		}
		return nil, err
	}

	if markErr := s.seen.Mark(ctx, provider, event.IdempotencyKey); markErr != nil {
		log.WithError(markErr).Warn("Failed to populate seen-set")
	}

	s.telemetry.RecordEvent(ctx, provider, string(result.Disposition))
	if result.Anomaly != "" {
		s.telemetry.RecordAnomaly(ctx, result.Anomaly)
		log.WithFields(logrus.Fields{
			"anomaly":  result.Anomaly,
			"order_id": result.OrderID.String(),
		}).Warn("Payment anomaly")
	} else {
		log.WithField("disposition", result.Disposition).Info("Provider event reconciled")
	}
	return result, nil
}

// transition runs the attempt state machine for one event.
func (s *ReconciliationService) transition(tx *gorm.DB, order *models.Order, attempt *models.PaymentAttempt, event *providers.PaymentEvent) (models.EventDisposition, string, error) {
	occurred := event.OccurredAt.UTC()

	// Only the rail the attempt was initiated on may settle it.
	if string(event.Provider) != string(attempt.Method) {
		return models.DispositionAnomaly, AnomalyProviderMismatch, nil
	}

	if !attempt.State.Open() {
		if event.Outcome == providers.OutcomePending {
			return models.DispositionInformational, "", nil
		}
		if sameOutcome(attempt.State, event.Outcome) {
			return models.DispositionIgnoredTerminal, "", nil
		}
		return models.DispositionAnomaly, AnomalyContradictoryEvent, nil
	}

	if attempt.LastEventAt != nil && occurred.Before(*attempt.LastEventAt) {
		return models.DispositionStale, "", nil
	}

	if event.Outcome == providers.OutcomePending {
		moved, err := casUpdate(tx, &models.PaymentAttempt{}, attempt.ID, attempt.Version, "state", attempt.State, map[string]interface{}{
			"last_event_at": occurred,
		})
		if err != nil {
			return "", "", fmt.Errorf("failed to record pending event: %w", err)
		}
		if !moved {
			return "", "", apperr.Conflict("payment_attempt", attempt.ID.String(), "attempt changed while recording event")
		}
		return models.DispositionInformational, "", nil
	}

	if amountMismatch(attempt, event) {
		return models.DispositionAnomaly, AnomalyAmountMismatch, nil
	}

	next := models.AttemptStatePaid
	updates := map[string]interface{}{"last_event_at": occurred}
	if event.Outcome == providers.OutcomeFailed {
		next = models.AttemptStatePaymentFailed
		updates["failure_reason"] = event.Reason
	}
	updates["state"] = next
	if attempt.ProviderRef == "" && event.ProviderRef != "" {
		updates["provider_ref"] = event.ProviderRef
	}

	moved, err := casUpdate(tx, &models.PaymentAttempt{}, attempt.ID, attempt.Version, "state", attempt.State, updates)
	if err != nil {
		return "", "", fmt.Errorf("failed to move payment attempt: %w", err)
	}
	if !moved {
		return "", "", apperr.Conflict("payment_attempt", attempt.ID.String(), "attempt changed while applying event")
	}
	attempt.Version++
	attempt.State = next
	attempt.LastEventAt = &occurred
	if attempt.ProviderRef == "" {
		attempt.ProviderRef = event.ProviderRef
	}
	s.telemetry.RecordTransition(tx.Statement.Context, "payment_attempt", string(next))

	if next == models.AttemptStatePaymentFailed {
		if err := failOrder(tx, order, attempt, event.Reason); err != nil {
			return "", "", err
		}
		return models.DispositionApplied, "", nil
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		// Money arrived twice; the second capture goes back to the buyer.
		refund := RefundInstruction{
			OrderID:     order.ID,
			AttemptID:   attempt.ID,
			Provider:    string(event.Provider),
			ProviderRef: attempt.ProviderRef,
			Amount:      attempt.Amount,
			Currency:    attempt.Currency,
			Reason:      AnomalyDoublePayment,
		}
		if err := enqueue(tx, models.TopicRefundExecute, refund.payload()); err != nil {
			return "", "", err
		}
		return models.DispositionAnomaly, AnomalyDoublePayment, nil
	}

	if err := s.markOrderPaid(tx, order, attempt, occurred); err != nil {
		return "", "", err
	}
	return models.DispositionApplied, "", nil
}

// markOrderPaid moves the order to paid and opens its escrow. paymentStatus
// never leaves paid once set.
func (s *ReconciliationService) markOrderPaid(tx *gorm.DB, order *models.Order, attempt *models.PaymentAttempt, paidAt time.Time) error {
	updates := map[string]interface{}{
		"payment_status":    models.PaymentStatusPaid,
		"payment_method":    attempt.Method,
		"payment_reference": attempt.Reference,
		"failure_reason":    "",
		"paid_at":           paidAt,
	}
	if order.Status == models.OrderStatusPending {
		updates["status"] = models.OrderStatusConfirmed
	}
	moved, err := casUpdate(tx, &models.Order{}, order.ID, order.Version, "payment_status", order.PaymentStatus, updates)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	if !moved {
		return apperr.Conflict("order", order.ID.String(), "order changed while applying payment")
	}
	order.Version++
	order.PaymentStatus = models.PaymentStatusPaid
	order.PaidAt = &paidAt
	if order.Status == models.OrderStatusPending {
		order.Status = models.OrderStatusConfirmed
	}

	escrow := &models.EscrowPayment{
		OrderID:  order.ID,
		SellerID: order.SellerID,
		Amount:   attempt.Amount,
		Currency: attempt.Currency,
		Status:   models.EscrowStatusPending,
	}
	if err := tx.Create(escrow).Error; err != nil {
		return fmt.Errorf("failed to open escrow: %w", err)
	}

	if err := enqueue(tx, models.TopicPaymentSucceeded, notifyUser(order.BuyerID, order.ID.String(), nil)); err != nil {
		return err
	}
	return enqueue(tx, models.TopicPaymentSucceeded, notifyUser(order.SellerID, order.ID.String(), nil))
}

func (s *ReconciliationService) raiseAnomaly(tx *gorm.DB, order *models.Order, attempt *models.PaymentAttempt, event *providers.PaymentEvent, anomaly string) error {
	details := map[string]interface{}{
		"anomaly":         anomaly,
		"provider":        string(event.Provider),
		"idempotency_key": event.IdempotencyKey,
		"provider_ref":    event.ProviderRef,
		"order_ref":       event.OrderRef,
		"outcome":         string(event.Outcome),
		"event_amount":    event.Amount.StringFixed(2),
		"attempt_amount":  attempt.Amount.StringFixed(2),
		"attempt_state":   string(attempt.State),
		"attempt_method":  string(attempt.Method),
	}
	if err := createAuditLog(tx, nil, models.AuditActionAnomaly, "payment_attempt", attempt.ID, nil, details); err != nil {
		return err
	}

	payload := models.JSONB{"reference": event.OrderRef}
	for k, v := range details {
		payload[k] = v
	}
	return enqueue(tx, models.TopicPaymentAnomaly, notifyAdmins(payload, "order", order.ID))
}

func sameOutcome(state models.AttemptState, outcome providers.Outcome) bool {
	switch state {
	case models.AttemptStatePaid:
		return outcome == providers.OutcomeSucceeded
	case models.AttemptStatePaymentFailed:
		return outcome == providers.OutcomeFailed
	}
	return false
}

// amountMismatch compares a success event with what the attempt asked for.
// Events that carry no amount are not compared.
func amountMismatch(attempt *models.PaymentAttempt, event *providers.PaymentEvent) bool {
	if event.Outcome != providers.OutcomeSucceeded {
		return false
	}
	if !event.Amount.IsZero() && !event.Amount.Equal(attempt.Amount) {
		return true
	}
	return event.Currency != "" && !strings.EqualFold(event.Currency, attempt.Currency)
}

// SweepPushPayments polls push attempts that outlived the push timeout.
// Definite answers go through Apply; prompts that are still pending move to
// payment_timeout so a late callback still reconciles.
func (s *ReconciliationService) SweepPushPayments(ctx context.Context) (result *SweepResult, err error) {
	ctx, done := s.telemetry.Track(ctx, "ledger.reconcile.sweep_push")
	defer func() { done(err) }()

	var methods []models.PaymentMethod
	for _, name := range s.registry.Names() {
		if _, ok := s.registry.Poller(name); ok {
			methods = append(methods, models.PaymentMethod(name))
		}
	}
	result = &SweepResult{}
	if len(methods) == 0 {
		return result, nil
	}

	cutoff := s.now().Add(-s.payment.PushTimeout())
	var stale []models.PaymentAttempt
	if err := s.db.WithContext(ctx).
		Where("state = ? AND method IN ? AND created_at <= ?", models.AttemptStateAwaitingPayment, methods, cutoff).
		Order("created_at ASC").
		Limit(s.batchSize).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("failed to load push attempts: %w", err)
	}

	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		attempt := &stale[i]
		log := logrus.WithFields(logrus.Fields{
			"order_ref": attempt.Reference,
			"provider":  string(attempt.Method),
		})

		if attempt.PollHandle == "" {
			if err := s.timeoutAttempt(ctx, attempt, "push prompt was never acknowledged"); err != nil {
				log.WithError(err).Warn("Failed to time out push attempt")
				result.Failed++
				continue
			}
			result.TimedOut++
			continue
		}

		poller, _ := s.registry.Poller(providers.Provider(attempt.Method))
		event, pollErr := poller.Poll(ctx, attempt.PollHandle)
		result.Polled++
		if pollErr != nil {
			log.WithError(pollErr).Warn("Push payment poll failed")
			result.Failed++
			continue
		}

		if event.Outcome.Definite() {
			if event.OrderRef == "" {
				event.OrderRef = attempt.Reference
			}
			if _, err := s.Apply(ctx, event); err != nil {
				log.WithError(err).Warn("Failed to apply polled outcome")
				result.Failed++
				continue
			}
			result.Applied++
			continue
		}

		if err := s.timeoutAttempt(ctx, attempt, "push prompt expired without an answer"); err != nil {
			log.WithError(err).Warn("Failed to time out push attempt")
			result.Failed++
			continue
		}
		result.TimedOut++
	}

	return result, nil
}

func (s *ReconciliationService) timeoutAttempt(ctx context.Context, attempt *models.PaymentAttempt, reason string) error {
	return withLock(ctx, s.locker, lock.OrderKey(attempt.OrderID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			var current models.PaymentAttempt
			if err := tx.First(&current, "id = ?", attempt.ID).Error; err != nil {
				return notFound(err, "payment attempt")
			}
			if current.State != models.AttemptStateAwaitingPayment {
				return nil
			}
			moved, err := casUpdate(tx, &models.PaymentAttempt{}, current.ID, current.Version, "state", current.State, map[string]interface{}{
				"state":          models.AttemptStatePaymentTimeout,
				"failure_reason": reason,
			})
			if err != nil {
				return fmt.Errorf("failed to time out attempt: %w", err)
			}
			if !moved {
				return apperr.Conflict("payment_attempt", current.ID.String(), "attempt changed while timing out")
			}
			s.telemetry.RecordTransition(ctx, "payment_attempt", string(models.AttemptStatePaymentTimeout))
			return nil
		})
	})
}
