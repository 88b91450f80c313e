// internal/services/outbox_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/telemetry"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// NotificationSink delivers notification.* messages.
type NotificationSink interface {
	Notify(ctx context.Context, msg *models.OutboxMessage) error
}

// DisbursementExecutor moves an approved payout to the seller.
type DisbursementExecutor interface {
	Disburse(ctx context.Context, msg *models.OutboxMessage, request *models.PayoutRequest) error
}

// RefundExecutor returns money to a buyer.
type RefundExecutor interface {
	Refund(ctx context.Context, msg *models.OutboxMessage, instruction RefundInstruction) error
}

// RefundInstruction is the payload of a refund.execute message.
type RefundInstruction struct {
	OrderID     uuid.UUID
	AttemptID   uuid.UUID
	Provider    string
	ProviderRef string
	Amount      decimal.Decimal
	Currency    string
	Reason      string
}

func (r RefundInstruction) payload() models.JSONB {
	return models.JSONB{
		"order_id":     r.OrderID.String(),
		"attempt_id":   r.AttemptID.String(),
		"provider":     r.Provider,
		"provider_ref": r.ProviderRef,
		"amount":       r.Amount.StringFixed(2),
		"currency":     r.Currency,
		"reason":       r.Reason,
		"reference":    r.OrderID.String(),
	}
}

func refundInstructionFrom(p models.JSONB) (RefundInstruction, error) {
	var r RefundInstruction
	var err error
	if r.OrderID, err = uuid.Parse(payloadString(p, "order_id")); err != nil {
		return r, fmt.Errorf("refund payload order_id: %w", err)
	}
	if attempt := payloadString(p, "attempt_id"); attempt != "" {
		if r.AttemptID, err = uuid.Parse(attempt); err != nil {
			return r, fmt.Errorf("refund payload attempt_id: %w", err)
		}
	}
	if r.Amount, err = decimal.NewFromString(payloadString(p, "amount")); err != nil {
		return r, fmt.Errorf("refund payload amount: %w", err)
	}
	r.Provider = payloadString(p, "provider")
	r.ProviderRef = payloadString(p, "provider_ref")
	r.Currency = payloadString(p, "currency")
	r.Reason = payloadString(p, "reason")
	return r, nil
}

func payloadString(p models.JSONB, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadUUID(p models.JSONB, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(payloadString(p, key))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// enqueue writes an outbox message on tx. It must be called inside the
// transaction of the transition the message describes.
func enqueue(tx *gorm.DB, topic string, payload models.JSONB) error {
	msg := &models.OutboxMessage{
		Topic:         topic,
		Payload:       payload,
		Status:        models.OutboxStatusPending,
		NextAttemptAt: utcNow(),
	}
	if err := tx.Create(msg).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", topic, err)
	}
	return nil
}

type OutboxService struct {
	db          *gorm.DB
	notifier    NotificationSink
	disburser   DisbursementExecutor
	refunder    RefundExecutor
	telemetry   *telemetry.Provider
	backoff     utils.RetryPolicy
	maxAttempts int
	batchSize   int
	lease       time.Duration
	now         func() time.Time
}

type DrainResult struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
}

func NewOutboxService(db *gorm.DB, cfg config.WorkerConfig, notifier NotificationSink, disburser DisbursementExecutor, refunder RefundExecutor, tel *telemetry.Provider) *OutboxService {
	maxAttempts := cfg.OutboxMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 10
	}
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &OutboxService{
		db:          db,
		notifier:    notifier,
		disburser:   disburser,
		refunder:    refunder,
		telemetry:   tel,
		backoff:     utils.RetryPolicy{BaseDelay: 5 * time.Second, MaxDelay: 10 * time.Minute},
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		lease:       2 * time.Minute,
		now:         utcNow,
	}
}

// Drain delivers every message that is due. A message is claimed by pushing
// its next attempt past the lease before delivery, so concurrent drains
// never deliver the same message at the same time.
func (s *OutboxService) Drain(ctx context.Context) (*DrainResult, error) {
	ctx, done := s.telemetry.Track(ctx, "ledger.outbox.drain")
	result := &DrainResult{}

	now := s.now()
	var due []models.OutboxMessage
	if err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.OutboxStatusPending, now).
		Order("next_attempt_at ASC").
		Limit(s.batchSize).
		Find(&due).Error; err != nil {
		done(err)
		return nil, fmt.Errorf("failed to load due outbox messages: %w", err)
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.process(ctx, &due[i], result); err != nil {
			done(err)
			return result, err
		}
	}

	done(nil)
	return result, nil
}

func (s *OutboxService) process(ctx context.Context, msg *models.OutboxMessage, result *DrainResult) error {
	db := s.db.WithContext(ctx)
	now := s.now()

	claimed, err := casUpdate(db, &models.OutboxMessage{}, msg.ID, msg.Version, "status", models.OutboxStatusPending, map[string]interface{}{
		"next_attempt_at": now.Add(s.lease),
	})
	if err != nil {
		return fmt.Errorf("failed to claim outbox message: %w", err)
	}
	if !claimed {
		return nil
	}
	msg.Version++

	log := logrus.WithFields(logrus.Fields{
		"outbox_id": msg.ID.String(),
		"topic":     msg.Topic,
		"attempt":   msg.Attempts + 1,
	})

	deliverErr := s.deliver(ctx, msg)
	if deliverErr == nil {
		if _, err := casUpdate(db, &models.OutboxMessage{}, msg.ID, msg.Version, "status", models.OutboxStatusPending, map[string]interface{}{
			"status":       models.OutboxStatusDelivered,
			"attempts":     msg.Attempts + 1,
			"delivered_at": s.now(),
			"last_error":   "",
		}); err != nil {
			return fmt.Errorf("failed to mark outbox message delivered: %w", err)
		}
		result.Delivered++
		s.telemetry.RecordTransition(ctx, "outbox", string(models.OutboxStatusDelivered))
		return nil
	}

	attempts := msg.Attempts + 1
	updates := map[string]interface{}{
		"attempts":   attempts,
		"last_error": deliverErr.Error(),
	}
	if attempts >= s.maxAttempts {
		updates["status"] = models.OutboxStatusDead
		log.WithError(deliverErr).Error("Outbox message exhausted its attempts")
	} else {
		updates["next_attempt_at"] = s.now().Add(s.backoff.Backoff(attempts))
		log.WithError(deliverErr).Warn("Outbox delivery failed")
	}

	if _, err := casUpdate(db, &models.OutboxMessage{}, msg.ID, msg.Version, "status", models.OutboxStatusPending, updates); err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}

	if attempts >= s.maxAttempts {
		result.Dead++
		s.telemetry.RecordTransition(ctx, "outbox", string(models.OutboxStatusDead))
		id := msg.ID
		alert := &models.AdminNotification{
			Type:                "outbox_dead",
			Title:               "Outbox message undeliverable",
			Message:             fmt.Sprintf("%s gave up after %d attempts: %s", msg.Topic, attempts, deliverErr.Error()),
			Priority:            models.AdminPriorityHigh,
			Status:              models.AdminNotificationUnread,
			RelatedResourceType: "outbox_message",
			RelatedResourceID:   &id,
		}
		if err := db.Create(alert).Error; err != nil {
			log.WithError(err).Error("Failed to raise dead outbox alert")
		}
	} else {
		result.Retried++
	}
	return nil
}

func (s *OutboxService) deliver(ctx context.Context, msg *models.OutboxMessage) error {
	switch {
	case msg.IsNotification():
		if s.notifier == nil {
			return errors.New("no notification sink configured")
		}
		return s.notifier.Notify(ctx, msg)

	case msg.Topic == models.TopicDisbursementExecute:
		if s.disburser == nil {
			return errors.New("no disbursement executor configured")
		}
		requestID, ok := payloadUUID(msg.Payload, "payout_request_id")
		if !ok {
			return errors.New("disbursement payload missing payout_request_id")
		}
		var request models.PayoutRequest
		if err := s.db.WithContext(ctx).First(&request, "id = ?", requestID).Error; err != nil {
			return notFound(err, "payout request")
		}
		if request.Status != models.PayoutRequestStatusApproved {
			// Already completed or no longer payable.
			return nil
		}
		return s.disburser.Disburse(ctx, msg, &request)

	case msg.Topic == models.TopicRefundExecute:
		if s.refunder == nil {
			return errors.New("no refund executor configured")
		}
		instruction, err := refundInstructionFrom(msg.Payload)
		if err != nil {
			return err
		}
		return s.refunder.Refund(ctx, msg, instruction)
	}

	return fmt.Errorf("unknown outbox topic %q", msg.Topic)
}
