// internal/services/executors.go
package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/providers"
)

// ManualDisbursementExecutor hands approved payouts to the treasury team.
// The request is completed through the admin API once money has moved.
type ManualDisbursementExecutor struct {
	db *gorm.DB
}

func NewManualDisbursementExecutor(db *gorm.DB) *ManualDisbursementExecutor {
	return &ManualDisbursementExecutor{db: db}
}

func (e *ManualDisbursementExecutor) Disburse(ctx context.Context, msg *models.OutboxMessage, request *models.PayoutRequest) error {
	msgID := msg.ID
	requestID := request.ID
	alert := &models.AdminNotification{
		Type:  "disbursement_required",
		Title: "Payout ready for transfer",
		Message: fmt.Sprintf("Transfer %s %s to seller %s via %s",
			request.Amount.StringFixed(2), request.Currency, request.SellerID, request.Method),
		Priority:            models.AdminPriorityMedium,
		Status:              models.AdminNotificationUnread,
		RelatedResourceType: "payout_request",
		RelatedResourceID:   &requestID,
		OutboxMessageID:     &msgID,
	}
	if _, err := insertOnce(e.db.WithContext(ctx), alert); err != nil {
		return fmt.Errorf("failed to queue manual disbursement: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"payout_request_id": request.ID.String(),
		"seller_id":         request.SellerID.String(),
		"amount":            request.Amount.StringFixed(2),
	}).Info("Payout queued for manual disbursement")
	return nil
}

// ProviderRefundExecutor refunds through the original rail when it supports
// refunds and falls back to the operations queue otherwise.
type ProviderRefundExecutor struct {
	db       *gorm.DB
	registry *providers.Registry
}

func NewProviderRefundExecutor(db *gorm.DB, registry *providers.Registry) *ProviderRefundExecutor {
	return &ProviderRefundExecutor{db: db, registry: registry}
}

func (e *ProviderRefundExecutor) Refund(ctx context.Context, msg *models.OutboxMessage, instruction RefundInstruction) error {
	log := logrus.WithFields(logrus.Fields{
		"order_id":     instruction.OrderID.String(),
		"provider":     instruction.Provider,
		"provider_ref": instruction.ProviderRef,
		"amount":       instruction.Amount.StringFixed(2),
	})

	if refunder, ok := e.registry.Refunder(providers.Provider(instruction.Provider)); ok && instruction.ProviderRef != "" {
		refundID, err := refunder.Refund(ctx, instruction.ProviderRef, instruction.Amount, instruction.Currency)
		switch {
		case err == nil:
			log.WithField("refund_id", refundID).Info("Refund executed")
			return createAuditLog(e.db.WithContext(ctx), nil, models.AuditActionRefundExecuted, "order", instruction.OrderID, nil, map[string]interface{}{
				"refund_id":    refundID,
				"provider":     instruction.Provider,
				"provider_ref": instruction.ProviderRef,
				"amount":       instruction.Amount.StringFixed(2),
				"reason":       instruction.Reason,
			})
		case apperr.IsValidation(err):
			// The rail will never accept it; hand it to a human.
			log.WithError(err).Warn("Provider rejected refund")
			return e.manual(ctx, msg, instruction, err.Error())
		default:
			return err
		}
	}

	return e.manual(ctx, msg, instruction, "")
}

func (e *ProviderRefundExecutor) manual(ctx context.Context, msg *models.OutboxMessage, instruction RefundInstruction, failure string) error {
	message := fmt.Sprintf("Refund %s %s for order %s (%s)",
		instruction.Amount.StringFixed(2), instruction.Currency, instruction.OrderID, instruction.Reason)
	if failure != "" {
		message += ": provider said " + failure
	}

	msgID := msg.ID
	orderID := instruction.OrderID
	alert := &models.AdminNotification{
		Type:                "refund_required",
		Title:               "Manual refund required",
		Message:             message,
		Priority:            models.AdminPriorityHigh,
		Status:              models.AdminNotificationUnread,
		RelatedResourceType: "order",
		RelatedResourceID:   &orderID,
		OutboxMessageID:     &msgID,
	}
	if _, err := insertOnce(e.db.WithContext(ctx), alert); err != nil {
		return fmt.Errorf("failed to queue manual refund: %w", err)
	}
	return nil
}
