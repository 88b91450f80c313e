// internal/services/admin_service.go
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

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type AdminService struct {
	db *gorm.DB
}

type AdminDashboardStats struct {
	PendingPaymentOrders  int64           `json:"pending_payment_orders"`
	PaidOrders            int64           `json:"paid_orders"`
	PaidOrdersThisMonth   int64           `json:"paid_orders_this_month"`
	EscrowHeld            decimal.Decimal `json:"escrow_held"`
	OpenDisputes          int64           `json:"open_disputes"`
	OpenPayoutRequests    int64           `json:"open_payout_requests"`
	TimedOutAttempts      int64           `json:"timed_out_attempts"`
	DeadOutboxMessages    int64           `json:"dead_outbox_messages"`
	UnreadAdminAlerts     int64           `json:"unread_admin_alerts"`
	FinancialConflicts24h int64           `json:"financial_conflicts_24h"`
}

type AdminAuditFilter struct {
	utils.PaginationParams
	Action       string     `json:"action,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   *uuid.UUID `json:"resource_id,omitempty"`
}

func NewAdminService(db *gorm.DB) *AdminService {
	return &AdminService{db: db}
}

// Dashboard Statistics
func (s *AdminService) GetDashboardStats(ctx context.Context) (*AdminDashboardStats, error) {
	db := s.db.WithContext(ctx)
	stats := &AdminDashboardStats{EscrowHeld: decimal.Zero}
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	// Orders
	if err := db.Model(&models.Order{}).
		Where("payment_status = ?", models.PaymentStatusPending).
		Count(&stats.PendingPaymentOrders).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending orders: %w", err)
	}
	db.Model(&models.Order{}).Where("payment_status = ?", models.PaymentStatusPaid).Count(&stats.PaidOrders)
	db.Model(&models.Order{}).
		Where("payment_status = ? AND paid_at >= ?", models.PaymentStatusPaid, monthStart).
		Count(&stats.PaidOrdersThisMonth)
	db.Model(&models.PaymentAttempt{}).
		Where("state = ?", models.AttemptStatePaymentTimeout).
		Count(&stats.TimedOutAttempts)

	// Escrow and disputes
	var held []decimal.Decimal
	if err := db.Model(&models.EscrowPayment{}).
		Where("status = ?", models.EscrowStatusPending).
		Pluck("amount", &held).Error; err != nil {
		return nil, fmt.Errorf("failed to load held escrow: %w", err)
	}
	for _, amount := range held {
		stats.EscrowHeld = stats.EscrowHeld.Add(amount)
	}
	db.Model(&models.PaymentDispute{}).Where("status = ?", models.DisputeStatusOpen).Count(&stats.OpenDisputes)

	// Payouts
	db.Model(&models.PayoutRequest{}).
		Where("status IN ?", []models.PayoutRequestStatus{models.PayoutRequestStatusRequested, models.PayoutRequestStatusApproved}).
		Count(&stats.OpenPayoutRequests)

	// Operations
	db.Model(&models.OutboxMessage{}).Where("status = ?", models.OutboxStatusDead).Count(&stats.DeadOutboxMessages)
	db.Model(&models.AdminNotification{}).Where("status = ?", models.AdminNotificationUnread).Count(&stats.UnreadAdminAlerts)
	db.Model(&models.AuditLog{}).
		Where("action = ? AND created_at >= ?", models.AuditActionFinancialConflict, now.Add(-24*time.Hour)).
		Count(&stats.FinancialConflicts24h)

	return stats, nil
}

func (s *AdminService) GetAuditLogs(ctx context.Context, filter AdminAuditFilter) ([]models.AuditLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.ResourceType != "" {
		query = query.Where("resource_type = ?", filter.ResourceType)
	}
	if filter.ResourceID != nil {
		query = query.Where("resource_id = ?", *filter.ResourceID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query = utils.ApplySort(query, filter.PaginationParams, []string{"created_at", "action"})
	query = utils.ApplyPagination(query, filter.PaginationParams)

	var logs []models.AuditLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch audit logs: %w", err)
	}
	return logs, total, nil
}

func (s *AdminService) GetAdminNotifications(ctx context.Context, params utils.PaginationParams) ([]models.AdminNotification, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AdminNotification{})
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count admin notifications: %w", err)
	}

	query = utils.ApplySort(query, params, []string{"created_at", "priority"})
	query = utils.ApplyPagination(query, params)

	var notifications []models.AdminNotification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch admin notifications: %w", err)
	}
	return notifications, total, nil
}

func (s *AdminService) MarkAdminNotificationRead(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.AdminNotification{}).
		Where("id = ? AND status = ?", id, models.AdminNotificationUnread).
		Updates(map[string]interface{}{
			"status":  models.AdminNotificationRead,
			"read_at": now,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark admin notification read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n models.AdminNotification
		if err := s.db.WithContext(ctx).First(&n, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return fmt.Errorf("failed to load admin notification: %w", err)
		}
	}
	return nil
}

// RecordConflict audits a rejected conditional update. It runs after the
// failed transaction rolled back, so it uses its own connection.
func (s *AdminService) RecordConflict(ctx context.Context, actor *uuid.UUID, err error, details map[string]interface{}) {
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		return
	}

	fields := logrus.Fields{
		"financial_conflict": true,
		"resource":           conflict.Resource,
		"resource_id":        conflict.ID,
		"reason":             conflict.Reason,
	}
	if actor != nil {
		fields["user_id"] = actor.String()
	}
	logrus.WithFields(fields).Warn("Ledger transition rejected")

	values := models.JSONB{"reason": conflict.Reason}
	for k, v := range details {
		values[k] = v
	}

	var resourceID *uuid.UUID
	if id, parseErr := uuid.Parse(conflict.ID); parseErr == nil {
		resourceID = &id
	}

	auditLog := &models.AuditLog{
		UserID:       actor,
		Action:       models.AuditActionFinancialConflict,
		ResourceType: conflict.Resource,
		ResourceID:   resourceID,
		NewValues:    values,
	}
	if dbErr := s.db.WithContext(context.WithoutCancel(ctx)).Create(auditLog).Error; dbErr != nil {
		logrus.WithError(dbErr).WithFields(fields).Error("Failed to write conflict audit log")
	}
}

// createAuditLog writes an audit row on tx so it commits with the transition.
func createAuditLog(tx *gorm.DB, actor *uuid.UUID, action, resourceType string, resourceID uuid.UUID, oldValues, newValues map[string]interface{}) error {
	id := resourceID
	auditLog := &models.AuditLog{
		UserID:       actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   &id,
		OldValues:    models.JSONB(oldValues),
		NewValues:    models.JSONB(newValues),
	}
	if err := tx.Create(auditLog).Error; err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}
