// internal/services/notification_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// NotificationService is the NotificationSink backed by the notifications
// and admin_notifications tables. Both are keyed by outbox message, so a
// redelivered message never produces a second row.
type NotificationService struct {
	db   *gorm.DB
	lang string
}

func NewNotificationService(db *gorm.DB, defaultLocale string) *NotificationService {
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	return &NotificationService{
		db:   db,
		lang: defaultLocale,
	}
}

// notifyUser builds the payload of a user-facing notification.
func notifyUser(userID uuid.UUID, reference string, extra models.JSONB) models.JSONB {
	payload := models.JSONB{
		"user_id":   userID.String(),
		"reference": reference,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// notifyAdmins marks a payload for the operations queue as well.
func notifyAdmins(payload models.JSONB, resourceType string, resourceID uuid.UUID) models.JSONB {
	payload["admin"] = true
	payload["resource_type"] = resourceType
	payload["resource_id"] = resourceID.String()
	return payload
}

func (s *NotificationService) Notify(ctx context.Context, msg *models.OutboxMessage) error {
	db := s.db.WithContext(ctx)
	reference := payloadString(msg.Payload, "reference")
	title := i18n.T(s.lang, msg.Topic+".title")
	message := i18n.T(s.lang, msg.Topic+".message", reference)

	if userID, ok := payloadUUID(msg.Payload, "user_id"); ok {
		notification := &models.Notification{
			UserID:          userID,
			Type:            strings.TrimPrefix(msg.Topic, "notification."),
			Title:           title,
			Message:         message,
			Data:            msg.Payload,
			OutboxMessageID: msg.ID,
		}
		if _, err := insertOnce(db, notification); err != nil {
			return fmt.Errorf("failed to create notification: %w", err)
		}
	}

	admin, _ := msg.Payload["admin"].(bool)
	if admin || msg.Topic == models.TopicPaymentAnomaly {
		priority := models.AdminPriorityMedium
		if msg.Topic == models.TopicPaymentAnomaly {
			priority = models.AdminPriorityHigh
		}
		msgID := msg.ID
		alert := &models.AdminNotification{
			Type:                strings.TrimPrefix(msg.Topic, "notification."),
			Title:               title,
			Message:             message,
			Priority:            priority,
			Status:              models.AdminNotificationUnread,
			RelatedResourceType: payloadString(msg.Payload, "resource_type"),
			OutboxMessageID:     &msgID,
		}
		if id, ok := payloadUUID(msg.Payload, "resource_id"); ok {
			alert.RelatedResourceID = &id
		}
		if _, err := insertOnce(db, alert); err != nil {
			return fmt.Errorf("failed to create admin notification: %w", err)
		}
	}

	return nil
}

func (s *NotificationService) GetNotifications(ctx context.Context, userID uuid.UUID, params utils.PaginationParams) ([]models.Notification, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	if params.Status == "unread" {
		query = query.Where("read_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	query = utils.ApplySort(query, params, []string{"created_at", "type"})
	query = utils.ApplyPagination(query, params)

	var notifications []models.Notification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	return notifications, total, nil
}

func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ? AND read_at IS NULL", notificationID, userID).
		Updates(map[string]interface{}{
			"read_at": time.Now().UTC(),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark notification read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&models.Notification{}).
			Where("id = ? AND user_id = ?", notificationID, userID).
			Count(&count)
		if count == 0 {
			return apperr.ErrNotFound
		}
	}
	return nil
}
