package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/providers"
)

type failingSink struct {
	calls int
}

func (f *failingSink) Notify(context.Context, *models.OutboxMessage) error {
	f.calls++
	return errors.New("smtp relay down")
}

func (s *LedgerTestSuite) enqueueMessage(topic string, payload models.JSONB) {
	s.Require().NoError(database.WithTransaction(s.ctx, s.db, func(tx *gorm.DB) error {
		return enqueue(tx, topic, payload)
	}))
}

func (s *LedgerTestSuite) TestDrainDeliversPaymentNotifications() {
	order, _ := s.paidOrder("5000.00")

	res, err := s.outbox.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, res.Delivered)
	s.Equal(int64(2), s.count(&models.OutboxMessage{}, "status = ?", models.OutboxStatusDelivered))

	var notification models.Notification
	s.Require().NoError(s.db.First(&notification, "user_id = ?", s.buyerID).Error)
	s.Equal("payment_succeeded", notification.Type)
	s.Equal("Payment received", notification.Title)
	s.Contains(notification.Message, order.ID.String())

	res, err = s.outbox.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, res.Delivered)
	s.Equal(int64(2), s.count(&models.Notification{}, ""))
}

func (s *LedgerTestSuite) TestNotifyIsIdempotentPerMessage() {
	s.enqueueMessage(models.TopicDisputeOpened, notifyAdmins(notifyUser(s.sellerID, "order-1", nil), "dispute", uuid.New()))

	var msg models.OutboxMessage
	s.Require().NoError(s.db.First(&msg).Error)

	s.Require().NoError(s.notifications.Notify(s.ctx, &msg))
	s.Require().NoError(s.notifications.Notify(s.ctx, &msg))

	s.Equal(int64(1), s.count(&models.Notification{}, "user_id = ?", s.sellerID))
	s.Equal(int64(1), s.count(&models.AdminNotification{}, "type = ?", "dispute_opened"))
}

func (s *LedgerTestSuite) TestDrainRetriesThenGivesUp() {
	sink := &failingSink{}
	outbox := NewOutboxService(s.db, s.outboxConfig(), sink, nil, nil, nil)
	s.enqueueMessage(models.TopicPaymentFailed, notifyUser(s.buyerID, "order-1", nil))
	clock := time.Now().UTC().Add(time.Second)
	outbox.now = func() time.Time { return clock }

	res, err := outbox.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Retried)

	var msg models.OutboxMessage
	s.Require().NoError(s.db.First(&msg).Error)
	s.Equal(models.OutboxStatusPending, msg.Status)
	s.Equal(1, msg.Attempts)
	s.Equal("smtp relay down", msg.LastError)
	s.True(msg.NextAttemptAt.After(clock))

	res, err = outbox.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, res.Retried, "backed off messages are not due yet")

	for i := 0; i < 2; i++ {
		clock = clock.Add(time.Hour)
		_, err = outbox.Drain(s.ctx)
		s.Require().NoError(err)
	}

	s.Require().NoError(s.db.First(&msg, "id = ?", msg.ID).Error)
	s.Equal(models.OutboxStatusDead, msg.Status)
	s.Equal(3, msg.Attempts)
	s.Equal(3, sink.calls)
	s.Equal(int64(1), s.count(&models.AdminNotification{}, "type = ?", "outbox_dead"))

	stats, err := s.admin.GetDashboardStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.DeadOutboxMessages)
}

func (s *LedgerTestSuite) TestDrainRefundsThroughProvider() {
	order, attempt := s.paidOrder("5000.00")
	s.enqueueMessage(models.TopicRefundExecute, RefundInstruction{
		OrderID:     order.ID,
		AttemptID:   attempt.ID,
		Provider:    "card",
		ProviderRef: attempt.ProviderRef,
		Amount:      decimal.RequireFromString("5000"),
		Currency:    "USD",
		Reason:      "dispute_refund",
	}.payload())

	_, err := s.outbox.Drain(s.ctx)
	s.Require().NoError(err)

	s.Equal([]string{attempt.ProviderRef + ":5000.00"}, s.card.refunds)
	s.Equal(int64(1), s.count(&models.AuditLog{}, "action = ?", models.AuditActionRefundExecuted))
	s.Equal(int64(0), s.count(&models.AdminNotification{}, "type = ?", "refund_required"))
}

func (s *LedgerTestSuite) TestDrainRefundFallsBackToOperations() {
	order, attempt := s.paidOrder("5000.00")
	s.card.refundErr = apperr.Validation("provider", "charge already refunded")
	s.enqueueMessage(models.TopicRefundExecute, RefundInstruction{
		OrderID:     order.ID,
		AttemptID:   attempt.ID,
		Provider:    "card",
		ProviderRef: attempt.ProviderRef,
		Amount:      decimal.RequireFromString("5000"),
		Currency:    "USD",
		Reason:      AnomalyDoublePayment,
	}.payload())
	s.enqueueMessage(models.TopicRefundExecute, RefundInstruction{
		OrderID:  order.ID,
		Provider: "bank_transfer",
		Amount:   decimal.RequireFromString("10"),
		Currency: "USD",
		Reason:   "dispute_refund",
	}.payload())

	res, err := s.outbox.Drain(s.ctx)
	s.Require().NoError(err)
	s.GreaterOrEqual(res.Delivered, 2)
	s.Equal(int64(2), s.count(&models.AdminNotification{}, "type = ? AND priority = ?", "refund_required", models.AdminPriorityHigh))
}

func (s *LedgerTestSuite) TestDrainRetriesTransientRefundFailure() {
	order, attempt := s.paidOrder("5000.00")
	s.card.refundErr = apperr.ErrProviderUnavailable
	s.enqueueMessage(models.TopicRefundExecute, RefundInstruction{
		OrderID:     order.ID,
		Provider:    "card",
		ProviderRef: attempt.ProviderRef,
		Amount:      decimal.RequireFromString("5000"),
		Currency:    "USD",
	}.payload())

	res, err := s.outbox.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Retried)
	s.Equal(int64(0), s.count(&models.AdminNotification{}, "type = ?", "refund_required"))
}

func (s *LedgerTestSuite) TestDrainHandsApprovedPayoutToTreasury() {
	s.pendingPayout("1500.00")
	request, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.Require().NoError(err)
	_, err = s.payouts.DecidePayoutRequest(s.ctx, request.ID, s.adminPrincipal(), true, "")
	s.Require().NoError(err)

	_, err = s.outbox.Drain(s.ctx)
	s.Require().NoError(err)

	var alert models.AdminNotification
	s.Require().NoError(s.db.First(&alert, "type = ?", "disbursement_required").Error)
	s.Require().NotNil(alert.RelatedResourceID)
	s.Equal(request.ID, *alert.RelatedResourceID)
	s.Equal(int64(0), s.count(&models.OutboxMessage{}, "status <> ?", models.OutboxStatusDelivered))
}

func (s *LedgerTestSuite) TestUserNotificationsListAndRead() {
	s.paidOrder("5000.00")
	_, err := s.outbox.Drain(s.ctx)
	s.Require().NoError(err)

	params := defaultPage()
	params.Status = "unread"
	list, total, err := s.notifications.GetNotifications(s.ctx, s.sellerID, params)
	s.Require().NoError(err)
	s.Equal(int64(1), total)

	s.Require().NoError(s.notifications.MarkRead(s.ctx, s.sellerID, list[0].ID))
	_, total, err = s.notifications.GetNotifications(s.ctx, s.sellerID, params)
	s.Require().NoError(err)
	s.Equal(int64(0), total)

	s.ErrorIs(s.notifications.MarkRead(s.ctx, s.buyerID, list[0].ID), apperr.ErrNotFound)
}

func (s *LedgerTestSuite) TestAdminNotificationsAndAudit() {
	_, attempt := s.paidOrder("5000.00")
	_, err := s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomeFailed, "evt_contradiction", time.Now().UTC()))
	s.Require().NoError(err)
	_, err = s.outbox.Drain(s.ctx)
	s.Require().NoError(err)

	params := defaultPage()
	params.Status = models.AdminNotificationUnread
	alerts, total, err := s.admin.GetAdminNotifications(s.ctx, params)
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Equal("payment_anomaly", alerts[0].Type)
	s.Equal(models.AdminPriorityHigh, alerts[0].Priority)

	s.Require().NoError(s.admin.MarkAdminNotificationRead(s.ctx, alerts[0].ID))
	s.Require().NoError(s.admin.MarkAdminNotificationRead(s.ctx, alerts[0].ID))
	s.ErrorIs(s.admin.MarkAdminNotificationRead(s.ctx, uuid.New()), apperr.ErrNotFound)

	logs, total, err := s.admin.GetAuditLogs(s.ctx, AdminAuditFilter{
		PaginationParams: defaultPage(),
		Action:           models.AuditActionAnomaly,
	})
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Equal("payment_attempt", logs[0].ResourceType)

	stats, err := s.admin.GetDashboardStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.PaidOrders)
	s.True(decimal.RequireFromString("5000").Equal(stats.EscrowHeld))
	s.Equal(int64(0), stats.UnreadAdminAlerts)
}

func (s *LedgerTestSuite) outboxConfig() config.WorkerConfig {
	return config.WorkerConfig{BatchSize: 50, OutboxMaxAttempts: 3}
}
