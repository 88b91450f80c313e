package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/cache"
	"github.com/javajoker/imi-ledger/internal/lock"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/providers"
)

func (s *LedgerTestSuite) TestApplySuccessOpensEscrow() {
	order := s.createOrder("5000.00")
	attempt := s.payByCard(order)

	res, err := s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_1", time.Now().UTC()))
	s.Require().NoError(err)
	s.Equal(models.DispositionApplied, res.Disposition)
	s.Equal(order.ID, res.OrderID)

	order = s.reloadOrder(order.ID)
	s.Equal(models.PaymentStatusPaid, order.PaymentStatus)
	s.Equal(models.OrderStatusConfirmed, order.Status)
	s.NotNil(order.PaidAt)

	escrow := s.escrowFor(order.ID)
	s.Equal(models.EscrowStatusPending, escrow.Status)
	s.True(decimal.RequireFromString("5000").Equal(escrow.Amount))
	s.Equal(s.sellerID, escrow.SellerID)

	s.Equal(models.AttemptStatePaid, s.reloadAttempt(attempt.ID).State)
	s.Equal(int64(2), s.count(&models.OutboxMessage{}, "topic = ?", models.TopicPaymentSucceeded))
}

func (s *LedgerTestSuite) TestApplyRedeliveryIsNoOp() {
	order, attempt := s.paidOrder("5000.00")
	event := s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_"+attempt.Reference, time.Now().UTC())

	for i := 0; i < 3; i++ {
		res, err := s.recon.Apply(s.ctx, event)
		s.Require().NoError(err)
		s.Equal(models.DispositionDuplicate, res.Disposition)
	}

	s.Equal(int64(1), s.count(&models.EscrowPayment{}, "order_id = ?", order.ID))
	s.Equal(int64(1), s.count(&models.ProcessedEvent{}, ""))
	s.Equal(int64(2), s.count(&models.OutboxMessage{}, ""))
	s.Equal(order.Version, s.reloadOrder(order.ID).Version)
}

func (s *LedgerTestSuite) TestApplyConcurrentDeliveries() {
	order := s.createOrder("5000.00")
	attempt := s.payByCard(order)
	event := s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_concurrent", time.Now().UTC())

	const workers = 8
	results := make(chan models.EventDisposition, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.recon.Apply(s.ctx, event)
			if err != nil {
				results <- ""
				return
			}
			results <- res.Disposition
		}()
	}
	wg.Wait()
	close(results)

	applied, duplicates := 0, 0
	for d := range results {
		switch d {
		case models.DispositionApplied:
			applied++
		case models.DispositionDuplicate:
			duplicates++
		}
	}
	s.Equal(1, applied)
	s.Equal(workers-1, duplicates)
	s.Equal(int64(1), s.count(&models.EscrowPayment{}, "order_id = ?", order.ID))
}

func (s *LedgerTestSuite) TestApplyUnknownOrder() {
	_, err := s.recon.Apply(s.ctx, &providers.PaymentEvent{
		Provider:       providers.ProviderCard,
		OrderRef:       "PAY-DOES-NOT-EXIST",
		Outcome:        providers.OutcomeSucceeded,
		IdempotencyKey: "evt_unknown",
		OccurredAt:     time.Now().UTC(),
	})
	s.ErrorIs(err, apperr.ErrUnknownOrder)
	s.Equal(int64(0), s.count(&models.ProcessedEvent{}, ""))
}

func (s *LedgerTestSuite) TestApplyRejectsMalformedEvent() {
	_, err := s.recon.Apply(s.ctx, &providers.PaymentEvent{Provider: providers.ProviderCard, OrderRef: "PAY-1"})
	s.True(apperr.IsValidation(err))
}

func (s *LedgerTestSuite) TestApplyContradictoryEventAfterPayment() {
	order, attempt := s.paidOrder("5000.00")

	res, err := s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomeFailed, "evt_late_fail", time.Now().UTC()))
	s.Require().NoError(err)
	s.Equal(models.DispositionAnomaly, res.Disposition)
	s.Equal(AnomalyContradictoryEvent, res.Anomaly)

	s.Equal(models.PaymentStatusPaid, s.reloadOrder(order.ID).PaymentStatus)
	s.Equal(models.AttemptStatePaid, s.reloadAttempt(attempt.ID).State)
	s.Equal(int64(1), s.count(&models.AuditLog{}, "action = ?", models.AuditActionAnomaly))
	s.Equal(int64(1), s.count(&models.OutboxMessage{}, "topic = ?", models.TopicPaymentAnomaly))

	var processed models.ProcessedEvent
	s.Require().NoError(s.db.First(&processed, "idempotency_key = ?", "evt_late_fail").Error)
	s.Equal(models.DispositionAnomaly, processed.Disposition)
}

func (s *LedgerTestSuite) TestApplySameOutcomeOnTerminalAttemptIsIgnored() {
	_, attempt := s.paidOrder("5000.00")

	res, err := s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_second_copy", time.Now().UTC()))
	s.Require().NoError(err)
	s.Equal(models.DispositionIgnoredTerminal, res.Disposition)
	s.Empty(res.Anomaly)
}

func (s *LedgerTestSuite) TestApplyStaleEvent() {
	order := s.createOrder("5000.00")
	attempt := s.payByCard(order)
	now := time.Now().UTC()

	res, err := s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomePending, "evt_processing", now))
	s.Require().NoError(err)
	s.Equal(models.DispositionInformational, res.Disposition)

	res, err = s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomeFailed, "evt_older", now.Add(-time.Minute)))
	s.Require().NoError(err)
	s.Equal(models.DispositionStale, res.Disposition)

	s.Equal(models.AttemptStateAwaitingPayment, s.reloadAttempt(attempt.ID).State)
	s.Equal(models.PaymentStatusPending, s.reloadOrder(order.ID).PaymentStatus)
}

func (s *LedgerTestSuite) TestApplyAmountMismatch() {
	order := s.createOrder("5000.00")
	attempt := s.payByCard(order)
	event := s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_short", time.Now().UTC())
	event.Amount = decimal.RequireFromString("4999.99")

	res, err := s.recon.Apply(s.ctx, event)
	s.Require().NoError(err)
	s.Equal(models.DispositionAnomaly, res.Disposition)
	s.Equal(AnomalyAmountMismatch, res.Anomaly)

	s.Equal(models.PaymentStatusPending, s.reloadOrder(order.ID).PaymentStatus)
	s.Equal(int64(0), s.count(&models.EscrowPayment{}, ""))
}

func (s *LedgerTestSuite) TestApplyEventFromAnotherRail() {
	order := s.createOrder("5000.00")
	attempt := s.payByCard(order)
	event := s.cardEvent(attempt, providers.OutcomeSucceeded, "stmt_line_1", time.Now().UTC())
	event.Provider = providers.ProviderBankTransfer

	res, err := s.recon.Apply(s.ctx, event)
	s.Require().NoError(err)
	s.Equal(models.DispositionAnomaly, res.Disposition)
	s.Equal(AnomalyProviderMismatch, res.Anomaly)

	s.Equal(models.AttemptStateAwaitingPayment, s.reloadAttempt(attempt.ID).State)
	s.Equal(models.PaymentStatusPending, s.reloadOrder(order.ID).PaymentStatus)
	s.Equal(int64(0), s.count(&models.EscrowPayment{}, ""))
	s.Equal(int64(1), s.count(&models.AuditLog{}, "action = ?", models.AuditActionAnomaly))
	s.Equal(int64(1), s.count(&models.ProcessedEvent{}, "disposition = ?", models.DispositionAnomaly))

	// The card processor's own confirmation still settles the attempt.
	res, err = s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_card_ok", time.Now().UTC()))
	s.Require().NoError(err)
	s.Equal(models.DispositionApplied, res.Disposition)
	s.Equal(models.PaymentStatusPaid, s.reloadOrder(order.ID).PaymentStatus)
}

func (s *LedgerTestSuite) TestApplyFailureThenRetryWithFreshReference() {
	order := s.createOrder("5000.00")
	first := s.payByCard(order)

	res, err := s.recon.Apply(s.ctx, s.cardEvent(first, providers.OutcomeFailed, "evt_declined", time.Now().UTC()))
	s.Require().NoError(err)
	s.Equal(models.DispositionApplied, res.Disposition)

	reloaded := s.reloadOrder(order.ID)
	s.Equal(models.PaymentStatusFailed, reloaded.PaymentStatus)
	s.Equal(int64(1), s.count(&models.OutboxMessage{}, "topic = ?", models.TopicPaymentFailed))

	second := s.payByCard(order)
	s.NotEqual(first.Reference, second.Reference)
	s.Equal(models.PaymentStatusPending, s.reloadOrder(order.ID).PaymentStatus)

	res, err = s.recon.Apply(s.ctx, s.cardEvent(second, providers.OutcomeSucceeded, "evt_retry_ok", time.Now().UTC()))
	s.Require().NoError(err)
	s.Equal(models.DispositionApplied, res.Disposition)

	reloaded = s.reloadOrder(order.ID)
	s.Equal(models.PaymentStatusPaid, reloaded.PaymentStatus)
	s.Equal(second.Reference, reloaded.PaymentReference)
}

func (s *LedgerTestSuite) TestApplyDoublePaymentQueuesRefund() {
	order := s.createOrder("5000.00")
	first := s.payByPush(order)

	// The first prompt times out, the buyer pays again, then both succeed.
	s.Require().NoError(s.db.Model(&models.PaymentAttempt{}).Where("id = ?", first.ID).
		Update("state", models.AttemptStatePaymentTimeout).Error)
	second := s.payByPush(order)

	_, err := s.recon.Apply(s.ctx, s.pushEvent(second, providers.OutcomeSucceeded, "mm_second"))
	s.Require().NoError(err)

	res, err := s.recon.Apply(s.ctx, s.pushEvent(first, providers.OutcomeSucceeded, "mm_first_late"))
	s.Require().NoError(err)
	s.Equal(models.DispositionAnomaly, res.Disposition)
	s.Equal(AnomalyDoublePayment, res.Anomaly)

	s.Equal(models.AttemptStatePaid, s.reloadAttempt(first.ID).State)
	s.Equal(int64(1), s.count(&models.EscrowPayment{}, "order_id = ?", order.ID))

	var refund models.OutboxMessage
	s.Require().NoError(s.db.First(&refund, "topic = ?", models.TopicRefundExecute).Error)
	s.Equal(first.ID.String(), refund.Payload["attempt_id"])
	s.Equal(string(providers.ProviderMobileMoney), refund.Payload["provider"])
	s.Equal("5000.00", refund.Payload["amount"])
}

func (s *LedgerTestSuite) TestTimedOutAttemptReconcilesLateSuccess() {
	order := s.createOrder("5000.00")
	initiation, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{
		Method: models.PaymentMethodMobileMoney,
		Payer:  providers.PayerDetails{MSISDN: "+254700000001"},
	})
	s.Require().NoError(err)
	attempt := initiation.Attempt
	s.Equal("poll_"+attempt.Reference, attempt.PollHandle)

	s.recon.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	sweep, err := s.recon.SweepPushPayments(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, sweep.Polled)
	s.Equal(1, sweep.TimedOut)
	s.Equal(models.AttemptStatePaymentTimeout, s.reloadAttempt(attempt.ID).State)

	res, err := s.recon.Apply(s.ctx, &providers.PaymentEvent{
		Provider:       providers.ProviderMobileMoney,
		ProviderRef:    attempt.ProviderRef,
		OrderRef:       attempt.Reference,
		Outcome:        providers.OutcomeSucceeded,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		IdempotencyKey: "mm_late_callback",
		OccurredAt:     time.Now().UTC(),
	})
	s.Require().NoError(err)
	s.Equal(models.DispositionApplied, res.Disposition)
	s.Equal(models.PaymentStatusPaid, s.reloadOrder(order.ID).PaymentStatus)
}

func (s *LedgerTestSuite) TestSweepAppliesPolledOutcome() {
	order := s.createOrder("5000.00")
	initiation, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{
		Method: models.PaymentMethodMobileMoney,
		Payer:  providers.PayerDetails{MSISDN: "+254700000001"},
	})
	s.Require().NoError(err)
	s.push.outcomes[initiation.Attempt.PollHandle] = providers.OutcomeSucceeded

	sweep, err := s.recon.SweepPushPayments(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, sweep.Polled, "attempts younger than the push timeout are left alone")

	s.recon.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	sweep, err = s.recon.SweepPushPayments(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, sweep.Applied)
	s.Equal(models.PaymentStatusPaid, s.reloadOrder(order.ID).PaymentStatus)
	s.Equal(models.EscrowStatusPending, s.escrowFor(order.ID).Status)
}

func (s *LedgerTestSuite) TestPayRejectsSecondInFlightAttempt() {
	order := s.createOrder("5000.00")
	s.payByCard(order)

	_, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{Method: models.PaymentMethodCard})
	s.True(apperr.IsConflict(err))

	_, err = s.checkout.Pay(s.ctx, order.ID, s.sellerID, &PayRequest{Method: models.PaymentMethodCard})
	s.ErrorIs(err, apperr.ErrAuthorization)
}

func (s *LedgerTestSuite) TestPayRejectedByProviderFailsOrder() {
	order := s.createOrder("5000.00")
	s.card.initiateErr = apperr.Validation("provider", "card declined")

	_, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{Method: models.PaymentMethodCard})
	s.True(apperr.IsValidation(err))

	reloaded := s.reloadOrder(order.ID)
	s.Equal(models.PaymentStatusFailed, reloaded.PaymentStatus)

	var attempt models.PaymentAttempt
	s.Require().NoError(s.db.First(&attempt, "order_id = ?", order.ID).Error)
	s.Equal(models.AttemptStatePaymentFailed, attempt.State)
}

func (s *LedgerTestSuite) TestPayCardProviderDownFailsAttempt() {
	order := s.createOrder("5000.00")
	s.card.initiateErr = fmt.Errorf("create payment intent: %w", apperr.ErrProviderUnavailable)

	_, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{Method: models.PaymentMethodCard})
	s.ErrorIs(err, apperr.ErrProviderUnavailable)

	var attempt models.PaymentAttempt
	s.Require().NoError(s.db.First(&attempt, "order_id = ?", order.ID).Error)
	s.Equal(models.AttemptStatePaymentFailed, attempt.State)
	s.Contains(attempt.FailureReason, "create payment intent")

	reloaded := s.reloadOrder(order.ID)
	s.Equal(models.PaymentStatusFailed, reloaded.PaymentStatus)
	s.Contains(reloaded.FailureReason, "create payment intent")
}

func (s *LedgerTestSuite) TestPayPushProviderDownTimesOutAttempt() {
	order := s.createOrder("5000.00")
	s.push.initiateErr = apperr.ErrProviderUnavailable

	_, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{
		Method: models.PaymentMethodMobileMoney,
		Payer:  providers.PayerDetails{MSISDN: "+254700000001"},
	})
	s.ErrorIs(err, apperr.ErrProviderUnavailable)

	var attempt models.PaymentAttempt
	s.Require().NoError(s.db.First(&attempt, "order_id = ?", order.ID).Error)
	s.Equal(models.AttemptStatePaymentTimeout, attempt.State)
	s.Equal(models.PaymentStatusPending, s.reloadOrder(order.ID).PaymentStatus)
}

func (s *LedgerTestSuite) TestPayRejectsUnknownMethod() {
	order := s.createOrder("5000.00")

	_, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{Method: "cash"})
	s.True(apperr.IsValidation(err))
	s.Equal(int64(0), s.count(&models.PaymentAttempt{}, ""))
}

func (s *LedgerTestSuite) TestCreateOrderValidatesTotal() {
	_, err := s.checkout.CreateOrder(s.ctx, s.buyerID, &CreateOrderRequest{
		SellerID: s.sellerID,
		Items: []models.OrderItem{
			{ProductID: s.sellerID, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		},
		Total: decimal.RequireFromString("25.00"),
	})
	s.True(apperr.IsValidation(err))

	_, err = s.checkout.CreateOrder(s.ctx, s.buyerID, &CreateOrderRequest{
		SellerID: s.buyerID,
		Items: []models.OrderItem{
			{ProductID: s.sellerID, Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
		},
		Total: decimal.RequireFromString("10.00"),
	})
	s.True(apperr.IsValidation(err))
}

func (s *LedgerTestSuite) TestUpdateFulfillmentMovesForwardOnly() {
	order, _ := s.paidOrder("5000.00")
	seller := Principal{UserID: s.sellerID, Role: RoleSeller}

	updated, err := s.checkout.UpdateFulfillment(s.ctx, order.ID, seller, models.OrderStatusShipped)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusShipped, updated.Status)

	_, err = s.checkout.UpdateFulfillment(s.ctx, order.ID, seller, models.OrderStatusProcessing)
	s.True(apperr.IsConflict(err))

	updated, err = s.checkout.UpdateFulfillment(s.ctx, order.ID, seller, models.OrderStatusDelivered)
	s.Require().NoError(err)
	s.NotNil(updated.DeliveredAt)

	_, err = s.checkout.UpdateFulfillment(s.ctx, order.ID, Principal{UserID: s.buyerID, Role: RoleBuyer}, models.OrderStatusDelivered)
	s.ErrorIs(err, apperr.ErrAuthorization)
	s.Equal(int64(2), s.count(&models.AuditLog{}, "action = ?", models.AuditActionOrderFulfilled))
}

func (s *LedgerTestSuite) TestGetOrderHidesOrderFromStrangers() {
	order, _ := s.paidOrder("5000.00")

	view, err := s.checkout.GetOrder(s.ctx, order.ID, Principal{UserID: s.buyerID, Role: RoleBuyer})
	s.Require().NoError(err)
	s.Len(view.Attempts, 1)
	s.NotNil(view.Escrow)
	s.Nil(view.Dispute)

	_, err = s.checkout.GetOrder(s.ctx, order.ID, Principal{UserID: s.adminID, Role: RoleBuyer})
	s.ErrorIs(err, apperr.ErrNotFound)
}

func (s *LedgerTestSuite) TestRedisSeenSetShortCircuitsRedelivery() {
	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.T().Cleanup(func() { client.Close() })

	recon := NewReconciliationService(s.db, lock.NewRedisLocker(client, 5*time.Second),
		cache.NewRedisSeenSet(client, time.Hour), s.registry, s.payment, 50, nil)

	order := s.createOrder("5000.00")
	attempt := s.payByCard(order)
	event := s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_redis", time.Now().UTC())

	res, err := recon.Apply(s.ctx, event)
	s.Require().NoError(err)
	s.Equal(models.DispositionApplied, res.Disposition)

	res, err = recon.Apply(s.ctx, event)
	s.Require().NoError(err)
	s.Equal(models.DispositionDuplicate, res.Disposition)
	s.Equal(int64(1), s.count(&models.ProcessedEvent{}, ""))
}
