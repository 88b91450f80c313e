package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/lock"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/providers"
	"github.com/javajoker/imi-ledger/internal/testutil"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// fakeAdapter stands in for a rail without polling.
type fakeAdapter struct {
	name providers.Provider

	mu          sync.Mutex
	initiateErr error
	initiated   []providers.InitiateRequest
	refunds     []string
	refundErr   error
}

func (f *fakeAdapter) Name() providers.Provider { return f.name }

func (f *fakeAdapter) Initiate(ctx context.Context, req providers.InitiateRequest) (*providers.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, req)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &providers.Handle{ProviderRef: "prov_" + req.OrderRef, ClientSecret: "secret_" + req.OrderRef}, nil
}

func (f *fakeAdapter) ParseCallback(context.Context, []byte, http.Header) (*providers.PaymentEvent, error) {
	return nil, errors.New("not used")
}

func (f *fakeAdapter) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.refunds = append(f.refunds, providerRef+":"+amount.StringFixed(2))
	return "re_" + providerRef, nil
}

// fakePushAdapter is a rail with abandoned-prompt polling.
type fakePushAdapter struct {
	fakeAdapter
	outcomes map[string]providers.Outcome
}

func (f *fakePushAdapter) Initiate(ctx context.Context, req providers.InitiateRequest) (*providers.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, req)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &providers.Handle{ProviderRef: "push_" + req.OrderRef, PollHandle: "poll_" + req.OrderRef}, nil
}

func (f *fakePushAdapter) Poll(ctx context.Context, handle string) (*providers.PaymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome, ok := f.outcomes[handle]
	if !ok {
		outcome = providers.OutcomePending
	}
	return &providers.PaymentEvent{
		Provider:       f.name,
		ProviderRef:    "push_" + handle,
		Outcome:        outcome,
		IdempotencyKey: "poll:" + handle + ":" + string(outcome),
		OccurredAt:     time.Now().UTC(),
	}, nil
}

type LedgerTestSuite struct {
	suite.Suite
	ctx context.Context
	db  *gorm.DB

	card     *fakeAdapter
	push     *fakePushAdapter
	registry *providers.Registry
	payment  config.PaymentConfig

	admin         *AdminService
	checkout      *CheckoutService
	recon         *ReconciliationService
	escrow        *EscrowService
	payouts       *PayoutService
	notifications *NotificationService
	outbox        *OutboxService

	buyerID  uuid.UUID
	sellerID uuid.UUID
	adminID  uuid.UUID
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (s *LedgerTestSuite) SetupSuite() {
	s.Require().NoError(i18n.Initialize("en"))
}

func (s *LedgerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = testutil.NewTestDB(s.T())

	s.card = &fakeAdapter{name: providers.ProviderCard}
	s.push = &fakePushAdapter{
		fakeAdapter: fakeAdapter{name: providers.ProviderMobileMoney},
		outcomes:    map[string]providers.Outcome{},
	}
	s.registry = providers.NewRegistry(s.card, s.push)
	s.payment = config.PaymentConfig{
		Currency:               "USD",
		PlatformCommissionRate: 0.10,
		ProcessingFee:          30,
		MinimumPayout:          1000,
		DisputeWindowHours:     72,
		PushTimeoutSeconds:     2,
	}

	locker := lock.NewMemoryLocker()
	gate := NewRoleGate()
	s.admin = NewAdminService(s.db)
	s.checkout = NewCheckoutService(s.db, locker, s.registry, gate, s.payment, nil)
	s.recon = NewReconciliationService(s.db, locker, nil, s.registry, s.payment, 50, nil)
	s.escrow = NewEscrowService(s.db, locker, gate, s.admin, s.payment, 50, nil)
	s.payouts = NewPayoutService(s.db, locker, gate, s.admin, s.payment, nil)
	s.notifications = NewNotificationService(s.db, "en")
	s.outbox = NewOutboxService(s.db, config.WorkerConfig{BatchSize: 50, OutboxMaxAttempts: 3},
		s.notifications, NewManualDisbursementExecutor(s.db), NewProviderRefundExecutor(s.db, s.registry), nil)

	s.buyerID = uuid.New()
	s.sellerID = uuid.New()
	s.adminID = uuid.New()
}

func (s *LedgerTestSuite) adminPrincipal() Principal {
	return Principal{UserID: s.adminID, Role: RoleAdmin}
}

// createOrder checks out a single line item worth total.
func (s *LedgerTestSuite) createOrder(total string) *models.Order {
	amount := decimal.RequireFromString(total)
	order, err := s.checkout.CreateOrder(s.ctx, s.buyerID, &CreateOrderRequest{
		SellerID: s.sellerID,
		Items: []models.OrderItem{
			{ProductID: uuid.New(), Title: "Licensed print", Quantity: 1, UnitPrice: amount},
		},
		Total: amount,
	})
	s.Require().NoError(err)
	return order
}

func (s *LedgerTestSuite) payByCard(order *models.Order) *models.PaymentAttempt {
	initiation, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{Method: models.PaymentMethodCard})
	s.Require().NoError(err)
	return initiation.Attempt
}

func (s *LedgerTestSuite) payByPush(order *models.Order) *models.PaymentAttempt {
	initiation, err := s.checkout.Pay(s.ctx, order.ID, s.buyerID, &PayRequest{
		Method: models.PaymentMethodMobileMoney,
		Payer:  providers.PayerDetails{MSISDN: "+254700000001"},
	})
	s.Require().NoError(err)
	return initiation.Attempt
}

func (s *LedgerTestSuite) pushEvent(attempt *models.PaymentAttempt, outcome providers.Outcome, key string) *providers.PaymentEvent {
	event := s.cardEvent(attempt, outcome, key, time.Now().UTC())
	event.Provider = providers.ProviderMobileMoney
	return event
}

func (s *LedgerTestSuite) cardEvent(attempt *models.PaymentAttempt, outcome providers.Outcome, key string, at time.Time) *providers.PaymentEvent {
	return &providers.PaymentEvent{
		Provider:       providers.ProviderCard,
		ProviderRef:    "prov_" + attempt.Reference,
		OrderRef:       attempt.Reference,
		Outcome:        outcome,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		IdempotencyKey: key,
		OccurredAt:     at,
	}
}

// paidOrder returns an order whose card payment has been reconciled.
func (s *LedgerTestSuite) paidOrder(total string) (*models.Order, *models.PaymentAttempt) {
	order := s.createOrder(total)
	attempt := s.payByCard(order)
	res, err := s.recon.Apply(s.ctx, s.cardEvent(attempt, providers.OutcomeSucceeded, "evt_"+attempt.Reference, time.Now().UTC()))
	s.Require().NoError(err)
	s.Require().Equal(models.DispositionApplied, res.Disposition)
	return s.reloadOrder(order.ID), s.reloadAttempt(attempt.ID)
}

func (s *LedgerTestSuite) reloadOrder(id uuid.UUID) *models.Order {
	var order models.Order
	s.Require().NoError(s.db.First(&order, "id = ?", id).Error)
	return &order
}

func (s *LedgerTestSuite) reloadAttempt(id uuid.UUID) *models.PaymentAttempt {
	var attempt models.PaymentAttempt
	s.Require().NoError(s.db.First(&attempt, "id = ?", id).Error)
	return &attempt
}

func (s *LedgerTestSuite) escrowFor(orderID uuid.UUID) *models.EscrowPayment {
	var escrow models.EscrowPayment
	s.Require().NoError(s.db.First(&escrow, "order_id = ?", orderID).Error)
	return &escrow
}

func (s *LedgerTestSuite) count(model interface{}, query string, args ...interface{}) int64 {
	var n int64
	q := s.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	s.Require().NoError(q.Count(&n).Error)
	return n
}

// deliver marks order delivered at the given time.
func (s *LedgerTestSuite) deliver(order *models.Order, at time.Time) {
	s.Require().NoError(s.db.Model(&models.Order{}).Where("id = ?", order.ID).
		Updates(map[string]interface{}{"status": models.OrderStatusDelivered, "delivered_at": at}).Error)
}

func (s *LedgerTestSuite) pendingPayout(net string) *models.SellerPayout {
	amount := decimal.RequireFromString(net)
	row := &models.SellerPayout{
		SellerID:   s.sellerID,
		OrderID:    uuid.New(),
		EscrowID:   uuid.New(),
		Gross:      amount,
		Commission: decimal.Zero,
		Fee:        decimal.Zero,
		Net:        amount,
		Currency:   "USD",
		Status:     models.SellerPayoutStatusPending,
	}
	s.Require().NoError(s.db.Create(row).Error)
	return row
}

func defaultPage() utils.PaginationParams {
	return utils.NormalizePagination(utils.PaginationParams{})
}
