package services

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/models"
)

func bankTransfer() *CreatePayoutRequest {
	return &CreatePayoutRequest{
		Method: models.PayoutMethodBankTransfer,
		RecipientDetails: map[string]interface{}{
			"account_number": "0011223344",
			"bank_name":      "First Bank",
		},
	}
}

func (s *LedgerTestSuite) TestRejectedPayoutRestoresBalance() {
	first := s.pendingPayout("700.00")
	second := s.pendingPayout("500.00")

	request, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.Require().NoError(err)
	s.True(decimal.RequireFromString("1200").Equal(request.Amount))
	s.Equal(models.PayoutRequestStatusRequested, request.Status)

	balance, err := s.payouts.GetBalance(s.ctx, s.sellerID)
	s.Require().NoError(err)
	s.True(balance.Available.IsZero())
	s.True(decimal.RequireFromString("1200").Equal(balance.Requested))
	s.False(balance.CanRequestPayout)

	decided, err := s.payouts.DecidePayoutRequest(s.ctx, request.ID, s.adminPrincipal(), false, "Bank details do not match")
	s.Require().NoError(err)
	s.Equal(models.PayoutRequestStatusRejected, decided.Status)

	for _, id := range []interface{}{first.ID, second.ID} {
		var row models.SellerPayout
		s.Require().NoError(s.db.First(&row, "id = ?", id).Error)
		s.Equal(models.SellerPayoutStatusPending, row.Status)
		s.Nil(row.PayoutRequestID)
	}

	balance, err = s.payouts.GetBalance(s.ctx, s.sellerID)
	s.Require().NoError(err)
	s.True(decimal.RequireFromString("1200").Equal(balance.Available))
	s.True(balance.CanRequestPayout)
	s.Equal(int64(1), s.count(&models.AuditLog{}, "action = ?", models.AuditActionPayoutDecided))

	again, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.Require().NoError(err)
	s.True(decimal.RequireFromString("1200").Equal(again.Amount))
}

func (s *LedgerTestSuite) TestApprovedPayoutCompletes() {
	s.pendingPayout("1500.00")

	request, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.Require().NoError(err)

	_, err = s.payouts.CompletePayoutRequest(s.ctx, request.ID, s.adminPrincipal(), "TX-1")
	s.True(apperr.IsConflict(err), "only approved requests can complete")

	_, err = s.payouts.DecidePayoutRequest(s.ctx, request.ID, s.adminPrincipal(), true, "")
	s.Require().NoError(err)
	s.Equal(int64(1), s.count(&models.OutboxMessage{}, "topic = ?", models.TopicDisbursementExecute))

	balance, err := s.payouts.GetBalance(s.ctx, s.sellerID)
	s.Require().NoError(err)
	s.True(decimal.RequireFromString("1500").Equal(balance.Processing))

	completed, err := s.payouts.CompletePayoutRequest(s.ctx, request.ID, SystemPrincipal, "TX-1")
	s.Require().NoError(err)
	s.Equal(models.PayoutRequestStatusCompleted, completed.Status)
	s.Equal("TX-1", completed.ExternalTransactionID)

	balance, err = s.payouts.GetBalance(s.ctx, s.sellerID)
	s.Require().NoError(err)
	s.True(decimal.RequireFromString("1500").Equal(balance.Paid))
	s.True(balance.Available.IsZero())

	_, err = s.payouts.DecidePayoutRequest(s.ctx, request.ID, s.adminPrincipal(), false, "")
	s.True(apperr.IsConflict(err))
	s.Equal(int64(2), s.count(&models.AuditLog{}, "action = ?", models.AuditActionFinancialConflict))
}

func (s *LedgerTestSuite) TestPayoutBelowMinimumRollsBack() {
	row := s.pendingPayout("999.99")

	_, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.ErrorIs(err, apperr.ErrInsufficientBalance)

	var reloaded models.SellerPayout
	s.Require().NoError(s.db.First(&reloaded, "id = ?", row.ID).Error)
	s.Equal(models.SellerPayoutStatusPending, reloaded.Status)
	s.Nil(reloaded.PayoutRequestID)
	s.Equal(int64(0), s.count(&models.PayoutRequest{}, ""))
}

func (s *LedgerTestSuite) TestPayoutWithoutEarnings() {
	_, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.ErrorIs(err, apperr.ErrInsufficientBalance)
}

func (s *LedgerTestSuite) TestPayoutRecipientValidation() {
	s.pendingPayout("1500.00")

	_, err := s.payouts.RequestPayout(s.ctx, s.sellerID, &CreatePayoutRequest{
		Method:           models.PayoutMethodMobileMoney,
		RecipientDetails: map[string]interface{}{"msisdn": "0700"},
	})
	s.True(apperr.IsValidation(err))

	_, err = s.payouts.RequestPayout(s.ctx, s.sellerID, &CreatePayoutRequest{
		Method:           models.PayoutMethodBankTransfer,
		RecipientDetails: map[string]interface{}{"bank_name": "First Bank"},
	})
	s.True(apperr.IsValidation(err))
}

func (s *LedgerTestSuite) TestConcurrentPayoutRequestsClaimOnce() {
	s.pendingPayout("700.00")
	s.pendingPayout("500.00")

	const workers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperr.IsConflict(err):
				conflicts++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, succeeded)
	s.Equal(workers-1, conflicts)
	s.Equal(int64(1), s.count(&models.PayoutRequest{}, ""))

	var total decimal.Decimal
	var rows []models.SellerPayout
	s.Require().NoError(s.db.Where("status = ?", models.SellerPayoutStatusRequested).Find(&rows).Error)
	for _, r := range rows {
		total = total.Add(r.Net)
	}
	s.True(decimal.RequireFromString("1200").Equal(total))
}

func (s *LedgerTestSuite) TestEarningsAfterRequestStayPending() {
	s.pendingPayout("1200.00")

	request, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.Require().NoError(err)

	late := s.pendingPayout("300.00")
	_, err = s.payouts.DecidePayoutRequest(s.ctx, request.ID, s.adminPrincipal(), true, "")
	s.Require().NoError(err)

	var reloaded models.SellerPayout
	s.Require().NoError(s.db.First(&reloaded, "id = ?", late.ID).Error)
	s.Equal(models.SellerPayoutStatusPending, reloaded.Status)
	s.Nil(reloaded.PayoutRequestID)

	var stored models.PayoutRequest
	s.Require().NoError(s.db.First(&stored, "id = ?", request.ID).Error)
	s.True(decimal.RequireFromString("1200").Equal(stored.Amount))
}

func (s *LedgerTestSuite) TestDecidePayoutNeedsPermission() {
	s.pendingPayout("1200.00")
	request, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.Require().NoError(err)

	_, err = s.payouts.DecidePayoutRequest(s.ctx, request.ID, Principal{UserID: s.sellerID, Role: RoleSeller}, true, "")
	s.ErrorIs(err, apperr.ErrAuthorization)

	_, err = s.payouts.DecidePayoutRequest(s.ctx, request.ID, SystemPrincipal, true, "")
	s.ErrorIs(err, apperr.ErrAuthorization)
}

func (s *LedgerTestSuite) TestListPayoutRequests() {
	s.pendingPayout("1200.00")
	_, err := s.payouts.RequestPayout(s.ctx, s.sellerID, bankTransfer())
	s.Require().NoError(err)

	requests, total, err := s.payouts.ListPayoutRequests(s.ctx, s.sellerID, defaultPage())
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Len(requests, 1)

	_, total, err = s.payouts.ListPayoutRequests(s.ctx, s.buyerID, defaultPage())
	s.Require().NoError(err)
	s.Equal(int64(0), total)
}

func (s *LedgerTestSuite) TestGetBalanceSurfacesOpenRequestLookupFailure() {
	s.pendingPayout("1200.00")
	s.Require().NoError(s.db.Migrator().DropTable(&models.PayoutRequest{}))

	balance, err := s.payouts.GetBalance(s.ctx, s.sellerID)
	s.Error(err)
	s.Nil(balance)
}
