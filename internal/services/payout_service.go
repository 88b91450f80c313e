// internal/services/payout_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/lock"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/telemetry"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// PayoutService batches a seller's settled earnings into withdrawals. All
// mutations for one seller run under the seller lock, and a partial unique
// index keeps at most one open request per seller.
type PayoutService struct {
	db        *gorm.DB
	locker    lock.Locker
	gate      Gate
	admin     *AdminService
	payment   config.PaymentConfig
	telemetry *telemetry.Provider
	now       func() time.Time
}

type CreatePayoutRequest struct {
	Method           models.PayoutMethod    `json:"method" validate:"required,oneof=bank_transfer mobile_money"`
	RecipientDetails map[string]interface{} `json:"recipient_details" validate:"required"`
}

type DecidePayoutRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes" validate:"max=2000"`
}

type CompletePayoutRequest struct {
	ExternalTransactionID string `json:"external_transaction_id" validate:"required,max=255"`
}

type Balance struct {
	SellerID         uuid.UUID       `json:"seller_id"`
	Currency         string          `json:"currency"`
	Pending          decimal.Decimal `json:"pending"`
	Requested        decimal.Decimal `json:"requested"`
	Processing       decimal.Decimal `json:"processing"`
	Paid             decimal.Decimal `json:"paid"`
	Available        decimal.Decimal `json:"available"`
	MinimumPayout    decimal.Decimal `json:"minimum_payout"`
	CanRequestPayout bool            `json:"can_request_payout"`
}

func NewPayoutService(db *gorm.DB, locker lock.Locker, gate Gate, admin *AdminService, payment config.PaymentConfig, tel *telemetry.Provider) *PayoutService {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &PayoutService{
		db:        db,
		locker:    locker,
		gate:      gate,
		admin:     admin,
		payment:   payment,
		telemetry: tel,
		now:       utcNow,
	}
}

func validateRecipient(method models.PayoutMethod, details map[string]interface{}) error {
	str := func(key string) string {
		v, _ := details[key].(string)
		return v
	}
	switch method {
	case models.PayoutMethodMobileMoney:
		if !utils.ValidMSISDN(str("msisdn")) {
			return apperr.Validation("recipient_details.msisdn", "a valid E.164 phone number is required")
		}
	case models.PayoutMethodBankTransfer:
		if str("account_number") == "" {
			return apperr.Validation("recipient_details.account_number", "account number is required")
		}
		if str("bank_name") == "" {
			return apperr.Validation("recipient_details.bank_name", "bank name is required")
		}
	}
	return nil
}

// RequestPayout claims every pending, unclaimed payout row of the seller in
// one conditional update and sums exactly the rows it claimed. Earnings that
// settle while the request is open stay pending for the next one.
func (s *PayoutService) RequestPayout(ctx context.Context, sellerID uuid.UUID, req *CreatePayoutRequest) (request *models.PayoutRequest, err error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, apperr.Validation("payout", err.Error())
	}
	if err := validateRecipient(req.Method, req.RecipientDetails); err != nil {
		return nil, err
	}

	ctx, done := s.telemetry.Track(ctx, "ledger.payout.request")
	defer func() { done(err) }()

	log := logrus.WithField("seller_id", sellerID.String())
	minimum := s.payment.MinimumPayoutAmount()

	err = withLock(ctx, s.locker, lock.SellerKey(sellerID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			request = &models.PayoutRequest{
				SellerID:         sellerID,
				Amount:           decimal.Zero,
				Currency:         s.payment.Currency,
				Method:           req.Method,
				RecipientDetails: models.JSONB(req.RecipientDetails),
				Status:           models.PayoutRequestStatusRequested,
			}
			inserted, err := insertOnce(tx, request)
			if err != nil {
				return fmt.Errorf("failed to create payout request: %w", err)
			}
			if !inserted {
				return apperr.Conflict("payout_request", sellerID.String(), "seller already has an open payout request")
			}

			claim := tx.Model(&models.SellerPayout{}).
				Where("seller_id = ? AND status = ? AND payout_request_id IS NULL", sellerID, models.SellerPayoutStatusPending).
				Updates(map[string]interface{}{
					"status":            models.SellerPayoutStatusRequested,
					"payout_request_id": request.ID,
					"version":           gorm.Expr("version + 1"),
				})
			if claim.Error != nil {
				return fmt.Errorf("failed to claim payouts: %w", claim.Error)
			}

			var claimed []models.SellerPayout
			if err := tx.Where("payout_request_id = ?", request.ID).Find(&claimed).Error; err != nil {
				return fmt.Errorf("failed to load claimed payouts: %w", err)
			}
			if int64(len(claimed)) != claim.RowsAffected {
				return apperr.Conflict("payout_request", request.ID.String(), "claimed rows changed during request")
			}

			total := decimal.Zero
			currency := ""
			for _, row := range claimed {
				if currency != "" && row.Currency != currency {
					return apperr.Validation("currency", "pending earnings span more than one currency")
				}
				currency = row.Currency
				total = total.Add(row.Net)
			}
			if total.LessThan(minimum) || len(claimed) == 0 {
				return fmt.Errorf("available %s is below minimum %s: %w",
					total.StringFixed(2), minimum.StringFixed(2), apperr.ErrInsufficientBalance)
			}

			if err := tx.Model(&models.PayoutRequest{}).Where("id = ?", request.ID).
				Updates(map[string]interface{}{"amount": total, "currency": currency}).Error; err != nil {
				return fmt.Errorf("failed to store payout amount: %w", err)
			}
			request.Amount = total
			request.Currency = currency

			payload := notifyAdmins(notifyUser(sellerID, request.ID.String(), models.JSONB{
				"amount": total.StringFixed(2),
			}), "payout_request", request.ID)
			return enqueue(tx, models.TopicPayoutRequested, payload)
		})
	})
	if err != nil {
		if apperr.IsConflict(err) {
			log.WithError(err).Info("Payout request rejected")
		}
		return nil, err
	}

	s.telemetry.RecordTransition(ctx, "payout_request", string(models.PayoutRequestStatusRequested))
	log.WithFields(logrus.Fields{
		"payout_request_id": request.ID.String(),
		"amount":            request.Amount.StringFixed(2),
	}).Info("Payout requested")
	return request, nil
}

// DecidePayoutRequest approves or rejects an open request. Approval hands the
// batch to the disbursement executor; rejection puts every linked row back
// to pending so the exact sum becomes available again.
func (s *PayoutService) DecidePayoutRequest(ctx context.Context, requestID uuid.UUID, principal Principal, approve bool, notes string) (*models.PayoutRequest, error) {
	if err := s.gate.Authorize(ctx, principal, PermissionPayoutsDecide, uuid.Nil); err != nil {
		return nil, err
	}

	var head models.PayoutRequest
	if err := s.db.WithContext(ctx).Select("id", "seller_id").First(&head, "id = ?", requestID).Error; err != nil {
		return nil, notFound(err, "payout request")
	}

	var request models.PayoutRequest
	err := withLock(ctx, s.locker, lock.SellerKey(head.SellerID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			if err := tx.First(&request, "id = ?", requestID).Error; err != nil {
				return notFound(err, "payout request")
			}

			target := models.PayoutRequestStatusRejected
			if approve {
				target = models.PayoutRequestStatusApproved
			}
			now := s.now()
			moved, err := casUpdate(tx, &models.PayoutRequest{}, request.ID, request.Version, "status", models.PayoutRequestStatusRequested, map[string]interface{}{
				"status":      target,
				"admin_notes": notes,
				"decided_by":  principal.actor(),
				"decided_at":  now,
			})
			if err != nil {
				return fmt.Errorf("failed to decide payout request: %w", err)
			}
			if !moved {
				return apperr.Conflict("payout_request", request.ID.String(), fmt.Sprintf("payout request already %s", request.Status))
			}
			request.Version++
			request.Status = target
			request.AdminNotes = notes
			request.DecidedBy = principal.actor()
			request.DecidedAt = &now

			rows := tx.Model(&models.SellerPayout{}).
				Where("payout_request_id = ? AND status = ?", request.ID, models.SellerPayoutStatusRequested)
			if approve {
				err = rows.Updates(map[string]interface{}{
					"status":  models.SellerPayoutStatusProcessing,
					"version": gorm.Expr("version + 1"),
				}).Error
			} else {
				err = rows.Updates(map[string]interface{}{
					"status":            models.SellerPayoutStatusPending,
					"payout_request_id": gorm.Expr("NULL"),
					"version":           gorm.Expr("version + 1"),
				}).Error
			}
			if err != nil {
				return fmt.Errorf("failed to move linked payouts: %w", err)
			}

			if approve {
				if err := enqueue(tx, models.TopicDisbursementExecute, models.JSONB{
					"payout_request_id": request.ID.String(),
				}); err != nil {
					return err
				}
			}
			if err := enqueue(tx, models.TopicPayoutDecided, notifyUser(request.SellerID, request.ID.String(), models.JSONB{
				"approved": approve,
			})); err != nil {
				return err
			}

			return createAuditLog(tx, principal.actor(), models.AuditActionPayoutDecided, "payout_request", request.ID,
				map[string]interface{}{"status": models.PayoutRequestStatusRequested},
				map[string]interface{}{"status": target, "notes": notes, "amount": request.Amount.StringFixed(2)})
		})
	})
	if err != nil {
		if apperr.IsConflict(err) {
			s.telemetry.RecordConflict(ctx, "payout_request")
			s.admin.RecordConflict(ctx, principal.actor(), err, map[string]interface{}{
				"operation": "decide_payout",
				"approve":   approve,
			})
		}
		return nil, err
	}

	s.telemetry.RecordTransition(ctx, "payout_request", string(request.Status))
	return &request, nil
}

// CompletePayoutRequest records that the money reached the seller. It is
// called by the disbursement executor or by an admin for manual transfers.
func (s *PayoutService) CompletePayoutRequest(ctx context.Context, requestID uuid.UUID, principal Principal, externalTxID string) (*models.PayoutRequest, error) {
	if err := s.gate.Authorize(ctx, principal, PermissionPayoutsComplete, uuid.Nil); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(&CompletePayoutRequest{ExternalTransactionID: externalTxID}); err != nil {
		return nil, apperr.Validation("external_transaction_id", err.Error())
	}

	var head models.PayoutRequest
	if err := s.db.WithContext(ctx).Select("id", "seller_id").First(&head, "id = ?", requestID).Error; err != nil {
		return nil, notFound(err, "payout request")
	}

	var request models.PayoutRequest
	err := withLock(ctx, s.locker, lock.SellerKey(head.SellerID), func() error {
		return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
			if err := tx.First(&request, "id = ?", requestID).Error; err != nil {
				return notFound(err, "payout request")
			}

			now := s.now()
			moved, err := casUpdate(tx, &models.PayoutRequest{}, request.ID, request.Version, "status", models.PayoutRequestStatusApproved, map[string]interface{}{
				"status":                  models.PayoutRequestStatusCompleted,
				"external_transaction_id": externalTxID,
				"completed_at":            now,
			})
			if err != nil {
				return fmt.Errorf("failed to complete payout request: %w", err)
			}
			if !moved {
				return apperr.Conflict("payout_request", request.ID.String(), fmt.Sprintf("payout request is %s, not approved", request.Status))
			}
			request.Version++
			request.Status = models.PayoutRequestStatusCompleted
			request.ExternalTransactionID = externalTxID
			request.CompletedAt = &now

			if err := tx.Model(&models.SellerPayout{}).
				Where("payout_request_id = ? AND status = ?", request.ID, models.SellerPayoutStatusProcessing).
				Updates(map[string]interface{}{
					"status":  models.SellerPayoutStatusPaid,
					"paid_at": now,
					"version": gorm.Expr("version + 1"),
				}).Error; err != nil {
				return fmt.Errorf("failed to mark payouts paid: %w", err)
			}

			if err := enqueue(tx, models.TopicPayoutCompleted, notifyUser(request.SellerID, request.ID.String(), models.JSONB{
				"amount":                  request.Amount.StringFixed(2),
				"external_transaction_id": externalTxID,
			})); err != nil {
				return err
			}

			return createAuditLog(tx, principal.actor(), models.AuditActionPayoutCompleted, "payout_request", request.ID,
				map[string]interface{}{"status": models.PayoutRequestStatusApproved},
				map[string]interface{}{"status": models.PayoutRequestStatusCompleted, "external_transaction_id": externalTxID})
		})
	})
	if err != nil {
		if apperr.IsConflict(err) {
			s.telemetry.RecordConflict(ctx, "payout_request")
			s.admin.RecordConflict(ctx, principal.actor(), err, map[string]interface{}{
				"operation": "complete_payout",
			})
		}
		return nil, err
	}

	s.telemetry.RecordTransition(ctx, "payout_request", string(models.PayoutRequestStatusCompleted))
	logrus.WithFields(logrus.Fields{
		"payout_request_id": request.ID.String(),
		"seller_id":         request.SellerID.String(),
		"amount":            request.Amount.StringFixed(2),
	}).Info("Payout completed")
	return &request, nil
}

func (s *PayoutService) GetBalance(ctx context.Context, sellerID uuid.UUID) (*Balance, error) {
	var rows []models.SellerPayout
	if err := s.db.WithContext(ctx).
		Select("status", "net", "currency", "payout_request_id").
		Where("seller_id = ?", sellerID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load payouts: %w", err)
	}

	balance := &Balance{
		SellerID:      sellerID,
		Currency:      s.payment.Currency,
		Pending:       decimal.Zero,
		Requested:     decimal.Zero,
		Processing:    decimal.Zero,
		Paid:          decimal.Zero,
		Available:     decimal.Zero,
		MinimumPayout: s.payment.MinimumPayoutAmount(),
	}
	for _, row := range rows {
		balance.Currency = row.Currency
		switch row.Status {
		case models.SellerPayoutStatusPending:
			balance.Pending = balance.Pending.Add(row.Net)
			if row.PayoutRequestID == nil {
				balance.Available = balance.Available.Add(row.Net)
			}
		case models.SellerPayoutStatusRequested:
			balance.Requested = balance.Requested.Add(row.Net)
		case models.SellerPayoutStatusProcessing:
			balance.Processing = balance.Processing.Add(row.Net)
		case models.SellerPayoutStatusPaid:
			balance.Paid = balance.Paid.Add(row.Net)
		}
	}
	balance.CanRequestPayout = balance.Available.GreaterThanOrEqual(balance.MinimumPayout)

	if balance.CanRequestPayout {
		var open int64
		if err := s.db.WithContext(ctx).Model(&models.PayoutRequest{}).
			Where("seller_id = ? AND status IN ?", sellerID, []models.PayoutRequestStatus{
				models.PayoutRequestStatusRequested, models.PayoutRequestStatusApproved,
			}).
			Count(&open).Error; err != nil {
			return nil, fmt.Errorf("failed to check open payout requests: %w", err)
		}
		balance.CanRequestPayout = open == 0
	}
	return balance, nil
}

// ListPayoutRequests lists a seller's requests, or every request when
// sellerID is uuid.Nil.
func (s *PayoutService) ListPayoutRequests(ctx context.Context, sellerID uuid.UUID, params utils.PaginationParams) ([]models.PayoutRequest, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.PayoutRequest{})
	if sellerID != uuid.Nil {
		query = query.Where("seller_id = ?", sellerID)
	}
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payout requests: %w", err)
	}

	query = utils.ApplySort(query, params, []string{"created_at", "amount", "status"})
	query = utils.ApplyPagination(query, params)

	var requests []models.PayoutRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch payout requests: %w", err)
	}
	return requests, total, nil
}
