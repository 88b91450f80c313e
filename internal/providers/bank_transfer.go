package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type BankTransferOptions struct {
	SharedSecret  string
	BankName      string
	AccountName   string
	AccountNumber string
}

// BankTransferAdapter hands the buyer wiring instructions. Confirmations
// arrive from the treasury tool when the statement line is matched.
type BankTransferAdapter struct {
	opts BankTransferOptions
}

func NewBankTransferAdapter(opts BankTransferOptions) *BankTransferAdapter {
	return &BankTransferAdapter{opts: opts}
}

func (a *BankTransferAdapter) Name() Provider { return ProviderBankTransfer }

func (a *BankTransferAdapter) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive")
	}
	return &Handle{
		ProviderRef: req.OrderRef,
		Instructions: map[string]string{
			"bank_name":      a.opts.BankName,
			"account_name":   a.opts.AccountName,
			"account_number": a.opts.AccountNumber,
			"reference":      req.OrderRef,
			"amount":         req.Amount.StringFixed(2),
			"currency":       req.Currency,
		},
	}, nil
}

type bankConfirmation struct {
	StatementLineID   string          `json:"statement_line_id"`
	TransferReference string          `json:"transfer_reference"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ValueDate         time.Time       `json:"value_date"`
	Note              string          `json:"note"`
}

func (a *BankTransferAdapter) ParseCallback(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error) {
	if !utils.SecretsEqual(a.opts.SharedSecret, headers.Get("X-Bank-Secret")) {
		return nil, fmt.Errorf("bank confirmation: %w", apperr.ErrSignatureInvalid)
	}

	var cb bankConfirmation
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, apperr.Validation("body", "malformed bank confirmation")
	}
	if cb.StatementLineID == "" || cb.TransferReference == "" {
		return nil, apperr.Validation("statement_line_id", "confirmation is missing its references")
	}

	src := BankTransferEvent{
		StatementLineID:   cb.StatementLineID,
		TransferReference: strings.TrimSpace(cb.TransferReference),
		Status:            strings.ToLower(cb.Status),
		Amount:            cb.Amount,
		Currency:          strings.ToUpper(cb.Currency),
		ValueDate:         cb.ValueDate.UTC(),
		Note:              cb.Note,
	}

	var outcome Outcome
	switch src.Status {
	case "credited", "matched":
		outcome = OutcomeSucceeded
	case "returned", "rejected":
		outcome = OutcomeFailed
	case "pending":
		outcome = OutcomePending
	default:
		return nil, apperr.Validation("status", fmt.Sprintf("unknown confirmation status %q", cb.Status))
	}

	occurred := src.ValueDate
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return &PaymentEvent{
		Provider:       ProviderBankTransfer,
		ProviderRef:    src.StatementLineID,
		OrderRef:       src.TransferReference,
		Outcome:        outcome,
		Amount:         src.Amount,
		Currency:       src.Currency,
		IdempotencyKey: src.StatementLineID,
		OccurredAt:     occurred,
		Reason:         src.Note,
		Source:         src,
	}, nil
}
