package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// Result codes reported by the push-payment provider.
const (
	mobileMoneyResultSuccess   = "0"
	mobileMoneyResultPending   = "1"
	mobileMoneyResultCancelled = "1032"
	mobileMoneyResultTimeout   = "1037"
)

type MobileMoneyOptions struct {
	BaseURL        string
	APIKey         string
	CallbackSecret string
	CallbackURL    string
	HTTPClient     *http.Client
	Retry          utils.RetryPolicy
}

// MobileMoneyAdapter sends STK-style push prompts to the payer's handset.
// The payer may never answer, so attempts are also polled.
type MobileMoneyAdapter struct {
	opts   MobileMoneyOptions
	client *http.Client
}

func NewMobileMoneyAdapter(opts MobileMoneyOptions) *MobileMoneyAdapter {
	client := opts.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &MobileMoneyAdapter{opts: opts, client: client}
}

func (a *MobileMoneyAdapter) Name() Provider { return ProviderMobileMoney }

type pushRequest struct {
	MSISDN           string          `json:"msisdn"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	AccountReference string          `json:"account_reference"`
	Description      string          `json:"description,omitempty"`
	CallbackURL      string          `json:"callback_url"`
}

type pushResponse struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	ResponseCode      string `json:"response_code"`
	ResponseDesc      string `json:"response_description"`
}

func (a *MobileMoneyAdapter) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	msisdn := strings.TrimPrefix(req.Payer.MSISDN, "+")
	if !utils.ValidMSISDN(msisdn) {
		return nil, apperr.Validation("payer.msisdn", "a valid E.164 phone number is required for mobile money")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive")
	}

	body, err := encodeJSON(pushRequest{
		MSISDN:           msisdn,
		Amount:           req.Amount.Round(2),
		Currency:         req.Currency,
		AccountReference: req.OrderRef,
		Description:      req.Description,
		CallbackURL:      a.opts.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.opts.APIKey)
	headers.Set("Idempotency-Key", req.OrderRef)

	resp, err := utils.Retry(ctx, a.opts.Retry, "mobile_money.push", func(ctx context.Context) (*pushResponse, error) {
		var out pushResponse
		if err := doJSON(ctx, a.client, http.MethodPost, a.opts.BaseURL+"/v1/push", headers, body, &out, "mobile money push"); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.CheckoutRequestID == "" {
		return nil, apperr.Validation("provider", fmt.Sprintf("push rejected: %s", resp.ResponseDesc))
	}

	return &Handle{
		ProviderRef: resp.CheckoutRequestID,
		PollHandle:  resp.CheckoutRequestID,
	}, nil
}

type mobileMoneyCallback struct {
	EventID           string          `json:"event_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	AccountReference  string          `json:"account_reference"`
	ResultCode        string          `json:"result_code"`
	ResultDesc        string          `json:"result_desc"`
	MSISDN            string          `json:"msisdn"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ReceiptNumber     string          `json:"receipt_number"`
	TransactionTime   time.Time       `json:"transaction_time"`
}

func (a *MobileMoneyAdapter) ParseCallback(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error) {
	if !utils.VerifyHMAC(a.opts.CallbackSecret, headers.Get("X-Signature"), payload) {
		return nil, fmt.Errorf("mobile money callback: %w", apperr.ErrSignatureInvalid)
	}

	var cb mobileMoneyCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, apperr.Validation("body", "malformed mobile money callback")
	}
	if cb.CheckoutRequestID == "" || cb.AccountReference == "" {
		return nil, apperr.Validation("checkout_request_id", "callback is missing its references")
	}

	src := MobileMoneyEvent{
		CheckoutRequestID: cb.CheckoutRequestID,
		AccountReference:  cb.AccountReference,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		MSISDN:            cb.MSISDN,
		Amount:            cb.Amount,
		Currency:          strings.ToUpper(cb.Currency),
		ReceiptNumber:     cb.ReceiptNumber,
		TransactionTime:   cb.TransactionTime.UTC(),
	}

	key := cb.EventID
	if key == "" {
		key = cb.CheckoutRequestID + ":" + cb.ResultCode
	}
	return src.toEvent(key), nil
}

type pushStatusResponse struct {
	CheckoutRequestID string          `json:"checkout_request_id"`
	AccountReference  string          `json:"account_reference"`
	ResultCode        string          `json:"result_code"`
	ResultDesc        string          `json:"result_desc"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ReceiptNumber     string          `json:"receipt_number"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Poll asks the provider for the state of an unanswered prompt.
func (a *MobileMoneyAdapter) Poll(ctx context.Context, handle string) (*PaymentEvent, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.opts.APIKey)

	status, err := utils.Retry(ctx, a.opts.Retry, "mobile_money.poll", func(ctx context.Context) (*pushStatusResponse, error) {
		var out pushStatusResponse
		endpoint := a.opts.BaseURL + "/v1/push/" + url.PathEscape(handle)
		if err := doJSON(ctx, a.client, http.MethodGet, endpoint, headers, nil, &out, "mobile money poll"); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}

	src := MobileMoneyEvent{
		CheckoutRequestID: handle,
		AccountReference:  status.AccountReference,
		ResultCode:        status.ResultCode,
		ResultDesc:        status.ResultDesc,
		Amount:            status.Amount,
		Currency:          strings.ToUpper(status.Currency),
		ReceiptNumber:     status.ReceiptNumber,
		TransactionTime:   status.UpdatedAt.UTC(),
	}
	return src.toEvent("poll:" + handle + ":" + status.ResultCode), nil
}

func (e MobileMoneyEvent) outcome() Outcome {
	switch e.ResultCode {
	case mobileMoneyResultSuccess:
		return OutcomeSucceeded
	case mobileMoneyResultPending, "":
		return OutcomePending
	case mobileMoneyResultCancelled, mobileMoneyResultTimeout:
		return OutcomeFailed
	default:
		// Any other non-zero code is a definite failure too.
		return OutcomeFailed
	}
}

func (e MobileMoneyEvent) toEvent(key string) *PaymentEvent {
	occurred := e.TransactionTime
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return &PaymentEvent{
		Provider:       ProviderMobileMoney,
		ProviderRef:    e.CheckoutRequestID,
		OrderRef:       e.AccountReference,
		Outcome:        e.outcome(),
		Amount:         e.Amount,
		Currency:       e.Currency,
		IdempotencyKey: key,
		OccurredAt:     occurred,
		Reason:         e.ResultDesc,
		Source:         e,
	}
}
