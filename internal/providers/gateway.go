package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// GatewaySignatureTolerance bounds the age of a signed gateway callback.
const GatewaySignatureTolerance = 5 * time.Minute

type GatewayOptions struct {
	BaseURL    string
	MerchantID string
	Secret     string
	ReturnURL  string
	HTTPClient *http.Client
	Retry      utils.RetryPolicy
	// Now is overridable in tests.
	Now func() time.Time
}

// GatewayAdapter redirects the buyer to a hosted checkout page and learns
// the result from a signed callback.
type GatewayAdapter struct {
	opts   GatewayOptions
	client *http.Client
}

func NewGatewayAdapter(opts GatewayOptions) *GatewayAdapter {
	client := opts.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &GatewayAdapter{opts: opts, client: client}
}

func (a *GatewayAdapter) Name() Provider { return ProviderGateway }

type gatewaySessionRequest struct {
	MerchantID        string          `json:"merchant_id"`
	MerchantReference string          `json:"merchant_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Description       string          `json:"description,omitempty"`
	ReturnURL         string          `json:"return_url"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
}

type gatewaySessionResponse struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

func (a *GatewayAdapter) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive")
	}

	body, err := encodeJSON(gatewaySessionRequest{
		MerchantID:        a.opts.MerchantID,
		MerchantReference: req.OrderRef,
		Amount:            req.Amount.Round(2),
		Currency:          req.Currency,
		Description:       req.Description,
		ReturnURL:         a.opts.ReturnURL,
		CustomerEmail:     req.Payer.Email,
	})
	if err != nil {
		return nil, err
	}

	resp, err := utils.Retry(ctx, a.opts.Retry, "gateway.session.create", func(ctx context.Context) (*gatewaySessionResponse, error) {
		ts := strconv.FormatInt(a.opts.Now().Unix(), 10)
		headers := http.Header{}
		headers.Set("X-Gateway-Merchant", a.opts.MerchantID)
		headers.Set("X-Gateway-Timestamp", ts)
		headers.Set("X-Gateway-Signature", utils.SignHMAC(a.opts.Secret, []byte(ts), body))

		var out gatewaySessionResponse
		if err := doJSON(ctx, a.client, http.MethodPost, a.opts.BaseURL+"/v1/checkout/sessions", headers, body, &out, "gateway session"); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" || resp.RedirectURL == "" {
		return nil, fmt.Errorf("gateway session: empty session in response: %w", apperr.ErrProviderUnavailable)
	}

	return &Handle{
		ProviderRef: resp.SessionID,
		RedirectURL: resp.RedirectURL,
	}, nil
}

type gatewayCallback struct {
	EventID           string          `json:"event_id"`
	SessionID         string          `json:"session_id"`
	MerchantReference string          `json:"merchant_reference"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Timestamp         time.Time       `json:"timestamp"`
}

func (a *GatewayAdapter) ParseCallback(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error) {
	ts := headers.Get("X-Gateway-Timestamp")
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gateway callback: bad timestamp: %w", apperr.ErrSignatureInvalid)
	}
	age := a.opts.Now().Sub(time.Unix(unix, 0))
	if age > GatewaySignatureTolerance || age < -GatewaySignatureTolerance {
		return nil, fmt.Errorf("gateway callback: timestamp outside tolerance: %w", apperr.ErrSignatureInvalid)
	}
	if !utils.VerifyHMAC(a.opts.Secret, headers.Get("X-Gateway-Signature"), []byte(ts), payload) {
		return nil, fmt.Errorf("gateway callback: %w", apperr.ErrSignatureInvalid)
	}

	var cb gatewayCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, apperr.Validation("body", "malformed gateway callback")
	}
	if cb.EventID == "" || cb.MerchantReference == "" {
		return nil, apperr.Validation("event_id", "callback is missing its references")
	}

	src := GatewayEvent{
		EventID:           cb.EventID,
		SessionID:         cb.SessionID,
		MerchantReference: cb.MerchantReference,
		Status:            strings.ToLower(cb.Status),
		Amount:            cb.Amount,
		Currency:          strings.ToUpper(cb.Currency),
		Timestamp:         cb.Timestamp.UTC(),
	}

	var outcome Outcome
	switch src.Status {
	case "paid", "captured":
		outcome = OutcomeSucceeded
	case "failed", "declined", "expired", "cancelled":
		outcome = OutcomeFailed
	case "pending", "authorized":
		outcome = OutcomePending
	default:
		return nil, ErrIgnoredEvent
	}

	occurred := src.Timestamp
	if occurred.IsZero() {
		occurred = time.Unix(unix, 0).UTC()
	}
	return &PaymentEvent{
		Provider:       ProviderGateway,
		ProviderRef:    src.SessionID,
		OrderRef:       src.MerchantReference,
		Outcome:        outcome,
		Amount:         src.Amount,
		Currency:       src.Currency,
		IdempotencyKey: src.EventID,
		OccurredAt:     occurred,
		Reason:         src.Status,
		Source:         src,
	}, nil
}
