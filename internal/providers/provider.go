// Package providers normalizes the four payment rails behind one adapter
// contract. Each adapter decodes its own wire format into a typed event and
// never hands an untyped map to the ledger.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-ledger/internal/apperr"
)

type Provider string

const (
	ProviderCard         Provider = "card"
	ProviderMobileMoney  Provider = "mobile_money"
	ProviderGateway      Provider = "gateway"
	ProviderBankTransfer Provider = "bank_transfer"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// Definite reports whether the outcome settles the attempt.
func (o Outcome) Definite() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// PaymentEvent is the normalized form of every provider callback or poll
// result. IdempotencyKey is unique per provider.
type PaymentEvent struct {
	Provider       Provider
	ProviderRef    string
	OrderRef       string
	Outcome        Outcome
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	OccurredAt     time.Time
	Reason         string
	Source         ProviderEvent
}

// ProviderEvent is the decoded provider payload. The set of implementations
// is closed.
type ProviderEvent interface {
	provider() Provider
}

type CardEvent struct {
	EventID         string
	Type            string
	PaymentIntentID string
	AmountMinor     int64
	Currency        string
	OrderRef        string
	FailureMessage  string
	Created         time.Time
}

type MobileMoneyEvent struct {
	CheckoutRequestID string
	AccountReference  string
	ResultCode        string
	ResultDesc        string
	MSISDN            string
	Amount            decimal.Decimal
	Currency          string
	ReceiptNumber     string
	TransactionTime   time.Time
}

type GatewayEvent struct {
	EventID           string
	SessionID         string
	MerchantReference string
	Status            string
	Amount            decimal.Decimal
	Currency          string
	Timestamp         time.Time
}

type BankTransferEvent struct {
	StatementLineID   string
	TransferReference string
	Status            string
	Amount            decimal.Decimal
	Currency          string
	ValueDate         time.Time
	Note              string
}

func (CardEvent) provider() Provider         { return ProviderCard }
func (MobileMoneyEvent) provider() Provider  { return ProviderMobileMoney }
func (GatewayEvent) provider() Provider      { return ProviderGateway }
func (BankTransferEvent) provider() Provider { return ProviderBankTransfer }

type PayerDetails struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
	MSISDN string `json:"msisdn,omitempty" validate:"omitempty,msisdn"`
}

type InitiateRequest struct {
	OrderRef    string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Payer       PayerDetails
}

// Handle is what the buyer (or the sweeper) needs to continue a payment.
type Handle struct {
	ProviderRef  string            `json:"provider_ref,omitempty"`
	PollHandle   string            `json:"poll_handle,omitempty"`
	RedirectURL  string            `json:"redirect_url,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Instructions map[string]string `json:"instructions,omitempty"`
}

type Adapter interface {
	Name() Provider
	// Initiate returns apperr.ErrProviderUnavailable on transport failures
	// and a *apperr.ValidationError when the provider rejects the request.
	Initiate(ctx context.Context, req InitiateRequest) (*Handle, error)
	// ParseCallback returns apperr.ErrSignatureInvalid when the payload
	// cannot be authenticated.
	ParseCallback(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error)
}

// Poller is implemented by push-payment adapters whose prompts can be
// abandoned without a callback.
type Poller interface {
	Adapter
	Poll(ctx context.Context, handle string) (*PaymentEvent, error)
}

// Refunder is implemented by adapters that can return money automatically.
type Refunder interface {
	Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency string) (string, error)
}

type Registry struct {
	adapters map[Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name Provider) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, apperr.Validation("provider", fmt.Sprintf("unsupported provider %q", name))
	}
	return a, nil
}

func (r *Registry) Poller(name Provider) (Poller, bool) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	p, ok := a.(Poller)
	return p, ok
}

func (r *Registry) Refunder(name Provider) (Refunder, bool) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	rf, ok := a.(Refunder)
	return rf, ok
}

func (r *Registry) Names() []Provider {
	names := make([]Provider, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// classifyStatus maps an HTTP status from a provider API onto the error
// taxonomy: 5xx and 429 are transport failures, other 4xx are rejections.
func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d: %w", op, status, apperr.ErrProviderUnavailable)
	default:
		return apperr.Validation("provider", fmt.Sprintf("%s rejected (status %d): %s", op, status, truncate(body, 200)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
