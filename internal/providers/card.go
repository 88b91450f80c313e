package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// ErrIgnoredEvent marks an authentic callback that carries nothing the ledger
// acts on, e.g. a Stripe customer.updated event.
var ErrIgnoredEvent = errors.New("event type not relevant to payments")

const stripeOrderRefKey = "order_ref"

// PaymentIntents is the slice of the Stripe API the card adapter needs;
// *paymentintent.Client satisfies it.
type PaymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// Refunds is satisfied by *refund.Client.
type Refunds interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type CardAdapter struct {
	intents       PaymentIntents
	refunds       Refunds
	webhookSecret string
	retry         utils.RetryPolicy
}

func NewCardAdapter(secretKey, webhookSecret string, retry utils.RetryPolicy) *CardAdapter {
	backend := stripe.GetBackend(stripe.APIBackend)
	return NewCardAdapterWithClients(
		&paymentintent.Client{B: backend, Key: secretKey},
		&refund.Client{B: backend, Key: secretKey},
		webhookSecret,
		retry,
	)
}

func NewCardAdapterWithClients(intents PaymentIntents, refunds Refunds, webhookSecret string, retry utils.RetryPolicy) *CardAdapter {
	return &CardAdapter{
		intents:       intents,
		refunds:       refunds,
		webhookSecret: webhookSecret,
		retry:         retry,
	}
}

func (a *CardAdapter) Name() Provider { return ProviderCard }

func (a *CardAdapter) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive")
	}

	pi, err := utils.Retry(ctx, a.retry, "stripe.payment_intent.create", func(ctx context.Context) (*stripe.PaymentIntent, error) {
		params := &stripe.PaymentIntentParams{
			Amount:      stripe.Int64(toMinorUnits(req.Amount)),
			Currency:    stripe.String(strings.ToLower(req.Currency)),
			Description: stripe.String(req.Description),
		}
		params.Context = ctx
		// Retries of the same attempt must not create a second intent.
		params.SetIdempotencyKey("pi_" + req.OrderRef)
		params.AddMetadata(stripeOrderRefKey, req.OrderRef)
		if req.Payer.Email != "" {
			params.ReceiptEmail = stripe.String(req.Payer.Email)
		}

		pi, err := a.intents.New(params)
		if err != nil {
			return nil, classifyStripeError("create payment intent", err)
		}
		return pi, nil
	})
	if err != nil {
		return nil, err
	}

	return &Handle{
		ProviderRef:  pi.ID,
		ClientSecret: pi.ClientSecret,
	}, nil
}

func (a *CardAdapter) ParseCallback(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error) {
	// Signature and timestamp are always checked. The endpoint may be pinned
	// to another API version; only stable PaymentIntent fields are read.
	event, err := webhook.ConstructEventWithOptions(payload, headers.Get("Stripe-Signature"), a.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("stripe webhook: %v: %w", err, apperr.ErrSignatureInvalid)
	}

	var outcome Outcome
	switch string(event.Type) {
	case "payment_intent.succeeded":
		outcome = OutcomeSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		outcome = OutcomeFailed
	case "payment_intent.processing":
		outcome = OutcomePending
	default:
		return nil, ErrIgnoredEvent
	}

	if event.Data == nil {
		return nil, apperr.Validation("data", "stripe event has no object")
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, apperr.Validation("data", "stripe event object is not a payment intent")
	}

	src := CardEvent{
		EventID:         event.ID,
		Type:            string(event.Type),
		PaymentIntentID: pi.ID,
		AmountMinor:     pi.Amount,
		Currency:        strings.ToUpper(string(pi.Currency)),
		OrderRef:        pi.Metadata[stripeOrderRefKey],
		Created:         time.Unix(event.Created, 0).UTC(),
	}
	if pi.LastPaymentError != nil {
		src.FailureMessage = pi.LastPaymentError.Msg
	}
	if src.OrderRef == "" {
		return nil, apperr.Validation("metadata.order_ref", "payment intent carries no order reference")
	}

	return &PaymentEvent{
		Provider:       ProviderCard,
		ProviderRef:    src.PaymentIntentID,
		OrderRef:       src.OrderRef,
		Outcome:        outcome,
		Amount:         fromMinorUnits(src.AmountMinor),
		Currency:       src.Currency,
		IdempotencyKey: src.EventID,
		OccurredAt:     src.Created,
		Reason:         src.FailureMessage,
		Source:         src,
	}, nil
}

func (a *CardAdapter) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency string) (string, error) {
	return utils.Retry(ctx, a.retry, "stripe.refund.create", func(ctx context.Context) (string, error) {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(providerRef),
			Amount:        stripe.Int64(toMinorUnits(amount)),
			Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		}
		params.Context = ctx
		params.SetIdempotencyKey("re_" + providerRef + "_" + amount.StringFixed(2))

		r, err := a.refunds.New(params)
		if err != nil {
			return "", classifyStripeError("create refund", err)
		}
		return r.ID, nil
	})
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("stripe %s: %v: %w", op, err, apperr.ErrProviderUnavailable)
		}
		return apperr.Validation(stripeErrorField(stripeErr), stripeErr.Msg)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("stripe %s: %v: %w", op, err, apperr.ErrProviderUnavailable)
}

func stripeErrorField(e *stripe.Error) string {
	if e.Param != "" {
		return e.Param
	}
	return "card"
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
