package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"

	"github.com/javajoker/imi-ledger/internal/apperr"
	"github.com/javajoker/imi-ledger/internal/utils"
)

const testStripeSecret = "whsec_test"

type fakeIntents struct {
	calls  int
	errs   []error
	params *stripe.PaymentIntentParams
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.calls++
	f.params = params
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &stripe.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret"}, nil
}

type fakeRefunds struct {
	params *stripe.RefundParams
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return &stripe.Refund{ID: "re_123"}, nil
}

func testRetry() utils.RetryPolicy {
	return utils.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func stripeHeaders(payload []byte, secret string, at time.Time) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func stripePayload(eventID, eventType, orderRef string, amountMinor int64) []byte {
	return stripePayloadForVersion(stripe.APIVersion, eventID, eventType, orderRef, amountMinor)
}

func stripePayloadForVersion(apiVersion, eventID, eventType, orderRef string, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "api_version": %q,
  "created": 1700000000,
  "type": %q,
  "data": {"object": {
    "id": "pi_123",
    "object": "payment_intent",
    "amount": %d,
    "currency": "usd",
    "metadata": {"order_ref": %q},
    "last_payment_error": {"message": "card declined"}
  }}
}`, eventID, apiVersion, eventType, amountMinor, orderRef))
}

func TestCardInitiateSendsOrderReference(t *testing.T) {
	intents := &fakeIntents{}
	adapter := NewCardAdapterWithClients(intents, &fakeRefunds{}, testStripeSecret, testRetry())

	handle, err := adapter.Initiate(context.Background(), InitiateRequest{
		OrderRef: "PAREF1",
		Amount:   decimal.RequireFromString("25.50"),
		Currency: "USD",
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", handle.ProviderRef)
	assert.Equal(t, "pi_123_secret", handle.ClientSecret)
	assert.EqualValues(t, 2550, *intents.params.Amount)
	assert.Equal(t, "usd", *intents.params.Currency)
	assert.Equal(t, "PAREF1", intents.params.Metadata["order_ref"])
	assert.Equal(t, "pi_PAREF1", *intents.params.IdempotencyKey)
}

func TestCardInitiateRetriesServerErrors(t *testing.T) {
	intents := &fakeIntents{errs: []error{
		&stripe.Error{HTTPStatusCode: 503, Type: stripe.ErrorTypeAPI, Msg: "unavailable"},
	}}
	adapter := NewCardAdapterWithClients(intents, &fakeRefunds{}, testStripeSecret, testRetry())

	_, err := adapter.Initiate(context.Background(), InitiateRequest{OrderRef: "PA1", Amount: decimal.NewFromInt(5), Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, 2, intents.calls)
}

func TestCardInitiateCardErrorIsValidation(t *testing.T) {
	intents := &fakeIntents{errs: []error{
		&stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard, Msg: "declined"},
	}}
	adapter := NewCardAdapterWithClients(intents, &fakeRefunds{}, testStripeSecret, testRetry())

	_, err := adapter.Initiate(context.Background(), InitiateRequest{OrderRef: "PA1", Amount: decimal.NewFromInt(5), Currency: "USD"})
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, 1, intents.calls)
}

func TestCardParseCallbackSucceeded(t *testing.T) {
	adapter := NewCardAdapterWithClients(&fakeIntents{}, &fakeRefunds{}, testStripeSecret, testRetry())
	payload := stripePayload("evt_1", "payment_intent.succeeded", "PAREF1", 2550)

	event, err := adapter.ParseCallback(context.Background(), payload, stripeHeaders(payload, testStripeSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, ProviderCard, event.Provider)
	assert.Equal(t, OutcomeSucceeded, event.Outcome)
	assert.Equal(t, "PAREF1", event.OrderRef)
	assert.Equal(t, "pi_123", event.ProviderRef)
	assert.Equal(t, "evt_1", event.IdempotencyKey)
	assert.True(t, event.Amount.Equal(decimal.RequireFromString("25.50")))
	assert.Equal(t, "USD", event.Currency)

	src, ok := event.Source.(CardEvent)
	require.True(t, ok)
	assert.Equal(t, "payment_intent.succeeded", src.Type)
}

func TestCardParseCallbackFailedCarriesReason(t *testing.T) {
	adapter := NewCardAdapterWithClients(&fakeIntents{}, &fakeRefunds{}, testStripeSecret, testRetry())
	payload := stripePayload("evt_2", "payment_intent.payment_failed", "PAREF1", 2550)

	event, err := adapter.ParseCallback(context.Background(), payload, stripeHeaders(payload, testStripeSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, event.Outcome)
	assert.Equal(t, "card declined", event.Reason)
}

func TestCardParseCallbackAcceptsOtherAPIVersion(t *testing.T) {
	adapter := NewCardAdapterWithClients(&fakeIntents{}, &fakeRefunds{}, testStripeSecret, testRetry())
	payload := stripePayloadForVersion("2020-08-27", "evt_old", "payment_intent.succeeded", "PAREF1", 2550)

	event, err := adapter.ParseCallback(context.Background(), payload, stripeHeaders(payload, testStripeSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, event.Outcome)
	assert.Equal(t, "PAREF1", event.OrderRef)
	assert.True(t, event.Amount.Equal(decimal.RequireFromString("25.50")))

	_, err = adapter.ParseCallback(context.Background(), payload, stripeHeaders(payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	_, err = adapter.ParseCallback(context.Background(), payload, stripeHeaders(payload, testStripeSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)
}

func TestCardParseCallbackRejectsBadSignature(t *testing.T) {
	adapter := NewCardAdapterWithClients(&fakeIntents{}, &fakeRefunds{}, testStripeSecret, testRetry())
	payload := stripePayload("evt_1", "payment_intent.succeeded", "PAREF1", 2550)

	_, err := adapter.ParseCallback(context.Background(), payload, stripeHeaders(payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	_, err = adapter.ParseCallback(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)
}

func TestCardParseCallbackIgnoresOtherEvents(t *testing.T) {
	adapter := NewCardAdapterWithClients(&fakeIntents{}, &fakeRefunds{}, testStripeSecret, testRetry())
	payload := stripePayload("evt_3", "customer.updated", "PAREF1", 0)

	_, err := adapter.ParseCallback(context.Background(), payload, stripeHeaders(payload, testStripeSecret, time.Now()))
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestCardRefund(t *testing.T) {
	refunds := &fakeRefunds{}
	adapter := NewCardAdapterWithClients(&fakeIntents{}, refunds, testStripeSecret, testRetry())

	id, err := adapter.Refund(context.Background(), "pi_123", decimal.RequireFromString("10.00"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "re_123", id)
	assert.Equal(t, "pi_123", *refunds.params.PaymentIntent)
	assert.EqualValues(t, 1000, *refunds.params.Amount)
}
