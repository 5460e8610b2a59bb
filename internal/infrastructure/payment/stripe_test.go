package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	service "github.com/honeynil/GearAuctionService/internal/services"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

const whsec = "whsec_test"

func newGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeGateway("sk_test_123", whsec, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

func chargeRequest() service.ChargeRequest {
	return service.ChargeRequest{
		AmountMinor:      30000,
		Currency:         "gbp",
		PaymentMethodRef: "pm_card_visa",
		IdempotencyKey:   "txn:tx-1",
		TransactionID:    "tx-1",
	}
}

func TestStripeGateway_CreateAndConfirmCharge(t *testing.T) {
	t.Run("Succeeded", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "30000", r.PostForm.Get("amount"))
			assert.Equal(t, "gbp", r.PostForm.Get("currency"))
			assert.Equal(t, "true", r.PostForm.Get("confirm"))
			assert.Equal(t, "tx-1", r.PostForm.Get("metadata[transaction_id]"))
			assert.Equal(t, "txn:tx-1", r.Header.Get("Idempotency-Key"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
		})

		res, err := g.CreateAndConfirmCharge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, service.ChargeResult{Status: service.ChargeSucceeded, ChargeID: "pi_1"}, res)
	})

	t.Run("RequiresAction", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"pi_2","object":"payment_intent","status":"requires_action"}`)
		})

		res, err := g.CreateAndConfirmCharge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, service.ChargeRequiresAction, res.Status)
	})

	t.Run("CardDeclined", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined.",
				"payment_intent":{"id":"pi_3","object":"payment_intent","status":"requires_payment_method"}}}`)
		})

		res, err := g.CreateAndConfirmCharge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, service.ChargeFailed, res.Status)
		assert.Equal(t, "pi_3", res.ChargeID)
	})

	t.Run("ProcessorDown", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"type":"api_error","message":"boom"}}`)
		})

		_, err := g.CreateAndConfirmCharge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, pkgerrors.ErrUpstreamUnavailable)
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		g := newGateway(t, func(http.ResponseWriter, *http.Request) { t.Fatal("processor must not be called") })
		req := chargeRequest()
		req.AmountMinor = 0

		_, err := g.CreateAndConfirmCharge(context.Background(), req)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	})
}

func sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeGateway_VerifyWebhook(t *testing.T) {
	g := NewStripeGateway("sk_test_123", whsec, nil)
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","api_version":"2020-08-27",
		"data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded","metadata":{"transaction_id":"tx-1"}}}}`)

	t.Run("Valid", func(t *testing.T) {
		ev, err := g.VerifyWebhook(payload, sign(payload, whsec, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, service.WebhookEvent{
			Type:          service.EventPaymentSucceeded,
			ChargeID:      "pi_1",
			TransactionID: "tx-1",
			Status:        service.ChargeSucceeded,
		}, ev)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		_, err := g.VerifyWebhook(payload, sign(payload, "whsec_other", time.Now()))
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidSignature)
	})

	t.Run("Stale", func(t *testing.T) {
		_, err := g.VerifyWebhook(payload, sign(payload, whsec, time.Now().Add(-time.Hour)))
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidSignature)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		_, err := g.VerifyWebhook(payload, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidSignature)
	})
}

func TestChargeStatus(t *testing.T) {
	assert.Equal(t, service.ChargeSucceeded, chargeStatus(stripe.PaymentIntentStatusSucceeded))
	assert.Equal(t, service.ChargeRequiresAction, chargeStatus(stripe.PaymentIntentStatusProcessing))
	assert.Equal(t, service.ChargeFailed, chargeStatus(stripe.PaymentIntentStatusCanceled))
	assert.Equal(t, service.ChargeFailed, chargeStatus(stripe.PaymentIntentStatusRequiresPaymentMethod))
}
