package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	service "github.com/honeynil/GearAuctionService/internal/services"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const metadataTransactionID = "transaction_id"

// StripeGateway charges through Stripe PaymentIntents.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(apiKey, webhookSecret string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		api:           client.New(apiKey, backends),
		webhookSecret: webhookSecret,
	}
}

// CreateAndConfirmCharge creates a PaymentIntent and confirms it in one call.
// A card decline is a failed charge, not an error.
func (g *StripeGateway) CreateAndConfirmCharge(ctx context.Context, req service.ChargeRequest) (service.ChargeResult, error) {
	if req.AmountMinor <= 0 {
		return service.ChargeResult{}, fmt.Errorf("%w: charge amount %d", pkgerrors.ErrInvalidAmount, req.AmountMinor)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(metadataTransactionID, req.TransactionID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			slog.Info("charge declined", "transaction_id", req.TransactionID, "code", stripeErr.Code)
			res := service.ChargeResult{Status: service.ChargeFailed}
			if stripeErr.PaymentIntent != nil {
				res.ChargeID = stripeErr.PaymentIntent.ID
			}
			return res, nil
		}
		slog.Error("failed to create payment intent", "transaction_id", req.TransactionID, "error", err)
		return service.ChargeResult{}, fmt.Errorf("%w: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}

	return service.ChargeResult{Status: chargeStatus(pi.Status), ChargeID: pi.ID}, nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (service.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return service.WebhookEvent{}, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidSignature, err)
	}

	out := service.WebhookEvent{Type: service.WebhookEventType(event.Type)}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return service.WebhookEvent{}, fmt.Errorf("%w: payment intent payload: %v", pkgerrors.ErrInvalidInput, err)
	}
	out.ChargeID = pi.ID
	out.TransactionID = pi.Metadata[metadataTransactionID]
	out.Status = chargeStatus(pi.Status)
	return out, nil
}

func chargeStatus(s stripe.PaymentIntentStatus) service.ChargeStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return service.ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusProcessing:
		return service.ChargeRequiresAction
	default:
		return service.ChargeFailed
	}
}
