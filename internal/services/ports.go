package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/honeynil/GearAuctionService/internal/infrastructure/observability"
	"github.com/honeynil/GearAuctionService/internal/models"
)

// Notifier hands a notification off for delivery.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type ChargeStatus string

const (
	ChargeSucceeded      ChargeStatus = "succeeded"
	ChargeRequiresAction ChargeStatus = "requires_action"
	ChargeFailed         ChargeStatus = "failed"
)

type ChargeRequest struct {
	// AmountMinor is in pence.
	AmountMinor      int64
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
	IdempotencyKey   string
	TransactionID    string
}

type ChargeResult struct {
	Status   ChargeStatus
	ChargeID string
}

type WebhookEventType string

const (
	EventPaymentSucceeded WebhookEventType = "payment_intent.succeeded"
	EventPaymentFailed    WebhookEventType = "payment_intent.payment_failed"
)

type WebhookEvent struct {
	Type          WebhookEventType
	ChargeID      string
	TransactionID string
	Status        ChargeStatus
}

// PaymentGateway is the payment processor.
type PaymentGateway interface {
	CreateAndConfirmCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	// VerifyWebhook checks the signature header and decodes the event.
	VerifyWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// IdempotencyStore claims request keys. Claim reports false when the key is
// already held.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Access decides who may act as an administrator or as a transaction party.
type Access struct {
	admins map[string]struct{}
}

func NewAccess(adminEmails []string) *Access {
	a := &Access{admins: make(map[string]struct{}, len(adminEmails))}
	for _, e := range adminEmails {
		if e = normalizeEmail(e); e != "" {
			a.admins[e] = struct{}{}
		}
	}
	return a
}

func (a *Access) IsAdmin(id models.Identity) bool {
	if id.IsAdmin() {
		return true
	}
	if !id.EmailVerified {
		return false
	}
	_, ok := a.admins[normalizeEmail(id.Email)]
	return ok
}

// IsParty reports whether the caller's verified email matches owner.
func (a *Access) IsParty(id models.Identity, owner string) bool {
	return id.EmailVerified && models.SameEmail(id.Email, owner)
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// notifyAll delivers best effort; failures are logged and counted only.
func notifyAll(ctx context.Context, notifier Notifier, notes ...models.Notification) {
	if notifier == nil {
		return
	}
	for _, n := range notes {
		if n.To == "" {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			observability.NotificationFailures.WithLabelValues(string(n.Kind)).Inc()
			slog.Warn("failed to send notification",
				"kind", n.Kind,
				"transaction_id", n.TransactionID,
				"listing_id", n.ListingID,
				"error", err)
		}
	}
}
