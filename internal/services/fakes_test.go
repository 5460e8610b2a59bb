package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/GearAuctionService/internal/auction"
	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/repository"
	"github.com/honeynil/GearAuctionService/internal/repository/memory"
	"github.com/stretchr/testify/require"
)

const (
	sellerEmail = "seller@example.com"
	buyerEmail  = "buyer@example.com"
	adminEmail  = "ops@example.com"
)

var (
	seller   = models.Identity{UserID: "u-seller", Email: sellerEmail, EmailVerified: true}
	buyer    = models.Identity{UserID: "u-buyer", Email: "Buyer@Example.com ", EmailVerified: true}
	stranger = models.Identity{UserID: "u-other", Email: "other@example.com", EmailVerified: true}
	admin    = models.Identity{UserID: "u-admin", Email: adminEmail, EmailVerified: true}
)

// midWeek is Wednesday 2024-03-27 12:00 UTC, inside a live London window.
var midWeek = time.Date(2024, 3, 27, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) kinds() []models.NotificationKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.NotificationKind, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fakeGateway struct {
	result   ChargeResult
	err      error
	requests []ChargeRequest
	event    WebhookEvent
	eventErr error
}

func (f *fakeGateway) CreateAndConfirmCharge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeGateway) VerifyWebhook(_ []byte, _ string) (WebhookEvent, error) {
	return f.event, f.eventErr
}

type fakeRequests struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (f *fakeRequests) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeRequests) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

// racingRepo lets a competing writer land just before the first update.
type racingRepo struct {
	*memory.TransactionRepository
	once sync.Once
	race func()
}

func (r *racingRepo) UpdateFields(ctx context.Context, id string, pre repository.TransactionPrecondition, fields repository.Fields) error {
	r.once.Do(r.race)
	return r.TransactionRepository.UpdateFields(ctx, id, pre, fields)
}

var errRelayDown = errors.New("relay down")

func seedTx(t *testing.T, repo repository.TransactionRepository, mutate func(*models.Transaction)) *models.Transaction {
	t.Helper()
	tx := &models.Transaction{
		ID:                "tx-1",
		ListingID:         "listing-1",
		SellerEmail:       sellerEmail,
		BuyerEmail:        buyerEmail,
		SalePrice:         300,
		CommissionRateBps: 1200,
		CommissionAmount:  36,
		SellerPayout:      264,
		PaymentStatus:     models.PaymentPaid,
		TransactionStatus: models.StatusDispatchPending,
		PaymentRef:        "pi_1",
		CreatedAt:         midWeek.Add(-time.Hour),
		UpdatedAt:         midWeek.Add(-time.Hour),
	}
	if mutate != nil {
		mutate(tx)
	}
	require.NoError(t, repo.Create(context.Background(), tx))
	return tx
}

func londonCalculator(t *testing.T, c *clock) *auction.Calculator {
	t.Helper()
	loc, err := auction.LoadLocation("Europe/London")
	require.NoError(t, err)
	return auction.NewCalculator(loc, c.Now)
}
