package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/honeynil/GearAuctionService/internal/auction"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/auth"
	"github.com/honeynil/GearAuctionService/internal/models"
	service "github.com/honeynil/GearAuctionService/internal/services"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var member = models.Identity{UserID: "u-1", Email: "seller@example.com", EmailVerified: true}

type stubAuctions struct {
	service.AuctionService
	listing   *models.Listing
	submitted service.ListingInput
	moved     int
	err       error
}

func (s *stubAuctions) GetListing(context.Context, string) (*models.Listing, error) {
	return s.listing, s.err
}

func (s *stubAuctions) SubmitListing(_ context.Context, _ models.Identity, in service.ListingInput) (*models.Listing, error) {
	s.submitted = in
	return s.listing, s.err
}

func (s *stubAuctions) ListListings(_ context.Context, status models.ListingStatus) ([]models.Listing, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []models.Listing{{ID: "l-1", Status: status}}, nil
}

func (s *stubAuctions) Window(context.Context) (auction.Window, error) {
	return auction.Window{IsLive: true, Location: "Europe/London"}, s.err
}

func (s *stubAuctions) Rollover(context.Context) (int, error) {
	return s.moved, s.err
}

type stubCheckout struct {
	service.CheckoutService
	result    *service.CheckoutResult
	signature string
	err       error
}

func (s *stubCheckout) BuyNow(context.Context, models.Identity, string, service.PaymentInput) (*service.CheckoutResult, error) {
	return s.result, s.err
}

func (s *stubCheckout) HandleWebhook(_ context.Context, _ []byte, signature string) error {
	s.signature = signature
	return s.err
}

type stubTransactions struct {
	service.TransactionService
	tx  *models.Transaction
	err error
}

func (s *stubTransactions) Delete(context.Context, models.Identity, string) (*models.Transaction, error) {
	return s.tx, s.err
}

func (s *stubTransactions) ConfirmDispatch(_ context.Context, _ models.Identity, _, carrier, tracking string) (*models.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Transaction{ID: "tx-1", Carrier: carrier, TrackingNumber: tracking}, nil
}

func newRouter(h *Handler, id *models.Identity) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	h.RegisterPublicRoutes(api)
	h.RegisterWebhookRoutes(api)

	withID := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), *id))
			}
			next.ServeHTTP(w, r)
		})
	}
	protected := api.NewRoute().Subrouter()
	protected.Use(withID)
	h.RegisterProtectedRoutes(protected)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(withID)
	h.RegisterAdminRoutes(admin)

	h.RegisterCronRoutes(api.PathPrefix("/cron").Subrouter())
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{pkgerrors.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("%w: title", pkgerrors.ErrInvalidInput), http.StatusBadRequest},
		{pkgerrors.ErrInvalidSignature, http.StatusBadRequest},
		{pkgerrors.ErrUnauthenticated, http.StatusUnauthorized},
		{pkgerrors.ErrForbidden, http.StatusForbidden},
		{pkgerrors.ErrListingNotFound, http.StatusNotFound},
		{pkgerrors.ErrTransactionNotFound, http.StatusNotFound},
		{pkgerrors.ErrInvalidStateTransition, http.StatusConflict},
		{pkgerrors.ErrConcurrentModification, http.StatusConflict},
		{pkgerrors.ErrRequestAlreadyProcessed, http.StatusConflict},
		{fmt.Errorf("%w: %w", pkgerrors.ErrUpstreamUnavailable, pkgerrors.ErrSchemaDrift), http.StatusServiceUnavailable},
		{&pkgerrors.UnknownFieldError{Field: "carrier"}, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func TestHandler_Public(t *testing.T) {
	auctions := &stubAuctions{listing: &models.Listing{ID: "l-1", Title: "Leica M6", Status: models.ListingLive}}
	r := newRouter(NewHandler(auctions, &stubCheckout{}, &stubTransactions{}), nil)

	t.Run("Window", func(t *testing.T) {
		rec := do(t, r, http.MethodGet, "/api/auction/window", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var win auction.Window
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &win))
		assert.True(t, win.IsLive)
	})

	t.Run("GetListing", func(t *testing.T) {
		rec := do(t, r, http.MethodGet, "/api/listings/l-1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Leica M6")
	})

	t.Run("ListByStatus", func(t *testing.T) {
		rec := do(t, r, http.MethodGet, "/api/listings?status=SOLD", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"sold"`)
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		rec := do(t, r, http.MethodGet, "/api/listings?status=archived", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NotFound", func(t *testing.T) {
		auctions.err = pkgerrors.ErrListingNotFound
		defer func() { auctions.err = nil }()
		rec := do(t, r, http.MethodGet, "/api/listings/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "listing not found", errorBody(t, rec))
	})
}

func TestHandler_SubmitListing(t *testing.T) {
	auctions := &stubAuctions{listing: &models.Listing{ID: "l-2", Status: models.ListingPendingApproval}}

	t.Run("Created", func(t *testing.T) {
		r := newRouter(NewHandler(auctions, &stubCheckout{}, &stubTransactions{}), &member)
		rec := do(t, r, http.MethodPost, "/api/listings",
			`{"title":"Hasselblad 500C/M","category":"medium-format","condition":"excellent","starting_price":900}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, int64(900), auctions.submitted.StartingPrice)
		assert.Equal(t, "excellent", auctions.submitted.Condition)
	})

	t.Run("BadBody", func(t *testing.T) {
		r := newRouter(NewHandler(auctions, &stubCheckout{}, &stubTransactions{}), &member)
		rec := do(t, r, http.MethodPost, "/api/listings", `{"title":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NoIdentity", func(t *testing.T) {
		r := newRouter(NewHandler(auctions, &stubCheckout{}, &stubTransactions{}), nil)
		rec := do(t, r, http.MethodPost, "/api/listings", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandler_Checkout(t *testing.T) {
	checkout := &stubCheckout{result: &service.CheckoutResult{
		Transaction:  &models.Transaction{ID: "tx-1"},
		ChargeStatus: service.ChargeRequiresAction,
	}}
	r := newRouter(NewHandler(&stubAuctions{}, checkout, &stubTransactions{}), &member)

	rec := do(t, r, http.MethodPost, "/api/listings/l-1/buy-now", `{"payment_method_ref":"pm_1","request_id":"req-1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	checkout.result.ChargeStatus = service.ChargeFailed
	rec = do(t, r, http.MethodPost, "/api/listings/l-1/buy-now", `{"payment_method_ref":"pm_1","request_id":"req-2"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	checkout.result, checkout.err = nil, pkgerrors.ErrRequestAlreadyProcessed
	rec = do(t, r, http.MethodPost, "/api/listings/l-1/buy-now", `{"payment_method_ref":"pm_1","request_id":"req-2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Webhook(t *testing.T) {
	checkout := &stubCheckout{}
	r := newRouter(NewHandler(&stubAuctions{}, checkout, &stubTransactions{}), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", checkout.signature)

	checkout.err = fmt.Errorf("%w: bad header", pkgerrors.ErrInvalidSignature)
	rec = do(t, r, http.MethodPost, "/api/webhooks/payments", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Transactions(t *testing.T) {
	txs := &stubTransactions{}
	r := newRouter(NewHandler(&stubAuctions{}, &stubCheckout{}, txs), &member)

	rec := do(t, r, http.MethodPost, "/api/transactions/tx-1/dispatch", `{"carrier":" DPD ","tracking_number":"15501234"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var tx models.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, "DPD", tx.Carrier)

	txs.err = pkgerrors.ErrForbidden
	rec = do(t, r, http.MethodDelete, "/api/admin/transactions/tx-1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_Cron(t *testing.T) {
	auctions := &stubAuctions{moved: 3}
	r := newRouter(NewHandler(auctions, &stubCheckout{}, &stubTransactions{}), nil)

	rec := do(t, r, http.MethodPost, "/api/cron/rollover", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"moved":3}`, rec.Body.String())

	auctions.err = fmt.Errorf("store offline")
	rec = do(t, r, http.MethodPost, "/api/cron/rollover", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", errorBody(t, rec))
}
