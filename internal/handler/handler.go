package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/auth"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/observability"
	"github.com/honeynil/GearAuctionService/internal/models"
	service "github.com/honeynil/GearAuctionService/internal/services"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
)

const maxWebhookBody = 64 << 10

type Handler struct {
	auctions     service.AuctionService
	checkout     service.CheckoutService
	transactions service.TransactionService
}

func NewHandler(auctions service.AuctionService, checkout service.CheckoutService, transactions service.TransactionService) *Handler {
	return &Handler{auctions: auctions, checkout: checkout, transactions: transactions}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observability.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrInvalidInput),
		errors.Is(err, pkgerrors.ErrInvalidStatus),
		errors.Is(err, pkgerrors.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrListingNotFound),
		errors.Is(err, pkgerrors.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrInvalidStateTransition),
		errors.Is(err, pkgerrors.ErrConcurrentModification),
		errors.Is(err, pkgerrors.ErrRequestAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrUpstreamUnavailable),
		errors.Is(err, pkgerrors.ErrSchemaDrift):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, r, pkgerrors.ErrUnauthenticated)
		return models.Identity{}, false
	}
	return id, true
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/auction/window", h.GetWindow).Methods(http.MethodGet)
	r.HandleFunc("/listings", h.ListListings).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id}", h.GetListing).Methods(http.MethodGet)
}

func (h *Handler) RegisterWebhookRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/payments", h.PaymentWebhook).Methods(http.MethodPost)
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/listings", h.SubmitListing).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/withdraw", h.WithdrawListing).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/bids", h.PlaceBid).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/buy-now", h.BuyNow).Methods(http.MethodPost)
	r.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/pay", h.PayTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/dispatch", h.ConfirmDispatch).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/receipt", h.ConfirmReceipt).Methods(http.MethodPost)
}

func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/listings", h.ListForReview).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id}/approve", h.ApproveListing).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id}/reject", h.RejectListing).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/archive", h.ArchiveTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}", h.DeleteTransaction).Methods(http.MethodDelete)
	r.HandleFunc("/payouts", h.ListPayouts).Methods(http.MethodGet)
}

func (h *Handler) RegisterCronRoutes(r *mux.Router) {
	r.HandleFunc("/rollover", h.RunRollover).Methods(http.MethodPost)
	r.HandleFunc("/close", h.RunClose).Methods(http.MethodPost)
}

func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	win, err := h.auctions.Window(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, win)
}

func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	var status models.ListingStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := models.ParseListingStatus(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status = st
	}
	listings, err := h.auctions.ListListings(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listings)
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.auctions.GetListing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) SubmitListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var in service.ListingInput
	if !h.decode(w, r, &in) {
		return
	}
	l, err := h.auctions.SubmitListing(r.Context(), caller, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) WithdrawListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	l, err := h.auctions.WithdrawListing(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	bid, err := h.auctions.PlaceBid(r.Context(), caller, mux.Vars(r)["id"], req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, bid)
}

func (h *Handler) BuyNow(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var in service.PaymentInput
	if !h.decode(w, r, &in) {
		return
	}
	res, err := h.checkout.BuyNow(r.Context(), caller, mux.Vars(r)["id"], in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, checkoutStatus(res), res)
}

func (h *Handler) PayTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var in service.PaymentInput
	if !h.decode(w, r, &in) {
		return
	}
	res, err := h.checkout.PayTransaction(r.Context(), caller, mux.Vars(r)["id"], in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, checkoutStatus(res), res)
}

// checkoutStatus answers 202 while the processor still waits on the customer.
func checkoutStatus(res *service.CheckoutResult) int {
	switch res.ChargeStatus {
	case service.ChargeRequiresAction:
		return http.StatusAccepted
	case service.ChargeFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusOK
	}
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	txs, err := h.transactions.ListForCaller(r.Context(), caller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.Get(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ConfirmDispatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Carrier        string `json:"carrier"`
		TrackingNumber string `json:"tracking_number"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.transactions.ConfirmDispatch(r.Context(), caller, mux.Vars(r)["id"],
		strings.TrimSpace(req.Carrier), strings.TrimSpace(req.TrackingNumber))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.ConfirmReceipt(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListForReview(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var status models.ListingStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := models.ParseListingStatus(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status = st
	}
	listings, err := h.auctions.ListForReview(r.Context(), caller, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listings)
}

func (h *Handler) ApproveListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	l, err := h.auctions.ApproveListing(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) RejectListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.auctions.RejectListing(r.Context(), caller, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) ArchiveTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.transactions.Archive(r.Context(), caller, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.Delete(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	txs, err := h.transactions.ListPayoutEligible(r.Context(), caller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}
	if err := h.checkout.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) RunRollover(w http.ResponseWriter, r *http.Request) {
	moved, err := h.auctions.Rollover(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (h *Handler) RunClose(w http.ResponseWriter, r *http.Request) {
	summary, err := h.auctions.CloseEnded(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}
