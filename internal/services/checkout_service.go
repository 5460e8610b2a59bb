package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	stderrors "errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/repository"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	checkoutTracer = "checkout-service"
	requestTTL     = 24 * time.Hour
)

type PaymentInput struct {
	CustomerRef      string `json:"customer_ref" validate:"max=255"`
	PaymentMethodRef string `json:"payment_method_ref" validate:"required,max=255"`
	RequestID        string `json:"request_id" validate:"required,max=128"`
}

type CheckoutResult struct {
	Transaction  *models.Transaction `json:"transaction"`
	ChargeStatus ChargeStatus        `json:"charge_status"`
}

type CheckoutService interface {
	BuyNow(ctx context.Context, caller models.Identity, listingID string, in PaymentInput) (*CheckoutResult, error)
	PayTransaction(ctx context.Context, caller models.Identity, id string, in PaymentInput) (*CheckoutResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type checkoutService struct {
	listings     repository.ListingRepository
	transactions repository.TransactionRepository
	lifecycle    TransactionService
	gateway      PaymentGateway
	requests     IdempotencyStore
	fees         FeePolicy
	validate     *validator.Validate
	currency     string
	maxAttempts  int
	now          func() time.Time
	newID        func() string
}

func NewCheckoutService(
	listings repository.ListingRepository,
	transactions repository.TransactionRepository,
	lifecycle TransactionService,
	gateway PaymentGateway,
	requests IdempotencyStore,
	fees FeePolicy,
	currency string,
	maxAttempts int,
	now func() time.Time,
) *checkoutService {
	if now == nil {
		now = time.Now
	}
	if currency == "" {
		currency = "gbp"
	}
	return &checkoutService{
		listings:     listings,
		transactions: transactions,
		lifecycle:    lifecycle,
		gateway:      gateway,
		requests:     requests,
		fees:         fees,
		validate:     validator.New(),
		currency:     strings.ToLower(currency),
		maxAttempts:  maxAttempts,
		now:          now,
		newID:        uuid.NewString,
	}
}

// claim reserves the request ID; the returned release undoes the claim for
// requests that fail before anything durable happened.
func (s *checkoutService) claim(ctx context.Context, requestID string) (func(), error) {
	key := "checkout:" + requestID
	ok, err := s.requests.Claim(ctx, key, requestTTL)
	if err != nil {
		slog.Error("failed to claim request", "request_id", requestID, "error", err)
		return nil, fmt.Errorf("%w: request store: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	if !ok {
		slog.Warn("request already processed", "request_id", requestID)
		return nil, pkgerrors.ErrRequestAlreadyProcessed
	}
	return func() {
		if err := s.requests.Release(context.WithoutCancel(ctx), key); err != nil {
			slog.Error("failed to release request key", "request_id", requestID, "error", err)
		}
	}, nil
}

func (s *checkoutService) checkInput(caller models.Identity, in PaymentInput) error {
	if !caller.EmailVerified || strings.TrimSpace(caller.Email) == "" {
		return fmt.Errorf("%w: a verified email is required to buy", pkgerrors.ErrForbidden)
	}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}
	return nil
}

func (s *checkoutService) BuyNow(ctx context.Context, caller models.Identity, listingID string, in PaymentInput) (*CheckoutResult, error) {
	tracer := otel.Tracer(checkoutTracer)
	ctx, span := tracer.Start(ctx, "BuyNow")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", listingID), attribute.String("request_id", in.RequestID))

	if err := s.checkInput(caller, in); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	release, err := s.claim(ctx, in.RequestID)
	if err != nil {
		span.SetStatus(codes.Error, "request claim failed")
		return nil, err
	}

	l, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		release()
		return nil, err
	}
	if models.SameEmail(caller.Email, l.SellerEmail) {
		release()
		span.SetStatus(codes.Error, "seller purchase")
		return nil, fmt.Errorf("%w: sellers cannot buy their own listing", pkgerrors.ErrForbidden)
	}
	now := s.now().UTC()
	if l.Status != models.ListingLive || l.BuyNowPrice <= 0 || !l.InAuction(now) {
		release()
		span.SetStatus(codes.Error, "not available")
		return nil, fmt.Errorf("%w: listing is not available to buy now", pkgerrors.ErrInvalidStateTransition)
	}

	buyer := strings.TrimSpace(caller.Email)
	tx, err := s.fees.Settle(s.newID(), l, buyer, l.BuyNowPrice, now)
	if err != nil {
		release()
		span.RecordError(err)
		return nil, err
	}

	live := []models.ListingStatus{models.ListingLive}
	err = writeListing(ctx, s.listings, l.ID, live, repository.Fields{
		repository.ColListingStatus:     models.ListingSold,
		repository.ColListingBuyerEmail: buyer,
		repository.ColListingSoldPrice:  l.BuyNowPrice,
		repository.ColListingSaleTxID:   tx.ID,
	}, now, s.maxAttempts)
	if err != nil {
		release()
		span.RecordError(err)
		if stderrors.Is(err, pkgerrors.ErrConcurrentModification) {
			return nil, fmt.Errorf("%w: listing was sold or closed", pkgerrors.ErrInvalidStateTransition)
		}
		return nil, err
	}

	if err := s.transactions.Create(ctx, tx); err != nil {
		release()
		span.RecordError(err)
		slog.Error("failed to create transaction", "method", "BuyNow", "listing_id", l.ID, "error", err)
		s.restoreListing(ctx, l.ID)
		return nil, err
	}
	slog.Info("buy now started", "method", "BuyNow", "listing_id", l.ID, "transaction_id", tx.ID, "amount", tx.AmountDue())

	res, err := s.charge(ctx, tx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if res.ChargeStatus == ChargeFailed {
		// the declined sale must not be payable once the listing is back on sale
		if voided, err := s.lifecycle.Void(ctx, tx.ID, "buy now charge declined"); err != nil {
			slog.Error("failed to void declined transaction", "method", "BuyNow", "transaction_id", tx.ID, "error", err)
		} else {
			res.Transaction = voided
		}
		s.restoreListing(ctx, l.ID)
	}
	return res, nil
}

// restoreListing puts a listing whose sale fell through back on sale.
func (s *checkoutService) restoreListing(ctx context.Context, id string) {
	err := writeListing(ctx, s.listings, id, []models.ListingStatus{models.ListingSold}, repository.Fields{
		repository.ColListingStatus:     models.ListingLive,
		repository.ColListingBuyerEmail: "",
		repository.ColListingSoldPrice:  int64(0),
		repository.ColListingSaleTxID:   "",
	}, s.now().UTC(), s.maxAttempts)
	if err != nil {
		slog.Error("failed to restore listing", "listing_id", id, "error", err)
		return
	}
	slog.Info("listing restored to live", "listing_id", id)
}

func (s *checkoutService) PayTransaction(ctx context.Context, caller models.Identity, id string, in PaymentInput) (*CheckoutResult, error) {
	tracer := otel.Tracer(checkoutTracer)
	ctx, span := tracer.Start(ctx, "PayTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", id), attribute.String("request_id", in.RequestID))

	if err := s.checkInput(caller, in); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	tx, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.SameEmail(caller.Email, tx.BuyerEmail) {
		span.SetStatus(codes.Error, "forbidden")
		return nil, fmt.Errorf("%w: only the buyer can pay", pkgerrors.ErrForbidden)
	}
	switch tx.Evaluate(models.ActionMarkPaid) {
	case models.DecisionNoop:
		return &CheckoutResult{Transaction: tx, ChargeStatus: ChargeSucceeded}, nil
	case models.DecisionReject:
		return nil, fmt.Errorf("%w: transaction is %s/%s", pkgerrors.ErrInvalidStateTransition, tx.PaymentStatus, tx.TransactionStatus)
	}

	if err := s.checkSaleHeld(ctx, tx); err != nil {
		span.SetStatus(codes.Error, "sale fell through")
		return nil, err
	}

	release, err := s.claim(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := s.charge(ctx, tx, in)
	if err != nil {
		release()
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// checkSaleHeld refuses to settle tx unless its listing is still sold under it.
func (s *checkoutService) checkSaleHeld(ctx context.Context, tx *models.Transaction) error {
	l, err := s.listings.GetByID(ctx, tx.ListingID)
	if err != nil {
		return err
	}
	if !l.HeldBy(tx) {
		slog.Warn("transaction no longer holds its listing",
			"transaction_id", tx.ID, "listing_id", l.ID, "listing_status", l.Status, "sale_transaction_id", l.SaleTransactionID)
		return fmt.Errorf("%w: listing is no longer reserved for this transaction", pkgerrors.ErrInvalidStateTransition)
	}
	return nil
}

func (s *checkoutService) charge(ctx context.Context, tx *models.Transaction, in PaymentInput) (*CheckoutResult, error) {
	ctx, span := otel.Tracer(checkoutTracer).Start(ctx, "Charge")
	defer span.End()

	result, err := s.gateway.CreateAndConfirmCharge(ctx, ChargeRequest{
		AmountMinor:      tx.AmountDue() * 100,
		Currency:         s.currency,
		CustomerRef:      in.CustomerRef,
		PaymentMethodRef: in.PaymentMethodRef,
		IdempotencyKey:   chargeKey(tx.ID, in.RequestID),
		TransactionID:    tx.ID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment gateway failed")
		slog.Error("payment gateway failed", "transaction_id", tx.ID, "error", err)
		return nil, fmt.Errorf("%w: payment: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	span.SetAttributes(attribute.String("charge_status", string(result.Status)))

	current := tx
	if result.ChargeID != "" {
		if current, err = s.lifecycle.AttachPaymentRef(ctx, tx.ID, result.ChargeID); err != nil {
			slog.Error("failed to attach payment ref", "transaction_id", tx.ID, "charge_id", result.ChargeID, "error", err)
			return nil, err
		}
	}

	switch result.Status {
	case ChargeSucceeded:
		current, err = s.lifecycle.MarkPaid(ctx, tx.ID, result.ChargeID)
	case ChargeFailed:
		current, err = s.lifecycle.MarkFailed(ctx, tx.ID, "charge declined")
	case ChargeRequiresAction:
		slog.Info("payment requires customer action", "transaction_id", tx.ID, "charge_id", result.ChargeID)
	default:
		err = fmt.Errorf("%w: unexpected charge status %q", pkgerrors.ErrUpstreamUnavailable, result.Status)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &CheckoutResult{Transaction: current, ChargeStatus: result.Status}, nil
}

// chargeKey is unique per payment attempt; the request claim already stops a
// replayed request from reaching the gateway twice.
func chargeKey(txID, requestID string) string {
	return "txn:" + txID + ":" + requestID
}

func (s *checkoutService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	tracer := otel.Tracer(checkoutTracer)
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	ev, err := s.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		span.SetStatus(codes.Error, "invalid signature")
		slog.Warn("rejected payment webhook", "method", "HandleWebhook", "error", err)
		if stderrors.Is(err, pkgerrors.ErrInvalidSignature) {
			return err
		}
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidSignature, err)
	}
	span.SetAttributes(attribute.String("event_type", string(ev.Type)), attribute.String("charge_id", ev.ChargeID))

	if ev.Type != EventPaymentSucceeded && ev.Type != EventPaymentFailed {
		slog.Info("ignoring payment event", "method", "HandleWebhook", "type", ev.Type)
		return nil
	}

	tx, err := s.reconcile(ctx, ev)
	if stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
		slog.Warn("payment event for unknown transaction", "method", "HandleWebhook",
			"charge_id", ev.ChargeID, "transaction_id", ev.TransactionID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	switch {
	case ev.Type == EventPaymentSucceeded && ev.Status == ChargeSucceeded:
		if err = s.checkSaleHeld(ctx, tx); err == nil {
			_, err = s.lifecycle.MarkPaid(ctx, tx.ID, ev.ChargeID)
		} else if stderrors.Is(err, pkgerrors.ErrInvalidStateTransition) && tx.PaymentStatus != models.PaymentPaid {
			slog.Error("payment captured for a released sale, refund required", "method", "HandleWebhook",
				"transaction_id", tx.ID, "charge_id", ev.ChargeID)
		}
	case ev.Type == EventPaymentFailed:
		_, err = s.lifecycle.MarkFailed(ctx, tx.ID, "payment failed at processor")
	default:
		slog.Warn("payment event without confirmed status", "method", "HandleWebhook", "transaction_id", tx.ID, "status", ev.Status)
		return nil
	}
	if stderrors.Is(err, pkgerrors.ErrInvalidStateTransition) {
		// late or out-of-order events do not move a settled transaction
		slog.Warn("payment event does not apply", "method", "HandleWebhook", "transaction_id", tx.ID, "error", err)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	slog.Info("payment event applied", "method", "HandleWebhook", "transaction_id", tx.ID, "type", ev.Type)
	return nil
}

func (s *checkoutService) reconcile(ctx context.Context, ev WebhookEvent) (*models.Transaction, error) {
	if ev.TransactionID != "" {
		tx, err := s.transactions.GetByID(ctx, ev.TransactionID)
		if err == nil || !stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
			return tx, err
		}
	}
	return s.transactions.FindByPaymentRef(ctx, ev.ChargeID)
}
