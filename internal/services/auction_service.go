package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	stderrors "errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/honeynil/GearAuctionService/internal/auction"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/observability"
	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/repository"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const auctionTracer = "auction-service"

// publicStatuses are the listing states anyone may browse.
var publicStatuses = []models.ListingStatus{
	models.ListingQueued,
	models.ListingLive,
	models.ListingSold,
	models.ListingNotSold,
}

type ListingInput struct {
	Title         string `json:"title" validate:"required,max=200"`
	Description   string `json:"description" validate:"max=5000"`
	Category      string `json:"category" validate:"required,max=60"`
	Condition     string `json:"condition" validate:"required,oneof=new mint excellent good fair parts"`
	StartingPrice int64  `json:"starting_price" validate:"gt=0"`
	ReservePrice  int64  `json:"reserve_price" validate:"gte=0"`
	BuyNowPrice   int64  `json:"buy_now_price" validate:"gte=0"`
}

type CloseSummary struct {
	Sold    int `json:"sold"`
	NotSold int `json:"not_sold"`
}

type AuctionService interface {
	SubmitListing(ctx context.Context, caller models.Identity, in ListingInput) (*models.Listing, error)
	ApproveListing(ctx context.Context, caller models.Identity, id string) (*models.Listing, error)
	RejectListing(ctx context.Context, caller models.Identity, id, reason string) (*models.Listing, error)
	WithdrawListing(ctx context.Context, caller models.Identity, id string) (*models.Listing, error)

	Rollover(ctx context.Context) (int, error)
	CloseEnded(ctx context.Context) (CloseSummary, error)

	PlaceBid(ctx context.Context, caller models.Identity, listingID string, amount int64) (*models.Bid, error)
	Window(ctx context.Context) (auction.Window, error)
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	ListListings(ctx context.Context, status models.ListingStatus) ([]models.Listing, error)
	ListForReview(ctx context.Context, caller models.Identity, status models.ListingStatus) ([]models.Listing, error)
}

type auctionService struct {
	listings     repository.ListingRepository
	transactions repository.TransactionRepository
	window       *auction.Calculator
	fees         FeePolicy
	notifier     Notifier
	access       *Access
	validate     *validator.Validate
	minIncrement int64
	maxAttempts  int
	newID        func() string
}

func NewAuctionService(
	listings repository.ListingRepository,
	transactions repository.TransactionRepository,
	window *auction.Calculator,
	fees FeePolicy,
	notifier Notifier,
	access *Access,
	minIncrement int64,
	maxAttempts int,
) *auctionService {
	if access == nil {
		access = NewAccess(nil)
	}
	return &auctionService{
		listings:     listings,
		transactions: transactions,
		window:       window,
		fees:         fees,
		notifier:     notifier,
		access:       access,
		validate:     validator.New(),
		minIncrement: max(minIncrement, 1),
		maxAttempts:  maxAttempts,
		newID:        uuid.NewString,
	}
}

func (s *auctionService) updateListing(ctx context.Context, id string, from []models.ListingStatus, fields repository.Fields) error {
	return writeListing(ctx, s.listings, id, from, fields, s.window.Now().UTC(), s.maxAttempts)
}

// writeListing is the guarded, schema-tolerant listing write.
func writeListing(
	ctx context.Context,
	repo repository.ListingRepository,
	id string,
	from []models.ListingStatus,
	fields repository.Fields,
	now time.Time,
	maxAttempts int,
) error {
	fields[repository.ColListingUpdatedAt] = now
	_, err := repository.WriteTolerant(ctx, func(ctx context.Context, f repository.Fields) error {
		return repo.UpdateFields(ctx, id, from, f)
	}, fields, []string{repository.ColListingStatus}, maxAttempts)
	return err
}

func (s *auctionService) SubmitListing(ctx context.Context, caller models.Identity, in ListingInput) (*models.Listing, error) {
	tracer := otel.Tracer(auctionTracer)
	ctx, span := tracer.Start(ctx, "SubmitListing")
	defer span.End()

	if !caller.EmailVerified || strings.TrimSpace(caller.Email) == "" {
		span.SetStatus(codes.Error, "unverified email")
		return nil, fmt.Errorf("%w: a verified email is required to sell", pkgerrors.ErrForbidden)
	}
	if err := s.validate.Struct(in); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		slog.Warn("invalid listing submission", "method", "SubmitListing", "seller", caller.Email, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}

	now := s.window.Now().UTC()
	l := &models.Listing{
		ID:            s.newID(),
		SellerEmail:   strings.TrimSpace(caller.Email),
		Title:         strings.TrimSpace(in.Title),
		Description:   strings.TrimSpace(in.Description),
		Category:      strings.ToLower(strings.TrimSpace(in.Category)),
		Condition:     in.Condition,
		StartingPrice: in.StartingPrice,
		ReservePrice:  in.ReservePrice,
		BuyNowPrice:   in.BuyNowPrice,
		Status:        models.ListingPendingApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.ValidatePricing(); err != nil {
		span.SetStatus(codes.Error, "invalid pricing")
		return nil, err
	}
	if err := s.listings.Create(ctx, l); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing creation failed")
		slog.Error("failed to create listing", "method", "SubmitListing", "seller", l.SellerEmail, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.String("listing_id", l.ID))
	slog.Info("listing submitted", "method", "SubmitListing", "listing_id", l.ID, "seller", l.SellerEmail)
	return l, nil
}

func (s *auctionService) ApproveListing(ctx context.Context, caller models.Identity, id string) (*models.Listing, error) {
	tracer := otel.Tracer(auctionTracer)
	ctx, span := tracer.Start(ctx, "ApproveListing")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", id))

	if !s.access.IsAdmin(caller) {
		span.SetStatus(codes.Error, "forbidden")
		return nil, pkgerrors.ErrForbidden
	}
	w, err := s.window.Current()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	err = s.updateListing(ctx, id, []models.ListingStatus{models.ListingPendingApproval}, repository.Fields{
		repository.ColListingStatus:       models.ListingQueued,
		repository.ColListingAuctionStart: w.NextStart,
		repository.ColListingAuctionEnd:   w.NextEnd,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "approve failed")
		return nil, s.listingWriteError(ctx, id, err)
	}

	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("listing approved", "method", "ApproveListing", "listing_id", id, "auction_start", w.NextStart)
	notifyAll(ctx, s.notifier, models.Notification{
		Kind: models.NotifyListingApproved, To: l.SellerEmail, Subject: "Your listing has been approved",
		ListingID: l.ID, OccurredAt: s.window.Now().UTC(),
	})
	return l, nil
}

func (s *auctionService) RejectListing(ctx context.Context, caller models.Identity, id, reason string) (*models.Listing, error) {
	tracer := otel.Tracer(auctionTracer)
	ctx, span := tracer.Start(ctx, "RejectListing")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", id))

	if !s.access.IsAdmin(caller) {
		span.SetStatus(codes.Error, "forbidden")
		return nil, pkgerrors.ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", pkgerrors.ErrInvalidInput)
	}

	err := s.updateListing(ctx, id, []models.ListingStatus{models.ListingPendingApproval}, repository.Fields{
		repository.ColListingStatus:          models.ListingRejected,
		repository.ColListingRejectionReason: reason,
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.listingWriteError(ctx, id, err)
	}

	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("listing rejected", "method", "RejectListing", "listing_id", id)
	notifyAll(ctx, s.notifier, models.Notification{
		Kind: models.NotifyListingRejected, To: l.SellerEmail, Subject: "Your listing was not approved",
		ListingID: l.ID, OccurredAt: s.window.Now().UTC(),
	})
	return l, nil
}

func (s *auctionService) WithdrawListing(ctx context.Context, caller models.Identity, id string) (*models.Listing, error) {
	tracer := otel.Tracer(auctionTracer)
	ctx, span := tracer.Start(ctx, "WithdrawListing")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", id))

	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.access.IsParty(caller, l.SellerEmail) && !s.access.IsAdmin(caller) {
		span.SetStatus(codes.Error, "forbidden")
		return nil, pkgerrors.ErrForbidden
	}
	switch {
	case l.Status == models.ListingWithdrawn:
		return l, nil
	case l.Status == models.ListingPendingApproval, l.Status == models.ListingQueued:
	case l.Status == models.ListingLive && l.BidCount == 0:
	default:
		span.SetStatus(codes.Error, "invalid state transition")
		return nil, fmt.Errorf("%w: cannot withdraw a %s listing with %d bids",
			pkgerrors.ErrInvalidStateTransition, l.Status, l.BidCount)
	}

	err = s.updateListing(ctx, id, []models.ListingStatus{l.Status}, repository.Fields{
		repository.ColListingStatus: models.ListingWithdrawn,
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.listingWriteError(ctx, id, err)
	}

	slog.Info("listing withdrawn", "method", "WithdrawListing", "listing_id", id)
	return s.listings.GetByID(ctx, id)
}

// listingWriteError turns a lost race into a state error when the listing has
// moved on, and a missing listing into not found.
func (s *auctionService) listingWriteError(ctx context.Context, id string, err error) error {
	if !stderrors.Is(err, pkgerrors.ErrConcurrentModification) {
		return err
	}
	l, getErr := s.listings.GetByID(ctx, id)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: listing is %s", pkgerrors.ErrInvalidStateTransition, l.Status)
}

func (s *auctionService) Rollover(ctx context.Context) (moved int, err error) {
	tracer := otel.Tracer(auctionTracer)
	ctx, span := tracer.Start(ctx, "Rollover")
	defer span.End()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.AuctionRuns.WithLabelValues("rollover", status).Inc()
	}()

	w, err := s.window.Current()
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if !w.IsLive {
		slog.Info("auction window not live, skipping rollover", "method", "Rollover", "next_start", w.NextStart)
		return 0, nil
	}

	queued, err := s.listings.List(ctx, repository.ListingFilter{Statuses: []models.ListingStatus{models.ListingQueued}})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	var errs []error
	for _, l := range queued {
		// listings approved during this week wait for the next one
		if l.AuctionStart != nil && l.AuctionStart.After(w.CurrentStart) {
			continue
		}
		err := s.updateListing(ctx, l.ID, []models.ListingStatus{models.ListingQueued}, repository.Fields{
			repository.ColListingStatus:       models.ListingLive,
			repository.ColListingAuctionStart: w.CurrentStart,
			repository.ColListingAuctionEnd:   w.CurrentEnd,
		})
		switch {
		case err == nil:
			moved++
		case stderrors.Is(err, pkgerrors.ErrConcurrentModification):
		default:
			slog.Error("failed to roll listing over", "method", "Rollover", "listing_id", l.ID, "error", err)
			errs = append(errs, fmt.Errorf("listing %s: %w", l.ID, err))
		}
	}

	span.SetAttributes(attribute.Int("moved", moved))
	slog.Info("rollover finished", "method", "Rollover", "moved", moved, "window_start", w.CurrentStart, "window_end", w.CurrentEnd)
	return moved, stderrors.Join(errs...)
}

func (s *auctionService) CloseEnded(ctx context.Context) (sum CloseSummary, err error) {
	tracer := otel.Tracer(auctionTracer)
	ctx, span := tracer.Start(ctx, "CloseEnded")
	defer span.End()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.AuctionRuns.WithLabelValues("close", status).Inc()
	}()

	now := s.window.Now().UTC()
	ended, err := s.listings.List(ctx, repository.ListingFilter{
		Statuses:    []models.ListingStatus{models.ListingLive},
		EndedBefore: &now,
	})
	if err != nil {
		span.RecordError(err)
		return sum, err
	}

	var errs []error
	for i := range ended {
		l := &ended[i]
		sold, err := s.closeListing(ctx, l, now)
		switch {
		case err == nil && sold:
			sum.Sold++
		case err == nil:
			sum.NotSold++
		case stderrors.Is(err, pkgerrors.ErrConcurrentModification):
		default:
			slog.Error("failed to close listing", "method", "CloseEnded", "listing_id", l.ID, "error", err)
			errs = append(errs, fmt.Errorf("listing %s: %w", l.ID, err))
		}
	}

	span.SetAttributes(attribute.Int("sold", sum.Sold), attribute.Int("not_sold", sum.NotSold))
	slog.Info("auction close finished", "method", "CloseEnded", "sold", sum.Sold, "not_sold", sum.NotSold)
	return sum, stderrors.Join(errs...)
}

func (s *auctionService) closeListing(ctx context.Context, l *models.Listing, now time.Time) (bool, error) {
	live := []models.ListingStatus{models.ListingLive}
	if l.BidCount == 0 || l.CurrentBidder == "" || !l.ReserveMet(l.CurrentBid) {
		return false, s.updateListing(ctx, l.ID, live, repository.Fields{
			repository.ColListingStatus: models.ListingNotSold,
		})
	}

	tx, err := s.fees.Settle(s.newID(), l, l.CurrentBidder, l.CurrentBid, now)
	if err != nil {
		return false, err
	}
	err = s.updateListing(ctx, l.ID, live, repository.Fields{
		repository.ColListingStatus:     models.ListingSold,
		repository.ColListingBuyerEmail: l.CurrentBidder,
		repository.ColListingSoldPrice:  l.CurrentBid,
		repository.ColListingSaleTxID:   tx.ID,
	})
	if err != nil {
		return false, err
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		// put the listing back so the next run retries it
		if revertErr := s.updateListing(ctx, l.ID, []models.ListingStatus{models.ListingSold}, repository.Fields{
			repository.ColListingStatus:   models.ListingLive,
			repository.ColListingSaleTxID: "",
		}); revertErr != nil {
			slog.Error("failed to revert listing after transaction error", "listing_id", l.ID, "error", revertErr)
		}
		return false, err
	}

	slog.Info("auction won", "listing_id", l.ID, "transaction_id", tx.ID, "amount", tx.SalePrice)
	notifyAll(ctx, s.notifier,
		models.Notification{
			Kind: models.NotifyAuctionWon, To: tx.BuyerEmail, Subject: "You won " + l.Title,
			TransactionID: tx.ID, ListingID: l.ID, Amount: tx.AmountDue(), OccurredAt: now,
		},
		models.Notification{
			Kind: models.NotifyItemSold, To: tx.SellerEmail, Subject: l.Title + " has sold",
			TransactionID: tx.ID, ListingID: l.ID, Amount: tx.SellerPayout, OccurredAt: now,
		},
	)
	return true, nil
}

func (s *auctionService) PlaceBid(ctx context.Context, caller models.Identity, listingID string, amount int64) (*models.Bid, error) {
	tracer := otel.Tracer(auctionTracer)
	ctx, span := tracer.Start(ctx, "PlaceBid")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", listingID), attribute.Int64("amount", amount))

	if !caller.EmailVerified || strings.TrimSpace(caller.Email) == "" {
		return nil, fmt.Errorf("%w: a verified email is required to bid", pkgerrors.ErrForbidden)
	}
	l, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if models.SameEmail(caller.Email, l.SellerEmail) {
		span.SetStatus(codes.Error, "seller bid")
		return nil, fmt.Errorf("%w: sellers cannot bid on their own listing", pkgerrors.ErrForbidden)
	}

	now := s.window.Now().UTC()
	if l.Status != models.ListingLive || !l.InAuction(now) {
		span.SetStatus(codes.Error, "auction closed")
		return nil, fmt.Errorf("%w: listing is not open for bids", pkgerrors.ErrInvalidStateTransition)
	}

	minimum := l.StartingPrice
	if l.BidCount > 0 {
		minimum = max(minimum, l.CurrentBid+s.minIncrement)
	}
	if amount < minimum {
		span.SetStatus(codes.Error, "bid too low")
		return nil, fmt.Errorf("%w: bid must be at least %d", pkgerrors.ErrInvalidAmount, minimum)
	}

	bid := &models.Bid{
		ID:          s.newID(),
		ListingID:   l.ID,
		BidderEmail: strings.TrimSpace(caller.Email),
		Amount:      amount,
		CreatedAt:   now,
	}
	if err := s.listings.RecordBid(ctx, bid, l.CurrentBid); err != nil {
		span.RecordError(err)
		slog.Warn("failed to record bid", "method", "PlaceBid", "listing_id", l.ID, "amount", amount, "error", err)
		return nil, err
	}

	slog.Info("bid placed", "method", "PlaceBid", "listing_id", l.ID, "bid_id", bid.ID, "amount", amount)
	return bid, nil
}

func (s *auctionService) Window(ctx context.Context) (auction.Window, error) {
	_, span := otel.Tracer(auctionTracer).Start(ctx, "Window")
	defer span.End()
	return s.window.Current()
}

func (s *auctionService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(publicStatuses, l.Status) {
		return nil, pkgerrors.ErrListingNotFound
	}
	return l, nil
}

// ListListings browses public listings, live ones by default.
func (s *auctionService) ListListings(ctx context.Context, status models.ListingStatus) ([]models.Listing, error) {
	if status == "" {
		status = models.ListingLive
	}
	if !slices.Contains(publicStatuses, status) {
		return nil, fmt.Errorf("%w: status %s is not public", pkgerrors.ErrInvalidInput, status)
	}
	return s.listings.List(ctx, repository.ListingFilter{Statuses: []models.ListingStatus{status}})
}

func (s *auctionService) ListForReview(ctx context.Context, caller models.Identity, status models.ListingStatus) ([]models.Listing, error) {
	if !s.access.IsAdmin(caller) {
		return nil, pkgerrors.ErrForbidden
	}
	if status == "" {
		status = models.ListingPendingApproval
	}
	return s.listings.List(ctx, repository.ListingFilter{Statuses: []models.ListingStatus{status}})
}
