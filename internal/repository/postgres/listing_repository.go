package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/repository"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const listingTracer = "listing-repository"

const listingColumns = `id, seller_email, title, description, category, item_condition, starting_price, ` +
	`reserve_price, buy_now_price, status, auction_start, auction_end, current_bid, current_bidder, bid_count, ` +
	`buyer_email, sold_price, sale_transaction_id, rejection_reason, created_at, updated_at`

type ListingRepository struct {
	db *sql.DB
}

func NewListingRepository(db *sql.DB) *ListingRepository {
	return &ListingRepository{db: db}
}

func (r *ListingRepository) Create(ctx context.Context, l *models.Listing) (err error) {
	ctx, span, done := track(ctx, listingTracer, "CreateListing")
	defer func() { done(err) }()

	if l == nil {
		err = pkgerrors.ErrNilListing
		slog.Error("failed to create listing", "method", "Create", "error", err)
		return err
	}
	if err = l.ValidatePricing(); err != nil {
		slog.Error("invalid listing pricing", "method", "Create", "listing_id", l.ID, "error", err)
		return err
	}
	span.SetAttributes(attribute.String("listing_id", l.ID), attribute.String("status", string(l.Status)))

	query := `INSERT INTO listings (id, seller_email, title, description, category, item_condition, starting_price, ` +
		`reserve_price, buy_now_price, status, auction_start, auction_end, created_at, updated_at) ` +
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = r.db.ExecContext(ctx, query,
		l.ID, l.SellerEmail, l.Title, l.Description, l.Category, l.Condition, l.StartingPrice,
		l.ReservePrice, l.BuyNowPrice, string(l.Status), toNullTime(l.AuctionStart), toNullTime(l.AuctionEnd),
		l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		slog.Error("failed to create listing", "method", "Create", "listing_id", l.ID, "error", err)
		return fmt.Errorf("failed to create listing: %w", err)
	}

	slog.Info("listing created", "method", "Create", "listing_id", l.ID, "seller", l.SellerEmail)
	return nil
}

func (r *ListingRepository) GetByID(ctx context.Context, id string) (_ *models.Listing, err error) {
	ctx, span, done := track(ctx, listingTracer, "GetListingByID")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("listing_id", id))

	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	l, err := scanListing(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrListingNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get listing by id", "method", "GetByID", "listing_id", id, "error", err)
		return nil, fmt.Errorf("failed to get listing by id: %w", err)
	}
	return l, nil
}

func (r *ListingRepository) List(ctx context.Context, filter repository.ListingFilter) (_ []models.Listing, err error) {
	ctx, _, done := track(ctx, listingTracer, "ListListings")
	defer func() { done(err) }()

	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		conds = append(conds, fmt.Sprintf("lower(status) = ANY($%d)", len(args)))
	}
	if seller := strings.ToLower(strings.TrimSpace(filter.SellerEmail)); seller != "" {
		args = append(args, seller)
		conds = append(conds, fmt.Sprintf("lower(seller_email) = $%d", len(args)))
	}
	if filter.EndedBefore != nil {
		args = append(args, *filter.EndedBefore)
		conds = append(conds, fmt.Sprintf("auction_end < $%d", len(args)))
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY auction_end ASC NULLS LAST, created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list listings", "method", "List", "error", err)
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, scanErr := scanListing(rows)
		if scanErr != nil {
			err = scanErr
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		out = append(out, *l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listings: %w", err)
	}
	return out, nil
}

func (r *ListingRepository) UpdateFields(ctx context.Context, id string, from []models.ListingStatus, fields repository.Fields) (err error) {
	ctx, span, done := track(ctx, listingTracer, "UpdateListingFields")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("listing_id", id), attribute.StringSlice("fields", fields.Keys()))

	if len(fields) == 0 || len(from) == 0 {
		err = fmt.Errorf("%w: empty update", pkgerrors.ErrInvalidInput)
		return err
	}

	set, args := setClause(fields)
	n := len(args)
	query := fmt.Sprintf(`UPDATE listings SET %s WHERE id = $%d AND lower(status) = ANY($%d)`, set, n+1, n+2)
	args = append(args, id, pq.Array(statusStrings(from)))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = mapWriteError(err)
		var unknown *pkgerrors.UnknownFieldError
		if stderrors.As(err, &unknown) {
			return err
		}
		slog.Error("failed to update listing", "method", "UpdateFields", "listing_id", id, "error", err)
		return fmt.Errorf("failed to update listing: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		err = pkgerrors.ErrConcurrentModification
		return err
	}

	slog.Info("listing updated", "method", "UpdateFields", "listing_id", id, "fields", fields.Keys())
	return nil
}

func (r *ListingRepository) RecordBid(ctx context.Context, bid *models.Bid, expectedHigh int64) (err error) {
	ctx, span, done := track(ctx, listingTracer, "RecordBid")
	defer func() { done(err) }()
	span.SetAttributes(
		attribute.String("listing_id", bid.ListingID),
		attribute.Int64("amount", bid.Amount),
		attribute.Int64("expected_high", expectedHigh),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "RecordBid", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	res, err := dbTx.ExecContext(ctx,
		`UPDATE listings SET current_bid = $1, current_bidder = $2, bid_count = bid_count + 1, updated_at = $3 `+
			`WHERE id = $4 AND lower(status) = 'live' AND current_bid = $5`,
		bid.Amount, bid.BidderEmail, bid.CreatedAt, bid.ListingID, expectedHigh,
	)
	if err == nil {
		var affected int64
		if affected, err = res.RowsAffected(); err == nil && affected == 0 {
			err = pkgerrors.ErrConcurrentModification
		}
	}
	if err == nil {
		_, err = dbTx.ExecContext(ctx,
			`INSERT INTO bids (id, listing_id, bidder_email, amount, created_at) VALUES ($1, $2, $3, $4, $5)`,
			bid.ID, bid.ListingID, bid.BidderEmail, bid.Amount, bid.CreatedAt,
		)
	}
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "RecordBid", "error", rbErr)
		}
		if stderrors.Is(err, pkgerrors.ErrConcurrentModification) {
			return err
		}
		slog.Error("failed to record bid", "method", "RecordBid", "listing_id", bid.ListingID, "error", err)
		return fmt.Errorf("failed to record bid: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "RecordBid", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("bid recorded", "method", "RecordBid", "listing_id", bid.ListingID, "amount", bid.Amount)
	return nil
}

func (r *ListingRepository) ListBids(ctx context.Context, listingID string) (_ []models.Bid, err error) {
	ctx, _, done := track(ctx, listingTracer, "ListBids")
	defer func() { done(err) }()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, listing_id, bidder_email, amount, created_at FROM bids WHERE listing_id = $1 ORDER BY amount DESC, created_at ASC`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	defer rows.Close()

	var out []models.Bid
	for rows.Next() {
		var b models.Bid
		if err = rows.Scan(&b.ID, &b.ListingID, &b.BidderEmail, &b.Amount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		out = append(out, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bids: %w", err)
	}
	return out, nil
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var (
		l          models.Listing
		status     string
		start, end sql.NullTime
	)
	err := row.Scan(
		&l.ID, &l.SellerEmail, &l.Title, &l.Description, &l.Category, &l.Condition, &l.StartingPrice,
		&l.ReservePrice, &l.BuyNowPrice, &status, &start, &end, &l.CurrentBid, &l.CurrentBidder, &l.BidCount,
		&l.BuyerEmail, &l.SoldPrice, &l.SaleTransactionID, &l.RejectionReason, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if l.Status, err = models.ParseListingStatus(status); err != nil {
		return nil, err
	}
	l.AuctionStart = nullTime(start)
	l.AuctionEnd = nullTime(end)
	return &l, nil
}

func statusStrings(statuses []models.ListingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
