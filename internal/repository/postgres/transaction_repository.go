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
	"go.opentelemetry.io/otel/attribute"
)

const transactionTracer = "transaction-repository"

const transactionColumns = `id, listing_id, seller_email, buyer_email, sale_price, commission_rate_bps, ` +
	`commission_amount, ancillary_fee, buyer_pays_fee, seller_payout, payment_status, transaction_status, ` +
	`payment_ref, carrier, tracking_number, dispatched_at, receipt_confirmed_at, payout_eligible, archived, ` +
	`archived_reason, archived_at, deleted_at, created_at, updated_at`

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span, done := track(ctx, transactionTracer, "CreateTransaction")
	defer func() { done(err) }()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	if tx.SalePrice <= 0 {
		err = fmt.Errorf("%w: sale price must be positive", pkgerrors.ErrInvalidAmount)
		slog.Error("invalid sale price", "method", "Create", "sale_price", tx.SalePrice, "error", err)
		return err
	}

	span.SetAttributes(
		attribute.String("transaction_id", tx.ID),
		attribute.String("listing_id", tx.ListingID),
		attribute.Int64("sale_price", tx.SalePrice),
	)

	query := `INSERT INTO transactions (id, listing_id, seller_email, buyer_email, sale_price, commission_rate_bps, ` +
		`commission_amount, ancillary_fee, buyer_pays_fee, seller_payout, payment_status, transaction_status, ` +
		`payment_ref, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = r.db.ExecContext(ctx, query,
		tx.ID, tx.ListingID, tx.SellerEmail, tx.BuyerEmail, tx.SalePrice, tx.CommissionRateBps,
		tx.CommissionAmount, tx.AncillaryFee, tx.BuyerPaysFee, tx.SellerPayout,
		string(tx.PaymentStatus), string(tx.TransactionStatus), tx.PaymentRef, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		slog.Error("failed to create transaction", "method", "Create", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "transaction_id", tx.ID, "listing_id", tx.ListingID)
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (_ *models.Transaction, err error) {
	ctx, span, done := track(ctx, transactionTracer, "GetTransactionByID")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("transaction_id", id))

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) FindByPaymentRef(ctx context.Context, ref string) (_ *models.Transaction, err error) {
	ctx, span, done := track(ctx, transactionTracer, "FindTransactionByPaymentRef")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("payment_ref", ref))

	if ref == "" {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE payment_ref = $1 ORDER BY created_at DESC LIMIT 1`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, ref))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to find transaction by payment ref", "method", "FindByPaymentRef", "payment_ref", ref, "error", err)
		return nil, fmt.Errorf("failed to find transaction by payment ref: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepository) List(ctx context.Context, filter repository.TransactionFilter) (_ []models.Transaction, err error) {
	ctx, _, done := track(ctx, transactionTracer, "ListTransactions")
	defer func() { done(err) }()

	var (
		conds []string
		args  []any
	)
	if party := strings.ToLower(strings.TrimSpace(filter.Party)); party != "" {
		args = append(args, party)
		conds = append(conds, fmt.Sprintf("(lower(buyer_email) = $%d OR lower(seller_email) = $%d)", len(args), len(args)))
	}
	if filter.PayoutEligible != nil {
		args = append(args, *filter.PayoutEligible)
		conds = append(conds, fmt.Sprintf("payout_eligible = $%d", len(args)))
	}
	if !filter.IncludeArchived {
		conds = append(conds, "archived = false")
	}
	if !filter.IncludeDeleted {
		conds = append(conds, "lower(transaction_status) <> 'deleted' AND deleted_at IS NULL")
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list transactions", "method", "List", "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = scanErr
			slog.Error("failed to scan transaction", "method", "List", "error", err)
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

func (r *TransactionRepository) UpdateFields(ctx context.Context, id string, pre repository.TransactionPrecondition, fields repository.Fields) (err error) {
	ctx, span, done := track(ctx, transactionTracer, "UpdateTransactionFields")
	defer func() { done(err) }()
	span.SetAttributes(
		attribute.String("transaction_id", id),
		attribute.StringSlice("fields", fields.Keys()),
	)

	if len(fields) == 0 {
		err = fmt.Errorf("%w: empty update", pkgerrors.ErrInvalidInput)
		return err
	}

	set, args := setClause(fields)
	n := len(args)
	query := fmt.Sprintf(`UPDATE transactions SET %s WHERE id = $%d AND lower(payment_status) = $%d `+
		`AND lower(transaction_status) = $%d AND archived = $%d`, set, n+1, n+2, n+3, n+4)
	args = append(args, id, string(pre.PaymentStatus), string(pre.TransactionStatus), pre.Archived)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = mapWriteError(err)
		var unknown *pkgerrors.UnknownFieldError
		if stderrors.As(err, &unknown) {
			return err
		}
		slog.Error("failed to update transaction", "method", "UpdateFields", "transaction_id", id, "error", err)
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		err = pkgerrors.ErrConcurrentModification
		slog.Warn("transaction precondition not met", "method", "UpdateFields", "transaction_id", id,
			"payment_status", pre.PaymentStatus, "transaction_status", pre.TransactionStatus)
		return err
	}

	slog.Info("transaction updated", "method", "UpdateFields", "transaction_id", id, "fields", fields.Keys())
	return nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx                                             models.Transaction
		paymentStatus, status                          string
		dispatchedAt, receiptAt, archivedAt, deletedAt sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.ListingID, &tx.SellerEmail, &tx.BuyerEmail, &tx.SalePrice, &tx.CommissionRateBps,
		&tx.CommissionAmount, &tx.AncillaryFee, &tx.BuyerPaysFee, &tx.SellerPayout, &paymentStatus, &status,
		&tx.PaymentRef, &tx.Carrier, &tx.TrackingNumber, &dispatchedAt, &receiptAt, &tx.PayoutEligible, &tx.Archived,
		&tx.ArchivedReason, &archivedAt, &deletedAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tx.PaymentStatus, err = models.ParsePaymentStatus(paymentStatus); err != nil {
		return nil, err
	}
	if tx.TransactionStatus, err = models.ParseTransactionStatus(status); err != nil {
		return nil, err
	}
	tx.DispatchedAt = nullTime(dispatchedAt)
	tx.ReceiptConfirmedAt = nullTime(receiptAt)
	tx.ArchivedAt = nullTime(archivedAt)
	tx.DeletedAt = nullTime(deletedAt)
	return &tx, nil
}
