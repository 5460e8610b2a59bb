package postgres_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/repository"
	"github.com/honeynil/GearAuctionService/internal/repository/postgres"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var txColumns = []string{
	"id", "listing_id", "seller_email", "buyer_email", "sale_price", "commission_rate_bps",
	"commission_amount", "ancillary_fee", "buyer_pays_fee", "seller_payout", "payment_status", "transaction_status",
	"payment_ref", "carrier", "tracking_number", "dispatched_at", "receipt_confirmed_at", "payout_eligible", "archived",
	"archived_reason", "archived_at", "deleted_at", "created_at", "updated_at",
}

const selectTransaction = `SELECT id, listing_id, seller_email, buyer_email, sale_price, commission_rate_bps, ` +
	`commission_amount, ancillary_fee, buyer_pays_fee, seller_payout, payment_status, transaction_status, ` +
	`payment_ref, carrier, tracking_number, dispatched_at, receipt_confirmed_at, payout_eligible, archived, ` +
	`archived_reason, archived_at, deleted_at, created_at, updated_at FROM transactions`

func paidTransactionRow(id string, created time.Time) []driver.Value {
	return []driver.Value{
		id, "listing-1", "seller@example.com", "buyer@example.com", int64(300), int64(1200),
		int64(36), int64(0), false, int64(264), "PAID", "Dispatch_Pending",
		"pi_123", "", "", nil, nil, false, false,
		"", nil, nil, created, created,
	}
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestTransactionRepository_Create(t *testing.T) {
	db, mock := newMock(t)
	repo := postgres.NewTransactionRepository(db)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	query := `INSERT INTO transactions (id, listing_id, seller_email, buyer_email, sale_price, commission_rate_bps, ` +
		`commission_amount, ancillary_fee, buyer_pays_fee, seller_payout, payment_status, transaction_status, ` +
		`payment_ref, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	tx := &models.Transaction{
		ID:                "tx-1",
		ListingID:         "listing-1",
		SellerEmail:       "seller@example.com",
		BuyerEmail:        "buyer@example.com",
		SalePrice:         300,
		CommissionRateBps: 1200,
		CommissionAmount:  36,
		SellerPayout:      264,
		PaymentStatus:     models.PaymentUnpaid,
		TransactionStatus: models.StatusPendingPayment,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	t.Run("NilTransaction", func(t *testing.T) {
		err := repo.Create(ctx, nil)
		assert.ErrorIs(t, err, pkgerrors.ErrNilTransaction)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		err := repo.Create(ctx, &models.Transaction{ID: "tx-0"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	})

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(query)).
			WithArgs("tx-1", "listing-1", "seller@example.com", "buyer@example.com", int64(300), int64(1200),
				int64(36), int64(0), false, int64(264), "unpaid", "pending_payment", "", now, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(ctx, tx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(query)).WillReturnError(fmt.Errorf("database error"))

		err := repo.Create(ctx, tx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionRepository_GetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := postgres.NewTransactionRepository(db)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	query := selectTransaction + ` WHERE id = $1`

	t.Run("Success", func(t *testing.T) {
		rows := sqlmock.NewRows(txColumns).AddRow(paidTransactionRow("tx-1", created)...)
		mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("tx-1").WillReturnRows(rows)

		tx, err := repo.GetByID(ctx, "tx-1")
		require.NoError(t, err)
		assert.Equal(t, "tx-1", tx.ID)
		assert.Equal(t, models.PaymentPaid, tx.PaymentStatus)
		assert.Equal(t, models.StatusDispatchPending, tx.TransactionStatus)
		assert.Nil(t, tx.DispatchedAt)
		assert.Equal(t, int64(264), tx.SellerPayout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("missing").WillReturnError(sql.ErrNoRows)

		tx, err := repo.GetByID(ctx, "missing")
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		row := paidTransactionRow("tx-2", created)
		row[11] = "shipped"
		rows := sqlmock.NewRows(txColumns).AddRow(row...)
		mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("tx-2").WillReturnRows(rows)

		_, err := repo.GetByID(ctx, "tx-2")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionRepository_FindByPaymentRef(t *testing.T) {
	db, mock := newMock(t)
	repo := postgres.NewTransactionRepository(db)
	ctx := context.Background()
	query := selectTransaction + ` WHERE payment_ref = $1 ORDER BY created_at DESC LIMIT 1`

	t.Run("Found", func(t *testing.T) {
		rows := sqlmock.NewRows(txColumns).AddRow(paidTransactionRow("tx-1", time.Now())...)
		mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("pi_123").WillReturnRows(rows)

		tx, err := repo.FindByPaymentRef(ctx, "pi_123")
		require.NoError(t, err)
		assert.Equal(t, "pi_123", tx.PaymentRef)
	})

	t.Run("EmptyRef", func(t *testing.T) {
		_, err := repo.FindByPaymentRef(ctx, "")
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_List(t *testing.T) {
	db, mock := newMock(t)
	repo := postgres.NewTransactionRepository(db)
	ctx := context.Background()

	t.Run("ByParty", func(t *testing.T) {
		query := selectTransaction + ` WHERE (lower(buyer_email) = $1 OR lower(seller_email) = $1) AND archived = false ` +
			`AND lower(transaction_status) <> 'deleted' AND deleted_at IS NULL ORDER BY created_at DESC LIMIT $2`
		rows := sqlmock.NewRows(txColumns).
			AddRow(paidTransactionRow("tx-1", time.Now())...).
			AddRow(paidTransactionRow("tx-2", time.Now())...)
		mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("buyer@example.com", 50).WillReturnRows(rows)

		txs, err := repo.List(ctx, repository.TransactionFilter{Party: " Buyer@Example.com ", Limit: 50})
		require.NoError(t, err)
		assert.Len(t, txs, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PayoutEligibleIncludingArchived", func(t *testing.T) {
		query := selectTransaction + ` WHERE payout_eligible = $1 AND lower(transaction_status) <> 'deleted' ` +
			`AND deleted_at IS NULL ORDER BY created_at DESC`
		eligible := true
		mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs(true).WillReturnRows(sqlmock.NewRows(txColumns))

		txs, err := repo.List(ctx, repository.TransactionFilter{PayoutEligible: &eligible, IncludeArchived: true})
		require.NoError(t, err)
		assert.Empty(t, txs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionRepository_UpdateFields(t *testing.T) {
	db, mock := newMock(t)
	repo := postgres.NewTransactionRepository(db)
	ctx := context.Background()

	query := `UPDATE transactions SET "carrier" = $1, "transaction_status" = $2 WHERE id = $3 ` +
		`AND lower(payment_status) = $4 AND lower(transaction_status) = $5 AND archived = $6`
	pre := repository.TransactionPrecondition{
		PaymentStatus:     models.PaymentPaid,
		TransactionStatus: models.StatusDispatchPending,
	}
	fields := repository.Fields{
		repository.ColTxStatus:  models.StatusReceiptPending,
		repository.ColTxCarrier: "Royal Mail",
	}

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(query)).
			WithArgs("Royal Mail", "receipt_pending", "tx-1", "paid", "dispatch_pending", false).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateFields(ctx, "tx-1", pre, fields))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PreconditionFailed", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(query)).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateFields(ctx, "tx-1", pre, fields)
		assert.ErrorIs(t, err, pkgerrors.ErrConcurrentModification)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("UndefinedColumn", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(query)).WillReturnError(&pq.Error{
			Code:    "42703",
			Message: `column "carrier" of relation "transactions" does not exist`,
		})

		err := repo.UpdateFields(ctx, "tx-1", pre, fields)
		var unknown *pkgerrors.UnknownFieldError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "carrier", unknown.Field)
		assert.ErrorIs(t, err, pkgerrors.ErrSchemaDrift)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ToleratedThroughRetry", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(query)).WillReturnError(&pq.Error{
			Code:    "42703",
			Message: `column "carrier" of relation "transactions" does not exist`,
		})
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET "transaction_status" = $1 WHERE id = $2`)).
			WithArgs("receipt_pending", "tx-1", "paid", "dispatch_pending", false).
			WillReturnResult(sqlmock.NewResult(0, 1))

		write := func(ctx context.Context, f repository.Fields) error {
			return repo.UpdateFields(ctx, "tx-1", pre, f)
		}
		dropped, err := repository.WriteTolerant(ctx, write, fields, []string{repository.ColTxStatus}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"carrier"}, dropped)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("EmptyUpdate", func(t *testing.T) {
		err := repo.UpdateFields(ctx, "tx-1", pre, repository.Fields{})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})
}
