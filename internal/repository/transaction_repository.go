package repository

import (
	"context"

	"github.com/honeynil/GearAuctionService/internal/models"
)

// TransactionPrecondition is the state a conditional update expects to find.
type TransactionPrecondition struct {
	PaymentStatus     models.PaymentStatus
	TransactionStatus models.TransactionStatus
	Archived          bool
}

// ExpectTransaction builds a precondition from a previously read transaction.
func ExpectTransaction(tx *models.Transaction) TransactionPrecondition {
	return TransactionPrecondition{
		PaymentStatus:     tx.PaymentStatus,
		TransactionStatus: tx.TransactionStatus,
		Archived:          tx.Archived,
	}
}

type TransactionFilter struct {
	// Party matches either the buyer or the seller email.
	Party           string
	PayoutEligible  *bool
	IncludeArchived bool
	IncludeDeleted  bool
	Limit           int
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	FindByPaymentRef(ctx context.Context, ref string) (*models.Transaction, error)
	List(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	// UpdateFields writes fields only if the stored row still matches pre.
	// It returns ErrConcurrentModification when no row matched and
	// *UnknownFieldError when the store does not know a column.
	UpdateFields(ctx context.Context, id string, pre TransactionPrecondition, fields Fields) error
}
