// Package memory is an in-process implementation of the repository ports,
// used for local runs and service tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/repository"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
)

// Store holds listings, bids and transactions behind one lock.
type Store struct {
	mu           sync.RWMutex
	listings     map[string]models.Listing
	bids         map[string][]models.Bid
	transactions map[string]models.Transaction
	// unknown simulates columns missing from the backing schema.
	unknown map[string]bool
}

func NewStore() *Store {
	return &Store{
		listings:     make(map[string]models.Listing),
		bids:         make(map[string][]models.Bid),
		transactions: make(map[string]models.Transaction),
		unknown:      make(map[string]bool),
	}
}

// RejectColumns makes subsequent writes naming any of cols fail with UnknownFieldError.
func (s *Store) RejectColumns(cols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cols {
		s.unknown[c] = true
	}
}

func (s *Store) checkColumns(fields repository.Fields) error {
	for _, k := range fields.Keys() {
		if s.unknown[k] {
			return &pkgerrors.UnknownFieldError{Field: k}
		}
	}
	return nil
}

func (s *Store) Transactions() *TransactionRepository {
	return &TransactionRepository{s: s}
}

func (s *Store) Listings() *ListingRepository {
	return &ListingRepository{s: s}
}

type TransactionRepository struct {
	s *Store
}

func (r *TransactionRepository) Create(_ context.Context, tx *models.Transaction) error {
	if tx == nil {
		return pkgerrors.ErrNilTransaction
	}
	if tx.SalePrice <= 0 {
		return fmt.Errorf("%w: sale price must be positive", pkgerrors.ErrInvalidAmount)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	r.s.transactions[tx.ID] = *tx
	return nil
}

func (r *TransactionRepository) GetByID(_ context.Context, id string) (*models.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	tx, ok := r.s.transactions[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return &tx, nil
}

func (r *TransactionRepository) FindByPaymentRef(_ context.Context, ref string) (*models.Transaction, error) {
	if ref == "" {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, tx := range r.s.transactions {
		if tx.PaymentRef == ref {
			return &tx, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (r *TransactionRepository) List(_ context.Context, filter repository.TransactionFilter) ([]models.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []models.Transaction
	for _, tx := range r.s.transactions {
		if filter.Party != "" && !tx.IsParty(filter.Party) {
			continue
		}
		if filter.PayoutEligible != nil && tx.PayoutEligible != *filter.PayoutEligible {
			continue
		}
		if !filter.IncludeArchived && tx.Archived {
			continue
		}
		if !filter.IncludeDeleted && tx.IsDeleted() {
			continue
		}
		out = append(out, tx)
	}
	slices.SortFunc(out, func(a, b models.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *TransactionRepository) UpdateFields(_ context.Context, id string, pre repository.TransactionPrecondition, fields repository.Fields) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty update", pkgerrors.ErrInvalidInput)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.s.checkColumns(fields); err != nil {
		return err
	}
	tx, ok := r.s.transactions[id]
	if !ok || repository.ExpectTransaction(&tx) != pre {
		return pkgerrors.ErrConcurrentModification
	}
	for _, k := range fields.Keys() {
		if err := setTransactionField(&tx, k, fields[k]); err != nil {
			return err
		}
	}
	r.s.transactions[id] = tx
	return nil
}

func setTransactionField(tx *models.Transaction, col string, v any) error {
	var err error
	switch col {
	case repository.ColTxPaymentStatus:
		tx.PaymentStatus, err = as[models.PaymentStatus](col, v)
	case repository.ColTxStatus:
		tx.TransactionStatus, err = as[models.TransactionStatus](col, v)
	case repository.ColTxPaymentRef:
		tx.PaymentRef, err = as[string](col, v)
	case repository.ColTxCarrier:
		tx.Carrier, err = as[string](col, v)
	case repository.ColTxTrackingNumber:
		tx.TrackingNumber, err = as[string](col, v)
	case repository.ColTxDispatchedAt:
		tx.DispatchedAt, err = asTime(col, v)
	case repository.ColTxReceiptConfirmedAt:
		tx.ReceiptConfirmedAt, err = asTime(col, v)
	case repository.ColTxPayoutEligible:
		tx.PayoutEligible, err = as[bool](col, v)
	case repository.ColTxArchived:
		tx.Archived, err = as[bool](col, v)
	case repository.ColTxArchivedReason:
		tx.ArchivedReason, err = as[string](col, v)
	case repository.ColTxArchivedAt:
		tx.ArchivedAt, err = asTime(col, v)
	case repository.ColTxDeletedAt:
		tx.DeletedAt, err = asTime(col, v)
	case repository.ColTxUpdatedAt:
		var t *time.Time
		if t, err = asTime(col, v); err == nil && t != nil {
			tx.UpdatedAt = *t
		}
	default:
		return &pkgerrors.UnknownFieldError{Field: col}
	}
	return err
}

type ListingRepository struct {
	s *Store
}

func (r *ListingRepository) Create(_ context.Context, l *models.Listing) error {
	if l == nil {
		return pkgerrors.ErrNilListing
	}
	if err := l.ValidatePricing(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.listings[l.ID]; ok {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	r.s.listings[l.ID] = *l
	return nil
}

func (r *ListingRepository) GetByID(_ context.Context, id string) (*models.Listing, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.listings[id]
	if !ok {
		return nil, pkgerrors.ErrListingNotFound
	}
	return &l, nil
}

func (r *ListingRepository) List(_ context.Context, filter repository.ListingFilter) ([]models.Listing, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []models.Listing
	for _, l := range r.s.listings {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, l.Status) {
			continue
		}
		if filter.SellerEmail != "" && !models.SameEmail(filter.SellerEmail, l.SellerEmail) {
			continue
		}
		if filter.EndedBefore != nil && (l.AuctionEnd == nil || !l.AuctionEnd.Before(*filter.EndedBefore)) {
			continue
		}
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b models.Listing) int {
		switch {
		case a.AuctionEnd != nil && b.AuctionEnd != nil:
			if c := a.AuctionEnd.Compare(*b.AuctionEnd); c != 0 {
				return c
			}
		case a.AuctionEnd != nil:
			return -1
		case b.AuctionEnd != nil:
			return 1
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *ListingRepository) UpdateFields(_ context.Context, id string, from []models.ListingStatus, fields repository.Fields) error {
	if len(fields) == 0 || len(from) == 0 {
		return fmt.Errorf("%w: empty update", pkgerrors.ErrInvalidInput)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.s.checkColumns(fields); err != nil {
		return err
	}
	l, ok := r.s.listings[id]
	if !ok || !slices.Contains(from, l.Status) {
		return pkgerrors.ErrConcurrentModification
	}
	for _, k := range fields.Keys() {
		if err := setListingField(&l, k, fields[k]); err != nil {
			return err
		}
	}
	r.s.listings[id] = l
	return nil
}

func (r *ListingRepository) RecordBid(_ context.Context, bid *models.Bid, expectedHigh int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	l, ok := r.s.listings[bid.ListingID]
	if !ok {
		return pkgerrors.ErrListingNotFound
	}
	if l.Status != models.ListingLive || l.CurrentBid != expectedHigh {
		return pkgerrors.ErrConcurrentModification
	}
	l.CurrentBid = bid.Amount
	l.CurrentBidder = bid.BidderEmail
	l.BidCount++
	l.UpdatedAt = bid.CreatedAt
	r.s.listings[l.ID] = l
	r.s.bids[l.ID] = append(r.s.bids[l.ID], *bid)
	return nil
}

func (r *ListingRepository) ListBids(_ context.Context, listingID string) ([]models.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := slices.Clone(r.s.bids[listingID])
	slices.SortStableFunc(out, func(a, b models.Bid) int {
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func setListingField(l *models.Listing, col string, v any) error {
	var err error
	switch col {
	case repository.ColListingStatus:
		l.Status, err = as[models.ListingStatus](col, v)
	case repository.ColListingAuctionStart:
		l.AuctionStart, err = asTime(col, v)
	case repository.ColListingAuctionEnd:
		l.AuctionEnd, err = asTime(col, v)
	case repository.ColListingBuyerEmail:
		l.BuyerEmail, err = as[string](col, v)
	case repository.ColListingSoldPrice:
		l.SoldPrice, err = as[int64](col, v)
	case repository.ColListingSaleTxID:
		l.SaleTransactionID, err = as[string](col, v)
	case repository.ColListingRejectionReason:
		l.RejectionReason, err = as[string](col, v)
	case repository.ColListingUpdatedAt:
		var t *time.Time
		if t, err = asTime(col, v); err == nil && t != nil {
			l.UpdatedAt = *t
		}
	default:
		return &pkgerrors.UnknownFieldError{Field: col}
	}
	return err
}

func as[T any](col string, v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: column %s got %T", pkgerrors.ErrInvalidInput, col, v)
	}
	return t, nil
}

func asTime(col string, v any) (*time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return &t, nil
	case *time.Time:
		return t, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: column %s got %T", pkgerrors.ErrInvalidInput, col, v)
}
