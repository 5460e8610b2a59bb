package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	stderrors "errors"

	"github.com/honeynil/GearAuctionService/internal/infrastructure/observability"
	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/repository"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const transactionTracer = "transaction-service"

type TransactionService interface {
	Get(ctx context.Context, caller models.Identity, id string) (*models.Transaction, error)
	ListForCaller(ctx context.Context, caller models.Identity) ([]models.Transaction, error)
	ListPayoutEligible(ctx context.Context, caller models.Identity) ([]models.Transaction, error)

	MarkPaid(ctx context.Context, id, paymentRef string) (*models.Transaction, error)
	MarkFailed(ctx context.Context, id, reason string) (*models.Transaction, error)
	AttachPaymentRef(ctx context.Context, id, ref string) (*models.Transaction, error)

	ConfirmDispatch(ctx context.Context, caller models.Identity, id, carrier, tracking string) (*models.Transaction, error)
	ConfirmReceipt(ctx context.Context, caller models.Identity, id string) (*models.Transaction, error)
	Archive(ctx context.Context, caller models.Identity, id, reason string) (*models.Transaction, error)
	Delete(ctx context.Context, caller models.Identity, id string) (*models.Transaction, error)
	Void(ctx context.Context, id, reason string) (*models.Transaction, error)
}

type transactionService struct {
	repo        repository.TransactionRepository
	notifier    Notifier
	access      *Access
	maxAttempts int
	now         func() time.Time
}

func NewTransactionService(
	repo repository.TransactionRepository,
	notifier Notifier,
	access *Access,
	maxAttempts int,
	now func() time.Time,
) *transactionService {
	if now == nil {
		now = time.Now
	}
	if access == nil {
		access = NewAccess(nil)
	}
	return &transactionService{
		repo:        repo,
		notifier:    notifier,
		access:      access,
		maxAttempts: maxAttempts,
		now:         now,
	}
}

// step describes one lifecycle transition.
type step struct {
	action models.Action
	// authorize runs before the state check so that a stranger is refused
	// whatever state the transaction is in.
	authorize func(*models.Transaction) error
	// satisfied reports an already-applied request the state table cannot see.
	satisfied func(*models.Transaction) bool
	fields    func(*models.Transaction, time.Time) repository.Fields
	minimal   []string
	notify    func(*models.Transaction) []models.Notification
}

func (s *transactionService) transition(ctx context.Context, id string, st step) (*models.Transaction, error) {
	tracer := otel.Tracer(transactionTracer)
	ctx, span := tracer.Start(ctx, string(st.action))
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", id))

	tx, err := s.repo.GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction lookup failed")
		slog.Error("failed to load transaction", "method", string(st.action), "transaction_id", id, "error", err)
		return nil, err
	}

	if st.authorize != nil {
		if err := st.authorize(tx); err != nil {
			observability.LifecycleTransitions.WithLabelValues(string(st.action), "forbidden").Inc()
			span.SetStatus(codes.Error, "forbidden")
			slog.Warn("transition refused", "method", string(st.action), "transaction_id", id, "error", err)
			return nil, err
		}
	}

	decision := tx.Evaluate(st.action)
	if decision == models.DecisionApply && st.satisfied != nil && st.satisfied(tx) {
		decision = models.DecisionNoop
	}
	switch decision {
	case models.DecisionNoop:
		observability.LifecycleTransitions.WithLabelValues(string(st.action), decision.String()).Inc()
		slog.Info("transition already applied", "method", string(st.action), "transaction_id", id)
		return tx, nil
	case models.DecisionReject:
		observability.LifecycleTransitions.WithLabelValues(string(st.action), decision.String()).Inc()
		span.SetStatus(codes.Error, "invalid state transition")
		err := fmt.Errorf("%w: cannot %s from %s/%s (archived=%t)", pkgerrors.ErrInvalidStateTransition,
			st.action, tx.PaymentStatus, tx.TransactionStatus, tx.Archived)
		slog.Warn("transition rejected", "method", string(st.action), "transaction_id", id, "error", err)
		return nil, err
	}

	now := s.now().UTC()
	fields := st.fields(tx, now)
	fields[repository.ColTxUpdatedAt] = now
	pre := repository.ExpectTransaction(tx)

	dropped, err := repository.WriteTolerant(ctx, func(ctx context.Context, f repository.Fields) error {
		return s.repo.UpdateFields(ctx, id, pre, f)
	}, fields, st.minimal, s.maxAttempts)
	if stderrors.Is(err, pkgerrors.ErrConcurrentModification) {
		current, getErr := s.repo.GetByID(ctx, id)
		if getErr == nil && current.Evaluate(st.action) == models.DecisionNoop {
			observability.LifecycleTransitions.WithLabelValues(string(st.action), "noop").Inc()
			slog.Info("transition applied concurrently", "method", string(st.action), "transaction_id", id)
			return current, nil
		}
	}
	if err != nil {
		observability.LifecycleTransitions.WithLabelValues(string(st.action), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		slog.Error("failed to update transaction", "method", string(st.action), "transaction_id", id, "error", err)
		return nil, err
	}
	if len(dropped) > 0 {
		span.SetAttributes(attribute.StringSlice("dropped_fields", dropped))
	}

	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to reload transaction", "method", string(st.action), "transaction_id", id, "error", err)
		return nil, err
	}

	observability.LifecycleTransitions.WithLabelValues(string(st.action), "apply").Inc()
	slog.Info("transaction updated",
		"method", string(st.action),
		"transaction_id", id,
		"payment_status", updated.PaymentStatus,
		"transaction_status", updated.TransactionStatus,
		"archived", updated.Archived)

	if st.notify != nil {
		notifyAll(ctx, s.notifier, st.notify(updated)...)
	}
	return updated, nil
}

func (s *transactionService) Get(ctx context.Context, caller models.Identity, id string) (*models.Transaction, error) {
	tracer := otel.Tracer(transactionTracer)
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	tx, err := s.repo.GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !s.access.IsAdmin(caller) && !s.access.IsParty(caller, tx.BuyerEmail) && !s.access.IsParty(caller, tx.SellerEmail) {
		span.SetStatus(codes.Error, "forbidden")
		return nil, pkgerrors.ErrForbidden
	}
	if tx.IsDeleted() && !s.access.IsAdmin(caller) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *transactionService) ListForCaller(ctx context.Context, caller models.Identity) ([]models.Transaction, error) {
	tracer := otel.Tracer(transactionTracer)
	ctx, span := tracer.Start(ctx, "ListForCaller")
	defer span.End()

	if !caller.EmailVerified || strings.TrimSpace(caller.Email) == "" {
		span.SetStatus(codes.Error, "unverified email")
		return nil, pkgerrors.ErrForbidden
	}
	txs, err := s.repo.List(ctx, repository.TransactionFilter{Party: caller.Email, IncludeArchived: true})
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to list transactions", "method", "ListForCaller", "error", err)
		return nil, err
	}
	return txs, nil
}

func (s *transactionService) ListPayoutEligible(ctx context.Context, caller models.Identity) ([]models.Transaction, error) {
	tracer := otel.Tracer(transactionTracer)
	ctx, span := tracer.Start(ctx, "ListPayoutEligible")
	defer span.End()

	if !s.access.IsAdmin(caller) {
		span.SetStatus(codes.Error, "forbidden")
		return nil, pkgerrors.ErrForbidden
	}
	eligible := true
	txs, err := s.repo.List(ctx, repository.TransactionFilter{PayoutEligible: &eligible})
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to list payout eligible transactions", "method", "ListPayoutEligible", "error", err)
		return nil, err
	}
	return txs, nil
}

func (s *transactionService) MarkPaid(ctx context.Context, id, paymentRef string) (*models.Transaction, error) {
	return s.transition(ctx, id, step{
		action: models.ActionMarkPaid,
		fields: func(_ *models.Transaction, _ time.Time) repository.Fields {
			f := repository.Fields{
				repository.ColTxPaymentStatus: models.PaymentPaid,
				repository.ColTxStatus:        models.StatusDispatchPending,
			}
			if paymentRef != "" {
				f[repository.ColTxPaymentRef] = paymentRef
			}
			return f
		},
		minimal: []string{repository.ColTxPaymentStatus, repository.ColTxStatus},
		notify: func(tx *models.Transaction) []models.Notification {
			at := s.now().UTC()
			return []models.Notification{
				{
					Kind: models.NotifyPaymentReceived, To: tx.BuyerEmail, Subject: "Payment received",
					TransactionID: tx.ID, ListingID: tx.ListingID, Amount: tx.AmountDue(), OccurredAt: at,
				},
				{
					Kind: models.NotifyItemSold, To: tx.SellerEmail, Subject: "Your item has been paid for, please dispatch it",
					TransactionID: tx.ID, ListingID: tx.ListingID, Amount: tx.SellerPayout, OccurredAt: at,
				},
			}
		},
	})
}

func (s *transactionService) MarkFailed(ctx context.Context, id, reason string) (*models.Transaction, error) {
	return s.transition(ctx, id, step{
		action: models.ActionMarkFailed,
		fields: func(tx *models.Transaction, _ time.Time) repository.Fields {
			slog.Warn("payment failed", "transaction_id", tx.ID, "reason", reason)
			return repository.Fields{repository.ColTxPaymentStatus: models.PaymentFailed}
		},
		minimal: []string{repository.ColTxPaymentStatus},
		notify: func(tx *models.Transaction) []models.Notification {
			return []models.Notification{{
				Kind: models.NotifyPaymentFailed, To: tx.BuyerEmail, Subject: "Your payment did not go through",
				TransactionID: tx.ID, ListingID: tx.ListingID, Amount: tx.AmountDue(), OccurredAt: s.now().UTC(),
			}}
		},
	})
}

func (s *transactionService) AttachPaymentRef(ctx context.Context, id, ref string) (*models.Transaction, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", pkgerrors.ErrInvalidInput)
	}
	return s.transition(ctx, id, step{
		action:    models.ActionAttachPaymentRef,
		satisfied: func(tx *models.Transaction) bool { return tx.PaymentRef == ref },
		fields: func(_ *models.Transaction, _ time.Time) repository.Fields {
			return repository.Fields{repository.ColTxPaymentRef: ref}
		},
		minimal: []string{repository.ColTxPaymentRef},
	})
}

func (s *transactionService) ConfirmDispatch(ctx context.Context, caller models.Identity, id, carrier, tracking string) (*models.Transaction, error) {
	return s.transition(ctx, id, step{
		action: models.ActionConfirmDispatch,
		authorize: func(tx *models.Transaction) error {
			if !s.access.IsParty(caller, tx.SellerEmail) {
				return fmt.Errorf("%w: only the seller can confirm dispatch", pkgerrors.ErrForbidden)
			}
			return nil
		},
		fields: func(_ *models.Transaction, now time.Time) repository.Fields {
			return repository.Fields{
				repository.ColTxStatus:         models.StatusReceiptPending,
				repository.ColTxCarrier:        strings.TrimSpace(carrier),
				repository.ColTxTrackingNumber: strings.TrimSpace(tracking),
				repository.ColTxDispatchedAt:   now,
			}
		},
		minimal: []string{repository.ColTxStatus},
		notify: func(tx *models.Transaction) []models.Notification {
			return []models.Notification{{
				Kind: models.NotifyDispatched, To: tx.BuyerEmail, Subject: "Your item is on its way",
				TransactionID: tx.ID, ListingID: tx.ListingID, Carrier: tx.Carrier, Tracking: tx.TrackingNumber,
				OccurredAt: s.now().UTC(),
			}}
		},
	})
}

func (s *transactionService) ConfirmReceipt(ctx context.Context, caller models.Identity, id string) (*models.Transaction, error) {
	return s.transition(ctx, id, step{
		action: models.ActionConfirmReceipt,
		authorize: func(tx *models.Transaction) error {
			if !s.access.IsParty(caller, tx.BuyerEmail) {
				return fmt.Errorf("%w: only the buyer can confirm receipt", pkgerrors.ErrForbidden)
			}
			return nil
		},
		fields: func(_ *models.Transaction, now time.Time) repository.Fields {
			return repository.Fields{
				repository.ColTxStatus:             models.StatusComplete,
				repository.ColTxPayoutEligible:     true,
				repository.ColTxReceiptConfirmedAt: now,
			}
		},
		minimal: []string{repository.ColTxStatus, repository.ColTxPayoutEligible},
		notify: func(tx *models.Transaction) []models.Notification {
			return []models.Notification{{
				Kind: models.NotifyReceiptConfirmed, To: tx.SellerEmail, Subject: "The buyer has received your item",
				TransactionID: tx.ID, ListingID: tx.ListingID, Amount: tx.SellerPayout, OccurredAt: s.now().UTC(),
			}}
		},
	})
}

func (s *transactionService) Archive(ctx context.Context, caller models.Identity, id, reason string) (*models.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if !s.access.IsAdmin(caller) {
		return nil, pkgerrors.ErrForbidden
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: archive reason is required", pkgerrors.ErrInvalidInput)
	}
	return s.transition(ctx, id, step{
		action: models.ActionArchive,
		fields: func(_ *models.Transaction, now time.Time) repository.Fields {
			return repository.Fields{
				repository.ColTxArchived:       true,
				repository.ColTxArchivedReason: reason,
				repository.ColTxArchivedAt:     now,
			}
		},
		minimal: []string{repository.ColTxArchived},
		notify: func(tx *models.Transaction) []models.Notification {
			at := s.now().UTC()
			return []models.Notification{
				{Kind: models.NotifyArchived, To: tx.SellerEmail, Subject: "Transaction archived", TransactionID: tx.ID, OccurredAt: at},
				{Kind: models.NotifyArchived, To: tx.BuyerEmail, Subject: "Transaction archived", TransactionID: tx.ID, OccurredAt: at},
			}
		},
	})
}

func (s *transactionService) Delete(ctx context.Context, caller models.Identity, id string) (*models.Transaction, error) {
	if !s.access.IsAdmin(caller) {
		return nil, pkgerrors.ErrForbidden
	}
	return s.transition(ctx, id, step{
		action: models.ActionDelete,
		fields: func(_ *models.Transaction, now time.Time) repository.Fields {
			return repository.Fields{
				repository.ColTxStatus:    models.StatusDeleted,
				repository.ColTxDeletedAt: now,
			}
		},
		minimal: []string{repository.ColTxStatus},
	})
}

// Void retires an unpaid transaction whose listing was released, so that a
// later charge or webhook can no longer settle it.
func (s *transactionService) Void(ctx context.Context, id, reason string) (*models.Transaction, error) {
	return s.transition(ctx, id, step{
		action: models.ActionVoid,
		fields: func(tx *models.Transaction, now time.Time) repository.Fields {
			slog.Info("voiding transaction", "transaction_id", tx.ID, "listing_id", tx.ListingID, "reason", reason)
			return repository.Fields{
				repository.ColTxStatus:    models.StatusDeleted,
				repository.ColTxDeletedAt: now,
			}
		},
		minimal: []string{repository.ColTxStatus},
	})
}
