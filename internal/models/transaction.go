package models

import (
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
)

type Transaction struct {
	ID                 string            `json:"id"`
	ListingID          string            `json:"listing_id"`
	SellerEmail        string            `json:"seller_email"`
	BuyerEmail         string            `json:"buyer_email"`
	SalePrice          int64             `json:"sale_price"`
	CommissionRateBps  int64             `json:"commission_rate_bps"`
	CommissionAmount   int64             `json:"commission_amount"`
	AncillaryFee       int64             `json:"ancillary_fee"`
	BuyerPaysFee       bool              `json:"buyer_pays_fee"`
	SellerPayout       int64             `json:"seller_payout"`
	PaymentStatus      PaymentStatus     `json:"payment_status"`
	TransactionStatus  TransactionStatus `json:"transaction_status"`
	PaymentRef         string            `json:"payment_ref,omitempty"`
	Carrier            string            `json:"carrier,omitempty"`
	TrackingNumber     string            `json:"tracking_number,omitempty"`
	DispatchedAt       *time.Time        `json:"dispatched_at,omitempty"`
	ReceiptConfirmedAt *time.Time        `json:"receipt_confirmed_at,omitempty"`
	PayoutEligible     bool              `json:"payout_eligible"`
	Archived           bool              `json:"archived"`
	ArchivedReason     string            `json:"archived_reason,omitempty"`
	ArchivedAt         *time.Time        `json:"archived_at,omitempty"`
	DeletedAt          *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// AmountDue is what the buyer is charged in whole pounds.
func (t *Transaction) AmountDue() int64 {
	if t.BuyerPaysFee {
		return t.SalePrice + t.AncillaryFee
	}
	return t.SalePrice
}

// IsParty reports whether email belongs to the buyer or the seller.
func (t *Transaction) IsParty(email string) bool {
	return SameEmail(email, t.BuyerEmail) || SameEmail(email, t.SellerEmail)
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
	PaymentFailed PaymentStatus = "failed"
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch p := PaymentStatus(strings.ToLower(strings.TrimSpace(s))); p {
	case PaymentUnpaid, PaymentPaid, PaymentFailed:
		return p, nil
	}
	return "", fmt.Errorf("%w: payment status %q", pkgerrors.ErrInvalidStatus, s)
}

type TransactionStatus string

const (
	StatusPendingPayment  TransactionStatus = "pending_payment"
	StatusDispatchPending TransactionStatus = "dispatch_pending"
	StatusDispatchSent    TransactionStatus = "dispatch_sent"
	StatusReceiptPending  TransactionStatus = "receipt_pending"
	StatusComplete        TransactionStatus = "complete"
	StatusDeleted         TransactionStatus = "deleted"
)

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPendingPayment, StatusDispatchPending, StatusDispatchSent,
		StatusReceiptPending, StatusComplete, StatusDeleted:
		return st, nil
	}
	return "", fmt.Errorf("%w: transaction status %q", pkgerrors.ErrInvalidStatus, s)
}

// SameEmail compares two addresses after trimming, ignoring case.
func SameEmail(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
