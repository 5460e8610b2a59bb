package models

import "time"

const RoleAdmin = "admin"

// Identity is a verified caller.
type Identity struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role,omitempty"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type NotificationKind string

const (
	NotifyListingApproved  NotificationKind = "listing_approved"
	NotifyListingRejected  NotificationKind = "listing_rejected"
	NotifyItemSold         NotificationKind = "item_sold"
	NotifyAuctionWon       NotificationKind = "auction_won"
	NotifyPaymentReceived  NotificationKind = "payment_received"
	NotifyPaymentFailed    NotificationKind = "payment_failed"
	NotifyDispatched       NotificationKind = "dispatched"
	NotifyReceiptConfirmed NotificationKind = "receipt_confirmed"
	NotifyArchived         NotificationKind = "archived"
)

type Notification struct {
	Kind          NotificationKind `json:"kind"`
	To            string           `json:"to"`
	Subject       string           `json:"subject"`
	TransactionID string           `json:"transaction_id,omitempty"`
	ListingID     string           `json:"listing_id,omitempty"`
	Amount        int64            `json:"amount,omitempty"`
	Carrier       string           `json:"carrier,omitempty"`
	Tracking      string           `json:"tracking,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}
