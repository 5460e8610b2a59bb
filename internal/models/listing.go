package models

import (
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
)

type Listing struct {
	ID                string        `json:"id"`
	SellerEmail       string        `json:"seller_email"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Category          string        `json:"category"`
	Condition         string        `json:"condition"`
	StartingPrice     int64         `json:"starting_price"`
	ReservePrice      int64         `json:"reserve_price"`
	BuyNowPrice       int64         `json:"buy_now_price,omitempty"`
	Status            ListingStatus `json:"status"`
	AuctionStart      *time.Time    `json:"auction_start,omitempty"`
	AuctionEnd        *time.Time    `json:"auction_end,omitempty"`
	CurrentBid        int64         `json:"current_bid"`
	CurrentBidder     string        `json:"-"`
	BidCount          int           `json:"bid_count"`
	BuyerEmail        string        `json:"-"`
	SoldPrice         int64         `json:"sold_price,omitempty"`
	SaleTransactionID string        `json:"-"`
	RejectionReason   string        `json:"rejection_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ValidatePricing checks the relationship between the three prices.
func (l *Listing) ValidatePricing() error {
	if l.StartingPrice <= 0 {
		return fmt.Errorf("%w: starting price must be positive", pkgerrors.ErrInvalidAmount)
	}
	if l.ReservePrice < 0 || l.BuyNowPrice < 0 {
		return fmt.Errorf("%w: prices must not be negative", pkgerrors.ErrInvalidAmount)
	}
	if l.ReservePrice > 0 && l.ReservePrice < l.StartingPrice {
		return fmt.Errorf("%w: reserve below starting price", pkgerrors.ErrInvalidAmount)
	}
	if l.BuyNowPrice > 0 && l.BuyNowPrice < max(l.ReservePrice, l.StartingPrice) {
		return fmt.Errorf("%w: buy now price below reserve", pkgerrors.ErrInvalidAmount)
	}
	return nil
}

// ReserveMet reports whether amount clears both the reserve and the starting price.
func (l *Listing) ReserveMet(amount int64) bool {
	return amount > 0 && amount >= l.StartingPrice && amount >= l.ReservePrice
}

// HeldBy reports whether tx is the sale this listing is sold under. Rows
// written before the sale reference existed fall back to the buyer.
func (l *Listing) HeldBy(tx *Transaction) bool {
	if l.Status != ListingSold || tx == nil || tx.ListingID != l.ID {
		return false
	}
	if l.SaleTransactionID != "" {
		return l.SaleTransactionID == tx.ID
	}
	return SameEmail(l.BuyerEmail, tx.BuyerEmail)
}

// InAuction reports whether at falls within the listing's assigned auction bounds.
func (l *Listing) InAuction(at time.Time) bool {
	if l.AuctionStart == nil || l.AuctionEnd == nil {
		return false
	}
	return !at.Before(*l.AuctionStart) && !at.After(*l.AuctionEnd)
}

type ListingStatus string

const (
	ListingPendingApproval ListingStatus = "pending_approval"
	ListingQueued          ListingStatus = "queued"
	ListingLive            ListingStatus = "live"
	ListingSold            ListingStatus = "sold"
	ListingNotSold         ListingStatus = "not_sold"
	ListingWithdrawn       ListingStatus = "withdrawn"
	ListingRejected        ListingStatus = "rejected"
)

func ParseListingStatus(s string) (ListingStatus, error) {
	switch st := ListingStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ListingPendingApproval, ListingQueued, ListingLive, ListingSold,
		ListingNotSold, ListingWithdrawn, ListingRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: listing status %q", pkgerrors.ErrInvalidStatus, s)
}

type Bid struct {
	ID          string    `json:"id"`
	ListingID   string    `json:"listing_id"`
	BidderEmail string    `json:"-"`
	Amount      int64     `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}
