package repository

import (
	"maps"
	"slices"
)

// Fields is a partial update keyed by column name.
type Fields map[string]any

// Keys returns the column names in a stable order.
func (f Fields) Keys() []string {
	var keys []string
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (f Fields) Clone() Fields {
	return maps.Clone(f)
}

// Only returns the subset of f restricted to keys.
func (f Fields) Only(keys []string) Fields {
	out := make(Fields, len(keys))
	for _, k := range keys {
		if v, ok := f[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Transaction columns.
const (
	ColTxID                 = "id"
	ColTxListingID          = "listing_id"
	ColTxSellerEmail        = "seller_email"
	ColTxBuyerEmail         = "buyer_email"
	ColTxSalePrice          = "sale_price"
	ColTxCommissionRateBps  = "commission_rate_bps"
	ColTxCommissionAmount   = "commission_amount"
	ColTxAncillaryFee       = "ancillary_fee"
	ColTxBuyerPaysFee       = "buyer_pays_fee"
	ColTxSellerPayout       = "seller_payout"
	ColTxPaymentStatus      = "payment_status"
	ColTxStatus             = "transaction_status"
	ColTxPaymentRef         = "payment_ref"
	ColTxCarrier            = "carrier"
	ColTxTrackingNumber     = "tracking_number"
	ColTxDispatchedAt       = "dispatched_at"
	ColTxReceiptConfirmedAt = "receipt_confirmed_at"
	ColTxPayoutEligible     = "payout_eligible"
	ColTxArchived           = "archived"
	ColTxArchivedReason     = "archived_reason"
	ColTxArchivedAt         = "archived_at"
	ColTxDeletedAt          = "deleted_at"
	ColTxUpdatedAt          = "updated_at"
)

// Listing columns.
const (
	ColListingStatus          = "status"
	ColListingAuctionStart    = "auction_start"
	ColListingAuctionEnd      = "auction_end"
	ColListingBuyerEmail      = "buyer_email"
	ColListingSoldPrice       = "sold_price"
	ColListingSaleTxID        = "sale_transaction_id"
	ColListingRejectionReason = "rejection_reason"
	ColListingUpdatedAt       = "updated_at"
)
