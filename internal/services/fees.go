package service

import (
	"fmt"
	"time"

	"github.com/honeynil/GearAuctionService/internal/models"
	"github.com/honeynil/GearAuctionService/internal/settlement"
)

// FeePolicy turns a sale into a settled transaction. The ancillary fee is
// deducted from the seller payout, except for allowlisted listings where the
// buyer pays it on top of the sale price.
type FeePolicy struct {
	Calculator     *settlement.Calculator
	AncillaryFee   int64
	BuyerPaysFeeOn map[string]bool
}

func NewFeePolicy(calc *settlement.Calculator, ancillaryFee int64, buyerPaysFeeListings []string) FeePolicy {
	if calc == nil {
		calc = settlement.MustDefault()
	}
	allow := make(map[string]bool, len(buyerPaysFeeListings))
	for _, id := range buyerPaysFeeListings {
		allow[id] = true
	}
	return FeePolicy{Calculator: calc, AncillaryFee: max(ancillaryFee, 0), BuyerPaysFeeOn: allow}
}

// Settle builds the unpaid transaction for listing sold to buyer at price.
func (p FeePolicy) Settle(id string, l *models.Listing, buyer string, price int64, now time.Time) (*models.Transaction, error) {
	buyerPays := p.AncillaryFee > 0 && p.BuyerPaysFeeOn[l.ID]
	opts := settlement.Options{FixedFee: p.AncillaryFee}
	if buyerPays {
		opts.FixedFee = 0
	}
	res, err := p.Calculator.Compute(price, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to settle listing %s: %w", l.ID, err)
	}
	return &models.Transaction{
		ID:                id,
		ListingID:         l.ID,
		SellerEmail:       l.SellerEmail,
		BuyerEmail:        buyer,
		SalePrice:         res.SalePrice,
		CommissionRateBps: res.CommissionRateBps,
		CommissionAmount:  res.CommissionAmount,
		AncillaryFee:      p.AncillaryFee,
		BuyerPaysFee:      buyerPays,
		SellerPayout:      res.SellerPayout,
		PaymentStatus:     models.PaymentUnpaid,
		TransactionStatus: models.StatusPendingPayment,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
