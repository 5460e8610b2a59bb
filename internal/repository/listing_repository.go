package repository

import (
	"context"
	"time"

	"github.com/honeynil/GearAuctionService/internal/models"
)

type ListingFilter struct {
	Statuses    []models.ListingStatus
	SellerEmail string
	EndedBefore *time.Time
	Limit       int
}

type ListingRepository interface {
	Create(ctx context.Context, l *models.Listing) error
	GetByID(ctx context.Context, id string) (*models.Listing, error)
	List(ctx context.Context, filter ListingFilter) ([]models.Listing, error)
	// UpdateFields writes fields only while the listing is in one of from.
	UpdateFields(ctx context.Context, id string, from []models.ListingStatus, fields Fields) error
	// RecordBid stores bid and advances the listing's high bid, provided the
	// listing is live and its current bid still equals expectedHigh.
	RecordBid(ctx context.Context, bid *models.Bid, expectedHigh int64) error
	ListBids(ctx context.Context, listingID string) ([]models.Bid, error)
}
