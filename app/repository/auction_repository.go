package repository

import (
	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/app/models"
)

// auctionRepository implements the AuctionRepository interface
type auctionRepository struct {
	db *gorm.DB
}

// NewAuctionRepository creates a new auction repository instance
func NewAuctionRepository(db *gorm.DB) AuctionRepository {
	return &auctionRepository{db: db}
}

// GetSaleByID retrieves a single auction sale with its lots
func (r *auctionRepository) GetSaleByID(id uint) (*models.AuctionSale, error) {
	var sale models.AuctionSale
	err := r.db.Preload("Lots").First(&sale, id).Error
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// ListSales returns all auction sales with their lots, newest first
func (r *auctionRepository) ListSales() ([]models.AuctionSale, error) {
	var sales []models.AuctionSale
	err := r.db.Preload("Lots").Order("sale_date DESC").Find(&sales).Error
	return sales, err
}
