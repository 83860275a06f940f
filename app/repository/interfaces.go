package repository

import (
	"github.com/bidwatchhq/bidwatch/app/models"
)

// UserRepository defines the interface for account-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByStripeCustomerID(customerID string) (*models.User, error)
	Update(user *models.User) error
	Count() (int64, error)
}

// AuctionRepository defines the interface for auction data access
type AuctionRepository interface {
	GetSaleByID(id uint) (*models.AuctionSale, error)
	ListSales() ([]models.AuctionSale, error)
}
