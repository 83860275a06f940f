package models

import "time"

// AuctionSale is one auction event held by an auction house. Lots are the
// individual properties offered in that sale.
type AuctionSale struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	SaleDate     time.Time    `gorm:"type:date;not null;index" json:"date"`
	AuctionHouse string       `gorm:"type:varchar(150);not null;index" json:"auction_house"`
	Lots         []AuctionLot `gorm:"foreignKey:SaleID" json:"lots"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type AuctionLot struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SaleID           uint      `gorm:"not null;index" json:"sale_id"`
	LotNumber        string    `gorm:"type:varchar(20);not null" json:"lot_number"`
	Link             string    `gorm:"type:varchar(255)" json:"link"`
	UseClass         string    `gorm:"type:varchar(50)" json:"use_class"`
	NotesFeatures    string    `gorm:"type:text" json:"notes_features"`
	Postcode         string    `gorm:"type:varchar(12);index" json:"postcode"`
	GuidePrice       string    `gorm:"type:varchar(20)" json:"guide_price"`
	StartingBidPrice string    `gorm:"type:varchar(20)" json:"starting_bid_price"`
	FinalBidPrice    string    `gorm:"type:varchar(20)" json:"final_bid_price"`
	SoldPrice        string    `gorm:"type:varchar(20)" json:"sold_price"`
	Status           string    `gorm:"type:varchar(30)" json:"status"`
	IncomePA         string    `gorm:"type:varchar(20)" json:"income_pa"`
	NumberOfBidders  string    `gorm:"type:varchar(10)" json:"number_of_bidders"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
