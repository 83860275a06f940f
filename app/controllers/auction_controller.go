package controllers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bidwatchhq/bidwatch/app/repository"
)

// AuctionHandlers serves the gated auction data endpoints. Access control
// happens in the middleware chain; these handlers only read.
type AuctionHandlers struct {
	auctions repository.AuctionRepository
}

// NewAuctionHandlers creates auction handlers with an injected repository.
func NewAuctionHandlers(auctions repository.AuctionRepository) *AuctionHandlers {
	return &AuctionHandlers{auctions: auctions}
}

// HandleListAuctions returns all auction sales with their lots.
func (h *AuctionHandlers) HandleListAuctions(c *fiber.Ctx) error {
	sales, err := h.auctions.ListSales()
	if err != nil {
		log.Printf("auctions: listing sales failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load auctions"})
	}
	return c.Status(fiber.StatusOK).JSON(sales)
}

// HandleGetAuction returns a single auction sale by id.
func (h *AuctionHandlers) HandleGetAuction(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Invalid auction id"})
	}

	sale, err := h.auctions.GetSaleByID(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Auction not found"})
		}
		log.Printf("auctions: loading sale %d failed: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load auction"})
	}
	return c.Status(fiber.StatusOK).JSON(sale)
}

// HandleExportAuctions streams all lots across all sales as a CSV file.
func (h *AuctionHandlers) HandleExportAuctions(c *fiber.Ctx) error {
	sales, err := h.auctions.ListSales()
	if err != nil {
		log.Printf("auctions: export failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to export auctions"})
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{
		"date", "auction_house", "lot_number", "link", "use_class",
		"notes_features", "postcode", "guide_price", "starting_bid_price",
		"final_bid_price", "sold_price", "status", "income_pa", "number_of_bidders",
	})
	for _, sale := range sales {
		date := sale.SaleDate.Format("2006-01-02")
		for _, lot := range sale.Lots {
			_ = w.Write([]string{
				date, sale.AuctionHouse, lot.LotNumber, lot.Link, lot.UseClass,
				lot.NotesFeatures, lot.Postcode, lot.GuidePrice, lot.StartingBidPrice,
				lot.FinalBidPrice, lot.SoldPrice, lot.Status, lot.IncomePA, lot.NumberOfBidders,
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Printf("auctions: writing export failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to export auctions"})
	}

	filename := fmt.Sprintf("bidwatch-export-%s.csv", uuid.NewString())
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, filename))
	return c.Status(fiber.StatusOK).Send(buf.Bytes())
}
