package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/bidwatchhq/bidwatch/app/controllers"
	"github.com/bidwatchhq/bidwatch/app/repository"
	"github.com/bidwatchhq/bidwatch/internal/pkg/billing"
	"github.com/bidwatchhq/bidwatch/internal/pkg/database"
	"github.com/bidwatchhq/bidwatch/internal/pkg/middleware"
)

type ApiRouter struct {
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	db := database.GetDB()
	repository.InitGlobalFactory(db)
	factory := repository.GetGlobalFactory()

	users := factory.GetUserRepository()
	auctions := factory.GetAuctionRepository()
	stripeClient := billing.NewStripeClientFromEnv()
	syncService := billing.NewServiceFromDB(db)

	authHandlers := controllers.NewAuthHandlers(users, stripeClient)
	billingHandlers := controllers.NewBillingHandlers(syncService, users, stripeClient)
	auctionHandlers := controllers.NewAuctionHandlers(auctions)

	requireAuth := middleware.BearerAuth(users)
	requireSubscription := middleware.RequireSubscription()

	app.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "BidWatch API",
		})
	})

	api := app.Group("/api", limiter.New(limiter.Config{
		// Webhook deliveries burst on provider redelivery sweeps; do not
		// rate limit them away.
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/api/v1/billing/webhook"
		},
	}))
	v1 := api.Group("/v1")

	auth := v1.Group("/auth")
	auth.Post("/register", authHandlers.HandleRegister)
	auth.Post("/login", authHandlers.HandleLogin)
	auth.Get("/profile", requireAuth, authHandlers.HandleProfile)

	bill := v1.Group("/billing")
	bill.Post("/webhook", billingHandlers.HandleWebhook)
	bill.Post("/checkout-session", requireAuth, billingHandlers.HandleCreateCheckoutSession)
	bill.Post("/reconcile", requireAuth, billingHandlers.HandleReconcile)
	bill.Get("/subscription-status", requireAuth, billingHandlers.HandleSubscriptionStatus)

	auctionsGroup := v1.Group("/auctions", requireAuth, requireSubscription)
	auctionsGroup.Get("/", auctionHandlers.HandleListAuctions)
	auctionsGroup.Get("/export", auctionHandlers.HandleExportAuctions)
	auctionsGroup.Get("/:id", auctionHandlers.HandleGetAuction)
}
