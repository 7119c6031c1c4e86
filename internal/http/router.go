package http

import (
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/config"
	"github.com/RedDuck-Software/Undas.Contracts/internal/http/handlers"
	"github.com/RedDuck-Software/Undas.Contracts/internal/metrics"
	"github.com/RedDuck-Software/Undas.Contracts/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	Auth     *handlers.AuthHandler
	User     *handlers.UserHandler
	Listing  *handlers.ListingHandler
	Offer    *handlers.OfferHandler
	Rental   *handlers.RentalHandler
	Dividend *handlers.DividendHandler
	Account  *handlers.AccountHandler
	WS       *handlers.WSHub
}

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	h Handlers,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware(log))
	app.Use(middleware.LoggerMiddleware(log))
	app.Use(metrics.Middleware(m))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/nonce", middleware.RateLimitMiddleware(rdb, 20, time.Minute), h.Auth.Nonce)
	api.Post("/auth/login", middleware.RateLimitMiddleware(rdb, 20, time.Minute), h.Auth.Login)

	// Public reads
	api.Get("/listings", h.Listing.ListListings)
	api.Get("/listings/:id", h.Listing.GetListing)
	api.Get("/listings/:id/offers", h.Offer.ListOffers)
	api.Get("/listings/:id/staking-offers", h.Rental.ListStakingOffers)
	api.Get("/listings/:id/rental", h.Rental.GetRental)
	api.Get("/listings/:id/rental/due", h.Rental.PaymentsDue)
	api.Get("/dividends/epoch", h.Dividend.Epoch)
	api.Get("/accounts/:address", h.Account.GetAccount)

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log), middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// User
	protected.Get("/me", h.User.GetMe)
	protected.Post("/me/ping", h.User.Ping)
	protected.Get("/me/account", h.Account.GetAccount)
	protected.Get("/me/history", h.Account.History)
	protected.Post("/me/withdraw", h.Account.Withdraw)
	protected.Post("/me/approve", h.Account.ApproveAsset)

	// Listings & sales
	protected.Post("/listings", h.Listing.CreateListing)
	protected.Post("/bids", h.Listing.Bid)
	protected.Post("/bids/stake", h.Listing.BidAndStake)
	protected.Post("/listings/:id/cancel", h.Listing.Cancel)
	protected.Put("/listings/:id/price", h.Listing.UpdatePrice)
	protected.Post("/listings/:id/buy", h.Listing.Buy)
	protected.Post("/listings/:id/accept-bid", h.Listing.AcceptBid)

	// Offers
	protected.Post("/listings/:id/offers", h.Offer.MakeOffer)
	protected.Post("/listings/:id/offers/accept", h.Offer.AcceptOffer)
	protected.Delete("/listings/:id/offers", h.Offer.CancelOffer)

	// Rentals & staking offers
	protected.Post("/listings/:id/rent", h.Rental.Rent)
	protected.Post("/listings/:id/rental/premium", h.Rental.PayPremium)
	protected.Post("/listings/:id/rental/claim", h.Rental.ClaimCollateral)
	protected.Post("/listings/:id/rental/stop", h.Rental.StopRental)
	protected.Post("/listings/:id/staking-offers", h.Rental.MakeStakingOffer)
	protected.Post("/listings/:id/staking-offers/accept", h.Rental.AcceptStakingOffer)
	protected.Delete("/listings/:id/staking-offers", h.Rental.CancelStakingOffer)

	// Token lock & dividends
	protected.Post("/dividends/lock", h.Dividend.Lock)
	protected.Post("/dividends/unlock", h.Dividend.Unlock)
	protected.Post("/dividends/claim", h.Dividend.Claim)
	protected.Get("/dividends/stake", h.Dividend.Stake)
	protected.Get("/cashback", h.Dividend.Cashback)

	// Admin
	admin := protected.Group("/admin", middleware.AdminMiddleware(cfg))
	admin.Post("/deposit", h.Account.Deposit)
	admin.Post("/assets", h.Account.MintAsset)
	admin.Post("/tokens", h.Account.MintTokens)
	admin.Get("/audit/:type/:id", h.Account.EntityHistory)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(h.WS.HandleWS))
}
