package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/config"
	"github.com/RedDuck-Software/Undas.Contracts/internal/db"
	"github.com/RedDuck-Software/Undas.Contracts/internal/events"
	apphttp "github.com/RedDuck-Software/Undas.Contracts/internal/http"
	"github.com/RedDuck-Software/Undas.Contracts/internal/http/handlers"
	"github.com/RedDuck-Software/Undas.Contracts/internal/metrics"
	"github.com/RedDuck-Software/Undas.Contracts/internal/repositories"
	"github.com/RedDuck-Software/Undas.Contracts/internal/services"
	"github.com/RedDuck-Software/Undas.Contracts/migrations"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns), log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	userRepo := repositories.NewUserRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	stateRepo := repositories.NewStateRepo(pool)
	nonceRepo := repositories.NewNonceRepo(rdb, cfg.NonceTTL)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Marketplace state
	world, err := stateRepo.Load(ctx)
	if err != nil {
		log.Fatal("failed to load marketplace state", zap.Error(err))
	}
	genesis := services.DeriveGenesis(world, cfg.EpochLength, time.Now().UTC())
	if world == nil {
		log.Info("starting with empty marketplace state", zap.Time("epoch_genesis", genesis))
	} else {
		log.Info("marketplace state loaded",
			zap.Int("listings", len(world.Listings)),
			zap.Uint64("epoch", world.Epoch.Number),
		)
	}

	market := services.NewMarketplace(world, services.ParamsFromConfig(cfg, genesis), publisher, log,
		services.WithPersister(stateRepo),
		services.WithAuditLogger(auditRepo),
		services.WithMetrics(m),
		services.WithAdminCheck(cfg.IsAdmin),
	)

	// Handlers
	h := apphttp.Handlers{
		Auth:     handlers.NewAuthHandler(userRepo, nonceRepo, cfg, log),
		User:     handlers.NewUserHandler(userRepo, log),
		Listing:  handlers.NewListingHandler(market, log),
		Offer:    handlers.NewOfferHandler(market, log),
		Rental:   handlers.NewRentalHandler(market, log),
		Dividend: handlers.NewDividendHandler(market, log),
		Account:  handlers.NewAccountHandler(market, auditRepo, log),
		WS:       handlers.NewWSHub(cfg, subscriber, log),
	}

	// Start WS hub
	if err := h.WS.Start(ctx); err != nil {
		log.Fatal("failed to subscribe to marketplace events", zap.Error(err))
	}

	// Epoch keeper
	go runEpochKeeper(ctx, market, time.Minute, log)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, m, reg, h)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

// runEpochKeeper takes dividend snapshots and closes epochs on schedule even
// when no request arrives.
func runEpochKeeper(ctx context.Context, market *services.Marketplace, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := market.SyncEpoch(ctx); err != nil {
				log.Error("epoch sync failed", zap.Error(err))
			}
		}
	}
}
