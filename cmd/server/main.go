package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"depot-backend/internal/audit"
	"depot-backend/internal/auth"
	"depot-backend/internal/batch"
	"depot-backend/internal/cache"
	"depot-backend/internal/catalog"
	"depot-backend/internal/config"
	"depot-backend/internal/database"
	"depot-backend/internal/issuance"
	"depot-backend/internal/ledger"
	"depot-backend/internal/logging"
	"depot-backend/internal/middleware"
	"depot-backend/internal/models"
	"depot-backend/internal/restock"
	"depot-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	db, err := database.Init(cfg, log)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}

	var variants cache.VariantCache = cache.Noop{}
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(context.Background(), cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn("redis unavailable, variant options are not cached", zap.Error(err))
		} else {
			defer rdb.Close()
			variants = cache.NewRedis(rdb, cfg.VariantCacheTTL, log)
			log.Info("variant option cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.VariantCacheTTL))
		}
	}

	workflow.SetDefaultActor(cfg.DefaultActor)
	stock := ledger.New(cfg.MissingVariantPolicy, log)
	catalogSvc := catalog.NewService(db, stock, variants, log)
	issuances := issuance.NewService(db, stock, variants, log)
	restocks := restock.NewService(db, stock, variants, log)
	bulk := batch.NewProcessor(db, stock, issuances, restocks, log)

	limit, err := middleware.RateLimit(cfg.RateLimit, log)
	if err != nil {
		log.Fatal("rate limiter", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: workflow.ErrorHandler,
		BodyLimit:    10 * 1024 * 1024,
	})

	corsOrigins := strings.Split(cfg.CORSOrigins, ",")
	for i := range corsOrigins {
		corsOrigins[i] = strings.TrimSpace(corsOrigins[i])
	}
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(corsOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	}))

	api := app.Group("/api", limit)

	// Public auth
	api.Post("/auth/register-admin", auth.RegisterAdminHandler(db))
	api.Post("/auth/login", auth.LoginHandler(db, cfg.JWTSecret))

	protected := api.Group("")
	protected.Use(auth.JWTMiddleware(cfg.JWTSecret))
	admin := auth.RequireRole(models.RoleAdmin)

	protected.Get("/auth/me", auth.MeHandler(db))
	protected.Post("/auth/users", admin, auth.CreateUserHandler(db))

	// Catalog
	protected.Get("/categories", catalog.ListCategoriesHandler(catalogSvc))
	protected.Post("/categories", admin, catalog.CreateCategoryHandler(catalogSvc))
	protected.Put("/categories/:id", admin, catalog.UpdateCategoryHandler(catalogSvc))
	protected.Delete("/categories/:id", admin, catalog.DeleteCategoryHandler(catalogSvc))

	protected.Get("/items", catalog.ListItemsHandler(catalogSvc))
	protected.Get("/items/:id", catalog.GetItemHandler(catalogSvc))
	protected.Get("/items/:id/variant-options", catalog.VariantOptionsHandler(catalogSvc))
	protected.Post("/items", admin, catalog.CreateItemHandler(catalogSvc))
	protected.Put("/items/:id", admin, catalog.UpdateItemHandler(catalogSvc))
	protected.Delete("/items/:id", admin, catalog.DeleteItemHandler(catalogSvc))
	protected.Post("/items/:id/variants", admin, catalog.CreateVariantHandler(catalogSvc))

	protected.Post("/variants/:id/adjust", admin, catalog.AdjustVariantHandler(catalogSvc))
	protected.Delete("/variants/:id", admin, catalog.DeleteVariantHandler(catalogSvc))

	protected.Get("/sites", catalog.ListSitesHandler(catalogSvc))
	protected.Post("/sites", admin, catalog.CreateSiteHandler(catalogSvc))
	protected.Put("/sites/:id", admin, catalog.UpdateSiteHandler(catalogSvc))
	protected.Delete("/sites/:id", admin, catalog.DeleteSiteHandler(catalogSvc))

	// Issuances. Static paths come before /:id.
	protected.Get("/issuances", issuance.ListHandler(issuances))
	protected.Get("/issuances/counts", issuance.CountsHandler(issuances))
	protected.Post("/issuances", issuance.CreateHandler(issuances))
	protected.Post("/issuances/bulk/release", batch.ReleaseIssuancesHandler(bulk))
	protected.Post("/issuances/bulk/issue", batch.IssueIssuancesHandler(bulk))
	protected.Post("/issuances/bulk/return", batch.ReturnIssuancesHandler(bulk))
	protected.Post("/issuances/bulk/cancel", batch.CancelIssuancesHandler(bulk))
	protected.Post("/issuances/bulk/delete", batch.DeleteIssuancesHandler(bulk))
	protected.Get("/issuances/:id", issuance.GetHandler(issuances))
	protected.Put("/issuances/:id", issuance.UpdateHandler(issuances))
	protected.Delete("/issuances/:id", issuance.DeleteHandler(issuances))
	protected.Post("/issuances/:id/release", issuance.ReleaseHandler(issuances))
	protected.Post("/issuances/:id/issue", issuance.IssueHandler(issuances))
	protected.Post("/issuances/:id/return", issuance.ReturnHandler(issuances))
	protected.Post("/issuances/:id/cancel", issuance.CancelHandler(issuances))
	protected.Post("/issuances/:id/status", issuance.SetStatusHandler(issuances))

	// Restocks
	protected.Get("/restocks", restock.ListHandler(restocks))
	protected.Get("/restocks/counts", restock.CountsHandler(restocks))
	protected.Post("/restocks", restock.CreateHandler(restocks))
	protected.Post("/restocks/import", restock.ImportHandler(restocks))
	protected.Post("/restocks/bulk/deliver", batch.DeliverRestocksHandler(bulk))
	protected.Post("/restocks/bulk/return", batch.ReturnRestocksHandler(bulk))
	protected.Post("/restocks/bulk/cancel", batch.CancelRestocksHandler(bulk))
	protected.Post("/restocks/bulk/delete", batch.DeleteRestocksHandler(bulk))
	protected.Get("/restocks/:id", restock.GetHandler(restocks))
	protected.Put("/restocks/:id", restock.UpdateHandler(restocks))
	protected.Delete("/restocks/:id", restock.DeleteHandler(restocks))
	protected.Post("/restocks/:id/deliver", restock.DeliverHandler(restocks))
	protected.Post("/restocks/:id/return", restock.ReturnHandler(restocks))
	protected.Post("/restocks/:id/cancel", restock.CancelHandler(restocks))

	// Audit logs
	protected.Get("/audit-logs/:entity/:id", audit.ListHandler(db))

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("shutting down")
		if err := app.Shutdown(); err != nil {
			log.Error("shutdown failed", zap.Error(err))
		}
	}()

	log.Info("server listening", zap.String("port", cfg.HTTPPort))
	if err := app.Listen(":" + cfg.HTTPPort); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
