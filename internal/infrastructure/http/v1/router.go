// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/auth"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/http/v1/middleware"
	"stockledger/internal/infrastructure/metrics"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	Stock      handlers.StockService
	StockCount handlers.StockCountService
	Archives   handlers.ArchiveReader
	Health     *handlers.HealthHandler

	// Idempotency replays repeated POSTs; nil disables it.
	Idempotency *postgres.IdempotencyStore

	// Metrics enables request metrics and the scrape endpoint; nil disables both.
	Metrics     *metrics.Metrics
	MetricsPath string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(middleware.Metrics(cfg.Metrics, cfg.MetricsPath))
		router.GET(cfg.MetricsPath, gin.WrapH(cfg.Metrics.Handler()))
	}
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth)
	if cfg.Health != nil {
		health := router.Group("/health")
		{
			health.GET("/live", cfg.Health.Live)
			health.GET("/ready", cfg.Health.Ready)
			health.GET("/info", cfg.Health.Info)
		}
	}

	v1 := router.Group("/api/v1")
	protected := v1.Group("")
	protected.Use(middleware.Auth(cfg.JWTValidator))
	if cfg.Idempotency != nil {
		protected.Use(middleware.Idempotency(cfg.Idempotency))
	}

	registerStockRoutes(protected.Group("/stock"), cfg)

	return router
}

// registerStockRoutes registers ledger, count and reconciliation endpoints.
func registerStockRoutes(rg *gin.RouterGroup, cfg RouterConfig) {
	base := handlers.NewBaseHandler()

	read := middleware.RequirePermission(auth.PermStockRead)
	write := middleware.RequirePermission(auth.PermStockWrite)
	audit := middleware.RequirePermission(auth.PermStockAudit)
	rebuild := middleware.RequirePermission(auth.PermStockRebuild)

	if cfg.Stock != nil {
		h := handlers.NewStockHandler(base, cfg.Stock)

		rg.POST("/receipts", write, h.Receive)
		rg.POST("/receipts/reverse", write, h.ReverseReceipt)
		rg.POST("/allocations", write, h.Allocate)
		rg.POST("/allocations/reverse", write, h.ReverseAllocation)
		rg.POST("/productions", write, h.PostProduction)

		rg.GET("/balances", read, h.ListBalances)
		rg.GET("/balances/:productId/:locationId", read, h.GetBalance)
		rg.GET("/batches", read, h.ListBatches)
		rg.GET("/batches/:id", read, h.GetBatch)
		rg.GET("/movements", read, h.ListMovements)

		rg.GET("/audit", audit, h.Audit)
		rg.POST("/rebuild", rebuild, h.Rebuild)
	}

	if cfg.StockCount != nil {
		h := handlers.NewStockCountHandler(base, cfg.StockCount)
		counts := rg.Group("/counts")
		{
			counts.GET("", read, h.List)
			counts.POST("", write, h.Create)
			counts.GET("/:id", read, h.Get)
			counts.POST("/:id/approve", write, h.Approve)
			counts.POST("/:id/reject", write, h.Reject)
		}
	}

	if cfg.Archives != nil {
		h := handlers.NewArchiveHandler(base, cfg.Archives)
		rg.GET("/archives", rebuild, h.List)
		rg.GET("/archives/:id", rebuild, h.Get)
	}
}
