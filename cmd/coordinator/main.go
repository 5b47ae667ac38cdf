package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/secureai/uploadhub/internal/analysis"
	"github.com/secureai/uploadhub/internal/common"
	"github.com/secureai/uploadhub/internal/live"
	"github.com/secureai/uploadhub/internal/progress"
	"github.com/secureai/uploadhub/internal/quota"
	"github.com/secureai/uploadhub/internal/session"
	"github.com/secureai/uploadhub/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting UploadHub coordinator")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cache.Close()

	ledger := quota.NewLedger(db, &cfg.Upload)
	store := progress.NewStore(cache, &cfg.Upload)
	manager := live.NewManager(&cfg.Live)
	broadcaster := live.NewBroadcaster(manager)
	registry := session.NewRegistry(db, ledger, store, broadcaster, &cfg.Upload)
	tracker := analysis.NewTracker(db)

	handlers := newHandlers(registry, ledger, store, tracker, manager, broadcaster, cfg)
	router := setupRouter(handlers, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	go runSweepers(sweepCtx, registry, store, cfg.Upload.SweepInterval)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	stopSweepers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}

// runSweepers periodically expires stale sessions and progress snapshots
func runSweepers(ctx context.Context, registry *session.Registry, store *progress.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.SweepExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Session sweep failed")
			}
			store.SweepExpired(ctx)
		}
	}
}

func setupRouter(h *handlers, cfg *config.Config) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.Use(authMiddleware(cfg.Auth.JWTSecret))
	{
		uploads := api.Group("/uploads")
		{
			uploads.POST("/sessions", h.createSession)
			uploads.GET("/sessions", h.listSessions)
			uploads.GET("/sessions/:id/validate", h.validateSession)
			uploads.DELETE("/sessions/:id", h.cancelSession)
			uploads.GET("/quota", h.quotaUsage)
			uploads.GET("/progress", h.listProgress)
			uploads.GET("/:id/progress", h.getProgress)
			uploads.DELETE("/:id/progress", h.deleteProgress)
		}
		api.GET("/analysis/:id", h.getAnalysis)
	}

	ws := router.Group("/ws")
	ws.Use(authMiddleware(cfg.Auth.JWTSecret))
	ws.GET("", h.liveChannel)

	internal := router.Group("/internal/v1")
	internal.Use(workerAuthMiddleware(cfg.Auth.WorkerToken))
	{
		internal.POST("/progress/:id", h.reportProgress)
		internal.POST("/progress/:id/complete", h.completeUpload)
		internal.POST("/progress/:id/fail", h.failUpload)
		internal.POST("/analysis/:id", h.beginAnalysis)
		internal.POST("/analysis/:id/status", h.updateAnalysis)
		internal.POST("/analysis/:id/retry", h.retryAnalysis)
	}

	return router
}
