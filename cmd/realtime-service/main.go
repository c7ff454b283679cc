package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meshtalk-backend/internal/database"
	callHandler "meshtalk-backend/internal/handler/http/call"
	wsHandler "meshtalk-backend/internal/handler/ws"
	"meshtalk-backend/internal/middleware"
	"meshtalk-backend/internal/repository/cockroach"
	redisRepo "meshtalk-backend/internal/repository/redis"
	callService "meshtalk-backend/internal/service/call"
	matchService "meshtalk-backend/internal/service/match"
	receiptService "meshtalk-backend/internal/service/receipt"
	"meshtalk-backend/pkg/config"
	"meshtalk-backend/pkg/jwt"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Setup JWT Manager
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewManager(cfg.JWT.Secret, 24*time.Hour)

	// 3. Connect to the durable store with exponential backoff retry
	db := connectWithRetry(ctx, &cfg.Database)
	if db != nil {
		defer db.Close()
	} else {
		logger.Fatal("Database is required for call history and receipts")
	}

	callRepo := cockroach.NewCallRepository(db.Pool)
	receiptRepo := cockroach.NewReceiptRepository(db.Pool)
	messageRepo := cockroach.NewMessageRepository(db.Pool)
	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)
	pairingRepo := cockroach.NewPairingRepository(db.Pool)

	// 4. Connect to Redis for the presence mirror; degraded mode without it
	var presenceRepo *redisRepo.PresenceRepository
	redisDB, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Warn("Failed to connect to Redis, running without presence mirror", zap.Error(err))
	} else {
		defer redisDB.Close()
		presenceRepo = redisRepo.NewPresenceRepository(redisDB)
		logger.Info("Connected to Redis")
	}

	// 5. Metrics
	rt := metrics.NewRealtime(cfg.Server.ServiceName)

	// 6. Connection hub and services
	hub := wsHandler.NewHub(jwtManager, rt)

	var presence matchService.Presence
	if presenceRepo != nil {
		presence = presenceRepo
	}
	matchSvc := matchService.NewService(&cfg.Realtime, hub, pairingRepo, presence, rt)
	matchSvc.StartSweeper(ctx)

	callSvc := callService.NewService(callRepo, userRepo, hub, rt, &cfg.Realtime)
	receiptSvc := receiptService.NewService(receiptRepo, messageRepo, conversationRepo, rt)

	// 7. Socket event handlers
	wsHandler.NewMatchHandler(hub, matchSvc, cfg.Realtime.ICEBatchSize, cfg.Realtime.ICEBatchDelay).Register()
	wsHandler.NewCallHandler(hub, callSvc).Register()
	wsHandler.NewReceiptHandler(hub, receiptSvc).Register()

	// 8. HTTP router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", hub.ServeWS)

	callHdlr := callHandler.NewHandler(callSvc)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("", callHdlr.ListCalls)
		v1.GET("/:id", callHdlr.GetCall)
	}

	// 9. Start server with graceful shutdown
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Realtime service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// connectWithRetry dials the database with exponential backoff. Returns nil
// after exhausting retries.
func connectWithRetry(ctx context.Context, cfg *config.DatabaseConfig) *database.DB {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := database.NewDB(ctx, cfg)
	if err == nil {
		logger.Info("Connected to database")
		return db
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("Database connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		db, err = database.NewDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to database", zap.Int("attempt", attempt))
			return db
		}
	}

	logger.Error("Failed to connect to database after retries", zap.Error(err))
	return nil
}
