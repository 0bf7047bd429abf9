package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/resdiag/flowprobe/internal/config"
	"github.com/resdiag/flowprobe/internal/database"
	"github.com/resdiag/flowprobe/internal/handlers"
	"github.com/resdiag/flowprobe/internal/middleware"
	"github.com/resdiag/flowprobe/internal/services"
	"github.com/resdiag/flowprobe/pkg/eveve"
	"github.com/resdiag/flowprobe/pkg/jwt"
	"github.com/resdiag/flowprobe/pkg/stripe"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting Flowprobe booking flow diagnostics")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// External clients
	eveveClient := eveve.NewClient(eveve.Config{
		BaseURL: cfg.Eveve.BaseURL,
		Timeout: cfg.Eveve.Timeout,
	}, logger)
	stripeClient := stripe.NewClient(stripe.Config{
		APIURL:    cfg.Stripe.APIURL,
		SecretKey: cfg.Stripe.SecretKey,
		Timeout:   cfg.Stripe.Timeout,
	}, logger)

	if stripeClient.CanRefund() {
		logger.Info("Stripe refunds enabled")
	} else {
		logger.Warn("No Stripe secret key configured: failed finalizes after a charge will need a manual refund")
	}

	// Optional compensation journal
	var journal services.CompensationJournal
	if cfg.Journal.URL != "" {
		logger.Info("Connecting to compensation journal database...")
		db, err := database.NewConnection(cfg.Journal)
		if err != nil {
			logger.Fatalf("Failed to connect to journal database: %v", err)
		}
		defer db.Close()
		journal = database.NewCompensationJournalRepository(db.DB)
		logger.Info("Compensation journal enabled")
	} else {
		logger.Info("No DATABASE_URL set, compensation journal disabled")
	}

	// Services
	jwtService := jwt.NewService(cfg.Session.Secret, cfg.Session.TTL)
	orchestratorFactory := func(sessionID string, activity *services.ActivityLog) *services.FlowOrchestrator {
		return services.NewFlowOrchestrator(
			eveveClient,
			stripeClient,
			activity,
			journal,
			services.FlowConfig{
				SessionID:         sessionID,
				HoldTTL:           cfg.Flow.HoldTTL,
				CallTimeout:       cfg.Flow.CallTimeout,
				EnforceHoldExpiry: cfg.Flow.EnforceHoldExpiry,
				Language:          cfg.Flow.Language,
			},
			logger,
		)
	}
	sessionService := services.NewSessionService(orchestratorFactory, cfg.Flow.ActivityLogCap, cfg.Session.TTL, logger)

	// Idle sessions are pruned in the background for the lifetime of the
	// process; there is no coordinated stop beyond process exit.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionService.PruneExpired()
		}
	}()

	logger.Info("Services initialized")

	// Handlers
	sessionHandler := handlers.NewSessionHandler(sessionService, jwtService, logger)
	flowHandler := handlers.NewFlowHandler(logger)
	activityHandler := handlers.NewActivityHandler(logger)

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	// CORS configuration
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"version":   version,
			"sessions":  sessionService.Count(),
			"timestamp": time.Now().Unix(),
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Session creation (public)
		v1.POST("/session", sessionHandler.Create)

		// Flow routes (require a session token)
		flow := v1.Group("/flow")
		flow.Use(middleware.SessionAuth(jwtService, sessionService))
		{
			flow.POST("/hold", flowHandler.Start)
			flow.POST("/details", flowHandler.SaveDetails)
			flow.POST("/payment-keys", flowHandler.PaymentKeys)
			flow.POST("/deposit-decision", flowHandler.DepositDecision)
			flow.POST("/confirm-card", flowHandler.ConfirmCard)
			flow.POST("/finalize", flowHandler.Finalize)
			flow.POST("/reset", flowHandler.Reset)
			flow.GET("/state", flowHandler.State)
		}

		// Activity routes (require a session token)
		activity := v1.Group("/activity")
		activity.Use(middleware.SessionAuth(jwtService, sessionService))
		{
			activity.GET("", activityHandler.List)
			activity.GET("/export", activityHandler.Export)
		}
	}

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
