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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nexusproxy/internal/config"
	"nexusproxy/internal/conversation"
	"nexusproxy/internal/credentials"
	"nexusproxy/internal/handler"
	"nexusproxy/internal/metrics"
	"nexusproxy/internal/middleware"
	"nexusproxy/internal/service"
	"nexusproxy/internal/store"
	"nexusproxy/internal/truncate"
	"nexusproxy/internal/worker"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logFile, err := os.OpenFile("nexusproxy.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open log file")
	}
	defer logFile.Close()

	// Multi-writer: write to both console and file
	multi := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		logFile,
	)
	log.Logger = log.Output(multi)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Database.URL == "" {
		log.Fatal().Msg("database URL is required (set DATABASE_URL)")
	}

	// Initialize store
	db, err := store.New(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()
	log.Info().Msg("database ready")

	// Credential store and OAuth refresher
	credStore := credentials.NewStore(cfg.Credentials.Dir)
	refresher := credentials.NewRefresher(credStore, cfg.Upstream.TokenURL)
	log.Info().Str("dir", cfg.Credentials.Dir).Msg("credential store ready")

	metricsCollector := metrics.New()

	// Async storage writer
	linker := conversation.NewLinker(db)
	writer := service.NewWriter(db, linker, cfg.Writer.QueueSize, cfg.Writer.Workers)
	if cfg.Worker.AutoAnalyze {
		writer.EnableAutoAnalysis(db)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := writer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start storage writer")
	}
	defer writer.Stop()

	// Background analysis worker
	if cfg.Worker.Enabled {
		if cfg.Worker.GeminiAPIKey == "" {
			log.Fatal().Msg("analysis worker enabled but GEMINI_API_KEY is not set")
		}
		truncator, err := truncate.New(truncate.Config{
			HeadMessages:     cfg.Worker.Prompt.HeadMessages,
			TailMessages:     cfg.Worker.Prompt.TailMessages,
			MaxMessageTokens: cfg.Worker.Prompt.MaxMessageTokens,
			FirstTokens:      cfg.Worker.Prompt.FirstTokens,
			LastTokens:       cfg.Worker.Prompt.LastTokens,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize truncator")
		}
		gemini := worker.NewGemini(cfg.Worker.GeminiURL, cfg.Worker.GeminiModel, cfg.Worker.GeminiAPIKey)
		analysisWorker := worker.New(db, gemini, truncator, cfg.Worker)
		go analysisWorker.Run(ctx)
	} else {
		log.Info().Msg("analysis worker disabled")
	}

	// Handlers
	proxyHandler := handler.NewProxyHandler(refresher, writer, metricsCollector, cfg.Upstream)
	dashboardHandler := handler.NewDashboardHandler(db, metricsCollector)
	healthHandler := handler.NewHealthHandler(db)
	clientAuth := middleware.NewClientAuth(credStore)

	// Setup router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	// Health checks
	router.GET("/health", healthHandler.Live)
	router.GET("/health/db", healthHandler.Database)

	// Event logging endpoint (Claude Code telemetry - no auth required, just ignore)
	router.POST("/v1/api/event_logging/batch", handler.EventLoggingBatch)
	router.POST("/api/event_logging/batch", handler.EventLoggingBatch)

	// Proxy endpoints
	v1 := router.Group("/v1")
	v1.Use(clientAuth.Auth())
	{
		v1.POST("/messages", proxyHandler.Messages)
		// Handle double /v1/v1 paths (client has /v1 in base URL)
		v1.POST("/v1/messages", proxyHandler.Messages)
	}

	// Management API
	api := router.Group("/api")
	api.Use(middleware.DashboardAuth(cfg.Dashboard.APIKey))
	{
		api.GET("/requests", dashboardHandler.ListRequests)
		api.GET("/requests/:id", dashboardHandler.GetRequest)
		api.GET("/conversations/:id", dashboardHandler.GetConversation)
		api.POST("/analyses", dashboardHandler.CreateAnalysis)
		api.GET("/analyses/:conversation_id/:branch_id", dashboardHandler.GetAnalysis)
		api.GET("/stats", dashboardHandler.Stats)
	}

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Bool("worker", cfg.Worker.Enabled).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stop accepting records, flush the queue, then let deferred Close
	// handlers run.
	cancel()
	writer.Stop()

	log.Info().Msg("server stopped")
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info().
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
