package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/services"
	httphandlers "tripsync/internal/handlers/http"
	"tripsync/internal/infrastructure/middleware"
	"tripsync/internal/infrastructure/monitoring"
	"tripsync/internal/infrastructure/realtime"
	repositories "tripsync/internal/infrastructure/repositories"
	"tripsync/pkg/config"
	"tripsync/pkg/logger"
	"tripsync/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/tripsync/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "tripsync",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	// Initialize repositories
	resourceRepo := repoFactory.CreateResourceRepository()
	auditRepo := repoFactory.CreateAuditRepository()
	userRepo := repoFactory.CreateUserRepository()

	// Initialize services
	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
	)
	resolver := services.NewPermissionResolver(resourceRepo, domain.UserID(cfg.Auth.SuperAdminID), log)
	// Verified-account gate: unverified accounts keep read access only.
	verified := func(ctx context.Context, user *domain.User) bool {
		return user.Verified
	}
	permissionService := services.NewPermissionEnforcer(resolver, resourceRepo, auditRepo, userRepo, verified, log)
	presenceCache := services.NewPresenceCache(userRepo, cfg.Realtime.PresenceCacheTTL, log)

	// Initialize monitoring
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector()
	}
	healthChecker := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	healthChecker.AddRepositoryCheck(resourceRepo, 30*time.Second, 2*time.Second)

	// Initialize realtime layer
	registry := realtime.NewRoomRegistry(log)
	wsServer := realtime.NewWebSocketServer(
		authService,
		resolver,
		resourceRepo,
		presenceCache,
		registry,
		collector,
		realtime.Config{
			PingInterval:          cfg.Realtime.PingInterval,
			PongTimeout:           cfg.Realtime.PongTimeout,
			WriteTimeout:          cfg.Realtime.WriteTimeout,
			MaxMessageBytes:       cfg.Realtime.MaxMessageBytes,
			RateWindow:            cfg.Realtime.RateWindow,
			RateMaxMessages:       cfg.Realtime.RateMaxMessages,
			MaxConnectionsPerUser: cfg.Realtime.MaxConnectionsPerUser,
		},
		log,
	)
	supervisor := realtime.NewCleanupSupervisor(wsServer, registry, presenceCache, cfg.Realtime.CleanupInterval, log)
	supervisor.Start()

	// Initialize HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, userRepo)
	permissionHandler := httphandlers.NewPermissionHandler(permissionService, resourceRepo, wsServer)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Setup auth routes (public)
	authHandler.SetupRoutes(router)

	// Setup permission routes with authentication
	permissionHandler.SetupRoutes(router, middleware.AuthMiddleware(authService))

	// Realtime endpoint; the token rides in a query parameter
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
			"rooms":       registry.RoomCount(),
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := healthChecker.CheckAll(ctx)
		if status.Status != "healthy" {
			c.JSON(503, status)
			return
		}
		c.JSON(200, status)
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays unset so long-lived websocket connections
		// are not cut off by the HTTP server.
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting TripSync realtime server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down TripSync realtime server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop background cleanup, then drain connections and the HTTP server
	if err := supervisor.Stop(shutdownCtx); err != nil {
		log.Errorw("Error stopping cleanup supervisor", "error", err)
	}
	wsServer.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("TripSync realtime server stopped")
}
