package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openjam/bandroom/backend/go/internal/v1/auth"
	"github.com/openjam/bandroom/backend/go/internal/v1/bus"
	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/config"
	"github.com/openjam/bandroom/backend/go/internal/v1/coordinator"
	"github.com/openjam/bandroom/backend/go/internal/v1/health"
	"github.com/openjam/bandroom/backend/go/internal/v1/httpapi"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metronome"
	"github.com/openjam/bandroom/backend/go/internal/v1/middleware"
	"github.com/openjam/bandroom/backend/go/internal/v1/ratelimit"
	"github.com/openjam/bandroom/backend/go/internal/v1/rooms"
	"github.com/openjam/bandroom/backend/go/internal/v1/sessions"
	"github.com/openjam/bandroom/backend/go/internal/v1/tracing"
	"github.com/openjam/bandroom/backend/go/internal/v1/transport"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.OtelExporterEndpoint != "" {
		tp, err := tracing.InitTracer(context.Background(), "bandroom-server", cfg.OtelExporterEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Auth boundary ---
	skipAuth := cfg.SkipAuth
	if !skipAuth {
		// FALLBACK: If in dev mode and credentials missing, auto-skip
		if cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
			slog.Warn("⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		} else if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			return
		}
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		authValidator, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			return
		}
		slog.Info("✅ Auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		validator = authValidator
	}

	// --- Redis event mirror (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running without event mirror", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis event mirror initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate limiter (Redis store when the bus is up, in-memory otherwise) ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Core wiring ---
	roomStore := rooms.NewStore(rooms.Limits{
		BpmMin:          cfg.BpmMin,
		BpmMax:          cfg.BpmMax,
		BpmDefault:      cfg.BpmDefault,
		MaxParticipants: cfg.MaxParticipants,
	}, nil)
	sessionReg := sessions.NewRegistry(cfg.SweepInterval())
	channelReg := channels.NewRegistry()
	engine := metronome.NewEngine(roomStore, nil)

	coord := coordinator.New(roomStore, sessionReg, channelReg, engine, busService, coordinator.Config{
		GracePeriod:          cfg.GracePeriod(),
		IntentionallyLeftTTL: cfg.IntentionallyLeftTTL(),
	})

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	var sweeperWg sync.WaitGroup
	sessionReg.Start(sweepCtx, &sweeperWg)

	hub := transport.NewHub(coord, channelReg, validator, rateLimiter, cfg.DevelopmentMode)

	// --- HTTP shell ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelExporterEndpoint != "" {
		router.Use(otelgin.Middleware("bandroom-server"))
	}
	router.Use(rateLimiter.GlobalMiddleware())

	router.GET("/ws", hub.ServeWs)

	api := router.Group("/api/v1")
	api.Use(rateLimiter.MiddlewareForEndpoint("rooms"))
	httpapi.NewHandler(coord).RegisterRoutes(api)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful shutdown ---
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}
	coord.Shutdown(ctx)

	stopSweeper()
	sweeperWg.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
