package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/auth"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/config"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/gateway"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/health"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/hub"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/logging"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/middleware"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/ratelimit"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/repository"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/store"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/tracing"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
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

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	skipAuth := cfg.SkipAuth
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
		// FALLBACK: If in dev mode and credentials missing, auto-skip
		if !skipAuth && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
			slog.Warn("⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		}
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			os.Exit(1)
		}
		authValidator, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		validator = authValidator
	}

	// --- Tracing (Optional) ---
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "quiz-room", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("✅ OpenTelemetry tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	}

	// --- Persistence ---
	// Two interchangeable repository implementations share the same schema;
	// DB_DRIVER picks one.
	var repo repository.Store
	var dbPinger health.DBPinger
	switch cfg.DBDriver {
	case config.DriverGorm:
		gormStore, err := repository.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "driver", cfg.DBDriver, "error", err)
			os.Exit(1)
		}
		repo, dbPinger = gormStore, gormStore
	default:
		pgStore, err := repository.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "driver", cfg.DBDriver, "error", err)
			os.Exit(1)
		}
		repo, dbPinger = pgStore, pgStore
	}
	defer repo.Close()
	slog.Info("✅ Database connected", "driver", cfg.DBDriver)

	// --- Redis (Optional) ---
	// PIN reservations and presence sets live in Redis when enabled; the
	// service degrades to single-instance mode without it.
	var cache *store.Service
	if cfg.RedisEnabled {
		cache, err = store.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			cache = nil
		} else {
			slog.Info("✅ Redis initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	var redisClient *redis.Client
	if cache != nil {
		redisClient = cache.Client()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Hub and Gateway ---
	h := hub.New(repo, cache, hub.RoomDefaults{
		QuestionDurationMs: cfg.QuestionDurationMs,
		RevealDurationMs:   cfg.RevealDurationMs,
		MaxParticipants:    cfg.MaxParticipants,
	})

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	gw := gateway.New(h, repo, validator, limiter, allowedOrigins)

	// --- Set up Server ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("quiz-room"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", gw.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(cache, dbPinger)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Quiz room server starting", "port", cfg.Port)
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

	// Close all live rooms first so final state reaches the database, then
	// stop accepting HTTP traffic.
	h.Shutdown(ctx)

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if cache != nil {
		if err := cache.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
