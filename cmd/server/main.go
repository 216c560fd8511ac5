package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/DukeRupert/estategpt/internal"
	"github.com/DukeRupert/estategpt/internal/ai"
	"github.com/DukeRupert/estategpt/internal/ai/mock"
	"github.com/DukeRupert/estategpt/internal/ai/openai"
	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/billing"
	"github.com/DukeRupert/estategpt/internal/document"
	"github.com/DukeRupert/estategpt/internal/handler"
	"github.com/DukeRupert/estategpt/internal/metrics"
	"github.com/DukeRupert/estategpt/internal/middleware"
	"github.com/DukeRupert/estategpt/internal/service"
	"github.com/DukeRupert/estategpt/internal/storage"
	"github.com/DukeRupert/estategpt/internal/store"
	"github.com/DukeRupert/estategpt/internal/store/postgres"
	redisstore "github.com/DukeRupert/estategpt/internal/store/redis"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize store
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("Store ready", "driver", cfg.StoreDriver)

	// Initialize file storage
	files, err := storage.Open(cfg.StorageProvider,
		storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
			BaseURL:  cfg.LocalStorageURL,
		},
		storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	// Initialize AI provider
	provider, err := openProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("ai provider initialization failed: %w", err)
	}

	// Initialize billing
	plans, err := billing.ParsePricePlans(cfg.StripePricePlans)
	if err != nil {
		return fmt.Errorf("stripe price plans: %w", err)
	}
	var stripeService billing.Service
	if cfg.BillingEnabled() {
		stripeService = billing.NewStripeService(billing.Config{
			SecretKey:      cfg.StripeSecretKey,
			PublishableKey: cfg.StripePublishableKey,
			WebhookSecret:  cfg.StripeWebhookSecret,
			PriceID:        cfg.StripePriceID,
			PricePlans:     plans,
		})
		logger.Info("Stripe billing enabled", "price_id", cfg.StripePriceID)
	} else {
		logger.Warn("Stripe billing disabled, billing routes will answer 503")
	}

	// Initialize services
	quotaService := service.NewQuotaService(st, cfg.FreeWeeklyLimit, logger)
	enricher := document.NewEnricher(files, document.Config{
		MaxFiles:     cfg.MaxAttachments,
		MaxChars:     cfg.MaxContextChars,
		MaxFileBytes: cfg.MaxUploadBytes,
	}, logger)
	chatService := service.NewChatService(st, quotaService, enricher, provider, files, service.ChatConfig{
		SystemPrompt:   cfg.SystemPrompt,
		Temperature:    cfg.AITemperature,
		MaxUploadFiles: cfg.MaxUploadFiles,
	}, logger)
	billingService := service.NewBillingService(stripeService, st, quotaService, cfg.BaseURL, logger)
	paymentProcessor := service.NewPaymentProcessor(st, plans, logger)

	// Initialize identity
	var verifier auth.TokenVerifier
	if cfg.AuthMode == internal.AuthModeJWT {
		v, err := auth.NewVerifier(ctx, cfg.FirebaseProjectID, cfg.AuthJWKSURL)
		if err != nil {
			return fmt.Errorf("token verifier initialization failed: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("Trusting X-User-Id header for identity, do not use in production")
	}

	// Initialize middleware
	isSecure := !cfg.IsDevelopment()
	identityMw := middleware.NewIdentityMiddleware(verifier, cfg.AuthMode, logger)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	metricsAuthMw := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword, logger)
	if !metricsAuthMw.Enabled() {
		logger.Warn("Metrics endpoint is unprotected, set METRICS_USERNAME and METRICS_PASSWORD")
	}

	askLimiter := middleware.NewRateLimiter(cfg.AskRateLimit, time.Minute, logger)
	defer askLimiter.Close()
	askLimitMw := middleware.NewRateLimitMiddleware(askLimiter, logger)

	webhookLimiter := middleware.NewRateLimiter(cfg.WebhookRateLimit, time.Minute, logger)
	defer webhookLimiter.Close()
	webhookLimitMw := middleware.NewRateLimitMiddleware(webhookLimiter, logger)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(st, logger)
	chatHandler := handler.NewChatHandler(chatService, handler.ChatHandlerConfig{
		RequestTimeout: cfg.RequestTimeout,
		MaxUploadFiles: cfg.MaxUploadFiles,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)
	billingHandler := handler.NewBillingHandler(billingService, logger)
	var webhookVerifier handler.WebhookVerifier
	if stripeService != nil {
		webhookVerifier = stripeService
	}
	webhookHandler := handler.NewWebhookHandler(webhookVerifier, paymentProcessor, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	healthHandler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metricsAuthMw.Handler(promhttp.Handler()))

	// Local exports are served from disk; R2 hands out its own URLs.
	if cfg.StorageProvider == storage.ProviderLocal {
		fileServer := http.FileServer(http.Dir(cfg.LocalStoragePath))
		mux.Handle("GET /files/", http.StripPrefix("/files/", fileServer))
	}

	requireUser := identityMw.RequireIdentity
	chatHandler.RegisterRoutes(mux, requireUser, askLimitMw.LimitByUser)
	billingHandler.RegisterRoutes(mux, requireUser)
	webhookHandler.RegisterRoutes(mux, webhookLimitMw.Limit)
	handler.RegisterNotFound(mux, logger)

	root := middleware.Stack(
		middleware.NewCORS(cfg.CORSAllowedOrigins),
		securityMw.Handler,
		metrics.Middleware,
		identityMw.WithIdentity,
		loggingMw.Handler,
	)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case store.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseUrl)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := internal.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return postgres.New(pool), nil

	case store.DriverRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return redisstore.New(client), nil

	case store.DriverMemory, "":
		logger.Warn("Using in-memory store, data is lost on restart")
		return store.NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openProvider(cfg *internal.Config, logger *slog.Logger) (ai.ChatProvider, error) {
	switch cfg.AIProvider {
	case "openai":
		p, err := openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			ProviderConfig: ai.ProviderConfig{
				MaxRetries:     cfg.AIMaxRetries,
				RetryBaseDelay: cfg.AIRetryBaseDelay,
				RequestTimeout: cfg.AIRequestTimeout,
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "mock":
		logger.Warn("Using mock AI provider")
		return mock.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.AIProvider)
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
