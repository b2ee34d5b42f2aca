package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/config"
	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/handler"
	"github.com/boddenberg/ledger-sync-go/internal/infra/cache"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/infra/oracle"
	"github.com/boddenberg/ledger-sync-go/internal/infra/quickbooks"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-sync-go/internal/infra/sqlite"
	"github.com/boddenberg/ledger-sync-go/internal/port"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "ledger-sync")
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("database_path", cfg.DatabasePath),
		zap.String("qbo_api_base_url", cfg.QBOAPIBaseURL),
		zap.Int("rate_limit_max_requests", cfg.RateLimitMaxRequests),
		zap.Duration("rate_limit_window", cfg.RateLimitWindow),
		zap.Int("sync_batch_size", cfg.SyncBatchSize),
		zap.Duration("sync_batch_delay", cfg.SyncBatchDelay),
		zap.String("oracle_provider", cfg.OracleProvider),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "ledger-sync")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Storage ---
	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	sealer, err := sqlite.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		logger.Fatal("failed to create token sealer", zap.Error(err))
	}
	store := sqlite.NewStore(db, sealer, logger)

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	limiter := resilience.NewSlidingWindow(cfg.RateLimitMaxRequests, cfg.RateLimitWindow,
		resilience.WithWaitHook(func(d time.Duration) {
			metrics.IncrRateLimitWait()
			logger.Debug("rate limit reached, waiting", zap.Duration("wait", d))
		}),
	)
	qboBreaker := resilience.NewCircuitBreaker("quickbooks", service.IsRemoteSuccess)
	oracleBreaker := resilience.NewCircuitBreaker("mapping-oracle", nil)

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	qbo := quickbooks.NewClient(httpClient, cfg.QBOAPIBaseURL, cfg.QBOAppBaseURL, cfg.QBOMinorVersion, logger)
	oauth := quickbooks.NewOAuth(quickbooks.OAuthConfig{
		ClientID:     cfg.QBOClientID,
		ClientSecret: cfg.QBOClientSecret,
		RedirectURI:  cfg.QBORedirectURI,
		Scopes:       cfg.QBOScopes,
		AuthURL:      cfg.QBOAuthURL,
		TokenURL:     cfg.QBOTokenURL,
		RevokeURL:    cfg.QBORevokeURL,
	}, httpClient)

	var mappingOracle port.MappingOracle
	switch cfg.OracleProvider {
	case "agent":
		logger.Info("using HTTP agent as mapping oracle", zap.String("url", cfg.OracleAgentURL))
		mappingOracle = oracle.NewAgent(httpClient, cfg.OracleAgentURL, oracleBreaker, resilienceCfg)
	case "gemini":
		logger.Info("using Gemini as mapping oracle", zap.String("model", cfg.GeminiModel))
		gemini, err := oracle.NewGemini(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel, oracleBreaker)
		if err != nil {
			logger.Fatal("failed to create gemini client", zap.Error(err))
		}
		mappingOracle = gemini
	default:
		logger.Info("using local fuzzy matcher as mapping oracle")
		mappingOracle = oracle.NewFuzzy()
	}

	// --- Services ---
	tokens := service.NewTokenManager(store, oauth, cfg.OAuthStateSecret, metrics, logger)

	accountsCache := cache.New[[]domain.RemoteAccount](cfg.CacheTTL)
	defer accountsCache.Close()
	entitiesCache := cache.New[[]domain.RemoteEntity](cfg.CacheTTL)
	defer entitiesCache.Close()

	gateway := service.NewGateway(
		qbo,
		tokens,
		limiter,
		qboBreaker,
		resilienceCfg,
		accountsCache,
		entitiesCache,
		metrics,
		logger,
	)

	resolver := service.NewMappingResolver(store, gateway, mappingOracle, tokens, store, cfg.OracleTimeout, metrics, logger)

	orchestrator := service.NewSyncOrchestrator(store, store, tokens, gateway, resolver, service.SyncConfig{
		BatchSize:            cfg.SyncBatchSize,
		BatchDelay:           cfg.SyncBatchDelay,
		DefaultMinConfidence: cfg.SyncDefaultMinConfidence,
	}, metrics, logger)

	runner := service.NewSyncRunner(orchestrator, resilience.NewBulkhead(cfg.MaxConcurrency), cfg.SyncJobTimeout, logger)

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Tokens:               tokens,
		Gateway:              gateway,
		Mappings:             resolver,
		Sync:                 orchestrator,
		Runner:               runner,
		Database:             store,
		DefaultMinConfidence: cfg.SyncDefaultMinConfidence,
	}, handler.NewTokenVerifier(cfg.JWTSecret), metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	// Running jobs record what they finished and fail the rest as interrupted.
	if err := runner.Shutdown(ctx); err != nil {
		logger.Error("sync jobs did not stop in time", zap.Error(err))
	}

	logger.Info("server stopped")
}
