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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/connexus-ai/atlas-backend/internal/cache"
	"github.com/connexus-ai/atlas-backend/internal/config"
	"github.com/connexus-ai/atlas-backend/internal/handler"
	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/middleware"
	"github.com/connexus-ai/atlas-backend/internal/repository"
	"github.com/connexus-ai/atlas-backend/internal/router"
	"github.com/connexus-ai/atlas-backend/internal/searchclient"
	"github.com/connexus-ai/atlas-backend/internal/service"
	"github.com/connexus-ai/atlas-backend/internal/store"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
	"github.com/connexus-ai/atlas-backend/internal/webclient"
)

const Version = "0.1.0"

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Gateways
	llmAuth := &llmclient.APIKeyProvider{Key: cfg.LLMAPIKey}
	llm := llmclient.New(cfg.LLMBaseURL, llmAuth, cfg.Environment, cfg.RequestTimeout)
	llm.SetEmbedModel(cfg.EmbeddingModel)

	var searchAuth llmclient.HeaderProvider = &llmclient.APIKeyProvider{Header: "api-key", Key: cfg.SearchAPIKey}
	if cfg.SearchOAuthTokenURL != "" {
		source := &llmclient.ClientCredentialsSource{Config: clientcredentials.Config{
			TokenURL:     cfg.SearchOAuthTokenURL,
			ClientID:     cfg.SearchOAuthClientID,
			ClientSecret: cfg.SearchOAuthSecret,
		}}
		searchAuth = llmclient.NewBearerProvider(source, "search").WithSlop(cfg.TokenExpirySlop)
	}
	search := searchclient.New(cfg.SearchBaseURL, cfg.SearchIndex, searchAuth, cfg.RequestTimeout)

	estimator := service.NewTokenEstimator(cfg.LLMModel, cache.NewTokenCountCache(0))
	embedCache := cache.NewEmbeddingCache(15 * time.Minute)
	defer embedCache.Stop()

	turns := telemetry.NewStore(cfg.TelemetryRingSize)
	gatewayEvents := func(event string, data map[string]any) {
		slog.Info("gateway event", "event", event, "data", data)
	}

	web := webclient.New(cfg.WebSearchBaseURL, cfg.WebSearchAPIKey, estimator,
		cfg.WebContextMaxTokens, gatewayEvents, cfg.RequestTimeout)

	var academic service.AcademicSearcher
	if cfg.SemanticScholarURL != "" || cfg.ArxivURL != "" {
		academic = webclient.NewAcademicClient(cfg.SemanticScholarURL, cfg.ArxivURL, gatewayEvents, cfg.RequestTimeout)
	}

	// Optional local pgvector index for the pure-vector fallback.
	var localVec service.LocalVectorSearcher
	var dbPinger handler.Pinger
	if cfg.DatabaseURL != "" {
		pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		chunks := repository.NewChunkRepo(pool)
		localVec = chunks
		dbPinger = chunks
	}

	// Session store: redis when configured, in-memory otherwise.
	var sessions store.SessionStore = store.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		sessions = store.NewRedisStore(rdb, 0)
	}

	// Core services
	wrappedLLM := service.WrapLLM(llm)
	embedder := service.NewCachedEmbedder(wrappedLLM, embedCache)
	intentRouter := service.NewRouter(wrappedLLM, cfg.LLMFallbackModel, cfg.LLMModel, cfg.LLMFallbackModel)
	planner := service.NewPlanner(wrappedLLM, cfg.LLMFallbackModel)
	budgeter := service.NewBudgeter(estimator, embedder, service.BudgetConfig{
		MaxMessageLength: cfg.MaxMessageLength,
		KeepTurns:        cfg.HistoryKeepTurns,
		TopBullets:       cfg.SummaryBulletsTop,
		ModelInputLimit:  cfg.ModelInputLimit,
	})
	quality := service.NewWebQualityFilter(embedder, service.QualityConfig{
		MinAuthority:  cfg.WebMinAuthority,
		MaxRedundancy: cfg.WebMaxRedundancy,
		MinRelevance:  cfg.WebMinRelevance,
	})
	adaptive := service.NewAdaptiveRetriever(wrappedLLM, embedder, cfg.LLMFallbackModel, service.AdaptiveConfig{
		MinCoverage:       cfg.AdaptiveMinCoverage,
		MinDiversity:      cfg.AdaptiveMinDiversity,
		MaxReformulations: cfg.AdaptiveMaxReformulations,
	})
	crag := service.NewCRAGGrader(wrappedLLM, cfg.LLMFallbackModel)

	dispatcher := service.NewDispatcher(search, localVec, web, academic, embedder,
		quality, adaptive, crag, planner, service.DispatchConfig{
			RerankerThreshold:         cfg.RerankerThreshold,
			FallbackRerankerThreshold: cfg.FallbackRerankerThreshold,
			MinDocs:                   cfg.RetrievalMinDocs,
			BaseTop:                   cfg.RAGTopK,
			LazySummaryMaxChars:       cfg.LazySummaryMaxChars,
			LazyPrefetchCount:         cfg.LazyPrefetchCount,
			ConfidenceEscalation:      cfg.ConfidenceEscalation,
			MinCoverage:               cfg.SearchMinCoverage,
		})

	synthesizer := service.NewSynthesizer(wrappedLLM)
	critic := service.NewCritic(wrappedLLM, cfg.LLMFallbackModel)
	criticLoop := service.NewCriticLoop(critic, service.NewHydrator(0), service.CriticLoopConfig{
		MaxRetries:     cfg.CriticMaxRetries,
		Threshold:      cfg.CriticThreshold,
		AcceptCoverage: cfg.CriticAcceptCoverage,
	})
	memory := service.NewMemoryUpdater(wrappedLLM, embedder, cfg.LLMFallbackModel, cfg.MemoryInterval)

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	orchestrator := service.NewOrchestrator(sessions, intentRouter, planner, budgeter,
		dispatcher, synthesizer, criticLoop, memory, turns, metrics,
		service.OrchestratorConfig{
			AnswerModel:  cfg.LLMModel,
			TurnDeadline: cfg.RequestTimeout,
			EnvFeatures:  cfg.FeatureEnv,
		})

	// Rate limiters: general and a stricter bucket for chat.
	generalRL := middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 60, Window: time.Minute})
	defer generalRL.Stop()
	chatRL := middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 10, Window: time.Minute})
	defer chatRL.Stop()

	chatDeps := handler.ChatDeps{
		Orchestrator: orchestrator,
		Limits: middleware.SanitizeLimits{
			MaxMessages:      cfg.MaxMessagesPerRequest,
			MaxMessageLength: cfg.MaxMessageLength,
			MaxQueryLength:   cfg.MaxQueryLength,
		},
		Environment: cfg.Environment,
	}

	mux := router.New(&router.Dependencies{
		Environment:        cfg.Environment,
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         reg,
		DB:                 dbPinger,
		ChatDeps:           chatDeps,
		ResponseDeps:       handler.ResponseDeps{LLM: llm},
		Sessions:           handler.GetSession(sessions),
		Telemetry:          handler.AdminTelemetry(turns),
		GeneralRateLimiter: generalRL,
		ChatRateLimiter:    chatRL,
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("atlas-backend starting", "version", Version, "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
