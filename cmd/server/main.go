package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"marginalia.app/insight/common/id"
	"marginalia.app/insight/common/llm"
	"marginalia.app/insight/common/logger"
	"marginalia.app/insight/common/otel"
	"marginalia.app/insight/core/config"
	"marginalia.app/insight/core/db"
	"marginalia.app/insight/internal/events"
	"marginalia.app/insight/internal/http/middleware"
	httprouter "marginalia.app/insight/internal/http/router"
	"marginalia.app/insight/internal/jobs"
	"marginalia.app/insight/internal/service"
	"marginalia.app/insight/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.Env, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "insight starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	var redisClient *redis.Client
	publisher := events.NewNopPublisher()
	if cfg.Events.Enabled() {
		redisOpts, err := redis.ParseURL(cfg.Events.RedisURL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		publisher = events.NewRedisPublisher(redisClient, cfg.Events.Stream, cfg.Events.MaxLen, nil)
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Events.Stream)
	} else {
		slog.InfoContext(ctx, "event feed disabled (no redis url configured)")
	}
	defer publisher.Close()

	if !cfg.AnalysisLLM.Enabled() {
		slog.ErrorContext(ctx, "ANALYSIS_LLM_API_KEY is required")
		os.Exit(1)
	}
	var fallback *llm.Config
	if cfg.FallbackLLM.Enabled && cfg.FallbackLLM.LLMConfig.Enabled() {
		fb := toLLMConfig(cfg.FallbackLLM.LLMConfig)
		fallback = &fb
	}
	llmClient, err := llm.New(toLLMConfig(cfg.AnalysisLLM), fallback)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize llm client", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "llm client ready",
		"model", cfg.AnalysisLLM.Model,
		"fallback_enabled", fallback != nil)

	stores := store.NewStores(database)

	jobStore := jobs.NewStore()
	registry := jobs.NewRegistry()
	deferred := jobs.NewMutationQueue()
	orchestrator := jobs.NewOrchestrator(jobStore, registry, jobs.LLMStreamer{Client: llmClient}, publisher, jobs.Config{
		FlushEvery:           cfg.Jobs.StreamFlushEvery,
		ExtendedContextLimit: cfg.Jobs.ExtendedContextLimit,
	})
	gate := service.NewSelectionGate()

	var suggester service.QuestionSuggester
	if cfg.Suggest.Enabled {
		suggester = service.NewSuggester(llmClient, cfg.Suggest.Model, cfg.Suggest.MaxQuestions)
		slog.InfoContext(ctx, "follow-up suggestions enabled", "model", cfg.Suggest.Model)
	}

	svc := service.NewAnalysisService(
		orchestrator,
		jobStore,
		registry,
		deferred,
		gate,
		stores.Analyses(),
		stores.Threads(),
		publisher,
		suggester,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, svc, redisClient)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: the SSE feed holds its response open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	// Let running jobs reach their terminal state so completed results land
	// in the database instead of dying with the process.
	slog.InfoContext(shutdownCtx, "draining analysis jobs")
	orchestrator.Wait()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, svc service.AnalysisService, redisClient *redis.Client) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, svc, httprouter.RouterConfig{
		EventStream: cfg.Events.Stream,
		Redis:       redisClient,
	})

	return router
}

func toLLMConfig(cfg config.LLMConfig) llm.Config {
	return llm.Config{
		Protocol:        cfg.Protocol,
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		Model:           cfg.Model,
		MaxTokens:       cfg.MaxTokens,
		ReasoningEffort: llm.ReasoningEffort(cfg.ReasoningEffort),
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBase:     cfg.BackoffBase,
		Timeout:         cfg.Timeout,
	}
}

const banner = `
██╗███╗   ██╗███████╗██╗ ██████╗ ██╗  ██╗████████╗
██║████╗  ██║██╔════╝██║██╔════╝ ██║  ██║╚══██╔══╝
██║██╔██╗ ██║███████╗██║██║  ███╗███████║   ██║
██║██║╚██╗██║╚════██║██║██║   ██║██╔══██║   ██║
██║██║ ╚████║███████║██║╚██████╔╝██║  ██║   ██║
╚═╝╚═╝  ╚═══╝╚══════╝╚═╝ ╚═════╝ ╚═╝  ╚═╝   ╚═╝
`
