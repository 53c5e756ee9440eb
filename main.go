package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"audioinsight/analyze"
	"audioinsight/api"
	"audioinsight/cache"
	"audioinsight/config"
	"audioinsight/ffmpeg"
	"audioinsight/logger"
	"audioinsight/openai"
	"audioinsight/pipeline"
	"audioinsight/postgres"
	"audioinsight/task"
	"audioinsight/transcribe"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load configuration; a missing .env is fine.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	if cfg.Environment != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Storage: Postgres when configured, memory otherwise.
	registry, resultCache, db := setupStorage(ctx, cfg, log)
	if db != nil {
		defer db.Close()
	}

	// 3. Pipeline collaborators
	converter, err := ffmpeg.NewConverter(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize ffmpeg converter")
	}

	openaiClient := openai.NewClient(openai.Options{
		BaseURL:         cfg.OpenAIBaseURL,
		APIKey:          cfg.OpenAIAPIKey,
		Timeout:         cfg.RequestTimeout,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
		Log:             log,
	})
	transcriber := transcribe.New(openaiClient, cfg.TranscribeModel, cfg.TranscribeLanguage, log)

	chat := analyze.NewChatBackend(openaiClient)
	if cfg.VerifyCredentials {
		verifyCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		err := chat.Verify(verifyCtx)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("API credential rejected")
		}
		log.Info("API credential verified")
	}

	var gemini analyze.Backend
	if cfg.GeminiAPIKey != "" {
		g, err := analyze.NewGeminiBackend(ctx, cfg.GeminiAPIKey)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize Gemini backend")
		}
		gemini = g
	}

	prompts, err := analyze.NewPrompts(cfg.AnalysisLanguage)
	if err != nil {
		log.WithError(err).Fatal("Failed to load analysis prompts")
	}
	analyzer := analyze.NewService(chat, gemini, prompts, log)

	plan := task.NewProgressPlan(cfg.ConvertWeight, cfg.TranscribeWeight, cfg.AnalyzeWeight)
	runner := pipeline.New(converter, transcriber, analyzer, resultCache, plan, log)

	// 4. Task manager
	taskManager, err := task.NewManager(cfg, registry, runner, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize task manager")
	}

	// 5. Router and server
	router := api.SetupRouter(taskManager, cfg, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Tasks a previous process left processing will never finish.
	if _, err := taskManager.Recover(ctx); err != nil {
		log.WithError(err).Error("Failed to recover interrupted tasks")
	}
	taskManager.Start(ctx)

	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen failed")
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	// Running pipelines are bounded by TASK_TIMEOUT.
	taskManager.Wait()
	if err := converter.Close(); err != nil {
		log.WithError(err).Warn("Failed to clean up work directory")
	}
	log.Info("Server exiting")
}

// setupStorage picks the task registry and result cache. An unreachable
// database degrades to in-memory state instead of refusing to start.
func setupStorage(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (task.Registry, cache.Cache, *sql.DB) {
	if cfg.DatabaseURL == "" {
		log.Info("Using in-memory task registry and result cache")
		return task.NewMemoryRegistry(), cache.NewMemory(), nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err == nil {
		err = postgres.Migrate(ctx, db, log)
		if err != nil {
			db.Close()
		}
	}
	if err != nil {
		log.WithError(err).Warn("Database unavailable, falling back to in-memory registry without result cache")
		return task.NewMemoryRegistry(), cache.Nop{}, nil
	}

	log.Info("Using PostgreSQL task registry and result cache")
	return postgres.NewTaskRegistry(db), postgres.NewResultCache(db), db
}
