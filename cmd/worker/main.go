package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"call-lead-pipeline/internal/config"
	"call-lead-pipeline/internal/extractor"
	"call-lead-pipeline/internal/logger"
	"call-lead-pipeline/internal/queue"
	"call-lead-pipeline/internal/ratelimit"
	"call-lead-pipeline/internal/recordings"
	"call-lead-pipeline/internal/store"
	"call-lead-pipeline/internal/stt"
	"call-lead-pipeline/internal/telemetry"
	"call-lead-pipeline/internal/tracker"
	"call-lead-pipeline/internal/transcriber"
	workerproc "call-lead-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	log := logger.New()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithModule("worker").WithField("error", err.Error()).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithModule("worker").WithField("error", err.Error()).Fatal("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	dispatch := queue.NewDispatchWithClient(redisClient)

	resolver, err := recordings.NewResolver(ctx, cfg)
	if err != nil {
		log.WithModule("worker").WithField("error", err.Error()).Fatal("init recording resolver")
	}
	transcriptionWorker := transcriber.New(st, stt.NewClient(cfg), resolver, cfg, log)

	// Outbound reasoning-service calls share one pacing budget across
	// worker replicas.
	llmBucket := ratelimit.NewTokenBucket(redisClient, cfg.LLMRateCapacity, cfg.LLMRateRefill, 0)
	llmLimiter := ratelimit.NewWaiter(llmBucket, "rl:llm", 0)
	trk := &tracker.Log{Entry: log.WithModule("extractor")}
	extractionClient := extractor.NewClient(cfg, trk, llmLimiter, log)
	orchestrator := extractor.NewOrchestrator(st, extractionClient, cfg, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithModule("worker").WithField("error", err.Error()).Warn("metrics server stopped")
		}
	}()

	processor := workerproc.NewProcessor(cfg, dispatch, transcriptionWorker, orchestrator, log)
	log.WithModule("worker").WithField("poll_interval", cfg.WorkerPollInterval.String()).Info("worker started")
	if err := processor.Run(ctx); err != nil {
		log.WithModule("worker").WithField("error", err.Error()).Info("worker stopped")
	}
}
