package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/adapters"
	"github.com/scholarly/ingestd/internal/backup"
	"github.com/scholarly/ingestd/internal/breaker"
	cfgpkg "github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/consistency"
	"github.com/scholarly/ingestd/internal/dedupe"
	"github.com/scholarly/ingestd/internal/httpapi"
	"github.com/scholarly/ingestd/internal/job"
	logpkg "github.com/scholarly/ingestd/internal/logger"
	mpkg "github.com/scholarly/ingestd/internal/metrics"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/pipeline"
	"github.com/scholarly/ingestd/internal/security"
	"github.com/scholarly/ingestd/internal/store/blob"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
)

func main() {
	_ = godotenv.Load()

	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	rel, err := relational.Open(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open relational store")
	}
	defer rel.Close()

	vec, err := vector.Open(cfg.Storage.VectorDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vector store")
	}

	ctx := context.Background()
	blobStore, err := blob.Open(ctx, cfg.Storage, os.Getenv("BLOB_ENCRYPTION_PASSPHRASE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open blob store")
	}

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	br := breaker.New(redisClient, cfg.Circuit.FailureThreshold, cfg.Circuit.Window, cfg.Circuit.OpenDuration, cfg.Circuit.ProbeTimeout)

	validator := security.NewValidator(cfg.Upload)
	limiter := security.NewRateLimiter(redisClient, cfg.Upload)

	ocr := adapters.NewHTTPOCR(cfg, br)
	quality := adapters.NewHTTPQuality(cfg, br)
	layout := adapters.NewHTTPLayout(cfg, br)
	embedderModel := getEnvOr("EMBEDDER_MODEL_NAME", "embedder-v1")
	embedderDim := 768
	embedder := adapters.NewHTTPEmbedder(cfg, br, embedderModel, embedderDim)
	metadataCascade := []adapters.MetadataTier{
		adapters.NewStructuredLLMTier(cfg, br),
		adapters.NewSimpleLLMTier(cfg, br),
		adapters.NewRuleBasedTier(),
	}

	dedupEngine := dedupe.New(rel, vec, cfg.Dedup)

	queue, err := job.NewPriorityQueue(cfg.Queue.RedisURL, cfg.Queue.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect job queue to redis")
	}
	defer queue.Close()

	mpkg.Init()
	tracker := mpkg.NewTracker(200)
	sampler := mpkg.NewSampler(30*time.Second, 24*time.Hour, "/")
	samplerCtx, cancelSampler := context.WithCancel(context.Background())
	go sampler.Run(samplerCtx)
	defer cancelSampler()

	orchestrator := pipeline.New(rel, vec, blobStore, dedupEngine, queue, ocr, quality, layout, embedder, metadataCascade, tracker)

	engine := job.New(rel, queue, validator, limiter, orchestrator, cfg.Job, cfg.Storage.TempDir)
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	engine.Start(engineCtx)
	defer func() {
		cancelEngine()
		engine.Stop()
	}()

	var engineMu sync.Mutex

	backupMgr := backup.New(rel, cfg.Backup, cfg.Storage.SQLitePath, cfg.Storage.VectorDir)
	backupCtx, cancelBackup := context.WithCancel(context.Background())
	go backupMgr.RunSchedule(backupCtx)
	defer cancelBackup()

	checker := consistency.New(rel, vec)

	apiServer := httpapi.New(engine, rel, vec, blobStore, backupMgr, checker, limiter, embedder)
	apiServer.AdminToken = cfg.Server.AdminToken
	apiServer.Tracker = tracker
	apiServer.Sampler = sampler
	breakerServices := []string{"ocr", "quality", "layout", "structured-llm", "simple-llm", "embedder"}
	apiServer.Breakers = func(ctx context.Context) []model.ServiceBreakerState {
		out := make([]model.ServiceBreakerState, 0, len(breakerServices))
		for _, svc := range breakerServices {
			out = append(out, br.State(ctx, svc))
		}
		return out
	}
	apiServer.Pause = func() {
		engineMu.Lock()
		defer engineMu.Unlock()
		log.Warn().Msg("pausing ingestion for restore")
		cancelEngine()
		engine.Stop()
	}
	apiServer.Resume = func() {
		engineMu.Lock()
		defer engineMu.Unlock()
		engineCtx, cancelEngine = context.WithCancel(context.Background())
		engine.Start(engineCtx)
		log.Info().Msg("resumed ingestion after restore")
	}

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	mux.Handle("/metrics", mpkg.Handler())

	port := cfg.Server.Port
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			depthCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			byPriority, _, err := queue.Depth(depthCtx)
			cancel()
			if err != nil {
				continue
			}
			for priority, depth := range byPriority {
				mpkg.SetQueueDepth(priority.String(), depth)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	fmt.Println("shutdown complete")
}

func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

