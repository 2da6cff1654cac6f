package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/flowdeck/flowdeck/internal/activation"
	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/config"
	"github.com/flowdeck/flowdeck/internal/engine"
	"github.com/flowdeck/flowdeck/internal/filestore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/flowsvc"
	"github.com/flowdeck/flowdeck/internal/lock"
	"github.com/flowdeck/flowdeck/internal/pieces"
	"github.com/flowdeck/flowdeck/internal/queue"
	"github.com/flowdeck/flowdeck/internal/runstore"
	"github.com/flowdeck/flowdeck/internal/runsvc"
	"github.com/flowdeck/flowdeck/internal/sandbox"
	"github.com/flowdeck/flowdeck/internal/token"
	"github.com/flowdeck/flowdeck/internal/tracing"
	"github.com/flowdeck/flowdeck/internal/trigger"
	"github.com/flowdeck/flowdeck/internal/webhook"
	"github.com/flowdeck/flowdeck/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Setup(ctx, tracing.Options{
		Service:    "flowdeck-orchestrator",
		Version:    "1.0.0",
		Endpoint:   cfg.OTLPEndpoint,
		Enabled:    cfg.TracingEnabled,
		SampleRate: cfg.TraceSample,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	var (
		flows       flowstore.FlowStore
		collections collectionstore.CollectionStore
		runs        runstore.RunStore
		jobs        queue.Queue
		locks       lock.Service
	)
	switch cfg.StoreType {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		if cfg.RedisDB != 0 {
			opts.DB = cfg.RedisDB
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()

		flows = flowstore.NewRedisStore(client, "flowdeck")
		collections = collectionstore.NewRedisStore(client, "flowdeck")
		runs = runstore.NewRedisStore(client, "flowdeck", 0)
		jobs = queue.NewRedisQueue(client, "flowdeck")
		locks = lock.NewRedisService(client, "flowdeck", 0)
		logger.Info("stores initialized", "type", "redis")
	case "memory":
		flows = flowstore.NewMemoryStore()
		collections = collectionstore.NewMemoryStore()
		runs = runstore.NewMemoryStore()
		jobs = queue.NewMemoryQueue()
		locks = lock.NewMemoryService()
		logger.Info("stores initialized", "type", "memory")
	default:
		return fmt.Errorf("unknown store type %q", cfg.StoreType)
	}
	defer flows.Close()
	defer collections.Close()
	defer runs.Close()
	defer jobs.Close()

	var files filestore.Store
	switch cfg.FileStoreType {
	case "s3":
		files, err = filestore.NewS3Store(ctx, &filestore.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      "files",
		})
		if err != nil {
			return fmt.Errorf("init s3 file store: %w", err)
		}
	case "memory":
		files = filestore.NewMemoryStore()
	default:
		return fmt.Errorf("unknown file store type %q", cfg.FileStoreType)
	}
	defer files.Close()

	pool := sandbox.NewPool(cfg.SandboxCount, sandbox.Options{
		Root:     cfg.SandboxRoot,
		Isolator: cfg.SandboxIsolator,
		Timeout:  cfg.SandboxTimeout,
	})
	signer := token.NewSigner(cfg.TokenSecret, cfg.TokenTTL)
	registry := pieces.NewMemoryRegistry()

	runner, err := engine.New(pool, signer, cfg.EngineCommand, cfg.EngineBundle, cfg.APIURL, logger)
	if err != nil {
		return fmt.Errorf("init engine runner: %w", err)
	}

	runService := runsvc.New(runs, flows, collections, jobs, logger)
	triggerEngine := trigger.New(jobs, registry, cfg.APIURL, logger)
	flowService := flowsvc.New(flows, files, registry, locks)
	activationService := activation.New(collections, flows, triggerEngine, logger)

	w := worker.New(jobs, runService, flows, collections, files, runner, locks, cfg.WorkerConcurrency, logger)
	go w.Start(ctx)

	httpServer := webhook.NewServer(webhook.Deps{
		Flows:       flows,
		Collections: collections,
		Runs:        runService,
		FlowSvc:     flowService,
		Instances:   activationService,
		Verifier:    signer,
		Tracer:      tracer,
	}, cfg.RateLimitRPS, cfg.RateLimitBurst, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpServer.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
