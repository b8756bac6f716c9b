package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"clip-orchestrator/internal/api"
	"clip-orchestrator/internal/config"
	"clip-orchestrator/internal/discovery"
	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/notify"
	"clip-orchestrator/internal/orchestrator"
	"clip-orchestrator/internal/pipeline"
	"clip-orchestrator/internal/ratelimit"
	"clip-orchestrator/internal/store"
	"clip-orchestrator/internal/worker"
)

// app holds everything a command needs and releases it in Close.
type app struct {
	cfg    config.Config
	store  store.Store
	redis  *redis.Client
	orch   *orchestrator.Orchestrator
	logger *log.Logger
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return store.NewSQLite(cfg.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func migrate(ctx context.Context, st store.Store) error {
	m, ok := st.(store.Migrator)
	if !ok {
		return nil
	}
	if err := m.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// newApp opens the store and builds the orchestrator. withPipeline=false is for commands
// that only observe or enqueue and never process jobs.
func newApp(ctx context.Context, cfg config.Config, withPipeline bool) (*app, error) {
	logger := log.Default()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a := &app{cfg: cfg, store: st, logger: logger}
	if err := migrate(ctx, st); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Printf("[clipd] redis %s unreachable, running without seen cache and submit limiter: %v", cfg.RedisAddr, err)
			_ = client.Close()
		} else {
			a.redis = client
		}
	}

	proc, err := buildProcessor(ctx, cfg, withPipeline, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := orchestrator.Deps{
		Store:      st,
		Processor:  proc,
		Discoverer: buildDiscoverer(cfg),
		Notifier:   buildNotifier(cfg, logger),
		Logger:     logger,
	}
	if a.redis != nil {
		deps.Seen = discovery.NewSeenCache(a.redis, cfg.SeenTTL)
	}
	a.orch, err = orchestrator.New(cfg, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func buildProcessor(ctx context.Context, cfg config.Config, withPipeline bool, logger *log.Logger) (worker.Processor, error) {
	if !withPipeline {
		return worker.ProcessorFunc(func(context.Context, models.Job) (string, error) {
			return "", models.Fatal(errors.New("pipeline not configured for this command"))
		}), nil
	}
	if cfg.PipelineCommand == "" {
		return nil, errors.New("PIPELINE_COMMAND is required to run the orchestrator")
	}

	var uploader pipeline.Uploader = &pipeline.LocalUploader{BaseDir: cfg.OutputDir}
	if cfg.S3Bucket != "" {
		u, err := pipeline.NewS3Uploader(ctx, pipeline.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		uploader = u
	}
	publisher := pipeline.NewPublisher(uploader, cfg.ThumbWidth, cfg.ThumbHeight)
	return pipeline.NewCommandProcessor(cfg.PipelineCommand, cfg.WorkDir, publisher, logger)
}

func buildDiscoverer(cfg config.Config) discovery.Discoverer {
	sources := discovery.Multi{discovery.Static(cfg.DiscoveryRefs)}
	if cfg.DiscoveryRefsFile != "" {
		sources = append(sources, discovery.File{Path: cfg.DiscoveryRefsFile})
	}
	client := &http.Client{Timeout: 30 * time.Second}
	for _, u := range cfg.DiscoveryFeeds {
		sources = append(sources, &discovery.Feed{URL: u, MaxAge: cfg.DiscoveryMaxAge, Client: client})
	}
	return sources
}

func buildNotifier(cfg config.Config, logger *log.Logger) *notify.Dispatcher {
	notifiers := []notify.Notifier{notify.Log{Logger: logger}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, cfg.WebhookFormat))
	}
	return notify.NewDispatcher(cfg.NotifyTimeout, logger, notifiers...)
}

// limiter returns nil when Redis is unavailable so submissions are not throttled.
func (a *app) limiter() api.Limiter {
	if a.redis == nil {
		return nil
	}
	return ratelimit.NewTokenBucket(a.redis, a.cfg.SubmitRateCapacity, a.cfg.SubmitRateRefill, time.Hour)
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Printf("[clipd] close store: %v", err)
		}
	}
}
