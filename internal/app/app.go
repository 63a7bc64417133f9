// Package app wires configuration into the running pipeline: queue store,
// queues, limiter, render pool, workers, orchestrator and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/auth"
	"github.com/funnelsmith/api/internal/client"
	"github.com/funnelsmith/api/internal/config"
	"github.com/funnelsmith/api/internal/health"
	"github.com/funnelsmith/api/internal/maintenance"
	"github.com/funnelsmith/api/internal/metrics"
	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/pipeline"
	"github.com/funnelsmith/api/internal/queue"
	"github.com/funnelsmith/api/internal/ratelimit"
	"github.com/funnelsmith/api/internal/render"
	"github.com/funnelsmith/api/internal/renderpool"
	"github.com/funnelsmith/api/internal/service"
	"github.com/funnelsmith/api/internal/store/memstore"
	"github.com/funnelsmith/api/internal/store/redisstore"
	"github.com/funnelsmith/api/internal/worker"
)

// App holds the long-lived components of one process
type App struct {
	Config *config.Config
	Log    *zap.Logger

	Store        queue.Store
	Redis        *redis.Client
	Queues       *queue.Registry
	Limiter      ratelimit.Budget
	Engines      *renderpool.Pool
	Metrics      *metrics.Collector
	Orchestrator *pipeline.Orchestrator
	Pipeline     *service.PipelineService
	Health       *health.Reporter
	Sweeper      *maintenance.Sweeper
	Verifier     auth.TokenVerifier

	groq    *client.GroqClient
	storage client.StorageClient
	pools   []*worker.Pool
}

// New connects the configured queue store and builds the app. With an
// issuer configured it also discovers the provider's signing keys.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	var a *App
	if cfg.IsMemoryStore() {
		log.Info("using in-memory queue store")
		a = NewWithStore(cfg, log, memstore.New(), nil)
	} else {
		store, err := redisstore.Connect(ctx, RedisStoreConfig(cfg), log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect queue store: %w", err)
		}
		a = NewWithStore(cfg, log, store, store.Client())
	}

	if cfg.JWT.Enabled && cfg.JWT.Issuer != "" {
		verifier, err := auth.NewJWKSVerifier(ctx, cfg.JWT.Issuer, cfg.JWT.Audience)
		if err != nil {
			// HS256 tokens keep working when the provider is unreachable
			log.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			a.Verifier = verifier
		}
	}
	return a, nil
}

// NewWithStore builds the app on an existing store. redisClient may be nil,
// which disables the submission rate limit and keeps the generative API
// budget in process memory.
func NewWithStore(cfg *config.Config, log *zap.Logger, store queue.Store, redisClient *redis.Client) *App {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		Store:   store,
		Redis:   redisClient,
		Queues:  queue.NewRegistry(store, QueueOptions(cfg.Queues)),
		Metrics: metrics.New(),
	}

	budget := ratelimit.Config{
		RequestsPerInterval: cfg.RateLimit.RequestsPerMinute,
		CostPerInterval:     cfg.RateLimit.CostPerMinute,
		Interval:            time.Minute,
	}
	if redisClient != nil {
		prefix := ratelimit.DefaultRedisPrefix
		if cfg.Store.Prefix != "" {
			prefix = cfg.Store.Prefix + ":budget"
		}
		a.Limiter = ratelimit.NewRedis(redisClient, prefix, budget, log)
	} else {
		a.Limiter = ratelimit.New(budget, log)
	}

	a.Engines = renderpool.New(renderpool.Config{
		MaxSize: cfg.Render.PoolSize,
		MaxIdle: cfg.Render.MaxIdle,
	}, launcher(cfg.Render, log), log)

	a.groq = client.NewGroqClient(&cfg.Groq, log).WithBudget(a.Limiter)
	if !a.groq.IsConfigured() {
		log.Info("groq not configured, using mock outlines")
	}
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized", zap.Error(err))
		} else {
			a.storage = r2
		}
	} else {
		log.Info("R2 storage not configured, using mock storage")
	}

	a.Orchestrator = pipeline.NewOrchestrator(a.Queues, log)
	a.Pipeline = service.NewPipelineService(a.Queues)
	if a.storage != nil && cfg.R2.PublicURL == "" {
		log.Info("R2 bucket has no public URL, status responses carry signed download links")
		a.Pipeline.WithSigner(service.NewUploadService(a.storage), service.DefaultDownloadExpiry)
	}
	a.Health = health.NewReporter(a.Queues, a.Limiter, a.Engines, log)
	a.Sweeper = maintenance.NewSweeper(a.Queues, maintenance.PolicyFromConfig(cfg.Maintenance), log)
	return a
}

// RedisStoreConfig maps the config onto the Redis store settings
func RedisStoreConfig(cfg *config.Config) redisstore.Config {
	return redisstore.Config{
		Addr:           cfg.Redis.Addr,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		TLS:            cfg.Redis.TLS,
		Prefix:         cfg.Store.Prefix,
		ConnectRetries: cfg.Store.ConnectRetries,
	}
}

// QueueOptions applies per-queue overrides to the stock options
func QueueOptions(overrides map[string]config.QueueConfig) map[string]queue.Options {
	opts := queue.DefaultOptions()
	for name, o := range opts {
		ov, ok := overrides[name]
		if !ok {
			continue
		}
		if ov.Concurrency > 0 {
			o.Concurrency = ov.Concurrency
		}
		if ov.Attempts > 0 {
			o.Attempts = ov.Attempts
		}
		if ov.Timeout > 0 {
			o.Timeout = time.Duration(ov.Timeout) * time.Second
		}
		if ov.RemoveOnComplete != 0 {
			o.RemoveOnComplete = ov.RemoveOnComplete
		}
		if ov.RemoveOnFail != 0 {
			o.RemoveOnFail = ov.RemoveOnFail
		}
		opts[name] = o
	}
	return opts
}

func launcher(cfg config.RenderConfig, log *zap.Logger) render.Launcher {
	if cfg.ServiceURL == "" {
		log.Info("render service not configured, using built-in PDF engine")
		return render.NewBuiltinLauncher()
	}
	return render.NewServiceLauncher(render.ServiceConfig{
		BaseURL: cfg.ServiceURL,
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	})
}

// handlers returns the stage handler of every pipeline queue
func (a *App) handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		model.QueueContent: worker.NewContentWorker(service.NewContentService(a.groq), a.Limiter, a.Log),
		model.QueueRender:  worker.NewRenderWorker(a.Engines, a.Log),
		model.QueueUpload:  worker.NewUploadWorker(service.NewUploadService(a.storage), a.Log),
	}
}

// StartWorkers starts one worker pool per pipeline queue, each chained to
// the next stage by the orchestrator
func (a *App) StartWorkers(ctx context.Context) error {
	if len(a.pools) > 0 {
		return errors.New("workers already started")
	}
	handlers := a.handlers()
	for _, q := range a.Queues.Pipeline() {
		p := worker.NewPool(q, handlers[q.Name()], a.Metrics, a.Log, worker.PoolConfig{
			ClaimTimeout: a.Config.Worker.ClaimTimeout,
		})
		p.Subscribe(a.Orchestrator)
		if err := p.Start(ctx); err != nil {
			return err
		}
		a.pools = append(a.pools, p)
	}
	return nil
}

// StopWorkers stops the worker pools, waiting for in-flight jobs until ctx ends
func (a *App) StopWorkers(ctx context.Context) error {
	var errs []error
	for _, p := range a.pools {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s workers: %w", p.Queue().Name(), err))
		}
	}
	a.pools = nil
	return errors.Join(errs...)
}

// Close releases the render pool and the queue store
func (a *App) Close() error {
	a.Engines.Shutdown()
	return a.Store.Close()
}
