package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/flowguard/internal/admission"
	"github.com/telhawk-systems/flowguard/internal/config"
	"github.com/telhawk-systems/flowguard/internal/dlq"
	"github.com/telhawk-systems/flowguard/internal/enrich"
	"github.com/telhawk-systems/flowguard/internal/export"
	"github.com/telhawk-systems/flowguard/internal/handlers"
	"github.com/telhawk-systems/flowguard/internal/idempotency"
	"github.com/telhawk-systems/flowguard/internal/logging"
	"github.com/telhawk-systems/flowguard/internal/persist"
	"github.com/telhawk-systems/flowguard/internal/pipeline"
	"github.com/telhawk-systems/flowguard/internal/queue"
	"github.com/telhawk-systems/flowguard/internal/ratelimit"
	"github.com/telhawk-systems/flowguard/internal/server"
	"github.com/telhawk-systems/flowguard/internal/service"
	"github.com/telhawk-systems/flowguard/internal/sources"
	"github.com/telhawk-systems/flowguard/internal/sourcestats"
	"github.com/telhawk-systems/flowguard/internal/ttlcache"

	natsclient "github.com/telhawk-systems/flowguard/internal/messaging/nats"
)

type rateLimiter interface {
	service.RateLimiter
	Close() error
}

// app is a wired flowguard instance. Fields are listed in build order;
// shutdown releases them in roughly the reverse.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	redis      *redis.Client
	pgStore    *sources.PostgresStore
	stopWatch  func()
	cache      *sources.Cache
	limiter    rateLimiter
	usage      *sourcestats.Client
	collector  *sourcestats.Collector
	controller *admission.Controller
	guard      *idempotency.Guard
	queue      *queue.Queue
	store      persist.Store
	dead       *dlq.Store
	js         *natsclient.JetStreamClient
	dispatcher *export.Dispatcher
	pool       *pipeline.Pool
	server     *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	a.initRedis(ctx)
	if err = a.initSources(ctx); err != nil {
		return nil, err
	}
	a.initLimiter()
	a.initStats()

	var opts []admission.Option
	if a.collector != nil {
		opts = append(opts, admission.WithStatsRecorder(a.collector))
	}
	a.controller = admission.NewController(admission.Config{
		Enabled:             cfg.Admission.Enabled,
		LogOnly:             cfg.Admission.LogOnly,
		FailOpen:            cfg.Admission.FailOpen,
		BlockUnknownSources: cfg.Admission.BlockUnknownSources,
		MaxTrackedSources:   cfg.Admission.MaxTrackedSources,
	}, a.cache, logger.Logger, opts...)

	a.initIdempotency()
	a.queue = queue.New(cfg.Queue.Capacity)

	components, err := a.initEnrichment()
	if err != nil {
		return nil, err
	}
	if err = a.initPersist(ctx); err != nil {
		return nil, err
	}
	if err = a.initDLQ(); err != nil {
		return nil, err
	}
	if err = a.initExport(ctx); err != nil {
		return nil, err
	}

	components.Store = a.store
	if a.dispatcher != nil {
		components.Dispatcher = a.dispatcher
	}
	a.pool = pipeline.NewPool(a.queue, pipeline.Stages(components), pipeline.Config{
		Workers:      cfg.Pipeline.Workers,
		StageTimeout: cfg.Pipeline.StageTimeout,
	}, logger.Logger)

	var dedup service.Deduper
	if a.guard != nil {
		dedup = a.guard
	}
	svc := service.NewIngestService(service.Config{RetryAfter: cfg.Queue.RetryAfter},
		a.limiter, a.controller, dedup, a.queue, logger.Logger)

	deps := handlers.HealthDeps{Queue: a.queue, Pool: a.pool, Sources: a.controller}
	if a.dead != nil {
		deps.DLQ = a.dead
	}
	if a.usage != nil {
		deps.Usage = a.usage
	}

	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	flows := handlers.NewFlowHandler(svc, handlers.FlowHandlerConfig{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		TrustedProxies: proxies,
	}, logger)

	a.server = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.NewRouter(
			flows,
			handlers.NewHealthHandler(deps, logger),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

// initRedis connects the shared client. An unreachable Redis downgrades the
// instance to in-process stores rather than failing startup.
func (a *app) initRedis(ctx context.Context) {
	if !a.cfg.Redis.Enabled {
		a.logger.Info("redis disabled, using in-process rate limit and idempotency stores")
		return
	}
	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		a.logger.Warn("invalid redis url, continuing without redis", logging.Error(err))
		return
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		a.logger.Warn("redis unreachable, continuing without redis", logging.Error(err))
		return
	}
	a.redis = client
	a.logger.Info("redis connected", slog.String("addr", opts.Addr))
}

func (a *app) initSources(ctx context.Context) error {
	cfg := a.cfg.Sources

	var (
		store     sources.Store
		fileStore *sources.FileStore
	)
	switch cfg.Backend {
	case "file":
		fs, err := sources.NewFileStore(cfg.File)
		if err != nil {
			return err
		}
		store, fileStore = fs, fs
	case "postgres":
		if a.cfg.Database.MigrateOnStart {
			if err := sources.Migrate(a.cfg.Database.URL, a.cfg.Database.MigrationsURL); err != nil {
				return err
			}
			a.logger.Info("database migrations applied")
		}
		pg, err := sources.NewPostgresStore(ctx, a.cfg.Database.URL)
		if err != nil {
			return err
		}
		store, a.pgStore = pg, pg
	default:
		store = sources.NewMemoryStore()
	}

	a.cache = sources.NewCache(store, cfg.CacheTTL, ttlcache.WithMaxEntries(cfg.CacheMaxEntries))
	if fileStore != nil && cfg.Watch {
		stop, err := fileStore.Watch(a.logger.Logger, a.cache.Purge)
		if err != nil {
			a.logger.Warn("sources file watch unavailable, changes need a restart", logging.Error(err))
		} else {
			a.stopWatch = stop
		}
	}

	a.logger.Info("source store ready",
		slog.String("backend", cfg.Backend),
		slog.Duration("cache_ttl", cfg.CacheTTL),
	)
	return nil
}

func (a *app) initLimiter() {
	cfg := a.cfg.RateLimit
	if !cfg.Enabled {
		a.limiter = ratelimit.NoOpRateLimiter{}
		a.logger.Info("rate limiting disabled in configuration")
		return
	}

	var store ratelimit.Store
	if a.redis != nil {
		store = ratelimit.NewRedisStore(a.redis, cfg.Window)
	} else {
		store = ratelimit.NewMemoryStore(cfg.Window)
	}
	a.limiter = ratelimit.NewLimiter(store, cfg.Requests, a.logger.Logger)
	a.logger.Info("rate limiting enabled",
		slog.Int("requests", cfg.Requests),
		slog.Duration("window", cfg.Window),
		slog.Bool("shared", a.redis != nil),
	)
}

// initStats enables cross-instance source usage stats. They live in Redis
// only; without it, /sources/{id}/health reports local state alone.
func (a *app) initStats() {
	if a.redis == nil {
		return
	}
	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	a.usage = sourcestats.NewClientFromRedis(a.redis, instanceID)
	a.collector = sourcestats.NewCollector(a.usage, a.cfg.Stats.FlushInterval, a.logger.Logger)
	a.logger.Info("source stats collector enabled",
		slog.String("instance", instanceID),
		slog.Duration("flush_interval", a.cfg.Stats.FlushInterval),
	)
}

func (a *app) initIdempotency() {
	cfg := a.cfg.Idempotency
	if !cfg.Enabled {
		a.logger.Info("duplicate batch detection disabled")
		return
	}

	var store idempotency.Store
	if a.redis != nil {
		store = idempotency.NewRedisStore(a.redis)
	} else {
		store = idempotency.NewMemoryStore(cfg.TTL, cfg.MaxEntries)
	}
	a.guard = idempotency.NewGuard(store, cfg.TTL, a.logger.Logger)
}

func (a *app) initEnrichment() (pipeline.Components, error) {
	var c pipeline.Components

	if len(a.cfg.Enrichment.Networks) > 0 {
		table, err := enrich.NewStaticTable(a.cfg.Enrichment.Networks)
		if err != nil {
			return c, fmt.Errorf("enrichment networks: %w", err)
		}
		c.Geo, c.ASN = table, table
	}

	for _, feed := range a.cfg.Enrichment.Indicators {
		set, err := enrich.NewIndicatorSet(feed.Name, feed.CIDRs, feed.Domains)
		if err != nil {
			return c, fmt.Errorf("indicator feed %q: %w", feed.Name, err)
		}
		c.Indicators = append(c.Indicators, set)
		a.logger.Info("indicator feed loaded",
			slog.String("feed", set.Feed()),
			logging.Count(set.Size()),
		)
	}
	return c, nil
}

func (a *app) initPersist(ctx context.Context) error {
	cfg := a.cfg.Persist
	switch cfg.Backend {
	case "file":
		fs, err := persist.NewFileStore(cfg.Dir, cfg.FilePrefix)
		if err != nil {
			return err
		}
		a.store = fs
	case "opensearch":
		osStore, err := persist.NewOpenSearchStore(cfg.OpenSearch)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := osStore.Ping(pingCtx); err != nil {
			a.logger.Warn("opensearch not reachable, records may fail to persist until it is",
				logging.Error(err),
			)
		}
		a.store = osStore
	default:
		a.store = persist.NopStore{}
	}
	a.logger.Info("record store ready", slog.String("backend", cfg.Backend))
	return nil
}

func (a *app) initDLQ() error {
	if !a.cfg.DLQ.Enabled {
		a.logger.Warn("dead-letter queue disabled, undeliverable batches will be dropped")
		return nil
	}
	store, err := openDLQ(a.cfg, a.logger.Logger)
	if err != nil {
		return err
	}
	a.dead = store
	return nil
}

func openDLQ(cfg *config.Config, logger *slog.Logger) (*dlq.Store, error) {
	if !cfg.DLQ.Enabled {
		return nil, dlq.ErrDisabled
	}
	return dlq.New(dlq.Config{
		Dir:          cfg.DLQ.Dir,
		MaxAge:       cfg.DLQ.MaxAge,
		MaxSizeBytes: cfg.DLQ.MaxSizeBytes,
	}, logger)
}

func (a *app) initExport(ctx context.Context) error {
	cfg := a.cfg.Export

	var sinks []export.Sink
	for _, hc := range cfg.HEC {
		sink, err := export.NewHECSink(hc)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Username = cfg.NATS.Username
		natsCfg.Password = cfg.NATS.Password
		natsCfg.Token = cfg.NATS.Token
		js, err := natsclient.NewJetStreamClient(natsCfg, a.logger.Logger)
		if err != nil {
			return err
		}
		a.js = js
		if cfg.NATS.CreateStream {
			if _, err := js.CreateOrUpdateStream(ctx, natsclient.ExportStream); err != nil {
				return err
			}
		}
		sinks = append(sinks, export.NewNATSSink(cfg.NATS.SinkName, js))
	}

	if len(sinks) == 0 {
		a.logger.Info("no export destinations configured, records are persisted only")
		return nil
	}

	var dead export.DeadLetterWriter
	if a.dead != nil {
		dead = a.dead
	}
	manager := export.NewManager(sinks, dead, export.Config{
		BatchSize:       cfg.BatchSize,
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       cfg.BaseDelay,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, a.logger.Logger)
	a.dispatcher = export.NewDispatcher(manager, export.DispatcherConfig{
		BufferSize:    cfg.BufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, a.logger.Logger)

	a.logger.Info("export destinations configured", slog.Any("destinations", manager.Sinks()))
	return nil
}

// run serves until ctx is canceled or the listener fails, then shuts down.
func (a *app) run(ctx context.Context) error {
	a.pool.Start()

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if a.dead != nil && a.cfg.DLQ.CleanupInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.dead.RunJanitor(janitorCtx, a.cfg.DLQ.CleanupInterval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("flowguard listening",
			slog.String("addr", a.server.Addr),
			slog.Int("workers", a.pool.Workers()),
			slog.Int("queue_capacity", a.queue.Capacity()),
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
		a.logger.Error("server error", logging.Error(serveErr))
	}

	err := a.shutdown()
	stopJanitor()
	wg.Wait()
	return errors.Join(serveErr, err)
}

// shutdown stops intake first, drains the workers within the grace period,
// flushes pending exports and then releases stores and connections.
func (a *app) shutdown() error {
	grace := a.cfg.Server.ShutdownTimeout
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker drain: %w", err))
	}

	if a.dispatcher != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), grace)
		if err := a.dispatcher.Close(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("export drain: %w", err))
		}
		drainCancel()
	}

	a.closeStores()
	a.logger.Info("flowguard stopped")
	return errors.Join(errs...)
}

// closeStores releases whatever has been built. It tolerates a partially
// constructed app.
func (a *app) closeStores() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("record store close failed", logging.Error(err))
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.controller != nil {
		a.controller.Close()
	}
	if a.guard != nil {
		_ = a.guard.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.js != nil {
		if err := a.js.Drain(); err != nil {
			_ = a.js.Close()
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Warn("redis close failed", logging.Error(err))
		}
	}
}
