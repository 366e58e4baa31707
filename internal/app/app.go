// Package app wires all Exobridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves traffic and executes the workers, and Shutdown
// tears everything down in order.
//
// For testing, inject fakes via functional options (WithBus, WithStore,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/exolabs/exobridge/internal/asr"
	"github.com/exolabs/exobridge/internal/bus"
	"github.com/exolabs/exobridge/internal/config"
	"github.com/exolabs/exobridge/internal/consumer"
	"github.com/exolabs/exobridge/internal/fanout"
	"github.com/exolabs/exobridge/internal/health"
	"github.com/exolabs/exobridge/internal/httpapi"
	"github.com/exolabs/exobridge/internal/ingest"
	"github.com/exolabs/exobridge/internal/intent"
	"github.com/exolabs/exobridge/internal/observe"
	"github.com/exolabs/exobridge/internal/registry"
	"github.com/exolabs/exobridge/internal/resilience"
	"github.com/exolabs/exobridge/internal/store"
	"github.com/exolabs/exobridge/internal/summary"
	"github.com/exolabs/exobridge/pkg/provider/llm"
	"github.com/exolabs/exobridge/pkg/provider/stt"
)

// shutdownGrace bounds how long Run waits for the HTTP server to drain
// in-flight requests after the context is cancelled.
const shutdownGrace = 10 * time.Second

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
}

// App owns all subsystem lifetimes and orchestrates the Exobridge pipeline.
type App struct {
	cfg       *config.Config
	log       *slog.Logger
	providers *Providers
	metrics   *observe.Metrics

	bus      bus.Bus
	registry registry.Registry
	store    store.Store
	kbPool   *pgxpool.Pool
	resolver *config.Resolver

	hub      *fanout.Hub
	ingest   *ingest.Server
	worker   *asr.Worker
	bridge   *asr.Bridge
	consumer *consumer.Consumer
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBus injects a message bus instead of creating one from config.
func WithBus(b bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithRegistry injects a call registry instead of creating one from config.
func WithRegistry(r registry.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTenantResolver injects a tenant settings resolver instead of creating
// one backed by the configured store.
func WithTenantResolver(r *config.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithMetrics injects a metrics bundle. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		log:       log,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// The worker dereferences the STT provider on every session open, so a
	// missing provider must fail here rather than on the first call. The LLM
	// slot may stay empty: intent and summary degrade gracefully without it.
	if a.providers.STT == nil {
		return nil, errors.New("app: no stt provider configured")
	}

	if err := a.initBus(); err != nil {
		return nil, fmt.Errorf("app: init bus: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if a.resolver == nil {
		a.initResolver()
	}
	a.initPipeline()
	a.initHTTP()

	return a, nil
}

// initBus creates the pub/sub bus and, when Redis backs it, the call registry
// on the same client.
func (a *App) initBus() error {
	needRegistry := a.registry == nil
	createdRegistry := false

	if a.bus == nil {
		switch a.cfg.PubSub.Adapter {
		case config.AdapterMemory:
			a.bus = bus.NewMemory()

		case config.AdapterStreams:
			client, err := a.redisClient()
			if err != nil {
				return err
			}
			var opts []bus.RedisOption
			if n := a.cfg.PubSub.StreamMaxLen; n > 0 {
				opts = append(opts, bus.WithStreamMaxLen(n))
			}
			a.bus = bus.NewRedis(client, opts...)
			if needRegistry {
				a.registry = registry.NewRedis(client)
				needRegistry = false
				createdRegistry = true
			}

		case config.AdapterLog:
			a.bus = bus.NewKafka(a.cfg.PubSub.KafkaBrokers)

		default:
			return fmt.Errorf("unknown pubsub adapter %q", a.cfg.PubSub.Adapter)
		}
		a.closers = append(a.closers, a.bus.Close)
	}

	if needRegistry {
		// A Redis registry is still preferred when a URL is configured, even
		// if the bus itself runs on Kafka or in memory.
		if a.cfg.PubSub.RedisURL != "" {
			client, err := a.redisClient()
			if err != nil {
				return err
			}
			a.registry = registry.NewRedis(client)
		} else {
			a.registry = registry.NewMemory()
		}
		createdRegistry = true
	}
	if createdRegistry {
		a.closers = append(a.closers, func(context.Context) error { return a.registry.Close() })
	}
	return nil
}

// redisClient dials the configured Redis URL.
func (a *App) redisClient() (*redis.Client, error) {
	if a.cfg.PubSub.RedisURL == "" {
		return nil, errors.New("pubsub.redis_url is required")
	}
	opt, err := redis.ParseURL(a.cfg.PubSub.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

// initStore creates the durable store. PostgreSQL when a DSN is configured,
// otherwise the in-memory store for single-node and test deployments.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = pg
		a.kbPool = pg.Pool()
	} else {
		a.store = store.NewMemory()
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	return nil
}

// initResolver builds the tenant settings resolver. The PostgreSQL source
// shares the store's pool; without PostgreSQL tenants fall back to defaults
// from the in-memory source.
func (a *App) initResolver() {
	var source config.TenantSource
	if a.kbPool != nil {
		source = config.NewPGTenantSource(a.kbPool)
	} else {
		source = config.NewMemoryTenantSource()
	}
	a.resolver = config.NewResolver(source)
}

// initPipeline wires ingest, the ASR worker pool, the optional audio bridge,
// the transcript consumer, and the SSE hub. Both providers sit behind circuit
// breakers so a dead backend fails fast instead of stalling every call.
func (a *App) initPipeline() {
	bridgeActive := a.cfg.ASR.BridgeEnabled && len(a.cfg.ASR.BridgeTenants) > 0

	a.ingest = ingest.NewServer(a.bus, a.registry, a.log, a.metrics, a.cfg.Ingest,
		ingest.WithSharedAudioTopic(!bridgeActive))

	sttProv := resilience.NewSTTFallback(a.providers.STT, a.cfg.Providers.STT.Name, resilience.FallbackConfig{})

	a.worker = asr.NewWorker(a.bus, sttProv, a.log, a.metrics, a.cfg.ASR, a.cfg.Ingest.IdleCloseS)
	if bridgeActive {
		a.bridge = asr.NewBridge(a.bus, a.log, a.cfg.ASR.BridgeTenants)
	}

	a.hub = fanout.NewHub(a.log, a.metrics)

	// Without an LLM provider the enrichment components stay nil and the
	// consumer broadcasts raw transcripts only.
	var classifier *intent.Classifier
	var summarizer *summary.Generator
	if a.providers.LLM != nil {
		llmProv := resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		classifier = intent.NewClassifier(llmProv, a.cfg.Providers.LLM.Model)
		summarizer = summary.NewGenerator(llmProv, a.store)
	}

	a.consumer = consumer.New(consumer.Deps{
		Bus:        a.bus,
		Registry:   a.registry,
		Store:      a.store,
		Hub:        a.hub,
		Classifier: classifier,
		Resolver:   a.resolver,
		KBPool:     a.kbPool,
		Summarizer: summarizer,
		Log:        a.log,
		Metrics:    a.metrics,
	})
}

// initHTTP assembles the full route table on one mux: the telephony WebSocket,
// the dashboard REST API, the SSE stream, probes, and Prometheus metrics.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	mux.Handle("GET /media-stream", a.ingest.Handler())
	httpapi.New(a.consumer, a.registry, a.store, a.hub, a.log).Register(mux)
	a.healthHandler().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// healthHandler builds readiness checks for the dependencies that can fail
// independently of the process.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{
		{
			Name: "bus",
			Check: func(ctx context.Context) error {
				// Publishing to a probe topic exercises the full adapter path.
				env, err := bus.Marshal("", "health", "", time.Now().UnixMilli(), struct{}{})
				if err != nil {
					return err
				}
				_, err = a.bus.Publish(ctx, "health_probe", env)
				return err
			},
		},
		{
			Name: "registry",
			Check: func(ctx context.Context) error {
				_, err := a.registry.ListActive(ctx, 1)
				return err
			},
		},
	}
	if a.kbPool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: a.kbPool.Ping,
		})
	}
	return health.New(checkers)
}

// Run serves HTTP and executes the bus-driven workers until ctx is cancelled,
// then drains the server and returns. A non-context error from any worker
// stops the whole group.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("listening", "addr", a.cfg.Server.ListenAddr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		// Stop accepting new calls first so the workers can drain what is
		// already in flight.
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(drainCtx)
	})

	g.Go(func() error { return ignoreCanceled(a.worker.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.consumer.Run(ctx)) })
	if a.bridge != nil {
		g.Go(func() error { return ignoreCanceled(a.bridge.Run(ctx)) })
	}

	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.hub.CloseAll()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
