// Command stepengine runs the step execution engine: it dispatches stack
// operations to workers, resumes suspended steps when their responses
// arrive and times out the ones whose responses never do.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/config"
	"github.com/GoCodeAlone/stepengine/correlate"
	"github.com/GoCodeAlone/stepengine/dispatch"
	"github.com/GoCodeAlone/stepengine/metrics"
	"github.com/GoCodeAlone/stepengine/observability/tracing"
	"github.com/GoCodeAlone/stepengine/scale"
	"github.com/GoCodeAlone/stepengine/snapshot"
	"github.com/GoCodeAlone/stepengine/stack"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/suspend"
)

var (
	configFile  = flag.String("config", "", "Path to engine configuration YAML file")
	runFilePath = flag.String("run", "", "Path to a YAML run file; steps run in order and the process exits")
	watch       = flag.Bool("watch", true, "Reload the catalog and log level when the config file changes")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Logging.SlogLevel())
	logger := newLogger(os.Stdout, cfg.Logging.Format, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, level, logger); err != nil {
		logger.Error("stepengine exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// engine holds the wired components and how to tear them down.
type engine struct {
	executor   *step.Executor
	dispatcher *dispatch.Dispatcher
	broker     dispatch.Broker
	reaper     *correlate.Reaper
	catalog    *access.MemoryCatalog
	authorizer *access.PolicyAuthorizer
	metrics    *metrics.Collector
	tracer     *tracing.Provider
	closers    []func() error
}

func (e *engine) close(logger *slog.Logger) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}
}

func run(ctx context.Context, cfg *config.EngineConfig, level *slog.LevelVar, logger *slog.Logger) error {
	e, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.close(logger)

	if *configFile != "" && *watch {
		w := config.NewWatcher(*configFile, func(evt config.ChangeEvent) {
			level.Set(evt.Config.Logging.SlogLevel())
			applyCatalog(e.catalog, e.authorizer, evt.Config.Catalog)
		}, config.WithWatchLogger(logger))
		if err := w.Start(); err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, e.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: otelhttp.NewHandler(mux, "stepengine"), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return e.reaper.Run(gctx) })

	if *runFilePath != "" {
		g.Go(func() error {
			rf, err := loadRunFile(*runFilePath)
			if err != nil {
				return err
			}
			if err := rf.execute(gctx, e.executor, logger); err != nil {
				return err
			}
			return errRunFinished
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}
		return nil
	})

	logger.Info("stepengine started",
		"broker", cfg.Dispatch.Broker, "correlation_store", cfg.Correlation.Store,
		"snapshots", cfg.Snapshots.Driver, "step_types", e.executor.Types())

	if err := g.Wait(); err != nil && !errors.Is(err, errRunFinished) {
		return err
	}
	return nil
}

// errRunFinished ends the errgroup once a run file has completed.
var errRunFinished = errors.New("run file finished")

func build(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) (*engine, error) {
	e := &engine{metrics: metrics.NewWithConfig(cfg.Metrics.Collector)}
	fail := func(err error) (*engine, error) {
		e.close(logger)
		return nil, err
	}

	tp, err := tracing.NewProvider(ctx, cfg.Tracing,
		tracing.WithAttributes(attribute.String("stepengine.broker", cfg.Dispatch.Broker)))
	if err != nil {
		return fail(fmt.Errorf("tracing: %w", err))
	}
	e.tracer = tp
	e.closers = append(e.closers, func() error { return tp.Shutdown(context.Background()) })

	snaps, err := snapshot.Open(ctx, cfg.Snapshots.Driver, cfg.Snapshots.DSN)
	if err != nil {
		return fail(fmt.Errorf("snapshots: %w", err))
	}
	e.closers = append(e.closers, snaps.Close)

	store, err := newSuspendStore(ctx, cfg.Correlation)
	if err != nil {
		return fail(err)
	}
	e.closers = append(e.closers, store.close)

	lock, closeLock := newLock(cfg.Lock)
	e.closers = append(e.closers, closeLock)

	e.broker = newBroker(cfg.Dispatch, logger)
	dcfg := dispatch.DefaultConfig()
	dcfg.Topics = dispatch.Topics{Prefix: cfg.Dispatch.TopicPrefix}
	dcfg.RateLimit = cfg.Dispatch.RateLimit
	dcfg.Burst = cfg.Dispatch.Burst
	if cfg.Dispatch.PublishTimeout > 0 {
		dcfg.PublishTimeout = cfg.Dispatch.PublishTimeout
	}
	e.dispatcher = dispatch.NewDispatcher(e.broker, dcfg, logger, e.metrics)

	e.catalog = access.NewMemoryCatalog()
	e.authorizer = access.NewPolicyAuthorizer()
	applyCatalog(e.catalog, e.authorizer, cfg.Catalog)

	e.executor, err = step.NewExecutor(step.Options{
		Dispatcher:     e.dispatcher,
		Instances:      store,
		Correlations:   store,
		Outcomes:       step.NewMemoryOutcomes(),
		Lock:           lock,
		LockTTL:        cfg.Executor.LockTTL,
		ReapGrace:      cfg.Executor.ReapGrace,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		Metrics:        e.metrics,
		Tracer:         tp.Steps(),
		Logger:         logger,
	}, stack.Machines(stack.Deps{
		Catalog:    e.catalog,
		Authorizer: e.authorizer,
		Snapshots:  snaps,
		Retain:     cfg.Snapshots.Retain,
		Logger:     logger,
	})...)
	if err != nil {
		return fail(err)
	}

	correlator := correlate.New(store, e.executor, logger, e.metrics)
	e.dispatcher.SetSink(correlator)
	e.reaper = correlate.NewReaper(correlator, cfg.Correlation.Reaper)

	// Every subscription must exist before the broker starts.
	if cfg.Simulator.Enabled {
		sim := stack.NewSimulator()
		sim.Latency = cfg.Simulator.Latency
		for ref, body := range cfg.Simulator.Templates {
			sim.AddTemplate(ref, body)
		}
		w := dispatch.NewWorker(e.broker, dcfg.Topics, logger, cfg.Simulator.Selectors)
		sim.Register(w)
		if err := w.Subscribe(); err != nil {
			return fail(fmt.Errorf("simulator: %w", err))
		}
		logger.Info("simulated worker enabled", "pool", dispatch.PoolName(cfg.Simulator.Selectors))
	}
	if err := e.dispatcher.Start(ctx); err != nil {
		return fail(err)
	}
	if err := e.broker.Start(ctx); err != nil {
		_ = e.dispatcher.Stop(ctx)
		return fail(fmt.Errorf("broker: %w", err))
	}
	// Closers run in reverse: the dispatcher disarms its timers before the
	// broker goes away.
	e.closers = append(e.closers,
		func() error { return e.broker.Stop(context.Background()) },
		func() error { return e.dispatcher.Stop(context.Background()) },
	)
	return e, nil
}

func applyCatalog(catalog *access.MemoryCatalog, authorizer *access.PolicyAuthorizer, cfg config.CatalogConfig) {
	for _, conn := range cfg.Connectors {
		catalog.Register(conn)
	}
	for _, p := range cfg.Policies {
		authorizer.RegisterPolicy(p.Policy())
	}
}

// suspendStore is a store that serves as both instance store and
// correlation table.
type suspendStore interface {
	step.InstanceStore
	step.CorrelationTable
	close() error
}

type memorySuspend struct{ *suspend.MemoryStore }

func (memorySuspend) close() error { return nil }

type redisSuspend struct{ *suspend.RedisStore }

func (r redisSuspend) close() error { return r.Close() }

func newSuspendStore(ctx context.Context, cfg config.CorrelationConfig) (suspendStore, error) {
	if cfg.Store != config.BackendRedis {
		return memorySuspend{suspend.NewMemoryStore()}, nil
	}
	s := suspend.NewRedisStore(suspend.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Prefix:    cfg.Redis.Prefix,
		Retention: cfg.Retention,
	})
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("correlation store: %w", err)
	}
	return redisSuspend{s}, nil
}

func newLock(cfg config.LockConfig) (scale.Lock, func() error) {
	if cfg.Backend != config.BackendRedis {
		return scale.NewInMemoryLock(), func() error { return nil }
	}
	l := scale.NewRedisLockWithOptions(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	return l, l.Close
}

func newBroker(cfg config.DispatchConfig, logger *slog.Logger) dispatch.Broker {
	switch cfg.Broker {
	case config.BackendNATS:
		return dispatch.NewNATSBroker(cfg.NATS.URL, cfg.NATS.Name, logger)
	case config.BackendKafka:
		return dispatch.NewKafkaBroker(dispatch.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			SASL: dispatch.KafkaSASL{
				Mechanism: cfg.Kafka.SASL.Mechanism,
				Username:  cfg.Kafka.SASL.Username,
				Password:  cfg.Kafka.SASL.Password,
			},
		}, logger)
	default:
		return dispatch.NewMemoryBroker(scale.PoolConfig{Workers: cfg.Workers, QueueSize: cfg.QueueSize}, logger)
	}
}
