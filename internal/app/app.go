package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gridingest/internal/backfill"
	"gridingest/internal/config"
	"gridingest/internal/events"
	"gridingest/internal/httpapi"
	"gridingest/internal/metrics"
	"gridingest/internal/notify"
	"gridingest/internal/pipeline"
	"gridingest/internal/publish"
	"gridingest/internal/scheduler"
	"gridingest/internal/schema"
	"gridingest/internal/store"
	"gridingest/internal/store/docstore"
	"gridingest/internal/store/sqlstore"
	"gridingest/internal/watch"
)

// App wires the ingestion components together.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    store.Store
	evolver  *schema.Evolver
	renames  *schema.RenameTable
	upserter *pipeline.Upserter
	bus      *events.Bus
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	sched    *scheduler.Scheduler
	router   *httpapi.Router
}

// OpenStore opens the backend named by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite", "":
		return sqlstore.Open(ctx, "sqlite", cfg.DBPath)
	case "postgres":
		return sqlstore.Open(ctx, "postgres", cfg.PGDSN)
	case "mongo":
		return docstore.Open(ctx, cfg.MongoURI, cfg.MongoDB)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// New opens the store and builds every shared component. Sources are loaded
// by Run or Backfill.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	renames, err := schema.DefaultRenameTable()
	if cfg.RenamesFile != "" {
		renames, err = schema.LoadRenameTable(cfg.RenamesFile)
	}
	if err != nil {
		return nil, fmt.Errorf("rename table: %w", err)
	}
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ev := schema.NewEvolver(st, logger.With(slog.String("component", "schema")))
	ev.OnFieldAdded = func(target, _ string) { m.FieldAdded(target) }

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		evolver:  ev,
		renames:  renames,
		upserter: pipeline.NewUpserter(st, ev, cfg.StoreRetryMax, cfg.StoreRetryBase, logger),
		bus:      events.NewBus(),
		registry: reg,
		metrics:  m,
	}
	a.sched = scheduler.New(a.buildSource, scheduler.Options{
		TickTimeout: cfg.TickTimeout,
		Logger:      logger,
		Metrics:     m,
		Bus:         a.bus,
	})
	a.router = httpapi.NewRouter(st, a.sched, m, reg, logger)
	logger.Info("store_opened", "driver", st.Driver(), "renames_version", renames.Version)
	return a, nil
}

func (a *App) buildSource(cfg config.Source) (scheduler.Source, error) {
	src, err := a.Source(cfg)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Source builds the pipeline for one configured source.
func (a *App) Source(cfg config.Source) (*pipeline.Source, error) {
	return pipeline.NewSource(cfg, pipeline.Deps{
		Store:    a.store,
		Evolver:  a.evolver,
		Upserter: a.upserter,
		Renames:  a.renames,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
}

func (a *App) LoadSources() ([]config.Source, error) {
	return config.LoadSources(a.cfg.SourcesFile)
}

// Reload re-reads the sources file and resyncs the pollers. An invalid file
// leaves the running pollers untouched.
func (a *App) Reload(ctx context.Context) error {
	srcs, err := a.LoadSources()
	if err != nil {
		return err
	}
	return a.sched.Sync(srcs)
}

// Run starts polling, the ops server and the optional event consumers, then
// blocks until ctx ends and shuts everything down within the grace period.
// The store is closed when Run returns, including on early errors.
func (a *App) Run(ctx context.Context) error {
	srcs, err := a.LoadSources()
	if err != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Warn("store close", "err", cerr)
		}
		return err
	}
	a.logger.Info("starting", "config", a.cfg, "sources", len(srcs))

	var feed sync.WaitGroup
	var pub *publish.Publisher
	if len(a.cfg.KafkaBrokers) > 0 {
		pub = publish.New(publish.NewWriter(a.cfg.KafkaBrokers, a.cfg.KafkaTopic), a.logger)
		ch := a.bus.Subscribe(256)
		feed.Add(1)
		go func() {
			defer feed.Done()
			pub.Run(context.Background(), ch)
		}()
	}
	if a.cfg.AlertURL != "" {
		n := notify.New(a.cfg.AlertURL, a.cfg.AlertBotID, a.cfg.AlertCooldown, a.logger)
		ch := a.bus.Subscribe(64)
		feed.Add(1)
		go func() {
			defer feed.Done()
			n.Run(context.Background(), ch)
		}()
	}

	// Pollers get their own context so that shutdown is driven by Stop.
	if err := a.sched.Start(context.Background(), srcs); err != nil {
		a.logger.Error("sources_start_failed", "err", err)
	}
	if a.cfg.WatchSources {
		w := watch.New(a.cfg.SourcesFile, a.Reload, a.logger.With(slog.String("component", "watch")))
		if err := w.Start(ctx); err != nil {
			a.logger.Warn("sources watch disabled", "err", err)
		}
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", a.cfg.HTTPPort),
		Handler:           a.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	a.logger.Info("shutting_down", "grace", a.cfg.ShutdownGrace)
	graceCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := a.sched.Stop(graceCtx); err != nil {
		a.logger.Warn("ticks cancelled at end of grace period", "err", err)
	}
	_ = srv.Shutdown(graceCtx)
	a.bus.Close()
	feed.Wait()
	if pub != nil {
		if err := pub.Close(); err != nil {
			a.logger.Warn("change feed close", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "err", err)
	}
	a.logger.Info("stopped")
	return runErr
}

// Backfill runs the named source over periods in the foreground.
func (a *App) Backfill(ctx context.Context, name string, periods []civil.Date) (backfill.Summary, error) {
	srcs, err := a.LoadSources()
	if err != nil {
		return backfill.Summary{}, err
	}
	for _, cfg := range srcs {
		if cfg.Name != name {
			continue
		}
		src, err := a.Source(cfg)
		if err != nil {
			return backfill.Summary{}, err
		}
		return backfill.Run(ctx, nil, src, periods, a.logger), nil
	}
	return backfill.Summary{}, fmt.Errorf("source %q not found in %s", name, a.cfg.SourcesFile)
}

func (a *App) Store() store.Store              { return a.store }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Handler() http.Handler           { return a.router.Handler() }

// Close releases the store for commands that never call Run.
func (a *App) Close() error { return a.store.Close() }
