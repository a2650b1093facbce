package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felixgeelhaar/proctor/internal/assignment"
	"github.com/felixgeelhaar/proctor/internal/baseline"
	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/config"
	"github.com/felixgeelhaar/proctor/internal/dispatch"
	"github.com/felixgeelhaar/proctor/internal/extract"
	"github.com/felixgeelhaar/proctor/internal/grouping"
	"github.com/felixgeelhaar/proctor/internal/history"
	"github.com/felixgeelhaar/proctor/internal/llm"
	"github.com/felixgeelhaar/proctor/internal/storage"
	"github.com/felixgeelhaar/proctor/internal/storage/local"
	"github.com/felixgeelhaar/proctor/internal/storage/postgres"
	redisstore "github.com/felixgeelhaar/proctor/internal/storage/redis"
	"github.com/felixgeelhaar/proctor/internal/storage/sqlite"
)

// app holds everything a command needs to grade.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	results storage.ResultStore
	history *history.Service
	engine  *batch.Engine

	sqliteDB *sqlite.DB
	closers  []func() error
}

// newApp wires stores, the grading provider and the engine from cfg. Extra
// sinks receive every persisted result after the result store.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, sinks ...batch.Sink) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	if err := a.wire(ctx, sinks); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// wire opens everything in dependency order. On error whatever was opened
// stays in a.closers for Close.
func (a *app) wire(ctx context.Context, sinks []batch.Sink) error {
	cfg, logger := a.cfg, a.logger
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.openResults(ctx); err != nil {
		return err
	}
	store, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	a.history = history.NewService(store,
		baseline.NewAnalyzer(cfg.Baseline, cfg.History.Params),
		cfg.History.Params,
		history.WithLogger(logger),
	)

	grader, err := a.newGrader()
	if err != nil {
		return err
	}
	extractor, err := a.newExtractor()
	if err != nil {
		return err
	}

	deps := batch.Deps{
		Extractor: extractor,
		Grader:    grader,
		History:   a.history,
		Seeder:    a.results,
		Sink:      append(batch.MultiSink{a.results}, sinks...),
		Grouper:   grouping.New(nil),
		Logger:    logger,
	}
	if cfg.Assignments.Path != "" {
		catalog, err := assignment.Open(cfg.Assignments.Path)
		if err != nil {
			return fmt.Errorf("open assignment catalog: %w", err)
		}
		deps.Lookup = catalog
		deps.Grouper = grouping.New(catalog.Index())
		logger.Info("assignment catalog loaded", "path", cfg.Assignments.Path, "assignments", catalog.Len())
	}

	engCfg := cfg.EngineSettings()
	engCfg.Dispatch.Logger = logger
	engCfg.Dispatch.Metrics = dispatch.NewMetrics(a.registry)
	a.engine, err = batch.NewEngine(engCfg, deps)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	return nil
}

func (a *app) openResults(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "sqlite":
		db, err := a.openSQLite(a.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		a.results = sqlite.NewResultStore(db)
	case "postgres":
		pool, err := postgres.Open(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		store := postgres.NewResultStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.results = store
	default:
		a.results = storage.NewMemoryResultStore()
	}
	a.logger.Debug("result store ready", "driver", a.cfg.Storage.Driver)
	return nil
}

func (a *app) openHistory(ctx context.Context) (history.Store, error) {
	hc := a.cfg.History
	switch hc.Backend {
	case "file":
		dir := hc.Dir
		if dir == "" {
			base, err := config.ProctorDir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(base, "history")
		}
		return local.NewHistoryStore(dir)
	case "sqlite":
		if a.sqliteDB != nil && hc.Dir == "" {
			return sqlite.NewHistoryStore(a.sqliteDB), nil
		}
		path := hc.Dir
		if path == "" {
			base, err := config.ProctorDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(base, "proctor.db")
		}
		db, err := a.openSQLite(path)
		if err != nil {
			return nil, err
		}
		return sqlite.NewHistoryStore(db), nil
	case "redis":
		client, err := redisstore.Connect(ctx, hc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return redisstore.NewHistoryStore(client), nil
	default:
		return history.NewMemoryStore(), nil
	}
}

func (a *app) openSQLite(path string) (*sqlite.DB, error) {
	if a.sqliteDB != nil {
		return a.sqliteDB, nil
	}
	db, err := sqlite.Open(path, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	a.sqliteDB = db
	return db, nil
}

func (a *app) newGrader() (*llm.Grader, error) {
	lc := a.cfg.LLM

	provider, err := llm.New(lc.Provider, llm.Settings{
		APIKey:  lc.APIKey,
		BaseURL: lc.BaseURL,
		Model:   lc.Grader.Model,
		Timeout: lc.Timeout,
	})
	if err != nil {
		return nil, err
	}

	res := lc.Resilience
	res.Logger = a.logger
	resilient := llm.NewResilientProvider(provider, res)
	a.closers = append(a.closers, resilient.Close)

	return llm.NewGrader(resilient, lc.Grader,
		llm.WithMetrics(llm.NewMetrics(a.registry)),
		llm.WithLogger(a.logger),
	), nil
}

func (a *app) newExtractor() (batch.Extractor, error) {
	router := extract.NewRouter(extract.NewFileExtractor())
	if a.cfg.Objects.Endpoint != "" {
		objects, err := extract.NewObjectExtractor(a.cfg.ObjectSettings())
		if err != nil {
			return nil, fmt.Errorf("create object extractor: %w", err)
		}
		router.Handle("s3", objects)
	}
	return router, nil
}

// serveMetrics exposes the registry until ctx is done. An empty address
// disables it.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// Close stops running sessions and releases stores in reverse order.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
