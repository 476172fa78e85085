// Package app wires the store, embedding backends, indexer, and search
// engine into one service used by the CLI, HTTP API, and MCP server.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/abdul-hamid-achik/cmdvec/internal/cache"
	"github.com/abdul-hamid-achik/cmdvec/internal/config"
	"github.com/abdul-hamid-achik/cmdvec/internal/embed"
	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
	"github.com/abdul-hamid-achik/cmdvec/internal/index"
	"github.com/abdul-hamid-achik/cmdvec/internal/search"
	"github.com/abdul-hamid-achik/cmdvec/internal/source"
	"github.com/abdul-hamid-achik/cmdvec/internal/store"
)

// Status summarizes every component for status commands and endpoints.
type Status struct {
	DataDir     string       `json:"dataDir"`
	Source      string       `json:"source"`
	Collection  store.Stats  `json:"collection"`
	Embedding   embed.Status `json:"embedding"`
	SearchCache cache.Stats  `json:"searchCache"`
	QueryCache  cache.Stats  `json:"queryCache"`
}

// App holds the wired components.
type App struct {
	config *config.Config
	logger *slog.Logger

	store    *store.Client
	worker   *embed.ResilientProvider
	fallback embed.Provider
	provider embed.Provider
	queries  *embed.CachedProvider
	source   source.Source
	indexer  *index.Indexer
	engine   *search.Engine

	closeOnce sync.Once
}

// Option configures New.
type Option func(*options)

type options struct {
	worker embed.Worker
	source source.Source
	runner embed.CommandRunner
}

// WithWorker replaces the supervised embedding worker.
func WithWorker(w embed.Worker) Option {
	return func(o *options) { o.worker = w }
}

// WithSource replaces the configured record source.
func WithSource(src source.Source) Option {
	return func(o *options) { o.source = src }
}

// WithCommandRunner replaces the runner used by the worker pre-flight.
func WithCommandRunner(r embed.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// New opens the store and builds every component. The embedding worker is
// not started; call Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{config: cfg, logger: logger}

	st, err := store.Open(store.DBPath(cfg.DataDir), store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureCollection(ctx, cfg.Collection, cfg.Embedding.Dimensions, store.MetricCosine); err != nil {
		_ = st.Close()
		return nil, err
	}
	a.store = st

	fallback, err := embed.NewFallback(cfg.Embedding.Fallback, cfg.Embedding.Dimensions)
	if err != nil {
		_ = st.Close()
		return nil, errs.Wrap(err, errs.CodeConfigValidateInvalidValue, "build fallback embedder",
			errs.Field("key", "embedding.fallback"))
	}
	a.fallback = fallback
	a.provider = fallback

	if !cfg.Embedding.Disabled {
		worker := o.worker
		if worker == nil {
			worker = embed.NewSupervisor(supervisorConfig(cfg), embed.WithLogger(logger), embed.WithCommandRunner(o.runner))
		}
		resilient, err := embed.NewResilient(worker, fallback,
			embed.WithRestartInterval(cfg.Embedding.RestartInterval),
			embed.WithBackendChange(a.backendChanged),
			embed.WithResilientLogger(logger))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.worker = resilient
		a.provider = resilient
	}

	a.queries = embed.WithCacheAndTTL(a.provider, cfg.Embedding.QueryCacheSize, 0)

	a.source = o.source
	if a.source == nil {
		a.source = newSource(cfg)
	}

	a.engine = search.NewEngine(st, a.queries, search.Config{
		DefaultLimit:   cfg.Search.DefaultLimit,
		DirectLimit:    cfg.Search.DirectLimit,
		MinVectorLimit: cfg.Search.MinVectorLimit,
		CacheTTL:       cfg.Search.CacheTTL,
		CacheSize:      cfg.Search.CacheSize,
	}, search.WithLogger(logger))

	a.indexer = index.NewIndexer(a.source, a.provider, st, index.Config{
		BatchSize:     cfg.Indexing.BatchSize,
		Workers:       cfg.Indexing.Workers,
		RetryAttempts: cfg.Indexing.RetryAttempts,
		RetryBackoff:  cfg.Indexing.RetryBackoff,
		LockPath:      index.LockPath(cfg.DataDir),
		LockTimeout:   cfg.Indexing.LockTimeout,
		KeepOrphans:   cfg.Indexing.KeepOrphans,
	}, index.WithLogger(logger))
	a.indexer.OnComplete(func(index.Result) { a.engine.ClearCache() })

	return a, nil
}

func supervisorConfig(cfg *config.Config) embed.SupervisorConfig {
	sc := embed.DefaultSupervisorConfig()
	sc.Runtime = cfg.Embedding.Runtime
	if cfg.Embedding.Script != "" {
		sc.ScriptPath = cfg.Embedding.Script
	}
	sc.Command = cfg.Embedding.Command
	sc.Model = cfg.Embedding.Model
	sc.Dimensions = cfg.Embedding.Dimensions
	sc.MaxBatchSize = cfg.Embedding.MaxBatchSize
	sc.StartupTimeout = cfg.Embedding.StartupTimeout
	sc.ReadyMarker = cfg.Embedding.ReadyMarker
	return sc
}

func newSource(cfg *config.Config) source.Source {
	if len(cfg.Source.Command) > 0 {
		return source.NewExecSource(cfg.Source.Command, cfg.Source.Timeout)
	}
	return source.NewFileSource(cfg.Source.Path, cfg.Source.Ignore...)
}

// backendChanged drops cached vectors and results computed by the other
// backend.
func (a *App) backendChanged(degraded bool) {
	if a.queries != nil {
		a.queries.ClearCache()
	}
	if a.engine != nil {
		a.engine.ClearCache()
	}
	a.logger.Info("embedding backend changed", "degraded", degraded)
}

// Start launches the embedding worker. A failure leaves the app serving
// fallback embeddings; the error is returned so callers can report it.
func (a *App) Start(ctx context.Context) error {
	if a.worker == nil {
		return nil
	}
	if err := a.worker.Start(ctx); err != nil {
		a.logger.Warn("embedding worker failed to start", "error", err, "remediation", errs.RemediationOf(err))
		return err
	}
	return nil
}

// Sync runs the indexing pipeline once.
func (a *App) Sync(ctx context.Context) (*index.Result, error) {
	return a.indexer.Index(ctx)
}

// Search runs a hybrid query.
func (a *App) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return a.engine.Search(ctx, query, opts)
}

// Reset drops every point and clears cached results.
func (a *App) Reset(ctx context.Context) error {
	if err := a.store.ResetCollection(ctx); err != nil {
		return err
	}
	a.engine.ClearCache()
	a.logger.Info("collection reset", "collection", a.config.Collection)
	return nil
}

// Status reports collection, embedding, and cache state.
func (a *App) Status(ctx context.Context) (Status, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		DataDir:     a.config.DataDir,
		Source:      a.source.Name(),
		Collection:  stats,
		Embedding:   a.EmbeddingStatus(),
		SearchCache: a.engine.CacheStats(),
		QueryCache:  a.queries.CacheStats(),
	}, nil
}

// EmbeddingStatus describes the backend currently serving requests.
func (a *App) EmbeddingStatus() embed.Status {
	if a.worker != nil {
		return a.worker.Status()
	}
	return embed.Status{
		Model:      a.fallback.Model(),
		Dimensions: a.fallback.Dimensions(),
		Backend:    "fallback",
		State:      "disabled",
		Degraded:   true,
	}
}

// Health reports whether the store is open and an embedder is available.
func (a *App) Health(ctx context.Context) error {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.Status == store.StatusMissing {
		return errs.New(errs.CodeStoreCollectionMissing, "collection is missing",
			errs.Field("collection", stats.Collection))
	}
	return a.queries.Ping(ctx)
}

// Warmup embeds common queries in the background-friendly way the search
// engine provides.
func (a *App) Warmup(ctx context.Context) error {
	return a.engine.Warmup(ctx)
}

// Watch re-runs the pipeline whenever the record files change. Only file
// sources can be watched.
func (a *App) Watch(ctx context.Context) (*index.Watcher, error) {
	fs, ok := a.source.(*source.FileSource)
	if !ok {
		return nil, errs.New(errs.CodeConfigValidateInvalidValue, "watch requires a file source",
			errs.Field("source", a.source.Name()),
			errs.Remediation("set source.path instead of source.command"))
	}
	return index.WatchAndIndex(ctx, a.indexer, fs.Path(), index.DefaultWatcherConfig())
}

// SetProgressCallback forwards indexing progress.
func (a *App) SetProgressCallback(cb index.ProgressCallback) {
	a.indexer.SetProgressCallback(cb)
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.Config { return a.config }

// Logger returns the app logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Store returns the vector store client.
func (a *App) Store() *store.Client { return a.store }

// Close stops the worker and closes the store.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		var errList []error
		if a.worker != nil {
			errList = append(errList, a.worker.Shutdown())
		}
		errList = append(errList, a.store.Close())
		err = errors.Join(errList...)
	})
	return err
}
