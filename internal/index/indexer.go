// Package index keeps the vector store consistent with the command source.
package index

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/cmdvec/internal/embed"
	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
	"github.com/abdul-hamid-achik/cmdvec/internal/retry"
	"github.com/abdul-hamid-achik/cmdvec/internal/source"
	"github.com/abdul-hamid-achik/cmdvec/internal/store"
)

// Config holds configuration for the indexer.
type Config struct {
	// BatchSize is the number of commands embedded and upserted together.
	BatchSize int
	// Workers bounds the batches processed concurrently.
	Workers int
	// RetryAttempts and RetryBackoff control example indexing retries.
	RetryAttempts int
	RetryBackoff  time.Duration
	// LockPath is the cross-process lock file. Empty disables locking.
	LockPath    string
	LockTimeout time.Duration
	// KeepOrphans disables deleting points whose source record is gone.
	KeepOrphans bool
}

// DefaultConfig returns sensible defaults for indexing.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		Workers:       4,
		RetryAttempts: 3,
		RetryBackoff:  2 * time.Second,
		LockTimeout:   5 * time.Second,
	}
}

// Store is the subset of the vector store client the indexer writes to.
type Store interface {
	Upsert(ctx context.Context, points []store.Point) error
	Delete(ctx context.Context, ids []string) (int, error)
	PointIDs(ctx context.Context) ([]string, error)
	Sync() error
}

// Failure describes one record that could not be indexed.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result contains the counters of one indexing run.
type Result struct {
	Total         int           `json:"total"`
	Indexed       int           `json:"indexed"`
	Errors        int           `json:"errors"`
	Examples      int           `json:"examples"`
	ExampleErrors int           `json:"exampleErrors"`
	Deleted       int           `json:"deleted"`
	Duration      time.Duration `json:"duration"`
	Failures      []Failure     `json:"failures,omitempty"`
}

// Progress is reported after every batch.
type Progress struct {
	Total     int
	Processed int
	Indexed   int
	Errors    int
	Current   string
	StartTime time.Time
}

// ProgressCallback is called during indexing to report progress.
type ProgressCallback func(Progress)

// Indexer embeds command records and writes them to the store.
type Indexer struct {
	source   source.Source
	provider embed.Provider
	store    Store
	config   Config
	logger   *slog.Logger

	progress   ProgressCallback
	onComplete []func(Result)
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Indexer) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// NewIndexer creates an Indexer. Zero config fields take their defaults.
func NewIndexer(src source.Source, provider embed.Provider, st Store, cfg Config, opts ...Option) *Indexer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}

	ix := &Indexer{
		source:   src,
		provider: provider,
		store:    st,
		config:   cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With("component", "indexer")
	return ix
}

// SetProgressCallback sets a callback for progress updates.
func (ix *Indexer) SetProgressCallback(cb ProgressCallback) {
	ix.progress = cb
}

// OnComplete registers fn to run after every successful run, typically to
// drop cached search results.
func (ix *Indexer) OnComplete(fn func(Result)) {
	ix.onComplete = append(ix.onComplete, fn)
}

// counters are shared by concurrent batches.
type counters struct {
	indexed       atomic.Int64
	errors        atomic.Int64
	examples      atomic.Int64
	exampleErrors atomic.Int64
	processed     atomic.Int64

	mu       sync.Mutex
	failures []Failure
}

func (c *counters) fail(id string, err error, example bool) {
	if example {
		c.exampleErrors.Add(1)
	} else {
		c.errors.Add(1)
	}
	c.mu.Lock()
	c.failures = append(c.failures, Failure{ID: id, Error: err.Error()})
	c.mu.Unlock()
}

// Index reads every record from the source and synchronizes the store with
// it. Per-record failures are counted in the result; a dimension mismatch
// or store-wide failure aborts the run.
func (ix *Indexer) Index(ctx context.Context) (*Result, error) {
	if ix.config.LockPath != "" {
		release, err := acquireLock(ctx, ix.config.LockPath, ix.config.LockTimeout)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	records, err := ix.source.ListCommands(ctx)
	if err != nil {
		return nil, err
	}
	return ix.run(ctx, records)
}

func (ix *Indexer) run(ctx context.Context, records []source.CommandRecord) (*Result, error) {
	start := time.Now()
	c := &counters{}
	result := &Result{Total: len(records)}

	valid := make([]source.CommandRecord, 0, len(records))
	expected := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			c.fail(rec.ID.String(), err, false)
			continue
		}
		valid = append(valid, rec)
		expected[rec.ID.String()] = struct{}{}
		for _, ex := range rec.Examples {
			expected[ExamplePointID(ex)] = struct{}{}
		}
	}

	ix.logger.Info("indexing started", "source", ix.source.Name(), "commands", len(records), "batch_size", ix.config.BatchSize, "workers", ix.config.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.Workers)
	for lo := 0; lo < len(valid); lo += ix.config.BatchSize {
		batch := valid[lo:min(lo+ix.config.BatchSize, len(valid))]
		g.Go(func() error {
			if err := ix.indexBatch(gctx, batch, c); err != nil {
				return err
			}
			ix.reportProgress(c, result.Total, batch[len(batch)-1].CommandName, start)
			return nil
		})
	}
	runErr := g.Wait()

	result.Indexed = int(c.indexed.Load())
	result.Errors = int(c.errors.Load())
	result.Examples = int(c.examples.Load())
	result.ExampleErrors = int(c.exampleErrors.Load())
	result.Failures = c.failures

	if runErr != nil {
		result.Duration = time.Since(start)
		ix.logger.Error("indexing aborted", "error", runErr, "indexed", result.Indexed, "errors", result.Errors)
		return result, runErr
	}

	if !ix.config.KeepOrphans {
		deleted, err := ix.sweep(ctx, expected)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		result.Deleted = deleted
	}

	if err := ix.store.Sync(); err != nil {
		result.Duration = time.Since(start)
		return result, err
	}

	result.Duration = time.Since(start)
	ix.logger.Info("indexing finished",
		"total", result.Total,
		"indexed", result.Indexed,
		"errors", result.Errors,
		"examples", result.Examples,
		"example_errors", result.ExampleErrors,
		"deleted", result.Deleted,
		"duration", result.Duration)

	for _, fn := range ix.onComplete {
		fn(*result)
	}
	return result, nil
}

func validateRecord(rec source.CommandRecord) error {
	id := rec.ID.String()
	switch {
	case id == "":
		return errs.New(errs.CodeIndexRecordInvalid, "command has no id", errs.Field("command", rec.CommandName))
	case strings.HasPrefix(id, ExamplePrefix):
		return errs.New(errs.CodeIndexRecordInvalid, "command id collides with the example id space",
			errs.Field("command_id", id))
	case strings.TrimSpace(rec.CommandName) == "":
		return errs.New(errs.CodeIndexRecordInvalid, "command has no name", errs.Field("command_id", id))
	}
	return nil
}

// fatal reports errors that must stop the whole run.
func fatal(err error) bool {
	return errs.IsDimensionMismatch(err) || errs.IsSetup(err) ||
		errs.HasCode(err, errs.CodeStoreCollectionMissing) ||
		errs.HasCode(err, errs.CodeStoreCollectionFailure)
}

func (ix *Indexer) indexBatch(ctx context.Context, batch []source.CommandRecord, c *counters) error {
	defer c.processed.Add(int64(len(batch)))

	texts := make([]string, len(batch))
	for i, rec := range batch {
		texts[i] = CommandText(rec)
	}

	vectors, err := ix.provider.EmbedBatch(ctx, texts)
	if err != nil {
		if fatal(err) {
			return err
		}
		ix.logger.Warn("batch embedding failed, embedding records one by one", "size", len(batch), "error", err)
		vectors = make([][]float32, len(batch))
		for i := range batch {
			v, err := ix.provider.Embed(ctx, texts[i])
			if err != nil {
				if fatal(err) {
					return err
				}
				c.fail(batch[i].ID.String(), err, false)
				continue
			}
			vectors[i] = v
		}
	}

	points := make([]store.Point, 0, len(batch))
	embedded := make([]source.CommandRecord, 0, len(batch))
	for i, rec := range batch {
		if vectors[i] == nil {
			continue
		}
		if err := ix.checkDimension(rec.ID.String(), vectors[i]); err != nil {
			return err
		}
		points = append(points, store.Point{ID: rec.ID.String(), Vector: vectors[i], Payload: CommandPayload(rec)})
		embedded = append(embedded, rec)
	}

	stored := embedded
	if err := ix.store.Upsert(ctx, points); err != nil {
		if fatal(err) {
			return err
		}
		ix.logger.Warn("batch upsert failed, writing points one by one", "size", len(points), "error", err)
		stored = stored[:0:0]
		for i, p := range points {
			if err := ix.store.Upsert(ctx, []store.Point{p}); err != nil {
				if fatal(err) {
					return err
				}
				c.fail(p.ID, err, false)
				continue
			}
			stored = append(stored, embedded[i])
		}
	}
	c.indexed.Add(int64(len(stored)))

	for _, rec := range stored {
		for _, ex := range rec.Examples {
			if err := ix.indexExample(ctx, rec, ex); err != nil {
				if fatal(err) {
					return err
				}
				ix.logger.Warn("example not indexed", "example", ExamplePointID(ex), "command", rec.CommandName, "error", err)
				c.fail(ExamplePointID(ex), err, true)
				continue
			}
			c.examples.Add(1)
		}
	}
	return nil
}

func (ix *Indexer) checkDimension(id string, v []float32) error {
	if want := ix.provider.Dimensions(); len(v) != want {
		return errs.New(errs.CodeEmbedDimensionMismatch, "embedding dimension does not match the collection",
			errs.Field("point", id),
			errs.Field("got", len(v)),
			errs.Field("want", want),
			errs.Remediation("reset the collection after changing the embedding model"))
	}
	return nil
}

// indexExample embeds and upserts one example, retrying with exponential
// backoff.
func (ix *Indexer) indexExample(ctx context.Context, cmd source.CommandRecord, ex source.ExampleRecord) error {
	id := ExamplePointID(ex)
	if ex.ID.String() == "" {
		return errs.New(errs.CodeIndexRecordInvalid, "example has no id", errs.Field("command_id", cmd.ID.String()))
	}

	text := ExampleText(cmd, ex)
	backoff := retry.Exponential(ix.config.RetryBackoff, 2, 0)

	_, err := retry.Do(ctx, ix.config.RetryAttempts, backoff, func(ctx context.Context) (struct{}, error) {
		v, err := ix.provider.Embed(ctx, text)
		if err != nil {
			if fatal(err) || errs.IsInvalidInput(err) {
				return struct{}{}, retry.Permanent(err)
			}
			return struct{}{}, err
		}
		if err := ix.checkDimension(id, v); err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		err = ix.store.Upsert(ctx, []store.Point{{ID: id, Vector: v, Payload: ExamplePayload(cmd, ex)}})
		if err != nil && (fatal(err) || errs.IsInvalidInput(err)) {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, err
	})
	return err
}

// sweep deletes points whose command or example no longer exists.
func (ix *Indexer) sweep(ctx context.Context, expected map[string]struct{}) (int, error) {
	ids, err := ix.store.PointIDs(ctx)
	if err != nil {
		return 0, err
	}

	var orphans []string
	for _, id := range ids {
		if _, ok := expected[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	deleted, err := ix.store.Delete(ctx, orphans)
	if err != nil {
		return deleted, err
	}
	ix.logger.Info("removed orphaned points", "count", deleted)
	return deleted, nil
}

func (ix *Indexer) reportProgress(c *counters, total int, current string, start time.Time) {
	if ix.progress == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ix.progress(Progress{
		Total:     total,
		Processed: int(c.processed.Load()),
		Indexed:   int(c.indexed.Load()),
		Errors:    int(c.errors.Load()),
		Current:   current,
		StartTime: start,
	})
}
