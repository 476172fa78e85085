package embed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

// DefaultRestartInterval is the minimum time between automatic restart
// attempts of a crashed worker.
const DefaultRestartInterval = 30 * time.Second

// Worker is a primary embedding backend with a process lifecycle.
// *Supervisor implements it.
type Worker interface {
	Provider
	Start(ctx context.Context) error
	Shutdown() error
	State() State
	LastError() error
}

// ResilientOption configures a ResilientProvider.
type ResilientOption func(*ResilientProvider)

// WithRestartInterval sets how often a degraded provider tries to restart
// the worker. Zero disables automatic restarts.
func WithRestartInterval(d time.Duration) ResilientOption {
	return func(r *ResilientProvider) {
		r.restartInterval = d
	}
}

// WithBackendChange registers fn to be called whenever requests switch
// between the worker and the fallback. Cached vectors from the previous
// backend are not comparable with the new one.
func WithBackendChange(fn func(degraded bool)) ResilientOption {
	return func(r *ResilientProvider) {
		r.onChange = fn
	}
}

// WithResilientLogger sets the logger.
func WithResilientLogger(logger *slog.Logger) ResilientOption {
	return func(r *ResilientProvider) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResilientClock replaces time.Now for restart throttling.
func WithResilientClock(now func() time.Time) ResilientOption {
	return func(r *ResilientProvider) {
		r.now = now
	}
}

// ResilientProvider serves embeddings from the worker and degrades to a
// deterministic fallback when the worker cannot be started or exits.
// Requests in flight when the worker dies still fail with WorkerExited;
// requests that arrive after an idle exit are served by the fallback.
type ResilientProvider struct {
	primary  Worker
	fallback Provider
	logger   *slog.Logger
	now      func() time.Time
	onChange func(degraded bool)

	restartInterval time.Duration

	mu          sync.RWMutex
	degraded    bool
	lastErr     error
	lastAttempt time.Time
	restarting  bool
	restarts    sync.WaitGroup
}

// NewResilient pairs a worker with a fallback of the same dimension.
func NewResilient(primary Worker, fallback Provider, opts ...ResilientOption) (*ResilientProvider, error) {
	if primary.Dimensions() != fallback.Dimensions() {
		return nil, errs.Errorf(errs.CodeEmbedDimensionMismatch,
			"fallback produces %d dimensions, worker produces %d", fallback.Dimensions(), primary.Dimensions())
	}

	r := &ResilientProvider{
		primary:         primary,
		fallback:        fallback,
		logger:          slog.Default(),
		now:             time.Now,
		restartInterval: DefaultRestartInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "embed")
	return r, nil
}

// Start initializes and starts the worker. When that fails the provider
// switches to the fallback and stays usable; the error is returned for
// reporting only.
func (r *ResilientProvider) Start(ctx context.Context) error {
	r.mu.Lock()
	r.lastAttempt = r.now()
	r.mu.Unlock()

	if err := r.primary.Start(ctx); err != nil {
		r.markDegraded(err)
		return err
	}
	r.markHealthy()
	return nil
}

// Restart stops the worker and starts it again. On success requests go
// back to the worker.
func (r *ResilientProvider) Restart(ctx context.Context) error {
	r.mu.Lock()
	r.lastAttempt = r.now()
	r.mu.Unlock()

	if err := r.primary.Shutdown(); err != nil {
		r.logger.Warn("worker shutdown before restart failed", "error", err)
	}
	if err := r.primary.Start(ctx); err != nil {
		r.markDegraded(err)
		return err
	}
	r.markHealthy()
	return nil
}

// Shutdown stops the worker and waits for background restarts.
func (r *ResilientProvider) Shutdown() error {
	r.restarts.Wait()
	return r.primary.Shutdown()
}

// Embed generates an embedding for a single text.
func (r *ResilientProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch routes texts to the worker, or to the fallback while degraded.
func (r *ResilientProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if r.Degraded() {
		r.maybeRestart()
		return r.fallback.EmbedBatch(ctx, texts)
	}

	out, err := r.primary.EmbedBatch(ctx, texts)
	if err != nil {
		if !errs.IsWorkerExited(err) {
			return nil, err
		}
		r.markDegraded(err)
		// A worker that died while idle never saw these texts, so the
		// fallback can serve them. Requests it was holding fail.
		if errs.CodeOf(err) == errs.CodeEmbedWorkerUnavailable {
			r.maybeRestart()
			return r.fallback.EmbedBatch(ctx, texts)
		}
		return nil, err
	}
	return out, nil
}

// Model returns the model of the backend currently serving requests.
func (r *ResilientProvider) Model() string {
	if r.Degraded() {
		return r.fallback.Model()
	}
	return r.primary.Model()
}

func (r *ResilientProvider) Dimensions() int { return r.primary.Dimensions() }

// Ping succeeds while degraded since the fallback is always available.
func (r *ResilientProvider) Ping(ctx context.Context) error {
	if r.Degraded() {
		return nil
	}
	return r.primary.Ping(ctx)
}

// Degraded reports whether requests are served by the fallback.
func (r *ResilientProvider) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Status describes the serving backend.
func (r *ResilientProvider) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		Model:      r.primary.Model(),
		Dimensions: r.primary.Dimensions(),
		Backend:    "worker",
		State:      r.primary.State().String(),
		Degraded:   r.degraded,
	}
	if r.degraded {
		st.Model = r.fallback.Model()
		st.Backend = "fallback"
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func (r *ResilientProvider) markDegraded(err error) {
	r.mu.Lock()
	changed := !r.degraded
	r.degraded = true
	r.lastErr = err
	r.mu.Unlock()

	if changed {
		r.logger.Warn("embedding worker unavailable, using fallback embeddings",
			"fallback", r.fallback.Model(), "error", err)
		if r.onChange != nil {
			r.onChange(true)
		}
	}
}

func (r *ResilientProvider) markHealthy() {
	r.mu.Lock()
	changed := r.degraded
	r.degraded = false
	r.lastErr = nil
	r.mu.Unlock()

	if changed {
		r.logger.Info("embedding worker recovered", "model", r.primary.Model())
		if r.onChange != nil {
			r.onChange(false)
		}
	}
}

// maybeRestart launches one background restart when the interval since
// the last attempt has passed.
func (r *ResilientProvider) maybeRestart() {
	if r.restartInterval <= 0 {
		return
	}

	r.mu.Lock()
	if r.restarting || r.now().Sub(r.lastAttempt) < r.restartInterval {
		r.mu.Unlock()
		return
	}
	r.restarting = true
	r.restarts.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.restarts.Done()
		defer func() {
			r.mu.Lock()
			r.restarting = false
			r.mu.Unlock()
		}()

		r.logger.Info("restarting embedding worker")
		if err := r.Restart(context.Background()); err != nil {
			r.logger.Warn("embedding worker restart failed", "error", err)
		}
	}()
}
