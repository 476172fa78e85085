package embed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

const (
	defaultRuntime         = "python3"
	defaultStartupTimeout  = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultReadyMarker     = "model loaded"
	defaultMaxTextBytes    = 64 * 1024

	// maxLineBytes bounds one protocol line; a full batch of 384-dim
	// vectors is well under this.
	maxLineBytes = 16 * 1024 * 1024
	// stderrTailLines are kept for error reports.
	stderrTailLines = 20
)

// State is the lifecycle state of the worker process.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// SupervisorConfig holds configuration for the worker process.
type SupervisorConfig struct {
	// Runtime is the interpreter that runs the worker script.
	Runtime string
	// ScriptPath is where Initialize writes the worker script.
	ScriptPath string
	// Command replaces Runtime+ScriptPath when set. The pre-flight and
	// script generation are skipped for custom commands.
	Command []string
	// Env is appended to the inherited environment.
	Env []string

	Model           string
	Dimensions      int
	MaxBatchSize    int
	MaxTextBytes    int
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	// ReadyMarker is the stderr substring that signals the model is loaded.
	ReadyMarker     string
	RequiredModules []string
}

// DefaultSupervisorConfig returns the configuration for the bundled
// fastembed worker.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Runtime:         defaultRuntime,
		ScriptPath:      filepath.Join(os.TempDir(), "cmdvec", "embed_worker.py"),
		Model:           DefaultModel,
		Dimensions:      DefaultDimensions,
		MaxBatchSize:    DefaultMaxBatchSize,
		MaxTextBytes:    defaultMaxTextBytes,
		StartupTimeout:  defaultStartupTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		ReadyMarker:     defaultReadyMarker,
		RequiredModules: DefaultRequiredModules,
	}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger used for lifecycle events and worker stderr.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCommandRunner replaces the runner used by the pre-flight.
func WithCommandRunner(r CommandRunner) SupervisorOption {
	return func(s *Supervisor) {
		if r != nil {
			s.runner = r
		}
	}
}

// Supervisor owns one long-lived embedding worker and multiplexes every
// caller's requests onto its stdin/stdout using correlation ids.
type Supervisor struct {
	config SupervisorConfig
	logger *slog.Logger
	runner CommandRunner

	mu          sync.Mutex
	state       State
	initialized bool
	proc        *workerProcess
	lastErr     error
}

// workerProcess is one spawned generation of the worker. Its pending table
// only holds requests written to this process, so a crash fails exactly
// the requests that were in flight on it.
type workerProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	pending map[string]*EmbeddingRequest
	exited  bool
	exitErr error
	tail    []string
}

// NewSupervisor creates a Supervisor. Nothing is started until Start.
func NewSupervisor(cfg SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.Runtime == "" {
		cfg.Runtime = def.Runtime
	}
	if cfg.ScriptPath == "" {
		cfg.ScriptPath = def.ScriptPath
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = def.MaxTextBytes
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.ReadyMarker == "" {
		cfg.ReadyMarker = def.ReadyMarker
	}
	if cfg.RequiredModules == nil {
		cfg.RequiredModules = def.RequiredModules
	}

	s := &Supervisor{
		config: cfg,
		logger: slog.Default(),
		runner: execCommandRunner{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "embed-supervisor")
	return s
}

// Initialize verifies the runtime and its modules and writes the worker
// script. It does not start the worker. Repeated calls are no-ops once one
// succeeded.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if len(s.config.Command) == 0 {
		diag := Diagnose(ctx, s.runner, s.config.Runtime, s.config.RequiredModules)
		if err := diag.Err(); err != nil {
			s.lastErr = err
			return err
		}
		if err := writeScript(s.config.ScriptPath); err != nil {
			err = errs.Wrap(err, errs.CodeEmbedSetupScriptFailure, "write worker script",
				errs.Field("path", s.config.ScriptPath),
				errs.Remediation("make sure the data directory is writable"))
			s.lastErr = err
			return err
		}
	}

	s.initialized = true
	return nil
}

// writeScript refreshes the worker script when its content differs.
func writeScript(path string) error {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, workerScript) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, workerScript, 0o644)
}

// Start spawns the worker once and blocks until it reports the model is
// loaded. While a worker is alive further calls only wait for readiness.
// On timeout the worker is left running for diagnosis.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	proc := s.proc
	if proc == nil || proc.isExited() {
		p, err := s.spawn()
		if err != nil {
			s.state = StateExited
			s.lastErr = err
			s.mu.Unlock()
			return err
		}
		proc = p
		s.proc = p
		s.state = StateStarting
		s.logger.Info("embedding worker started", "pid", p.cmd.Process.Pid, "model", s.config.Model)
	}
	s.mu.Unlock()

	return s.awaitReady(ctx, proc)
}

func (s *Supervisor) command() []string {
	if len(s.config.Command) > 0 {
		return s.config.Command
	}
	return []string{s.config.Runtime, "-u", s.config.ScriptPath}
}

func (s *Supervisor) spawn() (*workerProcess, error) {
	argv := s.command()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "CMDVEC_MODEL="+s.config.Model)
	cmd.Env = append(cmd.Env, s.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeEmbedWorkerStartFailure, "open worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeEmbedWorkerStartFailure, "open worker stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeEmbedWorkerStartFailure, "open worker stderr")
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(err, errs.CodeEmbedWorkerStartFailure, "start worker",
			errs.Field("command", strings.Join(argv, " ")))
	}

	p := &workerProcess{
		cmd:     cmd,
		stdin:   stdin,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]*EmbeddingRequest),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readResponses(p, stdout)
	}()
	go func() {
		defer readers.Done()
		s.readDiagnostics(p, stderr)
	}()
	go s.wait(p, &readers)

	return p, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, p *workerProcess) error {
	select {
	case <-p.ready:
		return nil
	default:
	}

	timer := time.NewTimer(s.config.StartupTimeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return errs.Wrap(p.exitError(), errs.CodeEmbedWorkerExited, "embedding worker exited during startup",
			errs.Field("stderr", p.stderrTail()))
	case <-timer.C:
		err := errs.New(errs.CodeEmbedWorkerStartupTimeout,
			fmt.Sprintf("embedding worker did not report %q within %s", s.config.ReadyMarker, s.config.StartupTimeout),
			errs.Field("pid", p.cmd.Process.Pid),
			errs.Field("stderr", p.stderrTail()),
			errs.Remediation("inspect the worker stderr; the first model download can exceed the startup timeout"))
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readResponses routes each stdout line to the request with the same id.
func (s *Supervisor) readResponses(p *workerProcess, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp workerResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Warn("ignoring non-protocol line on worker stdout", "error", err)
			continue
		}

		req := p.take(resp.ID)
		if req == nil {
			s.logger.Warn("response for unknown request", "id", resp.ID)
			continue
		}
		req.reply <- s.toResult(req, resp)
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("worker stdout read failed", "error", err)
	}
}

func (s *Supervisor) toResult(req *EmbeddingRequest, resp workerResponse) embeddingResult {
	if resp.Error != "" {
		return embeddingResult{err: errs.New(errs.CodeEmbedResponseFailure, resp.Error,
			errs.Field("request_id", req.ID), errs.Field("texts", len(req.Texts)))}
	}
	if len(resp.Embeddings) != len(req.Texts) {
		return embeddingResult{err: errs.Errorf(errs.CodeEmbedResponseInvalid,
			"worker returned %d embeddings for %d texts", len(resp.Embeddings), len(req.Texts))}
	}
	for i, v := range resp.Embeddings {
		if len(v) != s.config.Dimensions {
			return embeddingResult{err: errs.Errorf(errs.CodeEmbedDimensionMismatch,
				"embedding %d: expected %d dimensions, got %d", i, s.config.Dimensions, len(v))}
		}
	}
	return embeddingResult{embeddings: resp.Embeddings}
}

// readDiagnostics relogs worker stderr and watches for the ready marker.
func (s *Supervisor) readDiagnostics(p *workerProcess, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		p.appendTail(line)
		s.logger.Debug(line, "stream", "stderr", "pid", p.cmd.Process.Pid)

		if strings.Contains(line, s.config.ReadyMarker) {
			// State flips before ready closes so Start's caller never
			// observes a ready channel with a non-ready state.
			s.mu.Lock()
			if s.proc == p && s.state == StateStarting {
				s.state = StateReady
				s.logger.Info("embedding worker ready", "pid", p.cmd.Process.Pid)
			}
			s.mu.Unlock()
			p.readyOnce.Do(func() { close(p.ready) })
		}
	}
}

// wait reaps the process after both readers drained, then fails whatever
// is still pending on it.
func (s *Supervisor) wait(p *workerProcess, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	pending := p.pending
	p.pending = make(map[string]*EmbeddingRequest)
	p.mu.Unlock()
	close(p.done)

	for id, req := range pending {
		req.reply <- embeddingResult{err: errs.Wrap(p.exitError(), errs.CodeEmbedWorkerExited,
			"embedding worker exited before responding",
			errs.Field("request_id", id),
			errs.Field("pending", len(pending)))}
	}

	s.mu.Lock()
	if s.proc == p {
		s.state = StateExited
		s.lastErr = errs.Wrap(p.exitError(), errs.CodeEmbedWorkerExited, "embedding worker exited",
			errs.Field("stderr", p.stderrTail()))
		s.logger.Warn("embedding worker exited", "error", err, "failed_requests", len(pending))
	}
	s.mu.Unlock()
}

// Embed generates an embedding for a single text.
func (s *Supervisor) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch splits texts into worker-sized batches and sends them
// concurrently. Results keep the input order.
func (s *Supervisor) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if len(t) > s.config.MaxTextBytes {
			return nil, errs.New(errs.CodeEmbedRequestInvalid, "text exceeds maximum size",
				errs.Field("index", i), errs.Field("bytes", len(t)), errs.Field("max_bytes", s.config.MaxTextBytes))
		}
	}

	p, err := s.readyProcess()
	if err != nil {
		return nil, err
	}

	size := s.config.MaxBatchSize
	if len(texts) <= size {
		return s.roundTrip(ctx, p, texts)
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		g.Go(func() error {
			vecs, err := s.roundTrip(gctx, p, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Supervisor) readyProcess() (*workerProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil || s.state != StateReady {
		return nil, errs.Wrap(ErrNotStarted, errs.CodeEmbedWorkerUnavailable, "embedding worker is not ready",
			errs.Field("state", s.state.String()))
	}
	return s.proc, nil
}

func (s *Supervisor) roundTrip(ctx context.Context, p *workerProcess, texts []string) ([][]float32, error) {
	req := &EmbeddingRequest{
		ID:          uuid.NewString(),
		Texts:       texts,
		SubmittedAt: time.Now(),
		reply:       make(chan embeddingResult, 1),
	}

	if !p.register(req) {
		return nil, errs.Wrap(p.exitError(), errs.CodeEmbedWorkerUnavailable, "embedding worker exited",
			errs.Field("request_id", req.ID))
	}

	line, err := json.Marshal(workerRequest{ID: req.ID, Texts: texts})
	if err != nil {
		p.take(req.ID)
		return nil, errs.Wrap(err, errs.CodeEmbedRequestInvalid, "encode worker request")
	}
	if err := p.send(line); err != nil {
		// The process may have died between register and write; the reaper
		// then owns the reply.
		if p.take(req.ID) == nil {
			res := <-req.reply
			return res.embeddings, res.err
		}
		return nil, errs.Wrap(err, errs.CodeEmbedWorkerExited, "write to embedding worker",
			errs.Field("request_id", req.ID))
	}

	select {
	case res := <-req.reply:
		return res.embeddings, res.err
	case <-ctx.Done():
		p.take(req.ID)
		return nil, ctx.Err()
	}
}

// Shutdown stops the worker, fails its pending requests, and returns the
// supervisor to the uninitialized state.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.state = StateUninitialized
	s.initialized = false
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	_ = p.stdin.Close()
	select {
	case <-p.done:
		return nil
	case <-time.After(s.config.ShutdownTimeout):
	}

	s.logger.Warn("embedding worker did not exit after stdin closed, killing", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Kill(); err != nil {
		return errs.Wrap(err, errs.CodeEmbedWorkerExited, "kill embedding worker")
	}
	select {
	case <-p.done:
	case <-time.After(s.config.ShutdownTimeout):
	}
	return nil
}

// Ping reports whether the worker is ready to serve requests.
func (s *Supervisor) Ping(ctx context.Context) error {
	_, err := s.readyProcess()
	return err
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent setup, startup, or exit error.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Pid returns the worker's process id, or 0 when none is running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.isExited() {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Pending returns the number of requests awaiting a response.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Model returns the model the worker loads.
func (s *Supervisor) Model() string { return s.config.Model }

// Dimensions returns the configured vector size.
func (s *Supervisor) Dimensions() int { return s.config.Dimensions }

func (p *workerProcess) register(req *EmbeddingRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return false
	}
	p.pending[req.ID] = req
	return true
}

// take removes and returns the pending request with id, or nil.
func (p *workerProcess) take(id string) *EmbeddingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.pending[id]
	if !ok {
		return nil
	}
	delete(p.pending, id)
	return req
}

func (p *workerProcess) send(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *workerProcess) isExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *workerProcess) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr != nil {
		return p.exitErr
	}
	return fmt.Errorf("worker process exited")
}

func (p *workerProcess) appendTail(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > stderrTailLines {
		p.tail = p.tail[len(p.tail)-stderrTailLines:]
	}
}

func (p *workerProcess) stderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}
