package embed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

const helperDims = 4

// TestHelperWorker is not a real test. It is re-executed as the worker
// process by helperSupervisor and speaks the line protocol.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("CMDVEC_HELPER_WORKER") != "1" {
		t.Skip("helper process")
	}
	os.Exit(runHelperWorker(os.Getenv("CMDVEC_HELPER_MODE")))
}

func runHelperWorker(mode string) int {
	dims, _ := strconv.Atoi(os.Getenv("CMDVEC_HELPER_DIMS"))
	if dims == 0 {
		dims = helperDims
	}

	fmt.Fprintln(os.Stderr, "loading model")
	switch mode {
	case "noready-exit":
		fmt.Fprintln(os.Stderr, "fatal: cannot load model")
		return 3
	case "silent":
	default:
		fmt.Fprintln(os.Stderr, "model loaded")
	}

	var outMu sync.Mutex
	out := json.NewEncoder(os.Stdout)
	reply := func(resp workerResponse) {
		outMu.Lock()
		defer outMu.Unlock()
		_ = out.Encode(resp)
	}
	vectors := func(texts []string, dims int) [][]float32 {
		vecs := make([][]float32, len(texts))
		for i, text := range texts {
			v := make([]float32, dims)
			for j := range v {
				v[j] = float32(len(text) + j)
			}
			vecs[i] = v
		}
		return vecs
	}

	var held []workerRequest
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req workerRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		switch mode {
		case "silent":
		case "error":
			reply(workerResponse{ID: req.ID, Error: "model exploded", Embeddings: [][]float32{}})
		case "baddim":
			reply(workerResponse{ID: req.ID, Embeddings: vectors(req.Texts, dims-1)})
		case "reverse":
			held = append(held, req)
			if len(held) == 2 {
				fmt.Fprintln(os.Stdout, "not json")
				reply(workerResponse{ID: held[1].ID, Embeddings: vectors(held[1].Texts, dims)})
				reply(workerResponse{ID: held[0].ID, Embeddings: vectors(held[0].Texts, dims)})
				held = nil
			}
		case "crash":
			held = append(held, req)
			if len(held) == 5 {
				return 2
			}
		default:
			reply(workerResponse{ID: req.ID, Embeddings: vectors(req.Texts, dims)})
		}
	}
	return 0
}

func helperConfig(t *testing.T, mode string) SupervisorConfig {
	t.Helper()
	return SupervisorConfig{
		Command: []string{os.Args[0], "-test.run=^TestHelperWorker$", "--"},
		Env: []string{
			"CMDVEC_HELPER_WORKER=1",
			"CMDVEC_HELPER_MODE=" + mode,
			"CMDVEC_HELPER_DIMS=" + strconv.Itoa(helperDims),
		},
		Dimensions:      helperDims,
		MaxBatchSize:    2,
		StartupTimeout:  10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func startHelper(t *testing.T, mode string) *Supervisor {
	t.Helper()
	sup := NewSupervisor(helperConfig(t, mode))
	t.Cleanup(func() { _ = sup.Shutdown() })
	require.NoError(t, sup.Start(context.Background()))
	return sup
}

func TestSupervisor_StartAndEmbed(t *testing.T) {
	sup := startHelper(t, "echo")
	assert.Equal(t, StateReady, sup.State())
	assert.NoError(t, sup.Ping(context.Background()))

	vec, err := sup.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 5, 6}, vec)
}

func TestSupervisor_BatchesKeepOrder(t *testing.T) {
	sup := startHelper(t, "echo")

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := sup.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Len(t, vecs[i], helperDims)
		assert.Equal(t, float32(len(text)), vecs[i][0], "text %q", text)
	}
	assert.Zero(t, sup.Pending())
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	sup := startHelper(t, "echo")
	pid := sup.Pid()
	require.NotZero(t, pid)

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, pid, sup.Pid())
}

func TestSupervisor_CorrelatesOutOfOrderResponses(t *testing.T) {
	cfg := helperConfig(t, "reverse")
	cfg.MaxBatchSize = 1
	sup := NewSupervisor(cfg)
	t.Cleanup(func() { _ = sup.Shutdown() })
	require.NoError(t, sup.Start(context.Background()))

	vecs, err := sup.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])
}

func TestSupervisor_CrashFailsEveryPendingRequest(t *testing.T) {
	sup := startHelper(t, "crash")

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = sup.Embed(context.Background(), fmt.Sprintf("text %d", i))
		}()
	}
	wg.Wait()

	for i, err := range results {
		require.Error(t, err, "request %d", i)
		assert.True(t, errs.IsWorkerExited(err), "request %d: %v", i, err)
	}
	assert.Eventually(t, func() bool { return sup.State() == StateExited }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, sup.Pending())
}

func TestSupervisor_StartupTimeoutLeavesProcessRunning(t *testing.T) {
	cfg := helperConfig(t, "silent")
	cfg.StartupTimeout = 200 * time.Millisecond
	sup := NewSupervisor(cfg)
	t.Cleanup(func() { _ = sup.Shutdown() })

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsStartupTimeout(err), "got %v", err)
	assert.Equal(t, StateStarting, sup.State())
	assert.NotZero(t, sup.Pid())

	_, err = sup.Embed(context.Background(), "x")
	assert.True(t, errs.IsWorkerExited(err), "not ready worker should be unavailable, got %v", err)

	require.NoError(t, sup.Shutdown())
	assert.Equal(t, StateUninitialized, sup.State())
	assert.Zero(t, sup.Pid())
}

func TestSupervisor_ExitDuringStartup(t *testing.T) {
	sup := NewSupervisor(helperConfig(t, "noready-exit"))
	t.Cleanup(func() { _ = sup.Shutdown() })

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsWorkerExited(err), "got %v", err)
	assert.Contains(t, errs.FieldsOf(err)["stderr"], "cannot load model")
}

func TestSupervisor_ErrorResponseFailsOnlyThatRequest(t *testing.T) {
	sup := startHelper(t, "error")

	_, err := sup.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.IsEmbedding(err), "got %v", err)
	assert.Contains(t, err.Error(), "model exploded")
	assert.Equal(t, StateReady, sup.State())
}

func TestSupervisor_DimensionMismatch(t *testing.T) {
	sup := startHelper(t, "baddim")

	_, err := sup.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.IsDimensionMismatch(err), "got %v", err)
}

func TestSupervisor_RejectsOversizedText(t *testing.T) {
	cfg := helperConfig(t, "echo")
	cfg.MaxTextBytes = 8
	sup := NewSupervisor(cfg)
	t.Cleanup(func() { _ = sup.Shutdown() })
	require.NoError(t, sup.Start(context.Background()))

	_, err := sup.EmbedBatch(context.Background(), []string{"short", "much too long"})
	require.Error(t, err)
	assert.True(t, errs.IsEmbedding(err))
	assert.True(t, errs.IsInvalidInput(err))
}

func TestSupervisor_NotStarted(t *testing.T) {
	sup := NewSupervisor(helperConfig(t, "echo"))

	_, err := sup.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errs.IsWorkerExited(err))
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.Equal(t, StateUninitialized, sup.State())
}

func TestSupervisor_RestartAfterShutdown(t *testing.T) {
	sup := startHelper(t, "echo")
	first := sup.Pid()

	require.NoError(t, sup.Shutdown())
	require.NoError(t, sup.Start(context.Background()))
	assert.NotEqual(t, first, sup.Pid())

	_, err := sup.Embed(context.Background(), "again")
	assert.NoError(t, err)
}

type fakeRunner struct {
	mu      sync.Mutex
	version string
	missing map[string]bool
	calls   [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if len(args) == 1 && args[0] == "--version" {
		if f.version == "" {
			return nil, errors.New("executable file not found in $PATH")
		}
		return []byte(f.version + "\n"), nil
	}
	if len(args) == 2 && args[0] == "-c" {
		mod := args[1][len("import "):]
		if f.missing[mod] {
			return []byte("Traceback (most recent call last):\nModuleNotFoundError: No module named '" + mod + "'"), errors.New("exit status 1")
		}
	}
	return nil, nil
}

func TestSupervisor_InitializeWritesScript(t *testing.T) {
	runner := &fakeRunner{version: "Python 3.11.4"}
	script := filepath.Join(t.TempDir(), "worker", "embed_worker.py")
	sup := NewSupervisor(SupervisorConfig{ScriptPath: script}, WithCommandRunner(runner))

	require.NoError(t, sup.Initialize(context.Background()))
	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Equal(t, WorkerScript(), data)

	// Already initialized: no further probes.
	calls := len(runner.calls)
	require.NoError(t, sup.Initialize(context.Background()))
	assert.Len(t, runner.calls, calls)
	assert.Equal(t, StateUninitialized, sup.State())
}

func TestSupervisor_InitializeSetupErrors(t *testing.T) {
	tests := []struct {
		name        string
		runner      *fakeRunner
		wantCode    errs.Code
		remediation string
	}{
		{
			name:        "runtime missing",
			runner:      &fakeRunner{},
			wantCode:    errs.CodeEmbedSetupRuntimeMissing,
			remediation: "embedding.runtime",
		},
		{
			name:        "runtime too old",
			runner:      &fakeRunner{version: "Python 3.7.2"},
			wantCode:    errs.CodeEmbedSetupRuntimeMissing,
			remediation: "upgrade",
		},
		{
			name:        "module missing",
			runner:      &fakeRunner{version: "Python 3.12.1", missing: map[string]bool{"fastembed": true}},
			wantCode:    errs.CodeEmbedSetupDependencyMissing,
			remediation: "python3 -m pip install fastembed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := NewSupervisor(SupervisorConfig{ScriptPath: filepath.Join(t.TempDir(), "w.py")}, WithCommandRunner(tt.runner))

			err := sup.Initialize(context.Background())
			require.Error(t, err)
			assert.True(t, errs.IsSetup(err))
			assert.Equal(t, tt.wantCode, errs.CodeOf(err))
			assert.Contains(t, errs.RemediationOf(err), tt.remediation)
			assert.Equal(t, err, sup.LastError())

			// Start surfaces the same setup failure without spawning.
			err = sup.Start(context.Background())
			assert.True(t, errs.IsSetup(err))
			assert.Zero(t, sup.Pid())
		})
	}
}

func TestDiagnose_Report(t *testing.T) {
	d := Diagnose(context.Background(), &fakeRunner{version: "Python 3.10.0", missing: map[string]bool{"onnxruntime": true}}, "python3", []string{"fastembed", "onnxruntime"})

	assert.False(t, d.OK())
	assert.Equal(t, "Python 3.10.0", d.RuntimeVersion)
	require.Len(t, d.Checks, 3)
	assert.True(t, d.Checks[1].OK)
	assert.False(t, d.Checks[2].OK)
	assert.Equal(t, "ModuleNotFoundError: No module named 'onnxruntime'", d.Checks[2].Detail)
	assert.Contains(t, d.String(), "fix: python3 -m pip install onnxruntime")
}
