package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/cmdvec/internal/cache"
)

// mockProvider is a test mock for the Provider interface
type mockProvider struct {
	mu             sync.Mutex
	embedFunc      func(ctx context.Context, text string) ([]float32, error)
	embedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
	pingErr        error
	model          string
	dimensions     int
	embedCalls     int
	batchCalls     int
	batchTexts     [][]string
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.embedCalls++
	m.mu.Unlock()
	if m.embedFunc != nil {
		return m.embedFunc(ctx, text)
	}
	return []float32{1.0, 2.0, 3.0}, nil
}

func (m *mockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.batchCalls++
	m.batchTexts = append(m.batchTexts, append([]string(nil), texts...))
	m.mu.Unlock()
	if m.embedBatchFunc != nil {
		return m.embedBatchFunc(ctx, texts)
	}
	results := make([][]float32, len(texts))
	for i := range texts {
		results[i] = []float32{float32(i), float32(i + 1)}
	}
	return results, nil
}

func (m *mockProvider) Model() string {
	if m.model != "" {
		return m.model
	}
	return "test-model"
}

func (m *mockProvider) Dimensions() int {
	if m.dimensions != 0 {
		return m.dimensions
	}
	return 384
}

func (m *mockProvider) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockProvider) calls() (embed, batch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls, m.batchCalls
}

func TestCachedProvider_Embed(t *testing.T) {
	mock := &mockProvider{}
	cached := WithCache(mock, 100)
	ctx := context.Background()

	// First call should go to provider
	result1, err := cached.Embed(ctx, "test query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := mock.calls(); n != 1 {
		t.Errorf("embedCalls = %d, want 1", n)
	}

	// Second call with same text should use cache
	result2, err := cached.Embed(ctx, "test query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := mock.calls(); n != 1 {
		t.Errorf("embedCalls = %d, want 1 (should use cache)", n)
	}
	if len(result1) != len(result2) {
		t.Error("cached result should equal original")
	}

	if _, err := cached.Embed(ctx, "different query"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := mock.calls(); n != 2 {
		t.Errorf("embedCalls = %d, want 2", n)
	}
}

func TestCachedProvider_EmbedErrorNotCached(t *testing.T) {
	expectedErr := errors.New("provider error")
	fail := true
	mock := &mockProvider{
		embedFunc: func(ctx context.Context, text string) ([]float32, error) {
			if fail {
				return nil, expectedErr
			}
			return []float32{1}, nil
		},
	}
	cached := WithCache(mock, 100)
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "test"); !errors.Is(err, expectedErr) {
		t.Errorf("error = %v, want %v", err, expectedErr)
	}

	fail = false
	if _, err := cached.Embed(ctx, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := mock.calls(); n != 2 {
		t.Errorf("embedCalls = %d, want 2 (errors must not be cached)", n)
	}
}

func TestCachedProvider_EmbedBatchPartialCache(t *testing.T) {
	mock := &mockProvider{}
	cached := WithCache(mock, 100)
	ctx := context.Background()

	_, _ = cached.Embed(ctx, "query1")

	results, err := cached.EmbedBatch(ctx, []string{"query1", "query2", "query3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results length = %d, want 3", len(results))
	}
	if results[0][0] != 1.0 {
		t.Errorf("results[0] should come from the cache, got %v", results[0])
	}
	if len(mock.batchTexts) != 1 || len(mock.batchTexts[0]) != 2 {
		t.Fatalf("batch should only contain misses, got %v", mock.batchTexts)
	}
	if mock.batchTexts[0][0] != "query2" || mock.batchTexts[0][1] != "query3" {
		t.Errorf("batch texts = %v", mock.batchTexts[0])
	}

	// Same batch again is fully cached
	if _, err := cached.EmbedBatch(ctx, []string{"query1", "query2", "query3"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, n := mock.calls(); n != 1 {
		t.Errorf("batchCalls = %d, want 1 (all cached)", n)
	}
}

func TestCachedProvider_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock := &mockProvider{}
	cached := WithCacheAndTTL(mock, 10, time.Minute, cache.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, _ = cached.Embed(ctx, "q")
	now = now.Add(30 * time.Second)
	_, _ = cached.Embed(ctx, "q")
	if n, _ := mock.calls(); n != 1 {
		t.Fatalf("embedCalls = %d, want 1 before expiry", n)
	}

	now = now.Add(time.Minute)
	_, _ = cached.Embed(ctx, "q")
	if n, _ := mock.calls(); n != 2 {
		t.Errorf("embedCalls = %d, want 2 after expiry", n)
	}
}

func TestCachedProvider_Delegates(t *testing.T) {
	pingErr := errors.New("down")
	mock := &mockProvider{model: "custom-model", dimensions: 512, pingErr: pingErr}
	cached := WithCache(mock, 100)

	if cached.Model() != "custom-model" {
		t.Errorf("Model() = %s, want custom-model", cached.Model())
	}
	if cached.Dimensions() != 512 {
		t.Errorf("Dimensions() = %d, want 512", cached.Dimensions())
	}
	if err := cached.Ping(context.Background()); !errors.Is(err, pingErr) {
		t.Errorf("Ping() error = %v, want %v", err, pingErr)
	}
	if cached.Inner() != Provider(mock) {
		t.Error("Inner() should return the wrapped provider")
	}
}

func TestCachedProvider_ClearCache(t *testing.T) {
	mock := &mockProvider{}
	cached := WithCache(mock, 100)
	ctx := context.Background()

	_, _ = cached.Embed(ctx, "test1")
	_, _ = cached.Embed(ctx, "test2")
	if got := cached.CacheStats().Entries; got != 2 {
		t.Errorf("Entries = %d, want 2", got)
	}

	cached.ClearCache()
	if got := cached.CacheStats().Entries; got != 0 {
		t.Errorf("Entries after clear = %d, want 0", got)
	}

	_, _ = cached.Embed(ctx, "test1")
	if n, _ := mock.calls(); n != 3 {
		t.Error("should call provider after cache clear")
	}
}
