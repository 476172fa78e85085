// Package embed turns command and example text into fixed-size vectors.
package embed

import (
	"context"
	"errors"
	"math"
)

const (
	// DefaultModel is the sentence-embedding model loaded by the worker.
	DefaultModel = "BAAI/bge-small-en-v1.5"
	// DefaultDimensions is the output size of DefaultModel.
	DefaultDimensions = 384
	// DefaultMaxBatchSize bounds the texts sent in one worker request.
	DefaultMaxBatchSize = 32
)

// Common errors for embedding providers.
var (
	ErrEmptyText   = errors.New("cannot embed empty text")
	ErrNotStarted  = errors.New("embedding worker not started")
	ErrUnknownMode = errors.New("unknown fallback mode")
)

// Provider defines the interface for embedding backends.
type Provider interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple texts.
	// Returns embeddings in the same order as input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimensions returns the dimensionality of the embedding vectors.
	Dimensions() int

	// Ping checks if the provider is available and the model is loaded.
	Ping(ctx context.Context) error
}

// Status describes the provider currently serving requests.
type Status struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Backend    string `json:"backend"`
	State      string `json:"state"`
	Degraded   bool   `json:"degraded"`
	LastError  string `json:"last_error,omitempty"`
}

// normalize scales v to unit length in place. A zero vector is left as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
