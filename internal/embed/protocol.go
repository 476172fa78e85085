package embed

import (
	_ "embed"
	"time"
)

//go:embed worker.py
var workerScript []byte

// WorkerScript returns the worker program written by Initialize.
func WorkerScript() []byte {
	return workerScript
}

// workerRequest is one line written to the worker's stdin.
type workerRequest struct {
	ID    string   `json:"id"`
	Texts []string `json:"texts"`
}

// workerResponse is one line read from the worker's stdout.
type workerResponse struct {
	ID         string      `json:"id"`
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// EmbeddingRequest is a round trip awaiting its response. It lives in the
// supervisor's pending table from write until the matching response (or
// worker exit).
type EmbeddingRequest struct {
	ID          string
	Texts       []string
	SubmittedAt time.Time

	reply chan embeddingResult
}

type embeddingResult struct {
	embeddings [][]float32
	err        error
}
