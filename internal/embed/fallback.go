package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"unicode"
)

// Fallback modes selectable by configuration.
const (
	FallbackHash    = "hash"
	FallbackTrigram = "trigram"
)

// keywordWeight scales the reserved keyword dimensions of the trigram
// embedder relative to a single trigram occurrence.
const keywordWeight = 3.0

// fallbackKeywords get dedicated dimensions in the trigram embedder so that
// verbs and nouns common in deployment commands dominate the similarity.
var fallbackKeywords = []string{
	"get", "set", "new", "remove", "show", "start", "stop", "install",
	"uninstall", "invoke", "test", "copy", "execute", "close", "block",
	"unblock", "update", "registry", "key", "file", "folder", "msi", "msp",
	"process", "service", "shortcut", "prompt", "dialog", "balloon", "ini",
	"path", "environment", "user", "profile", "log", "session", "deploy",
	"application", "dir", "restart", "progress", "welcome",
}

// NewFallback returns the deterministic embedder for mode.
func NewFallback(mode string, dims int) (Provider, error) {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	switch mode {
	case FallbackHash:
		return NewHashEmbedder(dims), nil
	case FallbackTrigram, "":
		return NewTrigramEmbedder(dims), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// HashEmbedder seeds a PRNG from the text hash and emits a unit vector.
// Equal inputs always produce identical vectors; there is no semantic
// similarity between different inputs.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder producing dims-sized vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return hashVector(text, h.dims), nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, h.dims)
	}
	return out, nil
}

func (h *HashEmbedder) Model() string { return "fallback-hash" }
func (h *HashEmbedder) Dimensions() int { return h.dims }
func (h *HashEmbedder) Ping(ctx context.Context) error { return nil }

func hashVector(text string, dims int) []float32 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(text))
	seed := hasher.Sum64()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return normalize(v)
}

// TrigramEmbedder builds a normalized character-trigram frequency vector.
// The first dimensions are reserved for keyword counts; trigrams are hashed
// into the rest. Texts sharing substrings land close to each other.
type TrigramEmbedder struct {
	dims       int
	keywordDim int
}

// NewTrigramEmbedder creates a TrigramEmbedder producing dims-sized vectors.
func NewTrigramEmbedder(dims int) *TrigramEmbedder {
	kw := min(len(fallbackKeywords), dims/8)
	return &TrigramEmbedder{dims: dims, keywordDim: kw}
}

func (e *TrigramEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *TrigramEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *TrigramEmbedder) Model() string { return "fallback-trigram" }
func (e *TrigramEmbedder) Dimensions() int { return e.dims }
func (e *TrigramEmbedder) Ping(ctx context.Context) error { return nil }

func (e *TrigramEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	lower := strings.ToLower(text)

	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return hashVector(text, e.dims)
	}

	for i := 0; i < e.keywordDim; i++ {
		if n := strings.Count(lower, fallbackKeywords[i]); n > 0 {
			v[i] += float32(keywordWeight * float64(n))
		}
	}

	buckets := uint32(e.dims - e.keywordDim)
	for _, w := range words {
		runes := []rune(" " + w + " ")
		for i := 0; i+3 <= len(runes); i++ {
			hasher := fnv.New32a()
			_, _ = hasher.Write([]byte(string(runes[i : i+3])))
			v[e.keywordDim+int(hasher.Sum32()%buckets)]++
		}
	}

	return normalize(v)
}
