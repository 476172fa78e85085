// Package search answers free-text queries by fusing exact command-name
// matches with vector similarity results.
package search

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/cmdvec/internal/cache"
	"github.com/abdul-hamid-achik/cmdvec/internal/embed"
	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
	"github.com/abdul-hamid-achik/cmdvec/internal/store"
)

// Scores assigned by the direct lexical pass.
const (
	ExactScore  = 1.0
	PrefixScore = 0.9
)

// Result sources.
const (
	SourceDirect = "direct"
	SourceVector = "vector"
)

// Result is one ranked command or example.
type Result struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	CommandID    string   `json:"commandId"`
	CommandName  string   `json:"commandName"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Syntax       string   `json:"syntax,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	IsDeprecated bool     `json:"isDeprecated"`
	Parameters   []string `json:"parameters,omitempty"`
	ExampleID    string   `json:"exampleId,omitempty"`
	Title        string   `json:"title,omitempty"`
	Code         string   `json:"code,omitempty"`

	Score       float64 `json:"score"`
	ScoreText   string  `json:"scoreText"`
	Boosted     bool    `json:"boosted,omitempty"`
	BoostFactor float64 `json:"boostFactor,omitempty"`
	Source      string  `json:"source"`
}

// Options configures one search.
type Options struct {
	Limit   int    `json:"limit"`
	Version string `json:"version,omitempty"`
	// Type restricts results to store.TypeCommand or store.TypeExample.
	Type string `json:"type,omitempty"`
	// ExcludeDeprecated drops deprecated commands and their examples.
	ExcludeDeprecated bool `json:"excludeDeprecated,omitempty"`
	// Context is surrounding editor text appended to the query before
	// embedding. Searches with context are never cached.
	Context string `json:"-"`
}

// Config holds engine tuning.
type Config struct {
	DefaultLimit   int
	DirectLimit    int
	MinVectorLimit int
	CacheTTL       time.Duration
	CacheSize      int
}

// DefaultConfig returns sensible defaults for the engine.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   10,
		DirectLimit:    5,
		MinVectorLimit: 30,
		CacheTTL:       cache.DefaultTTL,
		CacheSize:      cache.DefaultSize,
	}
}

// Store is the read side of the vector store.
type Store interface {
	Search(ctx context.Context, vector []float32, filter *store.Filter, limit, offset int) ([]store.ScoredPoint, error)
	Scroll(ctx context.Context, filter *store.Filter, limit int) ([]store.Point, error)
}

// Engine performs hybrid searches against the command collection.
type Engine struct {
	store    Store
	provider embed.Provider
	config   Config
	cache    *cache.TTLCache[string, []Result]
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger    *slog.Logger
	cacheOpts []cache.Option
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithCacheOptions passes options to the result cache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *engineOptions) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// NewEngine creates an Engine. Zero config fields take their defaults.
func NewEngine(st Store, provider embed.Provider, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.DirectLimit <= 0 {
		cfg.DirectLimit = def.DirectLimit
	}
	if cfg.MinVectorLimit <= 0 {
		cfg.MinVectorLimit = def.MinVectorLimit
	}

	o := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return &Engine{
		store:    st,
		provider: provider,
		config:   cfg,
		cache:    cache.New[string, []Result](cfg.CacheTTL, cfg.CacheSize, o.cacheOpts...),
		logger:   o.logger.With("component", "search"),
	}
}

// Provider returns the embedding provider used for query vectors.
func (e *Engine) Provider() embed.Provider {
	return e.provider
}

// Search returns up to opts.Limit results for query. Direct name matches
// always rank ahead of vector matches.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	normalized := Normalize(query)
	if normalized == "" {
		return nil, errs.New(errs.CodeSearchQueryInvalid, "query cannot be empty")
	}
	if opts.Type != "" && opts.Type != store.TypeCommand && opts.Type != store.TypeExample {
		return nil, errs.New(errs.CodeSearchQueryInvalid, "unknown result type",
			errs.Field("type", opts.Type),
			errs.Remediation("use \"command\" or \"example\""))
	}
	if opts.Limit <= 0 {
		opts.Limit = e.config.DefaultLimit
	}

	key := ""
	if opts.Context == "" {
		key = cacheKey(normalized, opts)
		if cached, ok := e.cache.Get(key); ok {
			return slices.Clone(cached), nil
		}
	}

	direct := e.directPass(ctx, normalized, opts)

	vector, err := e.vectorPass(ctx, normalized, opts)
	if err != nil {
		if len(direct) == 0 {
			return nil, err
		}
		e.logger.Warn("vector search failed, returning direct matches", "query", normalized, "error", err)
		return truncate(direct, opts.Limit), nil
	}

	results := merge(direct, vector, opts.Limit)
	if key != "" {
		e.cache.Set(key, slices.Clone(results))
	}
	return results, nil
}

// Normalize lowercases and trims a query.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// LooksLikeCommand reports whether a normalized query resembles a
// Verb-Noun command name.
func LooksLikeCommand(normalized string) bool {
	return strings.Contains(normalized, "-")
}

func cacheKey(normalized string, opts Options) string {
	data, _ := json.Marshal(struct {
		Query   string  `json:"query"`
		Options Options `json:"options"`
	}{normalized, opts})
	return string(data)
}

// baseFilter builds the clauses shared by both passes.
func baseFilter(opts Options) *store.Filter {
	f := &store.Filter{}
	if opts.Type != "" {
		f.Must = append(f.Must, store.Match(store.FieldType, opts.Type))
	}
	if opts.Version != "" {
		f.Must = append(f.Must, store.Match(store.FieldVersion, opts.Version))
	}
	if opts.ExcludeDeprecated {
		f.Must = append(f.Must, store.Match(store.FieldDeprecated, false))
	}
	return f
}

// directPass looks up commands whose name starts with the query. Failures
// are logged and yield no results.
func (e *Engine) directPass(ctx context.Context, normalized string, opts Options) []Result {
	if !LooksLikeCommand(normalized) || opts.Type == store.TypeExample {
		return nil
	}

	f := baseFilter(Options{Version: opts.Version, ExcludeDeprecated: opts.ExcludeDeprecated})
	f.Must = append([]store.Condition{store.Match(store.FieldType, store.TypeCommand)}, f.Must...)
	f.Should = []store.Condition{
		store.HasPrefix(store.FieldCommandName, normalized),
		store.HasPrefix(store.FieldCommandNameAlt, normalized),
	}

	// Scroll returns points ordered by id, so fetch extra before ranking
	// exact matches first.
	points, err := e.store.Scroll(ctx, f, e.config.DirectLimit*4)
	if err != nil {
		e.logger.Warn("direct lookup failed", "query", normalized, "error", err)
		return nil
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		r := resultFromPayload(p.ID, p.Payload)
		r.Source = SourceDirect
		if strings.ToLower(r.CommandName) == normalized {
			r.Score = ExactScore
		} else {
			r.Score = PrefixScore
		}
		r.ScoreText = formatScore(r.Score)
		results = append(results, r)
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(strings.ToLower(a.CommandName), strings.ToLower(b.CommandName))
	})
	return truncate(results, e.config.DirectLimit)
}

// vectorPass embeds the query and reranks store matches by name boost.
func (e *Engine) vectorPass(ctx context.Context, normalized string, opts Options) ([]Result, error) {
	text := normalized
	if opts.Context != "" {
		text = normalized + "\n" + strings.TrimSpace(opts.Context)
	}

	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	limit := max(3*opts.Limit, e.config.MinVectorLimit)
	points, err := e.store.Search(ctx, vec, baseFilter(opts), limit, 0)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		r := resultFromPayload(p.ID, p.Payload)
		r.Source = SourceVector
		factor := BoostFactor(normalized, r.CommandName)
		r.Score = clamp(p.Score * factor)
		if factor > 1 {
			r.Boosted = true
			r.BoostFactor = factor
		}
		r.ScoreText = formatScore(r.Score)
		results = append(results, r)
	}
	return results, nil
}

// merge puts direct results first, then vector results not already present
// sorted by descending score, truncated to limit.
func merge(direct, vector []Result, limit int) []Result {
	seen := make(map[string]struct{}, len(direct))
	for _, r := range direct {
		seen[r.ID] = struct{}{}
	}

	rest := make([]Result, 0, len(vector))
	for _, r := range vector {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		rest = append(rest, r)
	}
	slices.SortStableFunc(rest, func(a, b Result) int {
		return cmp.Compare(b.Score, a.Score)
	})

	out := make([]Result, 0, min(limit, len(direct)+len(rest)))
	out = append(out, direct...)
	out = append(out, rest...)
	return truncate(out, limit)
}

func truncate(results []Result, limit int) []Result {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

func clamp(score float64) float64 {
	return min(max(score, 0), 1)
}

func formatScore(score float64) string {
	return fmt.Sprintf("%.1f%%", score*100)
}

func resultFromPayload(id string, p store.Payload) Result {
	return Result{
		ID:           id,
		Type:         p.String(store.FieldType),
		CommandID:    p.String(store.FieldCommandID),
		CommandName:  p.CommandName(),
		Version:      p.String(store.FieldVersion),
		Description:  p.String(store.FieldDescription),
		Syntax:       p.String(store.FieldSyntax),
		Notes:        p.String(store.FieldNotes),
		IsDeprecated: p.Bool(store.FieldDeprecated) || p.Bool(store.FieldDeprecatedAlt),
		Parameters:   p.Strings(store.FieldParameters),
		ExampleID:    p.String(store.FieldExampleID),
		Title:        p.String(store.FieldTitle),
		Code:         p.String(store.FieldCode),
	}
}

// ClearCache drops every cached result. Call it after the collection
// changes.
func (e *Engine) ClearCache() {
	e.cache.Clear()
	e.logger.Debug("search cache cleared")
}

// CacheStats reports result cache statistics.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}
