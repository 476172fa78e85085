// Package store keeps command and example vectors in a veclite collection,
// with a bleve payload index for filtered lookups without a query vector.
package store

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/veclite"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

// Distance metrics.
const (
	MetricCosine    = "cosine"
	MetricEuclidean = "euclidean"
)

// Collection health reported by Stats.
const (
	StatusGreen   = "green"
	StatusYellow  = "yellow"
	StatusMissing = "missing"
)

// HNSW parameters for new collections.
const (
	hnswM              = 16
	hnswEfConstruction = 200
)

// Stats describes a collection.
type Stats struct {
	Collection    string   `json:"collection"`
	VectorCount   int      `json:"vectorCount"`
	Commands      int      `json:"commands"`
	Examples      int      `json:"examples"`
	Status        string   `json:"status"`
	Dimension     int      `json:"dimension"`
	Metric        string   `json:"metric"`
	IndexedFields []string `json:"indexedFields"`
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIndexedFields replaces the payload fields EnsureCollection indexes.
func WithIndexedFields(fields []IndexedField) Option {
	return func(c *Client) {
		c.indexedFields = fields
	}
}

// Client performs CRUD and similarity search over one named collection.
type Client struct {
	mu sync.RWMutex

	db            *veclite.DB
	path          string
	manifest      *manifest
	logger        *slog.Logger
	indexedFields []IndexedField

	name     string
	dim      int
	metric   string
	coll     *veclite.Collection
	payloads *payloadIndex
	// ids maps point ids to veclite record ids.
	ids map[string]uint64
}

// DBPath returns the location of the vector database inside dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "vectors.veclite")
}

// Open opens (or creates) the veclite database at path. Call
// EnsureCollection before any other operation.
func Open(path string, opts ...Option) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "create data directory", errs.Field("path", path))
	}

	db, err := veclite.Open(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "open vector database", errs.Field("path", path))
	}

	m, err := loadManifest(filepath.Dir(path))
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(err, errs.CodeStoreOpenFailure, "read collection manifest", errs.Field("path", path))
	}

	c := &Client{
		db:            db,
		path:          path,
		manifest:      m,
		logger:        slog.Default(),
		indexedFields: DefaultIndexedFields,
		ids:           make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "store")
	return c, nil
}

func validMetric(metric string) bool {
	return metric == MetricCosine || metric == MetricEuclidean
}

func (c *Client) createCollection(name string, dim int, metric string) (*veclite.Collection, error) {
	if metric == MetricEuclidean {
		return c.db.CreateCollection(name,
			veclite.WithDimension(dim),
			veclite.WithDistanceType(veclite.DistanceEuclidean),
			veclite.WithHNSW(hnswM, hnswEfConstruction),
		)
	}
	return c.db.CreateCollection(name,
		veclite.WithDimension(dim),
		veclite.WithDistanceType(veclite.DistanceCosine),
		veclite.WithHNSW(hnswM, hnswEfConstruction),
	)
}

// EnsureCollection opens the collection, creating it only when absent, and
// (re)builds the payload indices. An existing collection with a different
// dimension is a DimensionMismatch.
func (c *Client) EnsureCollection(ctx context.Context, name string, dim int, metric string) error {
	if name == "" || dim <= 0 {
		return errs.New(errs.CodeStoreInvalidInput, "collection name and a positive dimension are required",
			errs.Field("collection", name), errs.Field("dimension", dim))
	}
	if metric == "" {
		metric = MetricCosine
	}
	if !validMetric(metric) {
		return errs.New(errs.CodeStoreInvalidInput, "unsupported distance metric",
			errs.Field("metric", metric), errs.Remediation("use cosine or euclidean"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	created := false
	coll, err := c.db.GetCollection(name)
	if err != nil {
		coll, err = c.createCollection(name, dim, metric)
		if err != nil {
			return errs.Wrap(err, errs.CodeStoreCollectionFailure, "create collection", errs.Field("collection", name))
		}
		created = true
	}

	records := coll.All()
	if !created {
		existing := c.manifest.Collections[name].Dimension
		if existing == 0 && len(records) > 0 {
			existing = len(records[0].Vector)
		}
		if existing != 0 && existing != dim {
			return errs.New(errs.CodeStoreDimensionMismatch, "collection dimension does not match the embedding dimension",
				errs.Field("collection", name),
				errs.Field("collection_dimension", existing),
				errs.Field("embedding_dimension", dim),
				errs.Remediation("reset the collection or configure embedding.dimensions to match"))
		}
		if known := c.manifest.Collections[name].Metric; known != "" && known != metric {
			c.logger.Warn("collection metric differs from configuration, keeping existing", "collection", name, "metric", known, "configured", metric)
			metric = known
		}
	}

	if _, ok := c.manifest.Collections[name]; created || !ok {
		c.manifest.Collections[name] = collectionMeta{Dimension: dim, Metric: metric, CreatedAt: time.Now().UTC()}
		if err := c.manifest.save(); err != nil {
			return errs.Wrap(err, errs.CodeStoreWriteFailure, "write collection manifest", errs.Field("collection", name))
		}
	}

	payloads, err := newPayloadIndex(c.indexedFields, c.logger)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreIndexFailure, "create payload index", errs.Field("collection", name))
	}

	ids, docs := c.reconcile(coll, records)
	if err := payloads.PutAll(docs); err != nil {
		c.logger.Warn("payload index rebuild failed, filters fall back to scanning", "collection", name, "error", err)
	}

	if c.payloads != nil {
		_ = c.payloads.Close()
	}
	c.name, c.dim, c.metric = name, dim, metric
	c.coll, c.payloads, c.ids = coll, payloads, ids

	if err := c.compactLocked(); err != nil {
		return err
	}

	c.logger.Info("collection ready", "collection", name, "dimension", dim, "metric", metric,
		"points", len(ids), "created", created, "indexed_fields", payloads.Fields())
	return nil
}

// reconcile maps point ids to record ids. When a point id appears twice the
// newest record wins and the older one is removed.
func (c *Client) reconcile(coll *veclite.Collection, records []*veclite.Record) (map[string]uint64, map[string]Payload) {
	ids := make(map[string]uint64, len(records))
	docs := make(map[string]Payload, len(records))

	for _, r := range records {
		p := Payload(r.Payload)
		pointID := p.String(FieldPointID)
		if pointID == "" {
			c.logger.Warn("record without point id", "record", r.ID)
			continue
		}
		if prev, dup := ids[pointID]; dup {
			stale := min(prev, r.ID)
			if err := coll.Delete(stale); err != nil {
				c.logger.Warn("remove duplicate record", "point", pointID, "record", stale, "error", err)
			}
			if r.ID < prev {
				continue
			}
		}
		ids[pointID] = r.ID
		docs[pointID] = p
	}
	return ids, docs
}

func (c *Client) requireCollection() error {
	if c.coll == nil {
		return errs.New(errs.CodeStoreCollectionMissing, "collection not initialized",
			errs.Remediation("call EnsureCollection first"))
	}
	return nil
}

func (c *Client) checkVector(id string, vector []float32) error {
	if len(vector) != c.dim {
		return errs.New(errs.CodeStoreDimensionMismatch, "vector dimension does not match collection",
			errs.Field("point", id),
			errs.Field("vector_dimension", len(vector)),
			errs.Field("collection_dimension", c.dim))
	}
	return nil
}

// Upsert writes points. Re-upserting an existing id replaces its vector and
// payload. The first failing point stops the batch.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireCollection(); err != nil {
		return err
	}

	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.ID == "" {
			return errs.New(errs.CodeStoreInvalidInput, "point id is required")
		}
		if err := c.checkVector(p.ID, p.Vector); err != nil {
			return err
		}

		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[FieldPointID] = p.ID

		// A zero record id inserts; an existing one is replaced in place and
		// its graph node hard-deleted before re-insertion.
		rid, err := c.coll.Upsert(c.ids[p.ID], p.Vector, payload)
		if err != nil {
			return errs.Wrap(err, errs.CodeStoreWriteFailure, "upsert point", errs.Field("point", p.ID))
		}
		c.ids[p.ID] = rid

		if err := c.payloads.Put(p.ID, payload); err != nil {
			c.logger.Warn("payload index update failed", "point", p.ID, "error", err)
		}
	}
	return nil
}

// Search returns up to limit points most similar to vector, skipping the
// first offset matches, sorted by descending similarity.
func (c *Client) Search(ctx context.Context, vector []float32, filter *Filter, limit, offset int) ([]ScoredPoint, error) {
	if limit <= 0 {
		return nil, errs.New(errs.CodeStoreInvalidInput, "limit must be positive", errs.Field("limit", limit))
	}
	offset = max(offset, 0)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.requireCollection(); err != nil {
		return nil, err
	}
	if err := c.checkVector("query", vector); err != nil {
		return nil, err
	}

	filters, exact := filter.vecliteFilters()
	want := limit + offset
	fetch := want
	if !exact {
		// Post-filtered conditions discard hits, so over-fetch.
		fetch = max(want*4, 64)
	}
	fetch = min(fetch, c.coll.Count())
	if fetch == 0 {
		return []ScoredPoint{}, nil
	}

	opts := []veclite.SearchOption{veclite.TopK(fetch)}
	if len(filters) > 0 {
		opts = append(opts, veclite.WithFilters(filters...))
	}

	results, err := c.coll.Search(vector, opts...)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreSearchFailure, "vector search", errs.Field("collection", c.name))
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		payload := Payload(r.Record.Payload)
		if !filter.Matches(payload) {
			continue
		}
		hits = append(hits, ScoredPoint{
			ID:      payload.String(FieldPointID),
			Score:   c.similarity(vector, r.Record.Vector, r.Score),
			Payload: payload,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	if offset >= len(hits) {
		return []ScoredPoint{}, nil
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// similarity recomputes the score from the stored vector so results are
// comparable across metrics: cosine similarity, or 1/(1+d) for euclidean.
func (c *Client) similarity(query, stored []float32, fallback float32) float64 {
	if len(stored) != len(query) {
		return float64(fallback)
	}
	if c.metric == MetricEuclidean {
		var sum float64
		for i := range query {
			d := float64(query[i]) - float64(stored[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	}

	var dot, qn, sn float64
	for i := range query {
		dot += float64(query[i]) * float64(stored[i])
		qn += float64(query[i]) * float64(query[i])
		sn += float64(stored[i]) * float64(stored[i])
	}
	if qn == 0 || sn == 0 {
		return 0
	}
	return dot / (math.Sqrt(qn) * math.Sqrt(sn))
}

// Scroll returns up to limit points matching filter, ordered by point id,
// without a query vector. Indexed fields are answered by the payload index.
func (c *Client) Scroll(ctx context.Context, filter *Filter, limit int) ([]Point, error) {
	if limit <= 0 {
		return nil, errs.New(errs.CodeStoreInvalidInput, "limit must be positive", errs.Field("limit", limit))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.requireCollection(); err != nil {
		return nil, err
	}

	var ids []string
	if c.payloads.Covers(filter) {
		found, err := c.payloads.Query(ctx, filter, limit)
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeStoreReadFailure, "payload index query", errs.Field("collection", c.name))
		}
		ids = found
	} else {
		for _, r := range c.coll.All() {
			p := Payload(r.Payload)
			if filter.Matches(p) {
				ids = append(ids, p.String(FieldPointID))
			}
		}
		slices.Sort(ids)
		if len(ids) > limit {
			ids = ids[:limit]
		}
	}

	return c.retrieve(ids)
}

// Retrieve returns the points with the given ids. Unknown ids are skipped.
func (c *Client) Retrieve(ctx context.Context, ids []string) ([]Point, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.requireCollection(); err != nil {
		return nil, err
	}
	return c.retrieve(ids)
}

func (c *Client) retrieve(ids []string) ([]Point, error) {
	points := make([]Point, 0, len(ids))
	for _, id := range ids {
		rid, ok := c.ids[id]
		if !ok {
			continue
		}
		rec, err := c.coll.Get(rid)
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeStoreReadFailure, "retrieve point", errs.Field("point", id))
		}
		if rec == nil {
			continue
		}
		points = append(points, Point{ID: id, Vector: rec.Vector, Payload: Payload(rec.Payload)})
	}
	return points, nil
}

// Delete removes the given points and returns how many existed.
func (c *Client) Delete(ctx context.Context, ids []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireCollection(); err != nil {
		return 0, err
	}

	deleted := 0
	var deleteErr error
	for _, id := range ids {
		rid, ok := c.ids[id]
		if !ok {
			continue
		}
		if err := c.coll.Delete(rid); err != nil {
			deleteErr = errs.Wrap(err, errs.CodeStoreWriteFailure, "delete point", errs.Field("point", id))
			break
		}
		delete(c.ids, id)
		if err := c.payloads.Remove(id); err != nil {
			c.logger.Warn("payload index delete failed", "point", id, "error", err)
		}
		deleted++
	}

	if deleted > 0 {
		if err := c.compactLocked(); err != nil {
			return deleted, err
		}
	}
	return deleted, deleteErr
}

// compactLocked rebuilds the collection when its HNSW graph still holds
// soft-deleted nodes. veclite only marks deleted nodes, and a marked entry
// point makes every later insert fail to find neighbours. Record ids are
// kept, so c.ids stays valid.
func (c *Client) compactLocked() error {
	stats := c.coll.IndexStats()
	if stats == nil || stats.DeletedCount == 0 {
		return nil
	}

	records := c.coll.All()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	if err := c.db.DropCollection(c.name); err != nil {
		return errs.Wrap(err, errs.CodeStoreCollectionFailure, "drop collection for compaction", errs.Field("collection", c.name))
	}
	coll, err := c.createCollection(c.name, c.dim, c.metric)
	if err != nil {
		c.coll = nil
		return errs.Wrap(err, errs.CodeStoreCollectionFailure, "recreate collection for compaction", errs.Field("collection", c.name))
	}
	for _, r := range records {
		if _, err := coll.Upsert(r.ID, r.Vector, r.Payload); err != nil {
			c.coll = coll
			return errs.Wrap(err, errs.CodeStoreWriteFailure, "restore point during compaction",
				errs.Field("collection", c.name), errs.Field("record", r.ID))
		}
	}
	c.coll = coll

	c.logger.Debug("collection compacted", "collection", c.name, "removed_nodes", stats.DeletedCount, "points", len(records))
	return nil
}

// PointIDs returns every point id in the collection, sorted.
func (c *Client) PointIDs(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.requireCollection(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Count returns the number of points.
func (c *Client) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// ResetCollection drops the collection and recreates it empty with the
// same schema.
func (c *Client) ResetCollection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireCollection(); err != nil {
		return err
	}

	if err := c.db.DropCollection(c.name); err != nil {
		c.logger.Debug("drop collection", "collection", c.name, "error", err)
	}

	coll, err := c.createCollection(c.name, c.dim, c.metric)
	if err != nil {
		c.coll = nil
		return errs.Wrap(err, errs.CodeStoreCollectionFailure, "recreate collection", errs.Field("collection", c.name))
	}

	payloads, err := newPayloadIndex(c.indexedFields, c.logger)
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreIndexFailure, "create payload index", errs.Field("collection", c.name))
	}
	_ = c.payloads.Close()

	c.coll = coll
	c.payloads = payloads
	c.ids = make(map[string]uint64)

	c.logger.Info("collection reset", "collection", c.name)
	return nil
}

// Stats describes the collection. A collection that was never ensured
// reports StatusMissing.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.coll == nil {
		return Stats{Collection: c.name, Status: StatusMissing, IndexedFields: []string{}}, nil
	}

	st := Stats{
		Collection:    c.name,
		VectorCount:   c.coll.Count(),
		Status:        StatusGreen,
		Dimension:     c.dim,
		Metric:        c.metric,
		IndexedFields: c.payloads.Fields(),
	}
	if len(st.IndexedFields) < len(c.indexedFields) {
		st.Status = StatusYellow
	}
	for _, r := range c.coll.All() {
		switch Payload(r.Payload).String(FieldType) {
		case TypeCommand:
			st.Commands++
		case TypeExample:
			st.Examples++
		}
	}
	return st, nil
}

// Name returns the collection name.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Dimension returns the collection's vector dimension.
func (c *Client) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dim
}

// Path returns the database file location.
func (c *Client) Path() string { return c.path }

// Sync flushes pending writes to disk.
func (c *Client) Sync() error {
	if err := c.db.Sync(); err != nil {
		return errs.Wrap(err, errs.CodeStoreWriteFailure, "sync vector database")
	}
	return nil
}

// Close syncs and closes the database.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.payloads != nil {
		_ = c.payloads.Close()
		c.payloads = nil
	}
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.coll = nil
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreWriteFailure, "close vector database")
	}
	return nil
}
