// Package space holds the per-dataset embedding spaces: entity
// references, display metadata and vectors, with a lazily built HNSW
// graph answering nearest-neighbor queries over small integer ids.
package space

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/metrics"
	"github.com/chagge/kge-server/internal/vmath"
)

// VectorID is the dense per-dataset id an oracle query speaks in.
type VectorID uint32

// Neighbor is one nearest-neighbor result.
type Neighbor struct {
	ID       VectorID
	Distance float32
}

// Record is one entity row appended to a space.
type Record struct {
	Ref         string
	Label       map[string]string
	Description map[string]string
	AltLabel    map[string][]string
	Vector      []float32
}

// EntityMeta is the stored display metadata for an id. Maps are
// replaced wholesale on re-append and never mutated in place, so a
// returned EntityMeta stays valid without copying.
type EntityMeta struct {
	Ref         string
	Label       map[string]string
	Description map[string]string
	AltLabel    map[string][]string
}

// Metric selects the distance function of a space. Ordering is always
// ascending (lower is closer); the dot product is negated to fit.
type Metric string

const (
	MetricEuclidean   Metric = "euclidean"
	MetricSqEuclidean Metric = "sqeuclidean"
	MetricCosine      Metric = "cosine"
	MetricDot         Metric = "dot"
)

// ParseMetric validates a metric name from configuration or catalog.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricEuclidean, MetricSqEuclidean, MetricCosine, MetricDot:
		return Metric(s), nil
	case "":
		return MetricEuclidean, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Func returns the kernel implementing the metric.
func (m Metric) Func() vmath.DistanceFunc {
	switch m {
	case MetricCosine:
		return vmath.CosineDistance
	case MetricSqEuclidean:
		return vmath.SquaredEuclidean
	case MetricDot:
		return func(a, b []float32) float32 {
			return -vmath.DotProduct(a, b)
		}
	default:
		return vmath.EuclideanDistance
	}
}

// Config tunes the nearest-neighbor graph.
type Config struct {
	Metric          Metric
	M               int // graph connectivity
	DefaultEfSearch int // search breadth when the caller sends no effort
}

// DefaultConfig returns the defaults used when a dataset specifies
// nothing else.
func DefaultConfig() Config {
	return Config{
		Metric:          MetricEuclidean,
		M:               16,
		DefaultEfSearch: 64,
	}
}

type storedMeta struct {
	ref         string
	label       map[string]string
	description map[string]string
	altLabel    map[string][]string
}

// Space is an append-only embedding space for one dataset. The graph
// is built lazily on the first query and extended on the next query
// after appends; a re-appended reference invalidates it for a rebuild.
type Space struct {
	name string
	cfg  Config
	dist vmath.DistanceFunc
	log  zerolog.Logger

	mu       sync.RWMutex
	dim      int
	metas    []storedMeta
	vectors  []float32 // flat, dim*len(metas)
	refToID  map[string]VectorID
	graph    *hnsw.Graph[VectorID]
	graphLen int
	dirty    bool
}

// New creates an empty space for the named dataset.
func New(name string, cfg Config, logger zerolog.Logger) *Space {
	if cfg.M <= 0 {
		cfg.M = DefaultConfig().M
	}
	if cfg.DefaultEfSearch <= 0 {
		cfg.DefaultEfSearch = DefaultConfig().DefaultEfSearch
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricEuclidean
	}
	return &Space{
		name:    name,
		cfg:     cfg,
		dist:    cfg.Metric.Func(),
		log:     logger.With().Str("component", "space").Str("dataset", name).Logger(),
		refToID: make(map[string]VectorID),
	}
}

// Name returns the dataset name the space belongs to.
func (s *Space) Name() string { return s.name }

// Metric returns the configured distance metric.
func (s *Space) Metric() Metric { return s.cfg.Metric }

// Len returns the number of stored entities.
func (s *Space) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metas)
}

// Dim returns the vector dimension, 0 before the first append.
func (s *Space) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Append stores one entity record and returns its id. The first append
// fixes the dimension. Re-appending an existing reference overwrites
// its vector and metadata in place, keeping the id stable; the graph
// is dropped for a lazy rebuild in that case.
func (s *Space) Append(ctx context.Context, rec Record) (VectorID, error) {
	const op = "space.append"
	if rec.Ref == "" {
		return 0, kgerrors.NewInvalidRequest(op, "record has no entity reference").WithDataset(s.name)
	}
	if len(rec.Vector) == 0 {
		return 0, kgerrors.NewInvalidRequest(op, "record has no vector").WithRef(rec.Ref).WithDataset(s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(rec.Vector)
	} else if len(rec.Vector) != s.dim {
		return 0, kgerrors.Newf(kgerrors.KindInvalidRequest, op,
			"vector dimension %d does not match space dimension %d", len(rec.Vector), s.dim).
			WithRef(rec.Ref).WithDataset(s.name)
	}

	meta := storedMeta{
		ref:         rec.Ref,
		label:       copyStringMap(rec.Label),
		description: copyStringMap(rec.Description),
		altLabel:    copyStringsMap(rec.AltLabel),
	}

	if id, exists := s.refToID[rec.Ref]; exists {
		copy(s.vectors[int(id)*s.dim:(int(id)+1)*s.dim], rec.Vector)
		s.metas[id] = meta
		s.graph = nil
		s.graphLen = 0
		s.dirty = true
		return id, nil
	}

	id := VectorID(len(s.metas))
	s.refToID[rec.Ref] = id
	s.metas = append(s.metas, meta)
	s.vectors = append(s.vectors, rec.Vector...)
	s.dirty = true
	metrics.SpaceVectors.WithLabelValues(s.name).Set(float64(len(s.metas)))
	return id, nil
}

// IDForRef resolves an entity reference to its id.
func (s *Space) IDForRef(ref string) (VectorID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.refToID[ref]
	return id, ok
}

// MetadataForID returns the display metadata stored for an id.
func (s *Space) MetadataForID(id VectorID) (EntityMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.metas) {
		return EntityMeta{}, false
	}
	m := s.metas[id]
	return EntityMeta{Ref: m.ref, Label: m.label, Description: m.description, AltLabel: m.altLabel}, true
}

// Vector returns a copy of the stored vector for an id.
func (s *Space) Vector(id VectorID) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.metas) {
		return nil, false
	}
	out := make([]float32, s.dim)
	copy(out, s.vectors[int(id)*s.dim:(int(id)+1)*s.dim])
	return out, true
}

// Distance computes the metric scalar between two stored ids without
// touching the graph.
func (s *Space) Distance(ctx context.Context, a, b VectorID) (float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.metas)
	if int(a) >= n || int(b) >= n {
		return 0, kgerrors.Newf(kgerrors.KindNotFound, "space.distance",
			"id out of range (have %d vectors)", n).WithDataset(s.name)
	}
	va := s.vectors[int(a)*s.dim : (int(a)+1)*s.dim]
	vb := s.vectors[int(b)*s.dim : (int(b)+1)*s.dim]
	return s.dist(va, vb), nil
}

// NearestByID runs a nearest-neighbor query seeded by a stored id.
func (s *Space) NearestByID(ctx context.Context, id VectorID, k, effort int) ([]Neighbor, error) {
	vec, ok := s.Vector(id)
	if !ok {
		return nil, kgerrors.Newf(kgerrors.KindNotFound, "space.nearest",
			"id %d not in space", id).WithDataset(s.name)
	}
	return s.NearestByVector(ctx, vec, k, effort)
}

// NearestByVector runs a nearest-neighbor query for an arbitrary
// vector. effort > 0 overrides the graph's search breadth for this
// query only; values below k are raised to k. Results come back in
// ascending metric order with exact distances.
func (s *Space) NearestByVector(ctx context.Context, query []float32, k, effort int) ([]Neighbor, error) {
	const op = "space.nearest"
	if k <= 0 {
		return nil, nil
	}
	if err := s.ensureBuilt(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	dim := s.dim
	s.mu.RUnlock()
	if len(query) != dim {
		return nil, kgerrors.Newf(kgerrors.KindInvalidRequest, op,
			"query dimension %d does not match space dimension %d", len(query), dim).WithDataset(s.name)
	}

	// An overwrite append can drop the graph between the build and the
	// search; rebuild and try again when that happens.
	var nodes []hnsw.Node[VectorID]
	for {
		var ok bool
		nodes, ok = s.searchGraph(query, k, effort)
		if ok {
			break
		}
		if err := s.ensureBuilt(ctx); err != nil {
			return nil, err
		}
	}

	// The graph does not report distances; recompute against each
	// node's stored vector.
	out := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, Neighbor{ID: node.Key, Distance: s.dist(query, node.Value)})
	}
	return out, nil
}

func (s *Space) searchGraph(query []float32, k, effort int) ([]hnsw.Node[VectorID], bool) {
	if effort > 0 || k > s.cfg.DefaultEfSearch {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.graph == nil {
			return nil, false
		}
		ef := effort
		if ef < k {
			ef = k
		}
		prev := s.graph.EfSearch
		s.graph.EfSearch = ef
		nodes := s.graph.Search(query, k)
		s.graph.EfSearch = prev
		return nodes, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.graph == nil {
		return nil, false
	}
	return s.graph.Search(query, k), true
}

// ensureBuilt brings the graph up to date with the stored vectors.
// An empty space has nothing queryable and reports dataset-not-ready.
func (s *Space) ensureBuilt(ctx context.Context) error {
	s.mu.RLock()
	count := len(s.metas)
	current := s.graph != nil && s.graphLen == count
	s.mu.RUnlock()

	if count == 0 {
		return kgerrors.NewDatasetNotReady("space.query", s.name)
	}
	if current {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count = len(s.metas)
	if count == 0 {
		return kgerrors.NewDatasetNotReady("space.query", s.name)
	}
	if s.graph != nil && s.graphLen == count {
		return nil
	}

	start := time.Now()
	if s.graph == nil {
		g := hnsw.NewGraph[VectorID]()
		g.Distance = s.dist
		g.M = s.cfg.M
		g.EfSearch = s.cfg.DefaultEfSearch
		s.graph = g
		s.graphLen = 0
	}
	for i := s.graphLen; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		vecCopy := make([]float32, s.dim)
		copy(vecCopy, s.vectors[i*s.dim:(i+1)*s.dim])
		s.graph.Add(hnsw.MakeNode(VectorID(i), vecCopy))
	}
	s.graphLen = count

	elapsed := time.Since(start)
	metrics.SpaceBuildDurationSeconds.WithLabelValues(s.name).Observe(elapsed.Seconds())
	s.log.Info().Int("vectors", count).Dur("took", elapsed).Msg("nearest-neighbor graph built")
	return nil
}

// Records returns a copy of every stored row in id order, for export
// and snapshotting.
func (s *Space) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.metas))
	for i, m := range s.metas {
		vec := make([]float32, s.dim)
		copy(vec, s.vectors[i*s.dim:(i+1)*s.dim])
		out[i] = Record{
			Ref:         m.ref,
			Label:       m.label,
			Description: m.description,
			AltLabel:    m.altLabel,
			Vector:      vec,
		}
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStringsMap(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
