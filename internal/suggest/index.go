// Package suggest implements the shared text-suggestion index: one
// physical completion index across all datasets, with per-document
// dataset membership and queries scoped to a single dataset.
package suggest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/metrics"
)

// DefaultSuggestSize is the result count used when the caller does not
// ask for a specific size.
const DefaultSuggestSize = 10

// suggestOverfetch widens the engine query so that dataset filtering
// can still fill the requested size from a shared index.
const suggestOverfetch = 4

// Index is the dataset-scoped facade over a suggestion Engine.
type Index struct {
	engine Engine
	log    zerolog.Logger
}

// NewIndex wraps an engine.
func NewIndex(engine Engine, logger zerolog.Logger) *Index {
	return &Index{
		engine: engine,
		log:    logger.With().Str("component", "suggest").Logger(),
	}
}

// EnsureSchema destructively (re)provisions the suggestion index.
// Everything previously indexed is dropped; intended as a one-time
// provisioning step, not part of routine ingestion.
func (ix *Index) EnsureSchema(ctx context.Context) error {
	if err := ix.engine.EnsureSchema(ctx); err != nil {
		return kgerrors.WrapUpstream(err, "suggest.ensure_schema", "recreate suggestion index")
	}
	metrics.SuggestIndexDocs.Set(float64(ix.engine.Count()))
	ix.log.Info().Msg("suggestion schema recreated")
	return nil
}

// UpsertEntity indexes one entity document and tags it as a member of
// dataset. The document's suggestion terms are derived from its labels
// and alternative labels. Safe to call concurrently for the same
// entity from different datasets: the membership merge is atomic at
// the engine, so tags from concurrent writers never overwrite each
// other and the dataset set only grows.
func (ix *Index) UpsertEntity(ctx context.Context, doc Document, dataset string) error {
	const op = "suggest.upsert"
	if doc.Entity == "" {
		return kgerrors.NewInvalidRequest(op, "document has no entity reference").WithDataset(dataset)
	}
	if dataset == "" {
		return kgerrors.NewInvalidRequest(op, "empty dataset id").WithRef(doc.Entity)
	}

	doc.Suggest = doc.DeriveSuggest()
	if err := ix.engine.Index(ctx, doc); err != nil {
		metrics.SuggestUpsertsTotal.WithLabelValues("error").Inc()
		return kgerrors.WrapUpstream(err, op, "index document").WithRef(doc.Entity).WithDataset(dataset)
	}
	if err := ix.engine.MergeDatasets(ctx, doc.Entity, dataset); err != nil {
		metrics.SuggestUpsertsTotal.WithLabelValues("error").Inc()
		return kgerrors.WrapUpstream(err, op, "merge dataset membership").WithRef(doc.Entity).WithDataset(dataset)
	}

	metrics.SuggestUpsertsTotal.WithLabelValues("ok").Inc()
	metrics.SuggestIndexDocs.Set(float64(ix.engine.Count()))
	return nil
}

// Suggest returns up to size completion hits matching input,
// restricted to members of dataset. Documents with no dataset tags
// never match. Engine ranking order is preserved; an empty index or a
// query with no matches yields an empty slice and no error.
func (ix *Index) Suggest(ctx context.Context, dataset, input string, size int) ([]Hit, error) {
	start := time.Now()
	defer func() {
		metrics.SuggestQueryDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	if size <= 0 {
		size = DefaultSuggestSize
	}

	hits, err := ix.engine.Complete(ctx, input, size*suggestOverfetch)
	if err != nil {
		metrics.SuggestQueriesTotal.WithLabelValues("error").Inc()
		return nil, kgerrors.WrapUpstream(err, "suggest.query", "completion query").WithDataset(dataset)
	}

	out := make([]Hit, 0, size)
	for _, h := range hits {
		if !h.Source.InDataset(dataset) {
			continue
		}
		out = append(out, h)
		if len(out) == size {
			break
		}
	}

	metrics.SuggestQueriesTotal.WithLabelValues("ok").Inc()
	ix.log.Debug().Str("dataset", dataset).Int("hits", len(out)).Msg("suggest query")
	return out, nil
}
