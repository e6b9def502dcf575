package query

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/metrics"
	"github.com/chagge/kge-server/internal/space"
)

// SimilarityService answers nearest-entity queries. Each request runs
// validate, resolve, oracle, shape: the seed resolves to an id (or the
// vector passes straight through), the oracle is asked for one extra
// neighbor, and shaping drops the seed itself plus any id the dataset
// cannot name before trimming to the limit.
type SimilarityService struct {
	provider Provider
	log      zerolog.Logger
}

// NewSimilarityService wires the service to a dataset provider.
func NewSimilarityService(p Provider, logger zerolog.Logger) *SimilarityService {
	return &SimilarityService{
		provider: p,
		log:      logger.With().Str("component", "similarity").Logger(),
	}
}

// Similar runs one similarity query.
func (s *SimilarityService) Similar(ctx context.Context, req SimilarityRequest) (*SimilarityResult, error) {
	const op = "query.similar"
	mode := req.Query.Mode()
	start := time.Now()
	res, err := s.similar(ctx, op, req)
	if err != nil {
		metrics.SimilarityQueriesTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}
	metrics.SimilarityQueriesTotal.WithLabelValues(string(mode), "ok").Inc()
	metrics.SimilarityQueryDurationSeconds.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	s.log.Debug().
		Str("dataset", req.Dataset).
		Str("mode", string(mode)).
		Int("count", res.Count).
		Msg("similarity query served")
	return res, nil
}

func (s *SimilarityService) similar(ctx context.Context, op string, req SimilarityRequest) (*SimilarityResult, error) {
	if req.Dataset == "" {
		return nil, kgerrors.NewInvalidRequest(op, "dataset is required")
	}
	switch req.Query.Mode() {
	case ModeReference:
		if req.Query.Ref() == "" {
			return nil, kgerrors.NewInvalidRequest(op, "entity reference is empty").WithDataset(req.Dataset)
		}
	case ModeEmbedding:
		if len(req.Query.Vector()) == 0 {
			return nil, kgerrors.NewInvalidRequest(op, "embedding vector is empty").WithDataset(req.Dataset)
		}
	default:
		return nil, kgerrors.NewInvalidRequest(op, "query needs an entity reference or an embedding").
			WithDataset(req.Dataset)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	effort := req.Effort
	if effort <= 0 {
		effort = EffortUnbounded
	}

	oracle, resolver, err := s.provider.Connect(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}

	// One extra neighbor so the seed's own guaranteed distance-0 match
	// can be dropped without shrinking the result.
	k := limit + 1

	var (
		neighbors []space.Neighbor
		selfID    space.VectorID
		hasSelf   bool
		seed      Seed
	)
	switch req.Query.Mode() {
	case ModeReference:
		selfID, err = resolver.ResolveRef(ctx, req.Query.Ref())
		if err != nil {
			return nil, err
		}
		hasSelf = true
		self := resolver.MetadataFor(ctx, selfID)
		if self.Ref == "" {
			self.Ref = req.Query.Ref()
		}
		seed.Entity = &self
		neighbors, err = oracle.NearestByID(ctx, selfID, k, effort)
	case ModeEmbedding:
		seed.Vector = req.Query.Vector()
		neighbors, err = oracle.NearestByVector(ctx, req.Query.Vector(), k, effort)
	}
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, limit)
	for _, n := range neighbors {
		if len(matches) == limit {
			break
		}
		if hasSelf && n.ID == selfID {
			continue
		}
		meta := resolver.MetadataFor(ctx, n.ID)
		if meta.Ref == "" {
			// The oracle knows ids the dataset cannot name; those
			// rows carry nothing a caller could act on.
			s.log.Debug().
				Str("dataset", req.Dataset).
				Uint32("id", uint32(n.ID)).
				Msg("dropping neighbor with unresolvable id")
			continue
		}
		matches = append(matches, Match{Entity: meta, Distance: n.Distance})
	}

	return &SimilarityResult{
		Dataset: req.Dataset,
		Mode:    req.Query.Mode(),
		Seed:    seed,
		Effort:  effort,
		Count:   len(matches),
		Matches: matches,
	}, nil
}
