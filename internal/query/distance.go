package query

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/metrics"
	"github.com/chagge/kge-server/internal/space"
)

// DistanceService reports the metric scalar between two entities of a
// dataset, exactly as the oracle computes it.
type DistanceService struct {
	provider Provider
	log      zerolog.Logger
}

// NewDistanceService wires the service to a dataset provider.
func NewDistanceService(p Provider, logger zerolog.Logger) *DistanceService {
	return &DistanceService{
		provider: p,
		log:      logger.With().Str("component", "distance").Logger(),
	}
}

// Distance resolves both references and asks the oracle for their
// distance. Arity is checked before anything resolves, and a failed
// resolution names every reference that missed.
func (s *DistanceService) Distance(ctx context.Context, req DistanceRequest) (*DistanceResult, error) {
	const op = "query.distance"
	start := time.Now()
	res, err := s.distance(ctx, op, req)
	if err != nil {
		metrics.DistanceQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.DistanceQueriesTotal.WithLabelValues("ok").Inc()
	s.log.Debug().
		Str("dataset", req.Dataset).
		Str("a", res.Refs[0]).
		Str("b", res.Refs[1]).
		Dur("took", time.Since(start)).
		Msg("distance query served")
	return res, nil
}

func (s *DistanceService) distance(ctx context.Context, op string, req DistanceRequest) (*DistanceResult, error) {
	if req.Dataset == "" {
		return nil, kgerrors.NewInvalidRequest(op, "dataset is required")
	}
	if len(req.Refs) != 2 {
		return nil, kgerrors.Newf(kgerrors.KindInvalidRequest, op,
			"distance takes exactly two entities, got %d", len(req.Refs)).WithDataset(req.Dataset)
	}
	for _, ref := range req.Refs {
		if ref == "" {
			return nil, kgerrors.NewInvalidRequest(op, "entity reference is empty").WithDataset(req.Dataset)
		}
	}

	oracle, resolver, err := s.provider.Connect(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}

	ids := make([]space.VectorID, 2)
	var missing []string
	for i, ref := range req.Refs {
		id, err := resolver.ResolveRef(ctx, ref)
		if err != nil {
			if kgerrors.IsNotFound(err) {
				missing = append(missing, ref)
				continue
			}
			return nil, err
		}
		ids[i] = id
	}
	if len(missing) == 1 {
		return nil, kgerrors.NewNotFound(op, "entity not in dataset").
			WithRef(missing[0]).WithDataset(req.Dataset)
	}
	if len(missing) > 1 {
		return nil, kgerrors.Newf(kgerrors.KindNotFound, op,
			"entities not in dataset: %s", strings.Join(missing, ", ")).WithDataset(req.Dataset)
	}

	d, err := oracle.Distance(ctx, ids[0], ids[1])
	if err != nil {
		return nil, err
	}

	return &DistanceResult{
		Dataset:  req.Dataset,
		Refs:     [2]string{req.Refs[0], req.Refs[1]},
		Distance: d,
	}, nil
}
