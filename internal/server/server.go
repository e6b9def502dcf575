// Package server exposes the kge subsystems over Arrow Flight: DoPut
// ingests entity batches, DoGet exports them, and DoAction carries the
// suggestion, similarity, distance and catalog operations.
package server

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chagge/kge-server/internal/analytics"
	"github.com/chagge/kge-server/internal/catalog"
	"github.com/chagge/kge-server/internal/entity"
	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/metrics"
	"github.com/chagge/kge-server/internal/query"
	"github.com/chagge/kge-server/internal/space"
	"github.com/chagge/kge-server/internal/suggest"
)

// Options bundles the subsystems a Server serves.
type Options struct {
	Allocator memory.Allocator
	Catalog   *catalog.Store
	Spaces    *space.Registry
	Suggest   *suggest.Index
	Engine    *suggest.CompletionEngine
	Analytics *analytics.Analyzer

	// SuggestSnapshotPath is where the suggestion engine persists
	// itself after mutations.
	SuggestSnapshotPath string

	Logger zerolog.Logger
}

// Server implements flight.FlightServer over the entity subsystems.
type Server struct {
	flight.BaseFlightServer

	mem        memory.Allocator
	log        zerolog.Logger
	catalog    *catalog.Store
	spaces     *space.Registry
	suggest    *suggest.Index
	engine     *suggest.CompletionEngine
	analytics  *analytics.Analyzer
	similarity *query.SimilarityService
	distance   *query.DistanceService

	suggestSnapshotPath string
}

// New wires a Server. The similarity and distance services are built
// here over the catalog and the space registry.
func New(opts Options) *Server {
	mem := opts.Allocator
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	logger := opts.Logger.With().Str("component", "flight_server").Logger()
	s := &Server{
		mem:                 mem,
		log:                 logger,
		catalog:             opts.Catalog,
		spaces:              opts.Spaces,
		suggest:             opts.Suggest,
		engine:              opts.Engine,
		analytics:           opts.Analytics,
		suggestSnapshotPath: opts.SuggestSnapshotPath,
	}
	provider := &catalogProvider{srv: s}
	s.similarity = query.NewSimilarityService(provider, opts.Logger)
	s.distance = query.NewDistanceService(provider, opts.Logger)
	return s
}

// openSpace opens a dataset's space with the metric the catalog
// registered for it, reviving the space from its snapshot if needed.
func (s *Server) openSpace(ctx context.Context, name string) (*space.Space, error) {
	ds, err := s.catalog.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.spaces.GetOrLoad(ctx, name, space.Metric(ds.Metric))
}

// catalogProvider serves query oracles from the server's own spaces,
// resolving each dataset's metric through the catalog first.
type catalogProvider struct {
	srv *Server
}

func (p *catalogProvider) Connect(ctx context.Context, dataset string) (query.Oracle, query.Resolver, error) {
	sp, err := p.srv.openSpace(ctx, dataset)
	if err != nil {
		return nil, nil, err
	}
	return sp, entity.NewResolver(sp), nil
}

// toStatus maps the error taxonomy onto grpc codes. Errors that are
// already grpc statuses pass through untouched.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}
	kind, _ := kgerrors.KindOf(err)
	switch kind {
	case kgerrors.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case kgerrors.KindDatasetNotReady:
		return status.Error(codes.FailedPrecondition, err.Error())
	case kgerrors.KindInvalidRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case kgerrors.KindUpstreamUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// observe records per-method outcome counters and latency.
func observe(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.FlightOperationsTotal.WithLabelValues(method, outcome).Inc()
	metrics.FlightDurationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// exportSchema is the wire schema of ingested and exported entity
// batches. Metadata columns carry JSON-encoded language maps.
func exportSchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "entity", Type: arrow.BinaryTypes.String},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		{Name: "label", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "description", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "alt_label", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

// persistSuggest snapshots the suggestion engine, logging instead of
// failing the request path.
func (s *Server) persistSuggest() {
	if s.engine == nil || s.suggestSnapshotPath == "" || !s.engine.IsDirty() {
		return
	}
	if err := s.engine.Save(s.suggestSnapshotPath); err != nil {
		s.log.Error().Err(err).Str("path", s.suggestSnapshotPath).Msg("suggestion snapshot failed")
	}
}
