package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chagge/kge-server/internal/catalog"
	"github.com/chagge/kge-server/internal/query"
)

// actionTypes enumerates the DoAction surface for ListActions.
var actionTypes = []flight.ActionType{
	{Type: "create-dataset", Description: "Register a dataset: {name, description, dimension, metric}"},
	{Type: "list-datasets", Description: "List registered datasets"},
	{Type: "dataset-stats", Description: "Aggregate a dataset snapshot: {dataset}"},
	{Type: "suggest", Description: "Complete entity labels within a dataset: {dataset, text, size}"},
	{Type: "similar", Description: "Nearest entities by reference or embedding: {dataset, entity|embedding, limit, search_effort}"},
	{Type: "distance", Description: "Metric scalar between two entities: {dataset, entities: [a, b]}"},
	{Type: "ensure-suggest-schema", Description: "Recreate the suggestion index, dropping all completion documents"},
}

// ListActions advertises the action surface.
func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for i := range actionTypes {
		if err := stream.Send(&actionTypes[i]); err != nil {
			return err
		}
	}
	return nil
}

// DoAction dispatches the entity-query operations.
func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	start := time.Now()
	err := s.doAction(action, stream)
	observe("do_action/"+action.Type, start, err)
	return err
}

func (s *Server) doAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	ctx := stream.Context()

	switch action.Type {
	case "create-dataset":
		var req struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Dimension   int    `json:"dimension"`
			Metric      string `json:"metric"`
		}
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
		}
		ds, err := s.catalog.Create(ctx, catalog.CreateParams{
			Name:        req.Name,
			Description: req.Description,
			Dimension:   req.Dimension,
			Metric:      req.Metric,
		})
		if err != nil {
			return toStatus(err)
		}
		return sendJSON(stream, ds)

	case "list-datasets":
		all, err := s.catalog.List(ctx)
		if err != nil {
			return toStatus(err)
		}
		return sendJSON(stream, map[string]any{
			"count":    len(all),
			"datasets": all,
		})

	case "dataset-stats":
		var req struct {
			Dataset string `json:"dataset"`
		}
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
		}
		ds, err := s.catalog.Get(ctx, req.Dataset)
		if err != nil {
			return toStatus(err)
		}
		stats, err := s.analytics.Stats(ctx, req.Dataset)
		if err != nil {
			return toStatus(err)
		}
		return sendJSON(stream, map[string]any{
			"descriptor": ds,
			"snapshot":   stats,
		})

	case "suggest":
		var req struct {
			Dataset string `json:"dataset"`
			Text    string `json:"text"`
			Size    int    `json:"size"`
		}
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
		}
		if req.Dataset == "" {
			return status.Error(codes.InvalidArgument, "missing dataset name")
		}
		hits, err := s.suggest.Suggest(ctx, req.Dataset, req.Text, req.Size)
		if err != nil {
			return toStatus(err)
		}
		type suggestion struct {
			Entity string            `json:"entity"`
			Term   string            `json:"term"`
			Score  float64           `json:"score"`
			Label  map[string]string `json:"label,omitempty"`
		}
		out := make([]suggestion, 0, len(hits))
		for _, h := range hits {
			out = append(out, suggestion{
				Entity: h.Ref,
				Term:   h.Term,
				Score:  h.Score,
				Label:  h.Source.Label,
			})
		}
		return sendJSON(stream, map[string]any{
			"dataset":     req.Dataset,
			"text":        req.Text,
			"count":       len(out),
			"suggestions": out,
		})

	case "similar":
		var req struct {
			Dataset   string    `json:"dataset"`
			Entity    string    `json:"entity"`
			Embedding []float32 `json:"embedding"`
			Limit     int       `json:"limit"`
			Effort    int       `json:"search_effort"`
		}
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
		}
		if req.Entity != "" && len(req.Embedding) > 0 {
			return status.Error(codes.InvalidArgument,
				"exactly one of entity and embedding must be set")
		}
		var q query.Query
		switch {
		case req.Entity != "":
			q = query.ByReference(req.Entity)
		case len(req.Embedding) > 0:
			q = query.ByEmbedding(req.Embedding)
		}
		res, err := s.similarity.Similar(ctx, query.SimilarityRequest{
			Dataset: req.Dataset,
			Query:   q,
			Limit:   req.Limit,
			Effort:  req.Effort,
		})
		if err != nil {
			return toStatus(err)
		}
		return sendJSON(stream, res)

	case "distance":
		var req struct {
			Dataset  string   `json:"dataset"`
			Entities []string `json:"entities"`
		}
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
		}
		res, err := s.distance.Distance(ctx, query.DistanceRequest{
			Dataset: req.Dataset,
			Refs:    req.Entities,
		})
		if err != nil {
			return toStatus(err)
		}
		return sendJSON(stream, res)

	case "ensure-suggest-schema":
		if err := s.suggest.EnsureSchema(ctx); err != nil {
			return toStatus(err)
		}
		s.persistSuggestAfterDrop()
		return stream.Send(&flight.Result{Body: []byte("ok")})
	}
	return status.Error(codes.Unimplemented, "unknown action type "+action.Type)
}

// persistSuggestAfterDrop writes the emptied engine out so a restart
// cannot resurrect dropped documents.
func (s *Server) persistSuggestAfterDrop() {
	if s.engine == nil || s.suggestSnapshotPath == "" {
		return
	}
	if err := s.engine.Save(s.suggestSnapshotPath); err != nil {
		s.log.Error().Err(err).Str("path", s.suggestSnapshotPath).Msg("suggestion snapshot failed")
	}
}

func sendJSON(stream flight.FlightService_DoActionServer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to serialize response: %v", err)
	}
	return stream.Send(&flight.Result{Body: body})
}

// Persist snapshots every dirty space and the suggestion engine. Safe
// to call concurrently with serving; the snapshot loop and shutdown
// both come through here.
func (s *Server) Persist(ctx context.Context) error {
	if err := s.spaces.SaveAll(ctx); err != nil {
		return err
	}
	s.persistSuggest()
	return nil
}

// Shutdown persists the mutable state. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Persist(ctx)
}
