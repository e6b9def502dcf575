package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chagge/kge-server/internal/catalog"
	"github.com/chagge/kge-server/internal/metrics"
	"github.com/chagge/kge-server/internal/space"
	"github.com/chagge/kge-server/internal/suggest"
)

// DoPut ingests entity batches into the dataset named by the flight
// descriptor path. The dataset must be registered in the catalog
// first. Each row lands in the embedding space and the suggestion
// index; the space snapshot and catalog counters update when the
// stream completes.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	start := time.Now()
	err := s.doPut(stream)
	observe("do_put", start, err)
	return err
}

func (s *Server) doPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()

	r, err := flight.NewRecordReader(stream)
	if err != nil {
		s.log.Error().Err(err).Msg("DoPut failed to create reader")
		return status.Errorf(codes.InvalidArgument, "reading record stream: %v", err)
	}
	defer r.Release()

	fd := r.LatestFlightDescriptor()
	if fd == nil || len(fd.Path) == 0 {
		return status.Error(codes.InvalidArgument, "missing flight descriptor path")
	}
	name := fd.Path[0]

	ds, err := s.catalog.Get(ctx, name)
	if err != nil {
		return toStatus(err)
	}
	priorStatus := ds.Status

	sp, err := s.spaces.Create(name, space.Metric(ds.Metric))
	if err != nil {
		return toStatus(err)
	}

	if err := s.catalog.SetStatus(ctx, name, catalog.StatusIngesting); err != nil {
		return toStatus(err)
	}
	s.log.Info().Str("dataset", name).Msg("DoPut started")

	rollback := func() {
		if err := s.catalog.SetStatus(ctx, name, priorStatus); err != nil {
			s.log.Error().Err(err).Str("dataset", name).Msg("failed to restore dataset status")
		}
	}

	var rows int64
	for r.Next() {
		rec := r.RecordBatch()
		n, err := s.ingestBatch(ctx, name, ds, sp, rec)
		rows += n
		if err != nil {
			rollback()
			return toStatus(err)
		}
	}
	if err := r.Err(); err != nil {
		s.log.Error().Err(err).Str("dataset", name).Msg("DoPut stream error")
		rollback()
		return err
	}

	if err := s.catalog.AddEntities(ctx, name, rows, sp.Dim()); err != nil {
		rollback()
		return toStatus(err)
	}
	if err := s.catalog.SetStatus(ctx, name, catalog.StatusReady); err != nil {
		return toStatus(err)
	}

	// Snapshot failures leave the data queryable in memory; they are
	// logged and retried on the next ingest or shutdown.
	if err := s.spaces.SaveAll(ctx); err != nil {
		s.log.Error().Err(err).Str("dataset", name).Msg("space snapshot failed")
	}
	s.persistSuggest()

	s.log.Info().Str("dataset", name).Int64("rows", rows).Msg("DoPut completed")
	return nil
}

// batchColumns indexes the wire columns of one record batch.
type batchColumns struct {
	entity      *array.String
	vector      *array.FixedSizeList
	values      *array.Float32
	dim         int
	label       *array.String
	description *array.String
	altLabel    *array.String
}

func bindColumns(rec arrow.RecordBatch) (*batchColumns, error) {
	schema := rec.Schema()
	cols := &batchColumns{}

	stringCol := func(name string) (*array.String, error) {
		idxs := schema.FieldIndices(name)
		if len(idxs) == 0 {
			return nil, nil
		}
		col, ok := rec.Column(idxs[0]).(*array.String)
		if !ok {
			return nil, fmt.Errorf("column %q must be utf8", name)
		}
		return col, nil
	}

	var err error
	if cols.entity, err = stringCol("entity"); err != nil {
		return nil, err
	}
	if cols.entity == nil {
		return nil, fmt.Errorf("batch is missing the entity column")
	}

	vecIdxs := schema.FieldIndices("vector")
	if len(vecIdxs) == 0 {
		return nil, fmt.Errorf("batch is missing the vector column")
	}
	vec, ok := rec.Column(vecIdxs[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column \"vector\" must be a fixed-size list of float32")
	}
	values, ok := vec.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column \"vector\" must hold float32 values")
	}
	cols.vector = vec
	cols.values = values
	cols.dim = int(vec.DataType().(*arrow.FixedSizeListType).Len())

	if cols.label, err = stringCol("label"); err != nil {
		return nil, err
	}
	if cols.description, err = stringCol("description"); err != nil {
		return nil, err
	}
	if cols.altLabel, err = stringCol("alt_label"); err != nil {
		return nil, err
	}
	return cols, nil
}

func (c *batchColumns) stringAt(col *array.String, row int) string {
	if col == nil || col.IsNull(row) {
		return ""
	}
	return col.Value(row)
}

func (c *batchColumns) vectorAt(row int) []float32 {
	base := (c.vector.Offset() + row) * c.dim
	out := make([]float32, c.dim)
	copy(out, c.values.Float32Values()[base:base+c.dim])
	return out
}

func (s *Server) ingestBatch(ctx context.Context, name string, ds *catalog.Dataset, sp *space.Space, rec arrow.RecordBatch) (int64, error) {
	cols, err := bindColumns(rec)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "dataset %s: %v", name, err)
	}

	if ds.Dimension > 0 && cols.dim != ds.Dimension {
		return 0, status.Errorf(codes.InvalidArgument,
			"dataset %s expects dimension %d, batch has %d", name, ds.Dimension, cols.dim)
	}

	var rows int64
	for row := 0; row < int(rec.NumRows()); row++ {
		ref := cols.entity.Value(row)

		label, err := decodeLangMap(cols.stringAt(cols.label, row))
		if err != nil {
			return rows, status.Errorf(codes.InvalidArgument,
				"row %d (%s): bad label json: %v", row, ref, err)
		}
		description, err := decodeLangMap(cols.stringAt(cols.description, row))
		if err != nil {
			return rows, status.Errorf(codes.InvalidArgument,
				"row %d (%s): bad description json: %v", row, ref, err)
		}
		altLabel, err := decodeLangListMap(cols.stringAt(cols.altLabel, row))
		if err != nil {
			return rows, status.Errorf(codes.InvalidArgument,
				"row %d (%s): bad alt_label json: %v", row, ref, err)
		}

		if _, err := sp.Append(ctx, space.Record{
			Ref:         ref,
			Label:       label,
			Description: description,
			AltLabel:    altLabel,
			Vector:      cols.vectorAt(row),
		}); err != nil {
			return rows, err
		}

		if err := s.suggest.UpsertEntity(ctx, suggest.Document{
			Entity:      ref,
			Label:       label,
			Description: description,
			AltLabel:    altLabel,
		}, name); err != nil {
			return rows, err
		}

		rows++
	}

	metrics.IngestedEntitiesTotal.WithLabelValues(name).Add(float64(rows))
	return rows, nil
}

func decodeLangMap(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeLangListMap(raw string) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string][]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
