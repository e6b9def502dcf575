package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/space"
)

// exportChunkRows bounds the rows per streamed record batch.
const exportChunkRows = 1024

// ListFlights advertises one flight per registered dataset.
func (s *Server) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	all, err := s.catalog.List(stream.Context())
	if err != nil {
		return toStatus(err)
	}
	for _, ds := range all {
		info := &flight.FlightInfo{
			FlightDescriptor: &flight.FlightDescriptor{
				Type: flight.DescriptorPATH,
				Path: []string{ds.Name},
			},
			TotalRecords: ds.EntityCount,
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// GetFlightInfo describes one dataset.
func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if len(desc.Path) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty descriptor path")
	}
	ds, err := s.catalog.Get(ctx, desc.Path[0])
	if err != nil {
		return nil, toStatus(err)
	}
	return &flight.FlightInfo{
		FlightDescriptor: desc,
		TotalRecords:     ds.EntityCount,
	}, nil
}

// GetSchema returns the wire schema of a dataset's entity batches.
func (s *Server) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	if len(desc.Path) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty descriptor path")
	}
	name := desc.Path[0]
	sp, err := s.openSpace(ctx, name)
	if err != nil {
		return nil, toStatus(err)
	}
	dim := sp.Dim()
	if dim == 0 {
		return nil, toStatus(kgerrors.NewDatasetNotReady("server.schema", name))
	}
	return &flight.SchemaResult{
		Schema: flight.SerializeSchema(exportSchema(dim), s.mem),
	}, nil
}

// DoGet streams a dataset's entities back out in the ingest schema.
func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	start := time.Now()
	err := s.doGet(tkt, stream)
	observe("do_get", start, err)
	return err
}

func (s *Server) doGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.Ticket)
	if name == "" {
		return status.Error(codes.InvalidArgument, "empty ticket")
	}

	sp, err := s.openSpace(stream.Context(), name)
	if err != nil {
		return toStatus(err)
	}

	recs := sp.Records()
	if len(recs) == 0 {
		s.log.Warn().Str("dataset", name).Msg("DoGet on empty dataset")
		return nil
	}
	dim := sp.Dim()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(exportSchema(dim)))
	defer w.Close()

	for offset := 0; offset < len(recs); offset += exportChunkRows {
		end := offset + exportChunkRows
		if end > len(recs) {
			end = len(recs)
		}
		rec, err := buildExportBatch(s.mem, dim, recs[offset:end])
		if err != nil {
			return status.Errorf(codes.Internal, "building export batch: %v", err)
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}

	s.log.Debug().Str("dataset", name).Int("rows", len(recs)).Msg("DoGet served")
	return nil
}

func buildExportBatch(mem memory.Allocator, dim int, recs []space.Record) (arrow.RecordBatch, error) {
	b := array.NewRecordBuilder(mem, exportSchema(dim))
	defer b.Release()

	entityB := b.Field(0).(*array.StringBuilder)
	vectorB := b.Field(1).(*array.FixedSizeListBuilder)
	valuesB := vectorB.ValueBuilder().(*array.Float32Builder)
	labelB := b.Field(2).(*array.StringBuilder)
	descriptionB := b.Field(3).(*array.StringBuilder)
	altLabelB := b.Field(4).(*array.StringBuilder)

	for _, rec := range recs {
		entityB.Append(rec.Ref)
		vectorB.Append(true)
		valuesB.AppendValues(rec.Vector, nil)
		if err := appendJSONColumn(labelB, rec.Label); err != nil {
			return nil, fmt.Errorf("encoding label for %q: %w", rec.Ref, err)
		}
		if err := appendJSONColumn(descriptionB, rec.Description); err != nil {
			return nil, fmt.Errorf("encoding description for %q: %w", rec.Ref, err)
		}
		if err := appendJSONColumn(altLabelB, rec.AltLabel); err != nil {
			return nil, fmt.Errorf("encoding alt labels for %q: %w", rec.Ref, err)
		}
	}

	return b.NewRecordBatch(), nil
}

func appendJSONColumn[M map[string]string | map[string][]string](sb *array.StringBuilder, m M) error {
	if len(m) == 0 {
		sb.AppendNull()
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	sb.Append(string(raw))
	return nil
}
