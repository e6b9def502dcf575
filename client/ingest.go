package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Entity is one knowledge-graph entity as ingested or exported. Label
// and Description map language codes to text; AltLabel maps them to
// alias lists.
type Entity struct {
	Ref         string
	Label       map[string]string
	Description map[string]string
	AltLabel    map[string][]string
	Vector      []float32
}

// Ingest streams entity batches into one dataset over a single DoPut
// call. Send stages batches; Close flushes the stream and returns the
// server's verdict for the whole ingest.
type Ingest struct {
	stream flight.FlightService_DoPutClient
	w      *flight.Writer
	mem    memory.Allocator
	dim    int
	sent   int64
}

// BeginIngest opens a DoPut stream for the dataset. Every entity sent
// through it must carry a vector of the given dimension.
func (c *Client) BeginIngest(ctx context.Context, dataset string, dimension int) (*Ingest, error) {
	if dataset == "" {
		return nil, fmt.Errorf("dataset name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	stream, err := c.fc.DoPut(ctx)
	if err != nil {
		return nil, err
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(entitySchema(dimension)))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	return &Ingest{
		stream: stream,
		w:      w,
		mem:    memory.NewGoAllocator(),
		dim:    dimension,
		sent:   0,
	}, nil
}

// Send stages one batch of entities. Transport errors surface on
// Close, once the server has settled the whole stream.
func (ing *Ingest) Send(entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	rec, err := buildEntityBatch(ing.mem, ing.dim, entities)
	if err != nil {
		return err
	}
	defer rec.Release()
	_ = ing.w.Write(rec)
	ing.sent += int64(len(entities))
	return nil
}

// Sent reports how many entities have been handed to the stream.
func (ing *Ingest) Sent() int64 { return ing.sent }

// Close finishes the stream and waits for the server to accept or
// reject the ingest.
func (ing *Ingest) Close() error {
	_ = ing.w.Close()
	if err := ing.stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := ing.stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// IngestEntities uploads all entities over one stream in batches of
// batchSize. The vector dimension comes from the first entity.
func (c *Client) IngestEntities(ctx context.Context, dataset string, entities []Entity, batchSize int) error {
	if len(entities) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	ing, err := c.BeginIngest(ctx, dataset, len(entities[0].Vector))
	if err != nil {
		return err
	}
	for start := 0; start < len(entities); start += batchSize {
		end := min(start+batchSize, len(entities))
		if err := ing.Send(entities[start:end]); err != nil {
			_ = ing.Close()
			return err
		}
	}
	return ing.Close()
}

// ExportEntities streams every entity of the dataset back.
func (c *Client) ExportEntities(ctx context.Context, dataset string) ([]Entity, error) {
	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: []byte(dataset)})
	if err != nil {
		return nil, err
	}
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var out []Entity
	for r.Next() {
		rows, err := decodeEntityBatch(r.RecordBatch())
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

// entitySchema matches the server's entity wire schema.
func entitySchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "entity", Type: arrow.BinaryTypes.String},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		{Name: "label", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "description", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "alt_label", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func buildEntityBatch(mem memory.Allocator, dim int, entities []Entity) (arrow.RecordBatch, error) {
	b := array.NewRecordBuilder(mem, entitySchema(dim))
	defer b.Release()

	refs := b.Field(0).(*array.StringBuilder)
	vectors := b.Field(1).(*array.FixedSizeListBuilder)
	values := vectors.ValueBuilder().(*array.Float32Builder)
	labels := b.Field(2).(*array.StringBuilder)
	descriptions := b.Field(3).(*array.StringBuilder)
	alts := b.Field(4).(*array.StringBuilder)

	appendJSON := func(sb *array.StringBuilder, v any, empty bool) error {
		if empty {
			sb.AppendNull()
			return nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sb.Append(string(raw))
		return nil
	}

	for _, e := range entities {
		if e.Ref == "" {
			return nil, fmt.Errorf("entity reference is required")
		}
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("entity %s: vector has %d dimensions, want %d", e.Ref, len(e.Vector), dim)
		}
		refs.Append(e.Ref)
		vectors.Append(true)
		values.AppendValues(e.Vector, nil)
		if err := appendJSON(labels, e.Label, len(e.Label) == 0); err != nil {
			return nil, err
		}
		if err := appendJSON(descriptions, e.Description, len(e.Description) == 0); err != nil {
			return nil, err
		}
		if err := appendJSON(alts, e.AltLabel, len(e.AltLabel) == 0); err != nil {
			return nil, err
		}
	}
	return b.NewRecordBatch(), nil
}

func decodeEntityBatch(rec arrow.RecordBatch) ([]Entity, error) {
	schema := rec.Schema()
	stringCol := func(name string) *array.String {
		idxs := schema.FieldIndices(name)
		if len(idxs) == 0 {
			return nil
		}
		col, _ := rec.Column(idxs[0]).(*array.String)
		return col
	}

	refs := stringCol("entity")
	if refs == nil {
		return nil, fmt.Errorf("stream batch is missing the entity column")
	}
	vecIdxs := schema.FieldIndices("vector")
	if len(vecIdxs) == 0 {
		return nil, fmt.Errorf("stream batch is missing the vector column")
	}
	vectors, ok := rec.Column(vecIdxs[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("vector column must be a fixed-size list of float32")
	}
	values, ok := vectors.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("vector column must hold float32 values")
	}
	dim := int(vectors.DataType().(*arrow.FixedSizeListType).Len())
	labels := stringCol("label")
	descriptions := stringCol("description")
	alts := stringCol("alt_label")

	out := make([]Entity, 0, rec.NumRows())
	for row := 0; row < int(rec.NumRows()); row++ {
		e := Entity{Ref: refs.Value(row), Vector: make([]float32, dim)}
		base := (vectors.Offset() + row) * dim
		copy(e.Vector, values.Float32Values()[base:base+dim])
		if err := decodeJSONInto(labels, row, &e.Label); err != nil {
			return nil, fmt.Errorf("entity %s: bad label json: %w", e.Ref, err)
		}
		if err := decodeJSONInto(descriptions, row, &e.Description); err != nil {
			return nil, fmt.Errorf("entity %s: bad description json: %w", e.Ref, err)
		}
		if err := decodeJSONInto(alts, row, &e.AltLabel); err != nil {
			return nil, fmt.Errorf("entity %s: bad alt_label json: %w", e.Ref, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeJSONInto(col *array.String, row int, dst any) error {
	if col == nil || col.IsNull(row) || col.Value(row) == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.Value(row)), dst)
}
