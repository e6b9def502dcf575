package client

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mockFlightServer scripts action responses and records what the
// client actually sent.
type mockFlightServer struct {
	flight.BaseFlightServer

	mu         sync.Mutex
	responses  map[string][]byte
	errs       map[string]error
	bodies     map[string][]byte
	putDataset string
	putRows    int64
	getRows    []Entity
}

func (m *mockFlightServer) script(typ string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[typ] = body
}

func (m *mockFlightServer) fail(typ string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[typ] = err
}

func (m *mockFlightServer) sentBody(typ string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies[typ]
}

func (m *mockFlightServer) putStats() (string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putDataset, m.putRows
}

func (m *mockFlightServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	m.mu.Lock()
	m.bodies[action.Type] = action.Body
	err := m.errs[action.Type]
	body, ok := m.responses[action.Type]
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return status.Error(codes.Unimplemented, "unknown action type "+action.Type)
	}
	return stream.Send(&flight.Result{Body: body})
}

func (m *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "reading record stream: %v", err)
	}
	defer r.Release()

	m.mu.Lock()
	if fd := r.LatestFlightDescriptor(); fd != nil && len(fd.Path) > 0 {
		m.putDataset = fd.Path[0]
	}
	m.mu.Unlock()

	for r.Next() {
		n := r.RecordBatch().NumRows()
		m.mu.Lock()
		m.putRows += n
		m.mu.Unlock()
	}
	return r.Err()
}

func (m *mockFlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if len(m.getRows) == 0 {
		return status.Error(codes.NotFound, "dataset not registered")
	}
	dim := len(m.getRows[0].Vector)
	w := flight.NewRecordWriter(stream, ipc.WithSchema(entitySchema(dim)))
	defer w.Close()
	rec, err := buildEntityBatch(memory.NewGoAllocator(), dim, m.getRows)
	if err != nil {
		return err
	}
	defer rec.Release()
	return w.Write(rec)
}

func startMock(t *testing.T) (*mockFlightServer, *Client) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mock := &mockFlightServer{
		responses: make(map[string][]byte),
		errs:      make(map[string]error),
		bodies:    make(map[string][]byte),
	}
	gs := grpc.NewServer()
	flight.RegisterFlightServiceServer(gs, mock)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mock, c
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestCreateDataset(t *testing.T) {
	mock, c := startMock(t)
	mock.script("create-dataset", mustJSON(t, Dataset{
		ID: 1, UUID: "7e9d", Name: "cities", Dimension: 2,
		Metric: "euclidean", Status: "created",
	}))

	ds, err := c.CreateDataset(context.Background(), CreateDatasetRequest{
		Name: "cities", Dimension: 2, Metric: "euclidean",
	})
	require.NoError(t, err)
	assert.Equal(t, "cities", ds.Name)
	assert.Equal(t, 2, ds.Dimension)
	assert.Equal(t, "created", ds.Status)

	var sent CreateDatasetRequest
	require.NoError(t, json.Unmarshal(mock.sentBody("create-dataset"), &sent))
	assert.Equal(t, "cities", sent.Name)
	assert.Equal(t, "euclidean", sent.Metric)
}

func TestListDatasets(t *testing.T) {
	mock, c := startMock(t)
	mock.script("list-datasets", mustJSON(t, map[string]any{
		"count": 2,
		"datasets": []Dataset{
			{Name: "cities", EntityCount: 4, Status: "ready"},
			{Name: "films", Status: "created"},
		},
	}))

	all, err := c.ListDatasets(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cities", all[0].Name)
	assert.Equal(t, int64(4), all[0].EntityCount)
	assert.Equal(t, "films", all[1].Name)
}

func TestSimilar(t *testing.T) {
	mock, c := startMock(t)
	paris := EntityInfo{Ref: "Q90", Label: map[string]string{"en": "Paris"}}
	mock.script("similar", mustJSON(t, SimilarityResult{
		Dataset: "cities",
		Mode:    "reference",
		Seed:    Seed{Entity: &paris},
		Effort:  -1,
		Count:   1,
		Matches: []Match{
			{Entity: EntityInfo{Ref: "Q456", Label: map[string]string{"en": "Lyon"}}, Distance: 0.4},
		},
	}))

	res, err := c.Similar(context.Background(), SimilarRequest{
		Dataset: "cities", Entity: "Q90", Limit: 2, Effort: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "reference", res.Mode)
	require.NotNil(t, res.Seed.Entity)
	assert.Equal(t, "Q90", res.Seed.Entity.Ref)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "Q456", res.Matches[0].Entity.Ref)
	assert.InDelta(t, 0.4, float64(res.Matches[0].Distance), 1e-6)

	var sent SimilarRequest
	require.NoError(t, json.Unmarshal(mock.sentBody("similar"), &sent))
	assert.Equal(t, "Q90", sent.Entity)
	assert.Equal(t, 2, sent.Limit)
	assert.Equal(t, 100, sent.Effort)
}

func TestDistance(t *testing.T) {
	mock, c := startMock(t)
	mock.script("distance", mustJSON(t, DistanceResult{
		Dataset: "cities", Entities: [2]string{"Q90", "Q64"}, Distance: 5,
	}))

	res, err := c.Distance(context.Background(), "cities", "Q90", "Q64")
	require.NoError(t, err)
	assert.Equal(t, [2]string{"Q90", "Q64"}, res.Entities)
	assert.Equal(t, float32(5), res.Distance)

	var sent struct {
		Dataset  string   `json:"dataset"`
		Entities []string `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(mock.sentBody("distance"), &sent))
	assert.Equal(t, []string{"Q90", "Q64"}, sent.Entities)
}

func TestSuggest(t *testing.T) {
	mock, c := startMock(t)
	mock.script("suggest", mustJSON(t, map[string]any{
		"dataset": "cities",
		"text":    "par",
		"count":   1,
		"suggestions": []Suggestion{
			{Entity: "Q90", Term: "Paris", Score: 1.0, Label: map[string]string{"en": "Paris"}},
		},
	}))

	hits, err := c.Suggest(context.Background(), "cities", "par", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Q90", hits[0].Entity)
	assert.Equal(t, "Paris", hits[0].Term)
	assert.Equal(t, 1.0, hits[0].Score)
}

func TestDatasetStats(t *testing.T) {
	mock, c := startMock(t)
	mock.script("dataset-stats", mustJSON(t, DatasetStats{
		Descriptor: Dataset{Name: "cities", Status: "ready"},
		Snapshot:   SnapshotStats{Dataset: "cities", Vectors: 4, Dimension: 2, MaxNorm: 5},
	}))

	stats, err := c.DatasetStats(context.Background(), "cities")
	require.NoError(t, err)
	assert.Equal(t, "ready", stats.Descriptor.Status)
	assert.Equal(t, int64(4), stats.Snapshot.Vectors)
	assert.Equal(t, float64(5), stats.Snapshot.MaxNorm)
}

func TestEnsureSuggestSchema(t *testing.T) {
	mock, c := startMock(t)
	mock.script("ensure-suggest-schema", []byte("ok"))

	require.NoError(t, c.EnsureSuggestSchema(context.Background()))
}

func TestErrorHelpers(t *testing.T) {
	mock, c := startMock(t)
	ctx := context.Background()
	mock.fail("similar", status.Error(codes.FailedPrecondition, "dataset not ready"))
	mock.fail("distance", status.Error(codes.NotFound, "entity not in dataset"))
	mock.fail("suggest", status.Error(codes.InvalidArgument, "missing dataset name"))

	_, err := c.Similar(ctx, SimilarRequest{Dataset: "cities", Entity: "Q1"})
	assert.True(t, IsNotReady(err))
	assert.False(t, IsNotFound(err))

	_, err = c.Distance(ctx, "cities", "Q1", "Q404")
	assert.True(t, IsNotFound(err))

	_, err = c.Suggest(ctx, "", "par", 0)
	assert.True(t, IsInvalid(err))

	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotReady(nil))
	assert.False(t, IsInvalid(nil))
}

func TestIngestStreamsBatches(t *testing.T) {
	mock, c := startMock(t)

	ing, err := c.BeginIngest(context.Background(), "cities", 2)
	require.NoError(t, err)
	require.NoError(t, ing.Send([]Entity{
		{Ref: "Q90", Vector: []float32{0, 0}, Label: map[string]string{"en": "Paris"}},
		{Ref: "Q456", Vector: []float32{3, 4}},
	}))
	require.NoError(t, ing.Send([]Entity{
		{Ref: "Q64", Vector: []float32{5, 0}},
	}))
	require.NoError(t, ing.Close())

	assert.Equal(t, int64(3), ing.Sent())
	dataset, rows := mock.putStats()
	assert.Equal(t, "cities", dataset)
	assert.Equal(t, int64(3), rows)
}

func TestIngestRejectsBadRows(t *testing.T) {
	_, c := startMock(t)

	ing, err := c.BeginIngest(context.Background(), "cities", 2)
	require.NoError(t, err)

	err = ing.Send([]Entity{{Ref: "Q1", Vector: []float32{1, 2, 3}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 dimensions, want 2")

	err = ing.Send([]Entity{{Vector: []float32{1, 2}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity reference is required")

	// Nothing was staged; the stream verdict is irrelevant.
	_ = ing.Close()
}

func TestBeginIngestValidation(t *testing.T) {
	_, c := startMock(t)
	ctx := context.Background()

	_, err := c.BeginIngest(ctx, "", 2)
	require.Error(t, err)

	_, err = c.BeginIngest(ctx, "cities", 0)
	require.Error(t, err)
}

func TestIngestEntitiesConvenience(t *testing.T) {
	mock, c := startMock(t)

	entities := make([]Entity, 25)
	for i := range entities {
		entities[i] = Entity{Ref: "Q" + string(rune('a'+i)), Vector: []float32{float32(i), 0}}
	}
	require.NoError(t, c.IngestEntities(context.Background(), "bulk", entities, 10))

	dataset, rows := mock.putStats()
	assert.Equal(t, "bulk", dataset)
	assert.Equal(t, int64(25), rows)
}

func TestExportEntities(t *testing.T) {
	mock, c := startMock(t)
	mock.getRows = []Entity{
		{Ref: "Q90", Vector: []float32{0, 0}, Label: map[string]string{"en": "Paris"},
			AltLabel: map[string][]string{"en": {"City of Light"}}},
		{Ref: "Q456", Vector: []float32{3, 4}},
	}

	rows, err := c.ExportEntities(context.Background(), "cities")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Q90", rows[0].Ref)
	assert.Equal(t, []float32{0, 0}, rows[0].Vector)
	assert.Equal(t, "Paris", rows[0].Label["en"])
	assert.Equal(t, []string{"City of Light"}, rows[0].AltLabel["en"])
	assert.Equal(t, "Q456", rows[1].Ref)
	assert.Nil(t, rows[1].Label)
}

func TestExportEntitiesNotFound(t *testing.T) {
	_, c := startMock(t)

	_, err := c.ExportEntities(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
