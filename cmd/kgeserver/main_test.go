package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var binaryPath string

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	// Build binary once for all tests
	tmpDir, err := os.MkdirTemp("", "kgeserver-test-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create temp dir: %v\n", err)
		return 1
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	binaryPath = filepath.Join(tmpDir, "kgeserver")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build binary: %v\n", err)
		return 1
	}

	return m.Run()
}

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to get free port: %v", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

type serverInstance struct {
	cmd         *exec.Cmd
	listenAddr  string
	metricsAddr string
	dataDir     string
}

// startServerAt launches the binary over an existing data directory so
// tests can restart a server and check what survived.
func startServerAt(t *testing.T, dataDir string) *serverInstance {
	t.Helper()

	si := &serverInstance{
		listenAddr:  fmt.Sprintf("127.0.0.1:%d", getFreePort(t)),
		metricsAddr: fmt.Sprintf("127.0.0.1:%d", getFreePort(t)),
		dataDir:     dataDir,
	}

	si.cmd = exec.Command(binaryPath)
	si.cmd.Env = append(os.Environ(),
		"KGE_LISTEN_ADDR="+si.listenAddr,
		"KGE_METRICS_ADDR="+si.metricsAddr,
		"KGE_DATA_PATH="+dataDir,
	)
	si.cmd.Stdout = io.Discard
	si.cmd.Stderr = io.Discard

	if err := si.cmd.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			si.stop()
			t.Fatal("Server failed to start within timeout")
		default:
			conn, err := net.DialTimeout("tcp", si.listenAddr, 100*time.Millisecond)
			if err == nil {
				_ = conn.Close()
				return si
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func startServer(t *testing.T) *serverInstance {
	t.Helper()
	return startServerAt(t, t.TempDir())
}

// stop terminates the server and waits for it to flush and exit.
func (si *serverInstance) stop() {
	if si.cmd != nil && si.cmd.Process != nil {
		_ = si.cmd.Process.Signal(syscall.SIGTERM)
		_ = si.cmd.Wait()
	}
}

func (si *serverInstance) connect(t *testing.T) flight.Client {
	t.Helper()
	client, err := flight.NewClientWithMiddleware(si.listenAddr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func runAction(t *testing.T, client flight.Client, typ string, body any) []byte {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal action body: %v", err)
		}
	}
	stream, err := client.DoAction(context.Background(), &flight.Action{Type: typ, Body: raw})
	if err != nil {
		t.Fatalf("DoAction(%s) failed: %v", typ, err)
	}
	var first []byte
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			return first
		}
		if err != nil {
			t.Fatalf("DoAction(%s) recv failed: %v", typ, err)
		}
		if first == nil {
			first = res.Body
		}
	}
}

// putCities ingests two labeled 2d entities into the dataset.
func putCities(t *testing.T, client flight.Client, dataset string) {
	t.Helper()
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "entity", Type: arrow.BinaryTypes.String},
		{Name: "vector", Type: arrow.FixedSizeListOf(2, arrow.PrimitiveTypes.Float32)},
		{Name: "label", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()
	entityB := builder.Field(0).(*array.StringBuilder)
	vectorB := builder.Field(1).(*array.FixedSizeListBuilder)
	valuesB := vectorB.ValueBuilder().(*array.Float32Builder)
	labelB := builder.Field(2).(*array.StringBuilder)

	entityB.Append("Q90")
	vectorB.Append(true)
	valuesB.AppendValues([]float32{0, 0}, nil)
	labelB.Append(`{"en":"Paris"}`)

	entityB.Append("Q456")
	vectorB.Append(true)
	valuesB.AppendValues([]float32{3, 4}, nil)
	labelB.Append(`{"en":"Lyon"}`)

	rec := builder.NewRecordBatch()
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stream, err := client.DoPut(ctx)
	if err != nil {
		t.Fatalf("DoPut failed: %v", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := w.Write(rec); err != nil {
		t.Fatalf("Write record failed: %v", err)
	}
	_ = w.Close()
	_ = stream.CloseSend()
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return
			}
			t.Fatalf("DoPut recv failed: %v", err)
		}
	}
}

// TestServerStartsAndAcceptsConnections verifies basic server wiring
func TestServerStartsAndAcceptsConnections(t *testing.T) {
	si := startServer(t)
	defer si.stop()

	client := si.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		t.Fatalf("ListFlights failed: %v", err)
	}
	for {
		_, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ListFlights recv failed: %v", err)
		}
	}
}

// TestMetricsEndpoint verifies Prometheus metrics are exposed
func TestMetricsEndpoint(t *testing.T) {
	si := startServer(t)
	defer si.stop()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + si.metricsAddr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("go_goroutines")) {
		t.Error("Expected Prometheus metrics in response")
	}
}

// TestHealthEndpoints verifies liveness and readiness on the metrics listener
func TestHealthEndpoints(t *testing.T) {
	si := startServer(t)
	defer si.stop()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + si.metricsAddr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Failed to get healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp, err = http.Get("http://" + si.metricsAddr + "/readyz")
	if err != nil {
		t.Fatalf("Failed to get readyz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
	var report struct {
		Status     string                     `json:"status"`
		Components map[string]json.RawMessage `json:"components"`
	}
	if err := json.Unmarshal(mustReadAll(t, resp.Body), &report); err != nil {
		t.Fatalf("readyz response: %v", err)
	}
	if report.Status != "healthy" {
		t.Errorf("readyz status = %q, want healthy", report.Status)
	}
	for _, name := range []string{"catalog", "data"} {
		if _, ok := report.Components[name]; !ok {
			t.Errorf("readyz missing %q component", name)
		}
	}
}

func mustReadAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

// TestStatePersistsAcrossRestart ingests, kills the server, restarts it
// over the same data directory, and queries what came back.
func TestStatePersistsAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()

	si := startServerAt(t, dataDir)
	client := si.connect(t)
	runAction(t, client, "create-dataset", map[string]any{"name": "cities"})
	putCities(t, client, "cities")
	si.stop()

	si2 := startServerAt(t, dataDir)
	defer si2.stop()
	client2 := si2.connect(t)

	body := runAction(t, client2, "list-datasets", nil)
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("list-datasets response: %v", err)
	}
	if listed.Count != 1 {
		t.Fatalf("list-datasets count = %d, want 1", listed.Count)
	}

	body = runAction(t, client2, "similar", map[string]any{
		"dataset": "cities", "entity": "Q90", "limit": 1,
	})
	var sim struct {
		Matches []struct {
			Entity struct {
				Ref string `json:"entity"`
			} `json:"entity"`
			Distance float32 `json:"distance"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(body, &sim); err != nil {
		t.Fatalf("similar response: %v", err)
	}
	if len(sim.Matches) != 1 || sim.Matches[0].Entity.Ref != "Q456" {
		t.Fatalf("similar matches = %+v, want single Q456", sim.Matches)
	}
	if sim.Matches[0].Distance != 5 {
		t.Errorf("similar distance = %v, want 5", sim.Matches[0].Distance)
	}

	body = runAction(t, client2, "suggest", map[string]any{"dataset": "cities", "text": "lyo"})
	var sugg struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &sugg); err != nil {
		t.Fatalf("suggest response: %v", err)
	}
	if sugg.Count != 1 {
		t.Errorf("suggest count = %d, want 1", sugg.Count)
	}
}

// TestGracefulShutdown verifies SIGTERM handling
func TestGracefulShutdown(t *testing.T) {
	si := startServer(t)

	_ = si.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- si.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Logf("Server exited: %v", err)
		}
	case <-time.After(10 * time.Second):
		_ = si.cmd.Process.Kill()
		t.Fatal("Server did not shut down gracefully within timeout")
	}
}
