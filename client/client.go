// Package client is a typed Go client for the kge-server Arrow Flight
// API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// maxMessageBytes bounds a single Arrow batch on the wire in either
// direction.
const maxMessageBytes = 1024 * 1024 * 100

// Client wraps a Flight connection to one kge-server instance.
type Client struct {
	fc flight.Client
}

// Dial connects to a kge-server Flight endpoint over an insecure
// channel. Extra dial options append to the defaults.
func Dial(addr string, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageBytes),
			grpc.MaxCallSendMsgSize(maxMessageBytes),
		),
	}
	opts = append(opts, extra...)
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{fc: fc}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.fc.Close()
}

// Dataset mirrors one catalog row as the server reports it.
type Dataset struct {
	ID          int64     `json:"id"`
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Dimension   int       `json:"dimension"`
	Metric      string    `json:"metric"`
	Status      string    `json:"status"`
	EntityCount int64     `json:"entity_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateDatasetRequest registers a new dataset. Dimension 0 lets the
// first ingested batch fix it; an empty Metric takes the server
// default.
type CreateDatasetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Dimension   int    `json:"dimension,omitempty"`
	Metric      string `json:"metric,omitempty"`
}

// EntityInfo is the display payload attached to query results.
type EntityInfo struct {
	Ref         string              `json:"entity"`
	Label       map[string]string   `json:"label,omitempty"`
	Description map[string]string   `json:"description,omitempty"`
	AltLabel    map[string][]string `json:"alt_label,omitempty"`
}

// Match is one similarity result row.
type Match struct {
	Entity   EntityInfo `json:"entity"`
	Distance float32    `json:"distance"`
}

// Seed echoes what the search ran from.
type Seed struct {
	Entity *EntityInfo `json:"entity,omitempty"`
	Vector []float32   `json:"vector,omitempty"`
}

// SimilarityResult is the server's answer to a Similar call.
type SimilarityResult struct {
	Dataset string  `json:"dataset"`
	Mode    string  `json:"mode"`
	Seed    Seed    `json:"seed"`
	Effort  int     `json:"search_effort"`
	Count   int     `json:"count"`
	Matches []Match `json:"matches"`
}

// SimilarRequest asks for the nearest entities to a seed. Exactly one
// of Entity and Embedding must be set.
type SimilarRequest struct {
	Dataset   string    `json:"dataset"`
	Entity    string    `json:"entity,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Effort    int       `json:"search_effort,omitempty"`
}

// DistanceResult reports the metric scalar between two entities.
type DistanceResult struct {
	Dataset  string    `json:"dataset"`
	Entities [2]string `json:"entities"`
	Distance float32   `json:"distance"`
}

// Suggestion is one label completion.
type Suggestion struct {
	Entity string            `json:"entity"`
	Term   string            `json:"term"`
	Score  float64           `json:"score"`
	Label  map[string]string `json:"label,omitempty"`
}

// SnapshotStats aggregates one dataset snapshot.
type SnapshotStats struct {
	Dataset   string  `json:"dataset"`
	Vectors   int64   `json:"vectors"`
	Dimension int64   `json:"dimension"`
	Labeled   int64   `json:"labeled"`
	Described int64   `json:"described"`
	MinNorm   float64 `json:"min_norm"`
	MaxNorm   float64 `json:"max_norm"`
	MeanNorm  float64 `json:"mean_norm"`
}

// DatasetStats pairs the catalog descriptor with snapshot aggregates.
type DatasetStats struct {
	Descriptor Dataset       `json:"descriptor"`
	Snapshot   SnapshotStats `json:"snapshot"`
}

// CreateDataset registers a dataset and returns its catalog row.
func (c *Client) CreateDataset(ctx context.Context, req CreateDatasetRequest) (*Dataset, error) {
	body, err := c.doAction(ctx, "create-dataset", req)
	if err != nil {
		return nil, err
	}
	var ds Dataset
	if err := json.Unmarshal(body, &ds); err != nil {
		return nil, fmt.Errorf("decoding create-dataset response: %w", err)
	}
	return &ds, nil
}

// ListDatasets returns every registered dataset.
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	body, err := c.doAction(ctx, "list-datasets", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Datasets []Dataset `json:"datasets"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding list-datasets response: %w", err)
	}
	return out.Datasets, nil
}

// DatasetStats aggregates a dataset's persisted snapshot.
func (c *Client) DatasetStats(ctx context.Context, dataset string) (*DatasetStats, error) {
	body, err := c.doAction(ctx, "dataset-stats", map[string]string{"dataset": dataset})
	if err != nil {
		return nil, err
	}
	var stats DatasetStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("decoding dataset-stats response: %w", err)
	}
	return &stats, nil
}

// Suggest completes text against the dataset's entity labels. Size 0
// takes the server default.
func (c *Client) Suggest(ctx context.Context, dataset, text string, size int) ([]Suggestion, error) {
	body, err := c.doAction(ctx, "suggest", map[string]any{
		"dataset": dataset,
		"text":    text,
		"size":    size,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding suggest response: %w", err)
	}
	return out.Suggestions, nil
}

// Similar returns the entities nearest to the request's seed.
func (c *Client) Similar(ctx context.Context, req SimilarRequest) (*SimilarityResult, error) {
	body, err := c.doAction(ctx, "similar", req)
	if err != nil {
		return nil, err
	}
	var res SimilarityResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding similar response: %w", err)
	}
	return &res, nil
}

// Distance returns the metric scalar between two entities of one
// dataset.
func (c *Client) Distance(ctx context.Context, dataset, a, b string) (*DistanceResult, error) {
	body, err := c.doAction(ctx, "distance", map[string]any{
		"dataset":  dataset,
		"entities": []string{a, b},
	})
	if err != nil {
		return nil, err
	}
	var res DistanceResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding distance response: %w", err)
	}
	return &res, nil
}

// EnsureSuggestSchema recreates the suggestion index, dropping every
// completion document on the server.
func (c *Client) EnsureSuggestSchema(ctx context.Context) error {
	_, err := c.doAction(ctx, "ensure-suggest-schema", nil)
	return err
}

// Info returns the Flight descriptor info for one dataset.
func (c *Client) Info(ctx context.Context, dataset string) (*flight.FlightInfo, error) {
	return c.fc.GetFlightInfo(ctx, &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
}

// doAction runs one action and returns the first result body.
func (c *Client) doAction(ctx context.Context, typ string, req any) ([]byte, error) {
	var body []byte
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", typ, err)
		}
	}
	stream, err := c.fc.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if out == nil && res != nil {
			out = res.Body
		}
	}
}
