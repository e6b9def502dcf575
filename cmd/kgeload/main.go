// Command kgeload bulk-loads entity embeddings from a JSON-lines file
// into a running kge flight server. Each input line carries one entity:
//
//	{"entity":"Q90","label":{"en":"Paris"},"vector":[0.1,0.2]}
//
// Lines are packed into Arrow batches and streamed over a single DoPut
// call, so the server sees the whole file as one ingest.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/chagge/kge-server/client"
)

var (
	addr        = flag.String("addr", "127.0.0.1:3000", "Flight server address")
	dataset     = flag.String("dataset", "", "Target dataset name")
	file        = flag.String("file", "-", "JSON-lines entity file ('-' for stdin)")
	batchSize   = flag.Int("batch-size", 1000, "Entities per Arrow batch")
	create      = flag.Bool("create", false, "Register the dataset before loading")
	metric      = flag.String("metric", "", "Distance metric when creating (euclidean, sqeuclidean, cosine, dot)")
	description = flag.String("description", "", "Dataset description when creating")
)

// entityLine is one input row. Vector length must be consistent across
// the whole file.
type entityLine struct {
	Entity      string              `json:"entity"`
	Label       map[string]string   `json:"label"`
	Description map[string]string   `json:"description"`
	AltLabel    map[string][]string `json:"alt_label"`
	Vector      []float32           `json:"vector"`
}

func main() {
	flag.Parse()
	if *dataset == "" {
		log.Fatal("missing -dataset")
	}
	if *batchSize <= 0 {
		log.Fatal("-batch-size must be positive")
	}

	in, err := openInput(*file)
	if err != nil {
		log.Fatalf("opening %s: %v", *file, err)
	}
	defer in.Close()

	c, err := client.Dial(*addr)
	if err != nil {
		log.Fatalf("connecting to %s: %v", *addr, err)
	}
	defer c.Close()

	ctx := context.Background()
	if *create {
		createDataset(ctx, c)
	}

	start := time.Now()
	entities, batches, err := load(ctx, c, in)
	if err != nil {
		log.Fatalf("load failed: %v", err)
	}
	elapsed := time.Since(start)

	fmt.Println("\n--- Results ---")
	fmt.Printf("Dataset:    %s\n", *dataset)
	fmt.Printf("Entities:   %d\n", entities)
	fmt.Printf("Batches:    %d\n", batches)
	fmt.Printf("Elapsed:    %.2fs\n", elapsed.Seconds())
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("Throughput: %.0f entities/sec\n", float64(entities)/secs)
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// createDataset registers the target dataset. A dataset that already
// exists is fine; the load continues into it.
func createDataset(ctx context.Context, c *client.Client) {
	_, err := c.CreateDataset(ctx, client.CreateDatasetRequest{
		Name:        *dataset,
		Description: *description,
		Metric:      *metric,
	})
	if err == nil {
		return
	}
	if client.IsInvalid(err) && strings.Contains(err.Error(), "already exists") {
		log.Printf("dataset %s already exists, loading into it", *dataset)
		return
	}
	log.Fatalf("create-dataset: %v", err)
}

func load(ctx context.Context, c *client.Client, in io.Reader) (entities, batches int64, err error) {
	bar := progressbar.Default(-1, "entities")

	var (
		ing *client.Ingest
		dim int
	)
	rows := make([]client.Entity, 0, *batchSize)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		// The first batch opens the stream; the first line already
		// fixed the dimension.
		if ing == nil {
			var err error
			if ing, err = c.BeginIngest(ctx, *dataset, dim); err != nil {
				return err
			}
		}
		if err := ing.Send(rows); err != nil {
			return err
		}
		batches++
		rows = rows[:0]
		return nil
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row entityLine
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return entities, batches, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if row.Entity == "" {
			return entities, batches, fmt.Errorf("line %d: missing entity reference", lineNo)
		}
		if len(row.Vector) == 0 {
			return entities, batches, fmt.Errorf("line %d: missing vector", lineNo)
		}
		if dim == 0 {
			dim = len(row.Vector)
		} else if len(row.Vector) != dim {
			return entities, batches, fmt.Errorf("line %d: vector has %d values, earlier lines had %d",
				lineNo, len(row.Vector), dim)
		}
		rows = append(rows, client.Entity{
			Ref:         row.Entity,
			Label:       row.Label,
			Description: row.Description,
			AltLabel:    row.AltLabel,
			Vector:      row.Vector,
		})
		entities++
		_ = bar.Add(1)
		if len(rows) >= *batchSize {
			if err := flush(); err != nil {
				return entities, batches, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return entities, batches, err
	}
	if err := flush(); err != nil {
		return entities, batches, err
	}
	_ = bar.Finish()

	if ing != nil {
		// The server acks or fails the whole ingest when the stream
		// ends.
		if err := ing.Close(); err != nil {
			return entities, batches, err
		}
	}
	return entities, batches, nil
}
