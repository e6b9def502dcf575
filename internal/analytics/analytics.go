// Package analytics answers analytical questions about dataset
// snapshots by pointing an in-memory DuckDB at the parquet files.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/kgerrors"
)

// DatasetStats summarizes one dataset snapshot.
type DatasetStats struct {
	Dataset   string  `json:"dataset"`
	Vectors   int64   `json:"vectors"`
	Dimension int64   `json:"dimension"`
	Labeled   int64   `json:"labeled"`
	Described int64   `json:"described"`
	MinNorm   float64 `json:"min_norm"`
	MaxNorm   float64 `json:"max_norm"`
	MeanNorm  float64 `json:"mean_norm"`
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Analyzer runs snapshot queries for the datasets under one directory.
type Analyzer struct {
	dir string
	log zerolog.Logger
}

// NewAnalyzer points the analyzer at the snapshot directory.
func NewAnalyzer(dir string, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		dir: dir,
		log: logger.With().Str("component", "analytics").Logger(),
	}
}

// Stats aggregates a dataset's snapshot: row count, vector dimension,
// metadata coverage and the distribution of vector norms. A dataset
// without a snapshot on disk is not ready for analytics.
func (a *Analyzer) Stats(ctx context.Context, dataset string) (*DatasetStats, error) {
	const op = "analytics.stats"
	if !nameRe.MatchString(dataset) {
		return nil, kgerrors.Newf(kgerrors.KindInvalidRequest, op, "invalid dataset name %q", dataset)
	}

	path := filepath.Join(a.dir, dataset+".parquet")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, kgerrors.NewDatasetNotReady(op, dataset)
		}
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(dataset)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(dataset)
	}
	defer db.Close()

	// The name regexp keeps the interpolated path shell- and
	// quote-free.
	query := fmt.Sprintf(`
		SELECT
			count(*)                                       AS vectors,
			coalesce(max(len(vector)), 0)                  AS dimension,
			count(*) FILTER (WHERE label <> '')            AS labeled,
			count(*) FILTER (WHERE description <> '')      AS described,
			coalesce(min(norm), 0)                         AS min_norm,
			coalesce(max(norm), 0)                         AS max_norm,
			coalesce(avg(norm), 0)                         AS mean_norm
		FROM (
			SELECT label, description, vector,
			       sqrt(list_sum(list_transform(vector, x -> x * x))) AS norm
			FROM read_parquet('%s')
		)`, path)

	stats := &DatasetStats{Dataset: dataset}
	err = db.QueryRowContext(ctx, query).Scan(
		&stats.Vectors, &stats.Dimension, &stats.Labeled, &stats.Described,
		&stats.MinNorm, &stats.MaxNorm, &stats.MeanNorm,
	)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(dataset)
	}

	a.log.Debug().Str("dataset", dataset).Int64("vectors", stats.Vectors).Msg("snapshot stats computed")
	return stats, nil
}
