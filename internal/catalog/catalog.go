// Package catalog persists dataset descriptors in an embedded sqlite
// database: name, embedding dimension, metric, lifecycle status and
// entity count.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/metrics"
	"github.com/chagge/kge-server/internal/space"
)

// Status is a dataset's lifecycle phase.
type Status string

const (
	StatusCreated   Status = "created"
	StatusIngesting Status = "ingesting"
	StatusReady     Status = "ready"
)

func (s Status) valid() bool {
	switch s {
	case StatusCreated, StatusIngesting, StatusReady:
		return true
	}
	return false
}

// Dataset is one catalog row.
type Dataset struct {
	ID          int64     `json:"id"`
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Dimension   int       `json:"dimension"`
	Metric      string    `json:"metric"`
	Status      Status    `json:"status"`
	EntityCount int64     `json:"entity_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateParams describes a dataset to register. Dimension 0 means
// "fixed by the first ingested vector".
type CreateParams struct {
	Name        string
	Description string
	Dimension   int
	Metric      string
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid         TEXT    NOT NULL UNIQUE,
	name         TEXT    NOT NULL UNIQUE,
	description  TEXT    NOT NULL DEFAULT '',
	dimension    INTEGER NOT NULL DEFAULT 0,
	metric       TEXT    NOT NULL DEFAULT 'euclidean',
	status       TEXT    NOT NULL DEFAULT 'created',
	entity_count INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_datasets_status ON datasets(status);
`

// Store wraps the sqlite catalog database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates or opens the catalog at path and applies the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma failed: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying catalog schema: %w", err)
	}

	return &Store{
		db:  db,
		log: logger.With().Str("component", "catalog").Logger(),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the underlying database still answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create registers a new dataset in status "created".
func (s *Store) Create(ctx context.Context, p CreateParams) (*Dataset, error) {
	const op = "catalog.create"
	if !nameRe.MatchString(p.Name) {
		metrics.CatalogOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, kgerrors.Newf(kgerrors.KindInvalidRequest, op,
			"dataset name %q must match %s", p.Name, nameRe.String())
	}
	if p.Dimension < 0 {
		metrics.CatalogOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, kgerrors.Newf(kgerrors.KindInvalidRequest, op,
			"dimension must not be negative, got %d", p.Dimension)
	}
	metric, err := space.ParseMetric(p.Metric)
	if err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, kgerrors.Wrap(kgerrors.KindInvalidRequest, op, err).WithDataset(p.Name)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (uuid, name, description, dimension, metric, status, entity_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		uuid.NewString(), p.Name, p.Description, p.Dimension, string(metric), string(StatusCreated),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			metrics.CatalogOperationsTotal.WithLabelValues("create", "error").Inc()
			return nil, kgerrors.Newf(kgerrors.KindInvalidRequest, op,
				"dataset %q already exists", p.Name)
		}
		metrics.CatalogOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(p.Name)
	}

	id, err := res.LastInsertId()
	if err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(p.Name)
	}

	metrics.CatalogOperationsTotal.WithLabelValues("create", "ok").Inc()
	s.log.Info().Str("dataset", p.Name).Int64("id", id).Msg("dataset registered")
	return s.Get(ctx, p.Name)
}

// Get fetches one dataset by name.
func (s *Store) Get(ctx context.Context, name string) (*Dataset, error) {
	const op = "catalog.get"
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, description, dimension, metric, status, entity_count, created_at, updated_at
		FROM datasets WHERE name = ?`, name)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kgerrors.NewNotFound(op, "dataset not registered").WithDataset(name)
		}
		metrics.CatalogOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(name)
	}
	return ds, nil
}

// GetByUUID fetches one dataset by its stable identifier.
func (s *Store) GetByUUID(ctx context.Context, id string) (*Dataset, error) {
	const op = "catalog.get_by_uuid"
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, description, dimension, metric, status, entity_count, created_at, updated_at
		FROM datasets WHERE uuid = ?`, id)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kgerrors.NewNotFound(op, "dataset not registered").WithRef(id)
		}
		metrics.CatalogOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithRef(id)
	}
	return ds, nil
}

// List returns every dataset ordered by name.
func (s *Store) List(ctx context.Context) ([]Dataset, error) {
	const op = "catalog.list"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, name, description, dimension, metric, status, entity_count, created_at, updated_at
		FROM datasets ORDER BY name`)
	if err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("list", "error").Inc()
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			metrics.CatalogOperationsTotal.WithLabelValues("list", "error").Inc()
			return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err)
		}
		out = append(out, *ds)
	}
	if err := rows.Err(); err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("list", "error").Inc()
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err)
	}
	metrics.CatalogOperationsTotal.WithLabelValues("list", "ok").Inc()
	return out, nil
}

// SetStatus moves a dataset to a new lifecycle phase.
func (s *Store) SetStatus(ctx context.Context, name string, status Status) error {
	const op = "catalog.set_status"
	if !status.valid() {
		return kgerrors.Newf(kgerrors.KindInvalidRequest, op, "unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET status = ?, updated_at = ? WHERE name = ?`,
		string(status), time.Now().UTC().Unix(), name)
	if err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("set_status", "error").Inc()
		return kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("set_status", "error").Inc()
		return kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(name)
	}
	if n == 0 {
		return kgerrors.NewNotFound(op, "dataset not registered").WithDataset(name)
	}
	metrics.CatalogOperationsTotal.WithLabelValues("set_status", "ok").Inc()
	s.log.Info().Str("dataset", name).Str("status", string(status)).Msg("dataset status changed")
	return nil
}

// AddEntities bumps a dataset's entity count after an ingest batch and
// records the dimension once known.
func (s *Store) AddEntities(ctx context.Context, name string, n int64, dimension int) error {
	const op = "catalog.add_entities"
	if n < 0 {
		return kgerrors.Newf(kgerrors.KindInvalidRequest, op, "entity delta must not be negative, got %d", n)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasets
		SET entity_count = entity_count + ?,
		    dimension = CASE WHEN dimension = 0 THEN ? ELSE dimension END,
		    updated_at = ?
		WHERE name = ?`,
		n, dimension, time.Now().UTC().Unix(), name)
	if err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("add_entities", "error").Inc()
		return kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(name)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		metrics.CatalogOperationsTotal.WithLabelValues("add_entities", "error").Inc()
		return kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, op, err).WithDataset(name)
	}
	if affected == 0 {
		return kgerrors.NewNotFound(op, "dataset not registered").WithDataset(name)
	}
	metrics.CatalogOperationsTotal.WithLabelValues("add_entities", "ok").Inc()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*Dataset, error) {
	var (
		ds                   Dataset
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&ds.ID, &ds.UUID, &ds.Name, &ds.Description, &ds.Dimension,
		&ds.Metric, &status, &ds.EntityCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ds.Status = Status(status)
	ds.CreatedAt = time.Unix(createdAt, 0).UTC()
	ds.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &ds, nil
}
