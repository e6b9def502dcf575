package space

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chagge/kge-server/internal/kgerrors"
)

// Registry tracks the open spaces by dataset name and lazily revives
// them from parquet snapshots under its data directory.
type Registry struct {
	dir string
	cfg Config
	log zerolog.Logger

	mu     sync.RWMutex
	spaces map[string]*Space
}

// NewRegistry creates a registry rooted at dir. Snapshots live at
// <dir>/<dataset>.parquet.
func NewRegistry(dir string, cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:    dir,
		cfg:    cfg,
		log:    logger.With().Str("component", "space_registry").Logger(),
		spaces: make(map[string]*Space),
	}
}

// Get returns an already open space.
func (r *Registry) Get(name string) (*Space, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.spaces[name]
	return sp, ok
}

// configFor swaps the registry metric for a per-dataset one. The empty
// metric keeps the registry default; an open space keeps whatever
// metric it was built with regardless.
func (r *Registry) configFor(metric Metric) Config {
	cfg := r.cfg
	if metric != "" {
		cfg.Metric = metric
	}
	return cfg
}

// Create returns the open space for a dataset, creating an empty one
// if needed. Ingestion goes through here so appends never race a
// concurrent lazy load.
func (r *Registry) Create(name string, metric Metric) (*Space, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	cfg := r.configFor(metric)

	r.mu.Lock()
	defer r.mu.Unlock()
	if sp, ok := r.spaces[name]; ok {
		return sp, nil
	}

	// A snapshot from a previous run wins over a fresh empty space.
	sp, err := LoadSnapshot(r.snapshotPath(name), name, cfg, r.log)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, "space.open", err).WithDataset(name)
		}
		sp = New(name, cfg, r.log)
	}
	r.spaces[name] = sp
	return sp, nil
}

// GetOrLoad returns the space for a dataset, reviving it from its
// snapshot when not open. A dataset with neither an open space nor a
// snapshot is not ready to serve queries.
func (r *Registry) GetOrLoad(ctx context.Context, name string, metric Metric) (*Space, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	r.mu.RLock()
	sp, ok := r.spaces[name]
	r.mu.RUnlock()
	if ok {
		return sp, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sp, ok := r.spaces[name]; ok {
		return sp, nil
	}

	sp, err := LoadSnapshot(r.snapshotPath(name), name, r.configFor(metric), r.log)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kgerrors.NewDatasetNotReady("space.load", name)
		}
		return nil, kgerrors.Wrap(kgerrors.KindUpstreamUnavailable, "space.load", err).WithDataset(name)
	}
	r.spaces[name] = sp
	return sp, nil
}

// SaveAll snapshots every open space that changed since its last save.
func (r *Registry) SaveAll(ctx context.Context) error {
	r.mu.RLock()
	open := make([]*Space, 0, len(r.spaces))
	for _, sp := range r.spaces {
		open = append(open, sp)
	}
	r.mu.RUnlock()

	for _, sp := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sp.Dirty() {
			continue
		}
		if err := sp.SaveSnapshot(r.snapshotPath(sp.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the open datasets in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.spaces))
	for name := range r.spaces {
		names = append(names, name)
	}
	return names
}

// SnapshotPath exposes the on-disk location of a dataset snapshot for
// tooling that reads the parquet directly.
func (r *Registry) SnapshotPath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return r.snapshotPath(name), nil
}

func (r *Registry) snapshotPath(name string) string {
	return filepath.Join(r.dir, name+".parquet")
}

// validateName rejects dataset names that would escape the snapshot
// directory. Catalog-level validation is stricter; this is the floor.
func validateName(name string) error {
	if name == "" {
		return kgerrors.NewInvalidRequest("space.registry", "dataset name is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return kgerrors.Newf(kgerrors.KindInvalidRequest, "space.registry",
			"invalid dataset name %q", name)
	}
	return nil
}
