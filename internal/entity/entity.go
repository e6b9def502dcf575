// Package entity maps knowledge-graph entity references to the dense
// ids an embedding space speaks in, and back to display metadata.
package entity

import (
	"context"

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/metrics"
	"github.com/chagge/kge-server/internal/space"
)

// Metadata is the display payload attached to query results. The zero
// value means no metadata was available; results carry it as-is.
type Metadata struct {
	Ref         string              `json:"entity,omitempty"`
	Label       map[string]string   `json:"label,omitempty"`
	Description map[string]string   `json:"description,omitempty"`
	AltLabel    map[string][]string `json:"alt_label,omitempty"`
}

// Resolver translates between entity references and vector ids for
// one dataset's space.
type Resolver struct {
	sp *space.Space
}

// NewResolver wraps a space.
func NewResolver(sp *space.Space) *Resolver {
	return &Resolver{sp: sp}
}

// ResolveRef looks up the vector id of an entity reference.
func (r *Resolver) ResolveRef(ctx context.Context, ref string) (space.VectorID, error) {
	if ref == "" {
		return 0, kgerrors.NewInvalidRequest("entity.resolve", "entity reference is empty").
			WithDataset(r.sp.Name())
	}
	id, ok := r.sp.IDForRef(ref)
	if !ok {
		return 0, kgerrors.NewNotFound("entity.resolve", "entity not in dataset").
			WithRef(ref).WithDataset(r.sp.Name())
	}
	return id, nil
}

// MetadataFor returns the display metadata for an id. Lookups are
// best effort: a miss yields the zero Metadata and bumps a counter,
// never an error, so one unmapped neighbor cannot fail a whole result
// list.
func (r *Resolver) MetadataFor(ctx context.Context, id space.VectorID) Metadata {
	meta, ok := r.sp.MetadataForID(id)
	if !ok {
		metrics.MetadataLookupFailuresTotal.Inc()
		return Metadata{}
	}
	return Metadata{
		Ref:         meta.Ref,
		Label:       meta.Label,
		Description: meta.Description,
		AltLabel:    meta.AltLabel,
	}
}
