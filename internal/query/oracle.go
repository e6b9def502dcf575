package query

import (
	"context"

	"github.com/chagge/kge-server/internal/entity"
	"github.com/chagge/kge-server/internal/space"
)

// Oracle is the injected nearest-neighbor engine for one dataset. Any
// engine speaking dense vector ids can stand behind it; the in-process
// embedding space is the default implementation.
//
// Neighbor lists come back in ascending distance order. effort is an
// engine-specific quality knob; values <= 0 ask for the engine's
// default behavior.
type Oracle interface {
	NearestByID(ctx context.Context, id space.VectorID, k, effort int) ([]space.Neighbor, error)
	NearestByVector(ctx context.Context, vector []float32, k, effort int) ([]space.Neighbor, error)
	Distance(ctx context.Context, a, b space.VectorID) (float32, error)
}

// Resolver translates between entity references and the oracle's ids.
// MetadataFor is best effort and returns the zero Metadata on a miss.
type Resolver interface {
	ResolveRef(ctx context.Context, ref string) (space.VectorID, error)
	MetadataFor(ctx context.Context, id space.VectorID) entity.Metadata
}

// Provider opens the oracle and resolver serving a dataset. A dataset
// without a queryable vector index reports dataset-not-ready here.
type Provider interface {
	Connect(ctx context.Context, dataset string) (Oracle, Resolver, error)
}
