package query

import (
	"context"

	"github.com/chagge/kge-server/internal/entity"
	"github.com/chagge/kge-server/internal/space"
)

// SpaceProvider serves oracles straight from the in-process space
// registry. Each space is its own oracle; the resolver wraps the same
// space.
type SpaceProvider struct {
	reg *space.Registry
}

// NewSpaceProvider adapts a space registry into a Provider.
func NewSpaceProvider(reg *space.Registry) *SpaceProvider {
	return &SpaceProvider{reg: reg}
}

// Connect opens the dataset's space, reviving it from its snapshot if
// needed. The registry's default metric applies; deployments with
// per-dataset metrics resolve them before reaching the registry.
func (p *SpaceProvider) Connect(ctx context.Context, dataset string) (Oracle, Resolver, error) {
	sp, err := p.reg.GetOrLoad(ctx, dataset, "")
	if err != nil {
		return nil, nil, err
	}
	return sp, entity.NewResolver(sp), nil
}
