package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chagge/kge-server/internal/kgerrors"
	"github.com/chagge/kge-server/internal/logging"
	"github.com/chagge/kge-server/internal/space"
)

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	sp := space.New("countries", space.DefaultConfig(), logging.Nop())
	_, err := sp.Append(context.Background(), space.Record{
		Ref:         "Q90",
		Label:       map[string]string{"en": "Paris"},
		Description: map[string]string{"en": "capital of France"},
		Vector:      []float32{1, 2},
	})
	require.NoError(t, err)
	return NewResolver(sp)
}

func TestResolveRef(t *testing.T) {
	r := testResolver(t)
	ctx := context.Background()

	id, err := r.ResolveRef(ctx, "Q90")
	require.NoError(t, err)
	require.Equal(t, space.VectorID(0), id)

	_, err = r.ResolveRef(ctx, "Q404")
	require.True(t, kgerrors.IsNotFound(err))
	require.Contains(t, err.Error(), "Q404")
	require.Contains(t, err.Error(), "countries")

	_, err = r.ResolveRef(ctx, "")
	require.True(t, kgerrors.IsInvalidRequest(err))
}

func TestMetadataForBestEffort(t *testing.T) {
	r := testResolver(t)
	ctx := context.Background()

	meta := r.MetadataFor(ctx, space.VectorID(0))
	require.Equal(t, "Q90", meta.Ref)
	require.Equal(t, "Paris", meta.Label["en"])
	require.Equal(t, "capital of France", meta.Description["en"])

	// An unknown id never fails, it just comes back empty.
	meta = r.MetadataFor(ctx, space.VectorID(1234))
	require.Equal(t, Metadata{}, meta)
}
