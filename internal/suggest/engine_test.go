package suggest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDoc(ref string, labels ...string) Document {
	label := make(map[string]string, len(labels))
	for i, l := range labels {
		label[fmt.Sprintf("l%d", i)] = l
	}
	doc := Document{Entity: ref, Label: label}
	doc.Suggest = doc.DeriveSuggest()
	return doc
}

func TestCompletionEngine_ExactBeatsPrefix(t *testing.T) {
	ctx := context.Background()
	e := NewCompletionEngine()

	require.NoError(t, e.Index(ctx, testDoc("Q1", "paris")))
	require.NoError(t, e.Index(ctx, testDoc("Q2", "parish church")))

	hits, err := e.Complete(ctx, "paris", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "Q1", hits[0].Ref)
	require.Equal(t, 1.0, hits[0].Score)
	require.Equal(t, "Q2", hits[1].Ref)
	require.Equal(t, prefixWeight, hits[1].Score)
}

func TestCompletionEngine_FoldedMatching(t *testing.T) {
	ctx := context.Background()
	e := NewCompletionEngine()

	require.NoError(t, e.Index(ctx, testDoc("Q90", "Ville Lumière")))

	for _, q := range []string{"ville lum", "Ville Lumière", "VILLE LUMIERE"} {
		hits, err := e.Complete(ctx, q, 5)
		require.NoError(t, err)
		require.Len(t, hits, 1, "query %q", q)
		require.Equal(t, "Q90", hits[0].Ref)
	}
}

func TestCompletionEngine_MergeDatasetsIdempotentCommutative(t *testing.T) {
	ctx := context.Background()

	build := func(order []string) []string {
		e := NewCompletionEngine()
		require.NoError(t, e.Index(ctx, testDoc("Q5", "lyon")))
		for _, ds := range order {
			require.NoError(t, e.MergeDatasets(ctx, "Q5", ds))
		}
		hits, err := e.Complete(ctx, "lyon", 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		return hits[0].Source.Datasets
	}

	forward := build([]string{"d1", "d2", "d1", "d2", "d1"})
	backward := build([]string{"d2", "d1"})
	require.Equal(t, []string{"d1", "d2"}, forward)
	require.Equal(t, forward, backward)
}

func TestCompletionEngine_MergeMissingDocument(t *testing.T) {
	e := NewCompletionEngine()
	err := e.MergeDatasets(context.Background(), "Q404", "d1")
	require.ErrorIs(t, err, ErrMissingDocument)
}

func TestCompletionEngine_ReindexPreservesMembership(t *testing.T) {
	ctx := context.Background()
	e := NewCompletionEngine()

	require.NoError(t, e.Index(ctx, testDoc("Q7", "old name")))
	require.NoError(t, e.MergeDatasets(ctx, "Q7", "d1"))

	// Relabeling the entity must keep its dataset tags and drop the
	// stale suggestion term.
	require.NoError(t, e.Index(ctx, testDoc("Q7", "new name")))

	hits, err := e.Complete(ctx, "old", 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = e.Complete(ctx, "new", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, []string{"d1"}, hits[0].Source.Datasets)
	require.Equal(t, 1, e.Count())
}

func TestCompletionEngine_EnsureSchemaDropsEverything(t *testing.T) {
	ctx := context.Background()
	e := NewCompletionEngine()

	require.NoError(t, e.Index(ctx, testDoc("Q1", "paris")))
	require.NoError(t, e.EnsureSchema(ctx))

	require.Equal(t, 0, e.Count())
	hits, err := e.Complete(ctx, "paris", 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	// Recreating an empty index is a no-op, not a failure.
	require.NoError(t, e.EnsureSchema(ctx))
}

func TestCompletionEngine_EmptyQueries(t *testing.T) {
	ctx := context.Background()
	e := NewCompletionEngine()
	require.NoError(t, e.Index(ctx, testDoc("Q1", "paris")))

	hits, err := e.Complete(ctx, "", 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = e.Complete(ctx, "paris", 0)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = e.Complete(ctx, "zurich", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestCompletionEngine_ConcurrentMerges(t *testing.T) {
	ctx := context.Background()
	e := NewCompletionEngine()
	require.NoError(t, e.Index(ctx, testDoc("Q1", "paris")))

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = e.MergeDatasets(ctx, "Q1", fmt.Sprintf("ds-%02d", n%8))
		}(i)
	}
	wg.Wait()

	hits, err := e.Complete(ctx, "paris", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	// Every distinct dataset survived: no merge overwrote another.
	require.Len(t, hits[0].Source.Datasets, 8)
}

func TestCompletionEngine_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/suggest.snapshot"

	e := NewCompletionEngine()
	require.NoError(t, e.Index(ctx, testDoc("Q1", "paris")))
	require.NoError(t, e.Index(ctx, testDoc("Q2", "lyon")))
	require.NoError(t, e.MergeDatasets(ctx, "Q1", "d1"))
	require.True(t, e.IsDirty())
	require.NoError(t, e.Save(path))
	require.False(t, e.IsDirty())

	loaded := NewCompletionEngine()
	require.NoError(t, loaded.Load(path))
	require.Equal(t, 2, loaded.Count())

	hits, err := loaded.Complete(ctx, "par", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "Q1", hits[0].Ref)
	require.Equal(t, []string{"d1"}, hits[0].Source.Datasets)
}

func TestCompletionEngine_LoadMissingFile(t *testing.T) {
	e := NewCompletionEngine()
	require.NoError(t, e.Load(t.TempDir()+"/nope.snapshot"))
	require.Equal(t, 0, e.Count())
}

func BenchmarkCompletionEngine_Complete(b *testing.B) {
	ctx := context.Background()
	e := NewCompletionEngine()
	for i := 0; i < 5000; i++ {
		doc := testDoc(fmt.Sprintf("Q%d", i), fmt.Sprintf("entity label %d", i))
		if err := e.Index(ctx, doc); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Complete(ctx, "entity", 10)
	}
}
