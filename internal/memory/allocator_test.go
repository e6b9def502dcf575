package memory

import (
	"testing"

	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
)

func TestTrackingAllocatorCounts(t *testing.T) {
	a := NewTrackingAllocator(arrowmem.NewGoAllocator())

	buf := a.Allocate(64)
	require.Len(t, buf, 64)
	st := a.Stats()
	require.Equal(t, int64(64), st.AllocatedBytes)
	require.Equal(t, int64(1), st.ActiveBuffers)

	buf = a.Reallocate(128, buf)
	require.Len(t, buf, 128)
	st = a.Stats()
	require.Equal(t, int64(64+128), st.AllocatedBytes)
	require.Equal(t, int64(1), st.ActiveBuffers)

	a.Free(buf)
	st = a.Stats()
	require.Equal(t, int64(0), st.ActiveBuffers)
	require.Equal(t, st.AllocatedBytes, st.FreedBytes)
}

func TestTrackingAllocatorNilBase(t *testing.T) {
	a := NewTrackingAllocator(nil)
	buf := a.Allocate(16)
	require.Len(t, buf, 16)
	a.Free(buf)
	require.Equal(t, int64(0), a.Stats().ActiveBuffers)
}
