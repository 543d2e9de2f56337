package gc

import (
	"testing"

	"raya/internal/heap"
	"raya/internal/typereg"
	"raya/internal/value"

	"github.com/stretchr/testify/require"
)

func newTestRegistry() *typereg.Registry {
	r := typereg.New()
	heap.RegisterBuiltinTypes(r)
	r.Freeze()
	return r
}

func TestCollectFreesUnreachableCycle(t *testing.T) {
	reg := newTestRegistry()
	h := NewHeap(reg, 0)

	a := &heap.ObjectObj{}
	a.Header.Type = typereg.TypeObject
	b := &heap.ObjectObj{}
	b.Header.Type = typereg.TypeObject

	a.Fields = []value.Value{heap.ToValue(b)}
	b.Fields = []value.Value{heap.ToValue(a)}

	h.Alloc(a, 64)
	h.Alloc(b, 64)
	require.EqualValues(t, 128, h.Allocated())

	stats := h.Collect(nil, nil)
	require.Equal(t, 0, stats.Live)
	require.Equal(t, 2, stats.Freed)
	require.EqualValues(t, 0, h.Allocated())
}

func TestCollectKeepsRooted(t *testing.T) {
	reg := newTestRegistry()
	h := NewHeap(reg, 0)

	root := &heap.ObjectObj{}
	root.Header.Type = typereg.TypeObject
	h.Alloc(root, 32)

	stats := h.Collect([]value.Value{heap.ToValue(root)}, nil)
	require.Equal(t, 1, stats.Live)
	require.Equal(t, 0, stats.Freed)
}

func TestThresholdGrowsWithLiveData(t *testing.T) {
	reg := newTestRegistry()
	h := NewHeap(reg, 0)

	root := &heap.ObjectObj{}
	root.Header.Type = typereg.TypeObject
	h.Alloc(root, 3*1024*1024)

	stats := h.Collect([]value.Value{heap.ToValue(root)}, nil)
	require.EqualValues(t, 2*stats.Allocated, stats.Threshold)
}
