package snapshot

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/heap"
	"raya/internal/interp"
	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/typereg"
	"raya/internal/value"
)

func testModule() *bytecode.Module {
	return &bytecode.Module{
		Name: "snaptest",
		Functions: []bytecode.Function{
			{Name: "main", ParamCount: 0, LocalCount: 2, Encoding: bytecode.EncodingStack, Code: []byte{0}},
		},
	}
}

func newEnv() (*typereg.Registry, *gc.Heap, *syncprim.Registry) {
	types := typereg.New()
	heap.RegisterBuiltinTypes(types)
	return types, gc.NewHeap(types, 0), syncprim.NewRegistry()
}

func allocStr(h *gc.Heap, s string) value.Value {
	o := &heap.StringObj{Bytes: []byte(s)}
	o.Header.Type = typereg.TypeString
	h.Alloc(o, uint32(len(s))+16)
	return heap.ToValue(o)
}

func TestRoundTripTaskWithHeapGraph(t *testing.T) {
	m := testModule()
	types, h, prims := newEnv()

	// Build a task whose locals hold a cyclic object graph and a string.
	in := interp.New(m, gc.NewNursery(1, h, 0), types)
	root := interp.NewFrame(&m.Functions[0], "main", nil)

	a := &heap.ObjectObj{Class: 0, Fields: []value.Value{value.Null}}
	a.Header.Type = typereg.TypeObject
	h.Alloc(a, 40)
	b := &heap.ObjectObj{Class: 0, Fields: []value.Value{heap.ToValue(a)}}
	b.Header.Type = typereg.TypeObject
	h.Alloc(b, 40)
	a.Fields[0] = heap.ToValue(b) // cycle: a.f = b, b.f = a

	root.Locals[0] = heap.ToValue(a)
	root.Locals[1] = allocStr(h, "hello snapshot")
	root.IP = 7
	root.Push(value.I32(99))

	tk := task.New(41, in, root)
	tk.SetState(task.Suspended)
	tk.MarkSuspended(interp.SuspendSleep, value.Null)

	data, err := Write(&Capture{Module: m, Tasks: []*task.Task{tk}, Prims: prims, NextTaskID: 42})
	require.NoError(t, err)

	// Restore into a fresh context.
	types2, h2, prims2 := newEnv()
	res, err := Load(data, m, h2, types2, prims2)
	require.NoError(t, err)
	require.Equal(t, uint64(42), res.NextTaskID)
	require.NotEmpty(t, res.SessionID)
	require.Len(t, res.Tasks, 1)

	rt := res.Tasks[0]
	require.Equal(t, uint64(41), rt.ID)
	require.Equal(t, task.Suspended, rt.StateOf())
	reason, _ := rt.SuspendReason()
	require.Equal(t, interp.SuspendSleep, reason)

	require.Len(t, rt.Frames, 1)
	f := rt.Frames[0]
	require.Equal(t, uint32(7), f.IP)
	require.Equal(t, int32(99), f.Operands[0].AsI32())

	s, ok := interp.StringContent(f.Locals[1])
	require.True(t, ok)
	require.Equal(t, "hello snapshot", s)

	// The cycle must be rebuilt: locals[0].f.f == locals[0].
	pa, _ := f.Locals[0].AsPtr()
	oa := (*heap.ObjectObj)(pa)
	pb, _ := oa.Fields[0].AsPtr()
	ob := (*heap.ObjectObj)(pb)
	back, _ := ob.Fields[0].AsPtr()
	require.Equal(t, pa, back)
}

func TestRoundTripChannelState(t *testing.T) {
	m := testModule()
	types, h, prims := newEnv()

	// A channel shell with two buffered values, referenced by a task local.
	shell := &heap.ChannelObj{}
	shell.Header.Type = typereg.TypeChannel
	h.Alloc(shell, 64)
	ch := syncprim.NewChannel(4)
	ch.TrySend(value.I32(7))
	ch.TrySend(value.I32(8))
	shell.Buffer = ch.Buffered()
	prims.PutChannel(uint64(uintptr(shell.Addr())), ch)

	in := interp.New(m, gc.NewNursery(1, h, 0), types)
	root := interp.NewFrame(&m.Functions[0], "main", nil)
	root.Locals[0] = heap.ToValue(shell)
	tk := task.New(1, in, root)

	data, err := Write(&Capture{Module: m, Tasks: []*task.Task{tk}, Prims: prims, NextTaskID: 2})
	require.NoError(t, err)

	types2, h2, prims2 := newEnv()
	res, err := Load(data, m, h2, types2, prims2)
	require.NoError(t, err)

	f := res.Tasks[0].Frames[0]
	p, typeID := f.Locals[0].AsPtr()
	require.Equal(t, typereg.TypeChannel, typeID)

	restored := prims2.Channel(uint64(uintptr(p)))
	require.NotNil(t, restored, "channel must be re-registered under its new shell address")
	require.Equal(t, 4, restored.Capacity())

	v, ok, closed := restored.TryRecv()
	require.True(t, ok)
	require.False(t, closed)
	require.Equal(t, int32(7), v.AsI32())
	v, ok, _ = restored.TryRecv()
	require.True(t, ok)
	require.Equal(t, int32(8), v.AsI32())
}

func TestLoadRejectsCorruption(t *testing.T) {
	m := testModule()
	types, h, prims := newEnv()
	in := interp.New(m, gc.NewNursery(1, h, 0), types)
	tk := task.New(1, in, interp.NewFrame(&m.Functions[0], "main", nil))

	data, err := Write(&Capture{Module: m, Tasks: []*task.Task{tk}, Prims: prims})
	require.NoError(t, err)

	// Checksum failure.
	bad := append([]byte(nil), data...)
	bad[40] ^= 0xFF
	types2, h2, prims2 := newEnv()
	_, err = Load(bad, m, h2, types2, prims2)
	require.ErrorIs(t, err, ErrBadChecksum)

	// Magic failure (checksum recomputed so the magic check is reached).
	bad2 := append([]byte(nil), data...)
	bad2[0] = 'X'
	body := bad2[:len(bad2)-sha256.Size]
	sum := sha256.Sum256(body)
	bad2 = append(body, sum[:]...)
	types3, h3, prims3 := newEnv()
	_, err = Load(bad2, m, h3, types3, prims3)
	require.ErrorIs(t, err, ErrBadMagic)
}
