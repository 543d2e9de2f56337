// Package snapshot serializes and restores the VM's state: a fixed-layout
// binary file with a 32-byte header, typed segments (metadata, heap,
// tasks, scheduler, sync primitives), and a trailing SHA-256 checksum. The
// heap is serialized by traversal from task and channel roots with every
// pointer rewritten to a stable object index; restore reallocates the
// object graph, fixes pointers up, rebuilds tasks in their suspended
// states, and re-registers sync primitives.
//
// Snapshots are taken at quiescent safepoints: no task is mid-queue on a
// primitive's wait list, so wait queues (which hold live resume closures)
// are never serialized. A task suspended on a sleep or yield restores as
// Ready and is republished by the caller.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/heap"
	"raya/internal/interp"
	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/typereg"
	"raya/internal/value"
)

// Magic is the snapshot file signature, "RAYA" NUL-padded to 8 bytes.
var Magic = [8]byte{'R', 'A', 'Y', 'A', 0, 0, 0, 0}

const (
	CurrentVersion uint32 = 1
	endianMarker   uint32 = 0x01020304
	headerSize            = 32
)

var (
	ErrBadMagic    = errors.New("snapshot: bad magic")
	ErrBadVersion  = errors.New("snapshot: unsupported version")
	ErrBadEndian   = errors.New("snapshot: endianness mismatch")
	ErrBadChecksum = errors.New("snapshot: checksum mismatch")
	ErrTruncated   = errors.New("snapshot: truncated file")
)

// Segment tags.
const (
	segMetadata byte = 1 + iota
	segHeap
	segTasks
	segScheduler
	segSync
)

// Value kind tags on the wire.
const (
	wireNull byte = iota
	wireBool
	wireI32
	wireF64
	wirePtr
	wireSuspend
)

// Capture describes what to snapshot.
type Capture struct {
	Module     *bytecode.Module
	Tasks      []*task.Task
	Prims      *syncprim.Registry
	NextTaskID uint64
}

// Restored is the reconstructed state.
type Restored struct {
	Tasks      []*task.Task
	NextTaskID uint64
	SessionID  string
	Timestamp  int64
}

// ===== write side =====

type writer struct {
	cap     *Capture
	indexOf map[interface{}]uint32 // object pointer -> index
	objects []heap.Object
}

// Write serializes the capture into the snapshot byte layout.
func Write(c *Capture) ([]byte, error) {
	w := &writer{cap: c, indexOf: make(map[interface{}]uint32)}

	// Discover the reachable object graph from task roots and channel
	// queues; indices are assigned in discovery order.
	for _, t := range c.Tasks {
		for _, v := range t.Roots() {
			w.discover(v)
		}
	}
	c.Prims.ForEachChannel(func(id uint64, ch *syncprim.Channel) {
		for _, v := range ch.Buffered() {
			w.discover(v)
		}
	})

	var meta bytes.Buffer
	writeStr(&meta, c.Module.Name)
	writeStr(&meta, uuid.New().String())

	var heapSeg bytes.Buffer
	writeU32(&heapSeg, uint32(len(w.objects)))
	for _, obj := range w.objects {
		if err := w.writeObject(&heapSeg, obj); err != nil {
			return nil, err
		}
	}

	var tasksSeg bytes.Buffer
	writeU32(&tasksSeg, uint32(len(c.Tasks)))
	for _, t := range c.Tasks {
		if err := w.writeTask(&tasksSeg, t); err != nil {
			return nil, err
		}
	}

	var schedSeg bytes.Buffer
	writeU64(&schedSeg, c.NextTaskID)

	var syncSeg bytes.Buffer
	w.writeSync(&syncSeg)

	var body bytes.Buffer
	var hdr [headerSize]byte
	copy(hdr[:8], Magic[:])
	le := binary.LittleEndian
	le.PutUint32(hdr[8:], CurrentVersion)
	le.PutUint32(hdr[12:], 0) // flags
	le.PutUint32(hdr[16:], endianMarker)
	le.PutUint64(hdr[20:], uint64(time.Now().UnixMilli()))
	// hdr[28:32] is the checksum offset, patched after segments are sized.
	body.Write(hdr[:])

	segment := func(tag byte, b *bytes.Buffer) {
		body.WriteByte(tag)
		writeU64(&body, uint64(b.Len()))
		body.Write(b.Bytes())
	}
	segment(segMetadata, &meta)
	segment(segHeap, &heapSeg)
	segment(segTasks, &tasksSeg)
	segment(segScheduler, &schedSeg)
	segment(segSync, &syncSeg)

	out := body.Bytes()
	le.PutUint32(out[28:], uint32(len(out)))
	sum := sha256.Sum256(out)
	return append(out, sum[:]...), nil
}

func (w *writer) discover(v value.Value) {
	if !v.IsPtr() {
		return
	}
	p, typeID := v.AsPtr()
	if p == nil {
		return
	}
	obj := objectAt(p, typeID)
	if obj == nil {
		return
	}
	if _, seen := w.indexOf[obj]; seen {
		return
	}
	w.indexOf[obj] = uint32(len(w.objects))
	w.objects = append(w.objects, obj)
	for _, child := range childValues(obj) {
		w.discover(child)
	}
}

func (w *writer) writeValue(b *bytes.Buffer, v value.Value) error {
	switch v.Kind() {
	case value.KindNull:
		b.WriteByte(wireNull)
	case value.KindBool:
		b.WriteByte(wireBool)
		if v.AsBool() {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
	case value.KindI32:
		b.WriteByte(wireI32)
		writeU32(b, uint32(v.AsI32()))
	case value.KindF64:
		b.WriteByte(wireF64)
		writeU64(b, f64bits(v.AsF64()))
	case value.KindPtr:
		p, typeID := v.AsPtr()
		obj := objectAt(p, typeID)
		idx, ok := w.indexOf[obj]
		if !ok {
			return fmt.Errorf("snapshot: pointer to undiscovered object (type %d)", typeID)
		}
		b.WriteByte(wirePtr)
		writeU32(b, idx)
	case value.KindSuspend:
		b.WriteByte(wireSuspend)
	}
	return nil
}

func (w *writer) writeValues(b *bytes.Buffer, vs []value.Value) error {
	writeU32(b, uint32(len(vs)))
	for _, v := range vs {
		if err := w.writeValue(b, v); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) writeObject(b *bytes.Buffer, obj heap.Object) error {
	hdr := obj.GCHeader()
	writeU32(b, uint32(hdr.Type))
	writeU64(b, hdr.Owner)
	switch o := obj.(type) {
	case *heap.StringObj:
		writeBytes(b, o.Bytes)
	case *heap.ArrayObj:
		writeU32(b, uint32(o.ElemTy))
		return w.writeValues(b, o.Slots)
	case *heap.ObjectObj:
		writeU32(b, o.Class)
		return w.writeValues(b, o.Fields)
	case *heap.ClosureObj:
		writeU32(b, o.FuncID)
		return w.writeValues(b, o.Captures)
	case *heap.RefCellObj:
		return w.writeValue(b, o.Cell)
	case *heap.MapObj:
		writeU32(b, uint32(len(o.Entries)))
		for k, v := range o.Entries {
			if err := w.writeValue(b, k); err != nil {
				return err
			}
			if err := w.writeValue(b, v); err != nil {
				return err
			}
		}
	case *heap.SetObj:
		writeU32(b, uint32(len(o.Entries)))
		for k := range o.Entries {
			if err := w.writeValue(b, k); err != nil {
				return err
			}
		}
	case *heap.ChannelObj:
		if o.Closed {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
		return w.writeValues(b, o.Buffer)
	case *heap.BoundMethodObj:
		writeU32(b, o.FuncID)
		return w.writeValue(b, o.Receiver)
	case *heap.RegExpObj:
		writeStr(b, o.Pattern)
		writeStr(b, o.Flags)
	case *heap.DateObj:
		writeU64(b, uint64(o.UnixMillis))
	case *heap.BufferObj:
		writeBytes(b, o.Data)
	default:
		return fmt.Errorf("snapshot: unknown heap object %T", obj)
	}
	return nil
}

func (w *writer) writeTask(b *bytes.Buffer, t *task.Task) error {
	writeU64(b, t.ID)
	writeU32(b, uint32(t.StateOf()))
	reason, target := t.SuspendReason()
	writeU32(b, uint32(reason))
	if err := w.writeValue(b, target); err != nil {
		return err
	}

	writeU32(b, uint32(len(t.Frames)))
	for _, f := range t.Frames {
		idx, ok := w.funcIndex(f.Func)
		if !ok {
			return fmt.Errorf("snapshot: frame function %q not in module", f.FuncName)
		}
		writeU32(b, idx)
		writeU32(b, f.IP)
		if err := w.writeValues(b, f.Locals); err != nil {
			return err
		}
		if err := w.writeValues(b, f.Operands); err != nil {
			return err
		}
		if err := w.writeValues(b, f.Registers); err != nil {
			return err
		}
		if err := w.writeValues(b, f.Captures); err != nil {
			return err
		}
		writeU32(b, uint32(len(f.Handlers)))
		for _, h := range f.Handlers {
			writeU32(b, uint32(h.CatchIP))
			writeU32(b, uint32(h.FinallyIP))
			writeU32(b, uint32(h.StackDepth))
			writeU32(b, uint32(h.FrameCount))
			writeU32(b, uint32(h.HeldMutexes))
			writeU32(b, uint32(h.CatchDestReg))
		}
	}
	return nil
}

func (w *writer) writeSync(b *bytes.Buffer) {
	// Channels reachable through the heap traversal are re-registered on
	// restore; their shell's object index is the stable key.
	type chanRec struct {
		shell    uint32
		capacity int32
		closed   bool
	}
	var chans []chanRec
	w.cap.Prims.ForEachChannel(func(id uint64, ch *syncprim.Channel) {
		for idx, obj := range w.objects {
			if co, ok := obj.(*heap.ChannelObj); ok && uint64(uintptr(co.Addr())) == id {
				chans = append(chans, chanRec{shell: uint32(idx), capacity: int32(ch.Capacity()), closed: ch.IsClosed()})
			}
		}
	})
	writeU32(b, uint32(len(chans)))
	for _, c := range chans {
		writeU32(b, c.shell)
		writeU32(b, uint32(c.capacity))
		if c.closed {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
	}
}

func (w *writer) funcIndex(fn *bytecode.Function) (uint32, bool) {
	for i := range w.cap.Module.Functions {
		if &w.cap.Module.Functions[i] == fn {
			return uint32(i), true
		}
	}
	return 0, false
}

// ===== read side =====

// Load verifies and reconstructs a snapshot against the (already decoded)
// module it was taken from. Restored heap objects are adopted by h;
// channels are re-registered in prims under their new shell addresses.
func Load(data []byte, m *bytecode.Module, h *gc.Heap, types *typereg.Registry, prims *syncprim.Registry) (*Restored, error) {
	if len(data) < headerSize+sha256.Size {
		return nil, ErrTruncated
	}
	body, sum := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	want := sha256.Sum256(body)
	if !bytes.Equal(want[:], sum) {
		return nil, ErrBadChecksum
	}

	le := binary.LittleEndian
	if !bytes.Equal(body[:8], Magic[:]) {
		return nil, ErrBadMagic
	}
	if v := le.Uint32(body[8:]); v != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d", ErrBadVersion, v)
	}
	if le.Uint32(body[16:]) != endianMarker {
		return nil, ErrBadEndian
	}
	timestamp := int64(le.Uint64(body[20:]))

	r := &reader{buf: body, pos: headerSize}
	segs := make(map[byte][]byte)
	for r.pos < len(body) {
		tag := r.byte()
		n := r.u64()
		if r.err != nil || r.pos+int(n) > len(body) {
			return nil, ErrTruncated
		}
		segs[tag] = body[r.pos : r.pos+int(n)]
		r.pos += int(n)
	}

	res := &Restored{Timestamp: timestamp}

	mr := &reader{buf: segs[segMetadata]}
	_ = mr.str() // module name; callers validate against m.Name if desired
	res.SessionID = mr.str()

	// Heap: first pass allocates shells; second pass fixes up pointers.
	hr := &reader{buf: segs[segHeap]}
	ld := &loader{r: hr}
	if err := ld.readObjects(); err != nil {
		return nil, err
	}
	for _, obj := range ld.objects {
		sz := objectSize(obj)
		obj.GCHeader().Size = sz
		h.Alloc(obj, sz)
	}

	// Tasks.
	tr := &reader{buf: segs[segTasks]}
	nTasks := tr.u32()
	for i := uint32(0); i < nTasks; i++ {
		t, err := ld.readTask(tr, m, h, types)
		if err != nil {
			return nil, err
		}
		res.Tasks = append(res.Tasks, t)
	}

	sr := &reader{buf: segs[segScheduler]}
	res.NextTaskID = sr.u64()

	// Sync: re-register channels under their restored shell addresses.
	yr := &reader{buf: segs[segSync]}
	nChans := yr.u32()
	for i := uint32(0); i < nChans; i++ {
		shell := yr.u32()
		capacity := int32(yr.u32())
		closed := yr.byte() == 1
		if int(shell) >= len(ld.objects) {
			return nil, ErrTruncated
		}
		co, ok := ld.objects[shell].(*heap.ChannelObj)
		if !ok {
			return nil, fmt.Errorf("snapshot: sync record %d does not name a channel shell", i)
		}
		ch := syncprim.NewChannel(int(capacity))
		for _, v := range co.Buffer {
			ch.TrySend(v)
		}
		if closed {
			ch.Close()
		}
		prims.PutChannel(uint64(uintptr(co.Addr())), ch)
	}

	if tr.err != nil || sr.err != nil || yr.err != nil {
		return nil, ErrTruncated
	}
	return res, nil
}

type loader struct {
	r       *reader
	objects []heap.Object

	// fixups defer pointer resolution until every object exists.
	fixups []func() error
}

func (ld *loader) readObjects() error {
	n := ld.r.u32()
	ld.objects = make([]heap.Object, 0, n)
	for i := uint32(0); i < n; i++ {
		if err := ld.readObject(); err != nil {
			return err
		}
	}
	for _, fix := range ld.fixups {
		if err := fix(); err != nil {
			return err
		}
	}
	ld.fixups = nil
	return nil
}

// readValue decodes a value; pointers resolve through the object table via
// a deferred fixup written into dst.
func (ld *loader) readValue(r *reader, dst *value.Value) error {
	switch r.byte() {
	case wireNull:
		*dst = value.Null
	case wireBool:
		*dst = value.Bool(r.byte() == 1)
	case wireI32:
		*dst = value.I32(int32(r.u32()))
	case wireF64:
		*dst = value.F64(f64frombits(r.u64()))
	case wirePtr:
		idx := r.u32()
		ld.fixups = append(ld.fixups, func() error {
			if int(idx) >= len(ld.objects) {
				return ErrTruncated
			}
			*dst = heap.ToValue(ld.objects[idx])
			return nil
		})
	case wireSuspend:
		*dst = value.Suspend
	default:
		return fmt.Errorf("snapshot: bad value tag")
	}
	return r.err
}

func (ld *loader) readValues(r *reader, dst *[]value.Value) error {
	n := r.u32()
	vals := make([]value.Value, n)
	for i := range vals {
		if err := ld.readValue(r, &vals[i]); err != nil {
			return err
		}
	}
	*dst = vals
	return nil
}

func (ld *loader) readObject() error {
	r := ld.r
	typeID := typereg.TypeID(r.u32())
	owner := r.u64()

	var obj heap.Object
	switch typeID {
	case typereg.TypeString:
		o := &heap.StringObj{Bytes: r.bytes()}
		obj = o
	case typereg.TypeArray:
		o := &heap.ArrayObj{ElemTy: typereg.TypeID(r.u32())}
		if err := ld.readValues(r, &o.Slots); err != nil {
			return err
		}
		obj = o
	case typereg.TypeObject:
		o := &heap.ObjectObj{Class: r.u32()}
		if err := ld.readValues(r, &o.Fields); err != nil {
			return err
		}
		obj = o
	case typereg.TypeClosure:
		o := &heap.ClosureObj{FuncID: r.u32()}
		if err := ld.readValues(r, &o.Captures); err != nil {
			return err
		}
		obj = o
	case typereg.TypeRefCell:
		o := &heap.RefCellObj{}
		if err := ld.readValue(r, &o.Cell); err != nil {
			return err
		}
		obj = o
	case typereg.TypeMap:
		n := r.u32()
		o := &heap.MapObj{Entries: make(map[value.Value]value.Value, n)}
		// Entries buffer through a slice so pointer keys settle in the
		// fixup pass before they are hashed into the map.
		pairs := make([]value.Value, 2*n)
		for i := uint32(0); i < 2*n; i++ {
			if err := ld.readValue(r, &pairs[i]); err != nil {
				return err
			}
		}
		ld.fixups = append(ld.fixups, func() error {
			for i := 0; i+1 < len(pairs); i += 2 {
				o.Entries[pairs[i]] = pairs[i+1]
			}
			return nil
		})
		obj = o
	case typereg.TypeSet:
		n := r.u32()
		o := &heap.SetObj{Entries: make(map[value.Value]struct{}, n)}
		keys := make([]value.Value, n)
		for i := uint32(0); i < n; i++ {
			if err := ld.readValue(r, &keys[i]); err != nil {
				return err
			}
		}
		ld.fixups = append(ld.fixups, func() error {
			for _, k := range keys {
				o.Entries[k] = struct{}{}
			}
			return nil
		})
		obj = o
	case typereg.TypeChannel:
		o := &heap.ChannelObj{Closed: r.byte() == 1}
		if err := ld.readValues(r, &o.Buffer); err != nil {
			return err
		}
		obj = o
	case typereg.TypeBoundMethod:
		o := &heap.BoundMethodObj{FuncID: r.u32()}
		if err := ld.readValue(r, &o.Receiver); err != nil {
			return err
		}
		obj = o
	case typereg.TypeRegExp:
		obj = &heap.RegExpObj{Pattern: r.str(), Flags: r.str()}
	case typereg.TypeDate:
		obj = &heap.DateObj{UnixMillis: int64(r.u64())}
	case typereg.TypeBuffer:
		obj = &heap.BufferObj{Data: r.bytes()}
	default:
		return fmt.Errorf("snapshot: unknown type id %d", typeID)
	}

	hdr := obj.GCHeader()
	hdr.Type = typeID
	hdr.Owner = owner
	ld.objects = append(ld.objects, obj)
	return r.err
}

func (ld *loader) readTask(r *reader, m *bytecode.Module, h *gc.Heap, types *typereg.Registry) (*task.Task, error) {
	id := r.u64()
	state := task.State(r.u32())
	reason := interp.SuspendReason(r.u32())
	var target value.Value
	if err := ld.readValue(r, &target); err != nil {
		return nil, err
	}

	nFrames := r.u32()
	frames := make([]*interp.Frame, 0, nFrames)
	for i := uint32(0); i < nFrames; i++ {
		fnIdx := r.u32()
		if int(fnIdx) >= len(m.Functions) {
			return nil, fmt.Errorf("snapshot: frame names function %d outside module", fnIdx)
		}
		fn := &m.Functions[fnIdx]
		f := &interp.Frame{Func: fn, FuncName: fn.Name, IP: r.u32()}
		if err := ld.readValues(r, &f.Locals); err != nil {
			return nil, err
		}
		if err := ld.readValues(r, &f.Operands); err != nil {
			return nil, err
		}
		if err := ld.readValues(r, &f.Registers); err != nil {
			return nil, err
		}
		if err := ld.readValues(r, &f.Captures); err != nil {
			return nil, err
		}
		nHandlers := r.u32()
		for j := uint32(0); j < nHandlers; j++ {
			f.Handlers = append(f.Handlers, interp.Handler{
				CatchIP:      int32(r.u32()),
				FinallyIP:    int32(r.u32()),
				StackDepth:   int(r.u32()),
				FrameCount:   int(r.u32()),
				HeldMutexes:  int(r.u32()),
				CatchDestReg: uint16(r.u32()),
			})
		}
		frames = append(frames, f)
	}

	nursery := gc.NewNursery(id, h, 0)
	in := interp.New(m, nursery, types)
	var root *interp.Frame
	if len(frames) > 0 {
		root = frames[0]
	} else {
		root = interp.NewFrame(&m.Functions[0], m.Functions[0].Name, nil)
	}
	t := task.New(id, in, root)
	t.Frames = frames
	t.SetState(state)
	if state == task.Suspended {
		t.MarkSuspended(reason, target)
	}
	// Run the deferred pointer fixups accumulated by this task's values
	// once all objects exist; readObjects already ran earlier fixups, run
	// any new ones now.
	for _, fix := range ld.fixups {
		if err := fix(); err != nil {
			return nil, err
		}
	}
	ld.fixups = nil
	return t, r.err
}

// ===== shared plumbing =====

// objectAt recovers the concrete heap object behind a tagged pointer, the
// inverse of heap.ToValue.
func objectAt(p unsafe.Pointer, typeID value.PtrTypeID) heap.Object {
	switch typeID {
	case typereg.TypeString:
		return (*heap.StringObj)(p)
	case typereg.TypeArray:
		return (*heap.ArrayObj)(p)
	case typereg.TypeObject:
		return (*heap.ObjectObj)(p)
	case typereg.TypeClosure:
		return (*heap.ClosureObj)(p)
	case typereg.TypeRefCell:
		return (*heap.RefCellObj)(p)
	case typereg.TypeMap:
		return (*heap.MapObj)(p)
	case typereg.TypeSet:
		return (*heap.SetObj)(p)
	case typereg.TypeChannel:
		return (*heap.ChannelObj)(p)
	case typereg.TypeBoundMethod:
		return (*heap.BoundMethodObj)(p)
	case typereg.TypeRegExp:
		return (*heap.RegExpObj)(p)
	case typereg.TypeDate:
		return (*heap.DateObj)(p)
	case typereg.TypeBuffer:
		return (*heap.BufferObj)(p)
	}
	return nil
}

func f64bits(f float64) uint64     { return math.Float64bits(f) }
func f64frombits(b uint64) float64 { return math.Float64frombits(b) }

func childValues(obj heap.Object) []value.Value {
	switch o := obj.(type) {
	case *heap.ArrayObj:
		return o.Slots
	case *heap.ObjectObj:
		return o.Fields
	case *heap.ClosureObj:
		return o.Captures
	case *heap.RefCellObj:
		return []value.Value{o.Cell}
	case *heap.MapObj:
		vals := make([]value.Value, 0, len(o.Entries)*2)
		for k, v := range o.Entries {
			vals = append(vals, k, v)
		}
		return vals
	case *heap.SetObj:
		vals := make([]value.Value, 0, len(o.Entries))
		for k := range o.Entries {
			vals = append(vals, k)
		}
		return vals
	case *heap.ChannelObj:
		return o.Buffer
	case *heap.BoundMethodObj:
		return []value.Value{o.Receiver}
	}
	return nil
}

func objectSize(obj heap.Object) uint32 {
	switch o := obj.(type) {
	case *heap.StringObj:
		return uint32(len(o.Bytes)) + 16
	case *heap.ArrayObj:
		return uint32(len(o.Slots))*16 + 24
	case *heap.ObjectObj:
		return uint32(len(o.Fields))*16 + 24
	case *heap.ClosureObj:
		return uint32(len(o.Captures))*16 + 24
	case *heap.BufferObj:
		return uint32(len(o.Data)) + 16
	default:
		return 64
	}
}

func writeU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func writeU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func writeStr(b *bytes.Buffer, s string) {
	writeU32(b, uint32(len(s)))
	b.WriteString(s)
}

func writeBytes(b *bytes.Buffer, p []byte) {
	writeU32(b, uint32(len(p)))
	b.Write(p)
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) byte() byte {
	if r.err != nil || r.pos >= len(r.buf) {
		r.err = ErrTruncated
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.buf) {
		r.err = ErrTruncated
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.pos+8 > len(r.buf) {
		r.err = ErrTruncated
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) str() string {
	n := r.u32()
	if r.err != nil || r.pos+int(n) > len(r.buf) {
		r.err = ErrTruncated
		return ""
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if r.err != nil || r.pos+int(n) > len(r.buf) {
		r.err = ErrTruncated
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out
}
