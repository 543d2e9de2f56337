// Package heap defines the GC header and the fixed-shape heap object kinds
// described by the data model: String, Array, Object, Closure, RefCell,
// Map, Set, Channel, BoundMethod, RegExp, Date, Buffer. Every kind embeds
// Header so the collector can walk the allocation list uniformly.
package heap

import (
	"unsafe"

	"raya/internal/typereg"
	"raya/internal/value"
)

// Header is the fixed prefix logically attached to every heap allocation.
// Values returned to user code point past the header; the collector
// subtracts the header's accounting separately (it tracks headers in its
// own allocation list rather than doing raw pointer arithmetic, since Go
// objects are not laid out contiguously with attached headers the way a
// C-style allocator would do it).
type Header struct {
	Owner uint64          // owning task/context id
	Type  typereg.TypeID  // dispatch key into the type registry
	Size  uint32          // header + payload, for GC accounting
	Mark  bool
}

// Object is implemented by every heap kind. Addr returns the object's own
// address as an unsafe.Pointer; it is the identity a Value of KindPtr
// carries, and how the collector maps a Value back to the tracked object.
type Object interface {
	GCHeader() *Header
	Addr() unsafe.Pointer
}

type StringObj struct {
	Header Header
	Bytes  []byte
}

func (o *StringObj) GCHeader() *Header { return &o.Header }
func (o *StringObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type ArrayObj struct {
	Header Header
	ElemTy typereg.TypeID
	Slots  []value.Value
}

func (o *ArrayObj) GCHeader() *Header { return &o.Header }
func (o *ArrayObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type ObjectObj struct {
	Header Header
	Class  uint32
	Fields []value.Value
}

func (o *ObjectObj) GCHeader() *Header { return &o.Header }
func (o *ObjectObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type ClosureObj struct {
	Header    Header
	FuncID    uint32
	Captures  []value.Value // elements mutated through RefCell are pointers, tagged KindPtr to a RefCellObj
}

func (o *ClosureObj) GCHeader() *Header { return &o.Header }
func (o *ClosureObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type RefCellObj struct {
	Header Header
	Cell   value.Value
}

func (o *RefCellObj) GCHeader() *Header { return &o.Header }
func (o *RefCellObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type MapObj struct {
	Header  Header
	Entries map[value.Value]value.Value
}

func (o *MapObj) GCHeader() *Header { return &o.Header }
func (o *MapObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type SetObj struct {
	Header  Header
	Entries map[value.Value]struct{}
}

func (o *SetObj) GCHeader() *Header { return &o.Header }
func (o *SetObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

// ChannelObj backs internal/syncprim.Channel's heap-visible identity; the
// wait queues themselves live in syncprim, this is just the GC-traced shell
// holding buffered Values plus a reference to the sync primitive.
type ChannelObj struct {
	Header Header
	Buffer []value.Value
	Closed bool
}

func (o *ChannelObj) GCHeader() *Header { return &o.Header }
func (o *ChannelObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type BoundMethodObj struct {
	Header   Header
	Receiver value.Value
	FuncID   uint32
}

func (o *BoundMethodObj) GCHeader() *Header { return &o.Header }
func (o *BoundMethodObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type RegExpObj struct {
	Header  Header
	Pattern string
	Flags   string
}

func (o *RegExpObj) GCHeader() *Header { return &o.Header }
func (o *RegExpObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type DateObj struct {
	Header      Header
	UnixMillis  int64
}

func (o *DateObj) GCHeader() *Header { return &o.Header }
func (o *DateObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

type BufferObj struct {
	Header Header
	Data   []byte
}

func (o *BufferObj) GCHeader() *Header { return &o.Header }
func (o *BufferObj) Addr() unsafe.Pointer { return unsafe.Pointer(o) }

// ToValue wraps a heap object into a Value tagged with its own address and
// type id, the canonical way to put a freshly allocated object onto the
// operand stack or into a local slot.
func ToValue(o Object) value.Value {
	return value.Ptr(o.Addr(), o.GCHeader().Type)
}

// RegisterBuiltinTypes installs TypeInfo entries for every builtin heap
// kind into the given registry, wiring each kind's pointer map so the
// collector can trace it generically via typereg.Lookup. Call once at VM
// startup before typereg.Registry.Freeze.
func RegisterBuiltinTypes(r *typereg.Registry) {
	r.Register(&typereg.TypeInfo{ID: typereg.TypeString, Name: "String"})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeArray, Name: "Array", PointerMap: func(o interface{}) []value.Value {
		return o.(*ArrayObj).Slots
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeObject, Name: "Object", PointerMap: func(o interface{}) []value.Value {
		return o.(*ObjectObj).Fields
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeClosure, Name: "Closure", PointerMap: func(o interface{}) []value.Value {
		return o.(*ClosureObj).Captures
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeRefCell, Name: "RefCell", PointerMap: func(o interface{}) []value.Value {
		return []value.Value{o.(*RefCellObj).Cell}
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeMap, Name: "Map", PointerMap: func(o interface{}) []value.Value {
		m := o.(*MapObj)
		vals := make([]value.Value, 0, len(m.Entries)*2)
		for k, v := range m.Entries {
			vals = append(vals, k, v)
		}
		return vals
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeSet, Name: "Set", PointerMap: func(o interface{}) []value.Value {
		s := o.(*SetObj)
		vals := make([]value.Value, 0, len(s.Entries))
		for k := range s.Entries {
			vals = append(vals, k)
		}
		return vals
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeChannel, Name: "Channel", PointerMap: func(o interface{}) []value.Value {
		return o.(*ChannelObj).Buffer
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeBoundMethod, Name: "BoundMethod", PointerMap: func(o interface{}) []value.Value {
		return []value.Value{o.(*BoundMethodObj).Receiver}
	}})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeRegExp, Name: "RegExp"})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeDate, Name: "Date"})
	r.Register(&typereg.TypeInfo{ID: typereg.TypeBuffer, Name: "Buffer"})
}
