// Package value implements the L0 uniform Value representation shared by
// every execution tier: the interpreter, the AOT/JIT compiled code, and the
// snapshot codec.
package value

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/davecgh/go-spew/spew"
)

// Kind identifies what a Value currently holds. It plays the role of the
// tag bits in a packed NaN-boxed or pointer-tagged word; Value is expressed
// here as an explicit tagged struct instead of a raw 64-bit word so the rest
// of the tree can stay free of unsafe pointer arithmetic, while the field
// layout still maps directly onto the two encodings the design notes
// describe (low-bit pointer tagging, NaN-boxing).
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindI32
	KindF64
	KindPtr
	// KindSuspend is the AOT_SUSPEND sentinel: a reserved, otherwise
	// unreachable tag distinct from every valid value.
	KindSuspend
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindI32:
		return "i32"
	case KindF64:
		return "f64"
	case KindPtr:
		return "ptr"
	case KindSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// PtrTypeID is the heap object's static type id, stashed alongside the raw
// pointer so callers can assert the expected shape before dereferencing
// without going through the GC header on the hot path.
type PtrTypeID uint32

// Value is the uniform 64-bit-equivalent datum. Zero value is KindNull.
type Value struct {
	kind    Kind
	i       int64
	f       float64
	ptr     unsafe.Pointer
	ptrType PtrTypeID
}

// Null is the canonical null Value.
var Null = Value{kind: KindNull}

// Suspend is the canonical AOT_SUSPEND sentinel Value.
var Suspend = Value{kind: KindSuspend}

func Bool(b bool) Value {
	var i int64
	if b {
		i = 1
	}
	return Value{kind: KindBool, i: i}
}

func I32(v int32) Value { return Value{kind: KindI32, i: int64(v)} }

func F64(v float64) Value { return Value{kind: KindF64, f: v} }

// Ptr wraps a heap pointer (already past its GC header) tagged with its
// static type id.
func Ptr(p unsafe.Pointer, typeID PtrTypeID) Value {
	return Value{kind: KindPtr, ptr: p, ptrType: typeID}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsSuspend() bool { return v.kind == KindSuspend }
func (v Value) IsPtr() bool     { return v.kind == KindPtr }

func (v Value) AsBool() bool { return v.i != 0 }

func (v Value) AsI32() int32 { return int32(v.i) }

func (v Value) AsF64() float64 { return v.f }

// AsPtr returns the raw heap pointer and its static type id. Callers must
// assert typeID matches what they expect before reinterpreting the pointer;
// the type checker upstream is expected to have made this safe already.
func (v Value) AsPtr() (unsafe.Pointer, PtrTypeID) { return v.ptr, v.ptrType }

// Truthy implements the truthiness rule from the data model: null, false,
// and integer zero are falsy; everything else, including every pointer, is
// truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.i != 0
	case KindI32:
		return v.i != 0
	default:
		// Floats and every pointer are truthy regardless of value, per
		// the data model: only integer zero is a falsy number.
		return true
	}
}

// Identical implements bitwise-identity equality (the `Eq`/`StrictEq`
// opcode family for non-heap kinds): same kind, same bit pattern. Heap
// pointer identity compares the raw pointer value, not structural content.
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull, KindSuspend:
		return true
	case KindBool, KindI32:
		return a.i == b.i
	case KindF64:
		return a.f == b.f
	case KindPtr:
		return a.ptr == b.ptr
	default:
		return false
	}
}

// DebugString renders a Value for tracing and uncaught-exception
// diagnostics. Heap payloads are rendered with spew since the Value itself
// has no notion of the object's shape; callers that want field-level detail
// should pass the dereferenced Go struct instead via DebugStringOf.
func (v Value) DebugString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.AsBool())
	case KindI32:
		return fmt.Sprintf("%d", v.AsI32())
	case KindF64:
		return formatFloat(v.f)
	case KindPtr:
		return fmt.Sprintf("<ptr type=%d addr=%p>", v.ptrType, v.ptr)
	case KindSuspend:
		return "<suspend>"
	default:
		return "<?>"
	}
}

// DebugStringOf renders an arbitrary heap object's Go-level structure,
// used by the tracer when a caller already holds the dereferenced object.
func DebugStringOf(o interface{}) string {
	return spew.Sdump(o)
}

// ToDisplayString implements the ToString coercion rule: null -> "null",
// bool -> "true"/"false", i32/f64 -> JS-style textual form, strings
// unchanged (callers for KindPtr strings resolve via the heap and never
// reach this default branch), other objects render as a class-name tag
// supplied by the caller.
func ToDisplayString(v Value, classNameForPtr func(Value) string) string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case KindI32:
		return fmt.Sprintf("%d", v.AsI32())
	case KindF64:
		return formatFloat(v.f)
	case KindPtr:
		if classNameForPtr != nil {
			return classNameForPtr(v)
		}
		return "<object>"
	default:
		return "<suspend>"
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
