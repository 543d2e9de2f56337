package interp

import (
	"raya/internal/heap"
	"raya/internal/typereg"
	"raya/internal/value"
)

func (in *Interpreter) allocString(s string) *heap.StringObj {
	o := &heap.StringObj{Bytes: []byte(s)}
	o.Header.Type = typereg.TypeString
	in.Nursery.Alloc(o, uint32(len(s))+16)
	return o
}

func (in *Interpreter) allocArray(elemTy typereg.TypeID, slots []value.Value) *heap.ArrayObj {
	o := &heap.ArrayObj{ElemTy: elemTy, Slots: slots}
	o.Header.Type = typereg.TypeArray
	in.Nursery.Alloc(o, uint32(len(slots))*16+24)
	return o
}

func (in *Interpreter) allocObject(classID uint32, fields []value.Value) *heap.ObjectObj {
	o := &heap.ObjectObj{Class: classID, Fields: fields}
	o.Header.Type = typereg.TypeObject
	in.Nursery.Alloc(o, uint32(len(fields))*16+24)
	return o
}

func (in *Interpreter) allocClosure(funcID uint32, captures []value.Value) *heap.ClosureObj {
	o := &heap.ClosureObj{FuncID: funcID, Captures: captures}
	o.Header.Type = typereg.TypeClosure
	in.Nursery.Alloc(o, uint32(len(captures))*16+24)
	return o
}

func (in *Interpreter) allocRefCell(cell value.Value) *heap.RefCellObj {
	o := &heap.RefCellObj{Cell: cell}
	o.Header.Type = typereg.TypeRefCell
	in.Nursery.Alloc(o, 24)
	return o
}

// newErrorValue builds a conventional Error object: {name, message,
// stack}. stack is populated lazily by the task layer when the exception
// actually escapes to an uncaught frame; it starts null here.
func (in *Interpreter) newErrorValue(name, msg string) value.Value {
	o := in.allocObject(errorClassID, []value.Value{
		heap.ToValue(in.allocString(name)),
		heap.ToValue(in.allocString(msg)),
		value.Null,
	})
	return heap.ToValue(o)
}

// errorClassID is the reserved, implicit class id the VM uses for the
// conventional Error object shape ({name, message, stack}); a module may
// also declare its own "Error" class at index errorClassID if it wants
// user-level subclassing, mirroring how many embedded languages reserve
// low indices for builtin shapes.
const errorClassID = 0

func errorField(v value.Value, idx int) value.Value {
	p, _ := v.AsPtr()
	if p == nil {
		return value.Null
	}
	o := (*heap.ObjectObj)(p)
	if idx < 0 || idx >= len(o.Fields) {
		return value.Null
	}
	return o.Fields[idx]
}

// ErrorMessage extracts the `message` field of a conventional Error value,
// used by uncaught-exception diagnostics and the host facade.
func ErrorMessage(v value.Value) value.Value { return errorField(v, 1) }

// ErrorName extracts the `name` field of a conventional Error value.
func ErrorName(v value.Value) value.Value { return errorField(v, 0) }

// StringContent returns the UTF-8 contents of a heap String value, or
// ok=false when v is not a string. Used by the task layer and host façade
// to render exception messages and awaited results.
func StringContent(v value.Value) (string, bool) {
	if !v.IsPtr() {
		return "", false
	}
	p, typeID := v.AsPtr()
	if p == nil || typeID != typereg.TypeString {
		return "", false
	}
	return stringOf(v), true
}

// SetErrorStack installs a rendered stack trace string into an Error
// value's third field, called by the task layer once a trace is built.
func SetErrorStack(v value.Value, stack value.Value) {
	p, _ := v.AsPtr()
	if p == nil {
		return
	}
	o := (*heap.ObjectObj)(p)
	if len(o.Fields) > 2 {
		o.Fields[2] = stack
	}
}
