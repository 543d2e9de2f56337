package jit

import (
	"sync/atomic"

	"raya/internal/bytecode"
	"raya/internal/value"
)

// CompiledFunc is the compiled-code calling convention: every compiled
// function takes its heap-allocated frame and the execution context and
// returns either its result Value or the AOT_SUSPEND sentinel
// (value.Suspend) after saving resume state into the frame.
type CompiledFunc func(fr *Frame, ctx *Context) value.Value

// Frame is a compiled activation record: locals, the resume point (the
// block to re-enter after a suspension), spilled registers, and the active
// child frame when a callee suspended beneath this one.
type Frame struct {
	FuncID uint32
	Locals []value.Value
	Resume int
	Spill  []value.Value
	Child  *Frame
}

// Context is what compiled code sees of the world. All runtime services go
// through Helpers; compiled code holds no other references, which is what
// lets a native-code bundle carry zero load-address relocations.
type Context struct {
	PreemptRequested *atomic.Bool

	// ResumeValue is the delivery slot a suspended operation completes
	// with on re-entry.
	ResumeValue value.Value

	// SuspendReason/SuspendPayload describe why compiled code returned
	// the suspend sentinel.
	SuspendReason  int
	SuspendPayload value.Value

	// Thrown carries a recoverable fault raised by compiled code (e.g.
	// division by zero); the caller maps it onto the exception machinery.
	Thrown *value.Value

	Module  *bytecode.Module
	Helpers *HelperTable

	// Task is opaque to compiled code; helpers that need the running task
	// close over it instead.
	Task interface{}
}

// HelperTable is the function-pointer table through which compiled code
// invokes every runtime service. Entries unused by the current compiled
// subset are still present so the table layout is the full ABI.
type HelperTable struct {
	AllocFrame  func(funcID uint32, args []value.Value) *Frame
	AllocString func(s string) value.Value
	AllocArray  func(n int) value.Value
	AllocObject func(classID uint32) value.Value

	SafepointPoll func() bool

	StringConcat  func(a, b value.Value) value.Value
	StringCompare func(a, b value.Value) int

	ArrayGet func(arr value.Value, idx int32) value.Value
	ArraySet func(arr value.Value, idx int32, v value.Value)
	ArrayLen func(arr value.Value) int32
	ArrayPush func(arr value.Value, v value.Value)

	FieldGet func(obj value.Value, slot uint16) value.Value
	FieldSet func(obj value.Value, slot uint16, v value.Value)

	Equal   func(a, b value.Value) bool
	Compare func(a, b value.Value) int

	NativeCall func(name string, args []value.Value) value.Value
	SpawnTask  func(funcID uint32, args []value.Value) value.Value

	Throw    func(v value.Value)
	NewError func(name, msg string) value.Value

	LookupFunc func(funcID uint32) CompiledFunc

	LoadConstI32 func(idx uint32) value.Value
	LoadConstF64 func(idx uint32) value.Value
	LoadConstStr func(idx uint32) value.Value
}
