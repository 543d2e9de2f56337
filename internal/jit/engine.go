package jit

import (
	"sync"

	"raya/internal/bytecode"
	"raya/internal/heap"
	"raya/internal/interp"
	"raya/internal/task"
	"raya/internal/typereg"
	"raya/internal/value"
)

// Engine adapts a pre-warmed Store to the scheduler's accelerator hook:
// when a dispatched task's root function has a compiled form, the worker
// enters native code instead of the interpreter. Suspensions (safepoint
// preemption mid-loop) park the compiled frame per task and re-enter it
// through its resume point on the next dispatch.
type Engine struct {
	Module *bytecode.Module
	Store  *Store

	mu     sync.Mutex
	parked map[uint64]*Frame
}

func NewEngine(m *bytecode.Module, store *Store) *Engine {
	return &Engine{Module: m, Store: store, parked: make(map[uint64]*Frame)}
}

// Run executes t in compiled code if its current function is compiled and
// the task is in a shape the compiled tier handles (a single frame at its
// entry, or a previously parked compiled frame). handled=false falls back
// to the interpreter.
func (e *Engine) Run(t *task.Task, rt interp.Runtime) (interp.Result, bool) {
	e.mu.Lock()
	fr := e.parked[t.ID]
	delete(e.parked, t.ID)
	e.mu.Unlock()

	var cf CompiledFunc
	if fr != nil {
		cf = e.Store.Lookup(fr.FuncID)
	} else {
		if len(t.Frames) != 1 {
			return interp.Result{}, false
		}
		top := t.Frames[0]
		if top.IP != 0 || len(top.Handlers) > 0 {
			return interp.Result{}, false
		}
		funcID, ok := e.funcIndex(top.Func)
		if !ok {
			return interp.Result{}, false
		}
		cf = e.Store.Lookup(funcID)
		if cf == nil {
			return interp.Result{}, false
		}
		fr = &Frame{FuncID: funcID, Locals: append([]value.Value(nil), top.Locals...)}
	}
	if cf == nil {
		return interp.Result{}, false
	}

	ctx := &Context{
		Module:  e.Module,
		Task:    t,
		Helpers: e.helpers(t, rt),
	}

	v := cf(fr, ctx)

	if ctx.Thrown != nil {
		tr := []interp.ActivationSnapshot{{FuncName: e.Module.Functions[fr.FuncID].Name}}
		return interp.Result{Outcome: interp.OutcomeThrew, Value: *ctx.Thrown, Trace: tr}, true
	}
	if v.IsSuspend() {
		e.mu.Lock()
		e.parked[t.ID] = fr
		e.mu.Unlock()
		return interp.Result{Outcome: interp.OutcomeSuspended, SuspendReason: interp.SuspendPreempted}, true
	}
	return interp.Result{Outcome: interp.OutcomeReturned, Value: v}, true
}

func (e *Engine) funcIndex(fn *bytecode.Function) (uint32, bool) {
	for i := range e.Module.Functions {
		if &e.Module.Functions[i] == fn {
			return uint32(i), true
		}
	}
	return 0, false
}

// helpers binds the full helper table to one task's nursery and runtime.
// The compiled subset only calls a few entries, but the table carries the
// whole ABI so the layout matches what an AOT bundle would be linked
// against.
func (e *Engine) helpers(t *task.Task, rt interp.Runtime) *HelperTable {
	nursery := t.Nursery()
	allocString := func(s string) value.Value {
		o := &heap.StringObj{Bytes: []byte(s)}
		o.Header.Type = typereg.TypeString
		if nursery != nil {
			nursery.Alloc(o, uint32(len(s))+16)
		}
		return heap.ToValue(o)
	}

	h := &HelperTable{
		AllocString: allocString,
		AllocFrame: func(funcID uint32, args []value.Value) *Frame {
			return &Frame{FuncID: funcID, Locals: append([]value.Value(nil), args...)}
		},
		SafepointPoll: func() bool {
			if rt == nil {
				return false
			}
			return rt.SafepointPoll()
		},
		Equal: value.Identical,
		NewError: func(name, msg string) value.Value {
			o := &heap.ObjectObj{Class: 0, Fields: []value.Value{
				allocString(name),
				allocString(msg),
				value.Null,
			}}
			o.Header.Type = typereg.TypeObject
			if nursery != nil {
				nursery.Alloc(o, 64)
			}
			return heap.ToValue(o)
		},
		LookupFunc: e.Store.Lookup,
		LoadConstI32: func(idx uint32) value.Value {
			return value.I32(e.Module.Constants.I32s[idx])
		},
		LoadConstF64: func(idx uint32) value.Value {
			return value.F64(e.Module.Constants.F64s[idx])
		},
		LoadConstStr: func(idx uint32) value.Value {
			return allocString(e.Module.Constants.Strings[idx])
		},
	}
	if rt != nil {
		h.SpawnTask = rt.Spawn
	}
	return h
}
