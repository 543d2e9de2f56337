// Package interp implements the stack-mode and register-mode
// interpreters and the exception machinery: per-frame operand stacks,
// locals, and handler stacks, with snapshot-before-unwind traceback
// construction on an uncaught throw. Both encodings share one dispatch
// loop driven by the function's self-described encoding.
package interp

import (
	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/typereg"
	"raya/internal/value"
)

// Outcome classifies how Run stopped.
type Outcome int

const (
	OutcomeReturned Outcome = iota
	OutcomeThrew
	OutcomeSuspended
)

// Result is what Run hands back to the task/scheduler layer.
type Result struct {
	Outcome        Outcome
	Value          value.Value // return value, or the uncaught exception
	SuspendReason  SuspendReason
	SuspendPayload value.Value
	Trace          []ActivationSnapshot
}

// Interpreter executes bytecode functions against a shared module and one
// task's nursery/last-exception state. One Interpreter belongs to exactly
// one task; its nursery is task-owned and unsynchronized.
type Interpreter struct {
	Module  *bytecode.Module
	Nursery *gc.Nursery
	Types   *typereg.Registry

	// Ticks counts safepoint-bearing instructions executed by this task;
	// crossing TickLimit (when non-zero) raises a recoverable
	// resource-limit fault instead of letting a runaway loop starve the
	// worker.
	Ticks     uint64
	TickLimit uint64

	LastCaught    value.Value
	LastRaised    value.Value
	pendingRaised bool
}

// New constructs an Interpreter bound to one module and one task's nursery.
func New(m *bytecode.Module, n *gc.Nursery, types *typereg.Registry) *Interpreter {
	return &Interpreter{Module: m, Nursery: n, Types: types, LastCaught: value.Null, LastRaised: value.Null}
}

// Run executes frames (a task's persistent call stack) until it returns
// past the root frame, throws past the root frame, or suspends. frames is
// mutated in place: Call pushes, Return pops, and on suspension the stack
// is left exactly as it was so a later call to Run resumes mid-instruction.
func (in *Interpreter) Run(taskID uint64, frames *[]*Frame, rt Runtime) Result {
	for {
		if len(*frames) == 0 {
			return Result{Outcome: OutcomeReturned, Value: value.Null}
		}
		f := (*frames)[len(*frames)-1]

		var res Result
		var cont bool
		if f.Func.Encoding == bytecode.EncodingRegister {
			res, cont = in.stepRegister(taskID, frames, f, rt)
		} else {
			res, cont = in.stepStack(taskID, frames, f, rt)
		}
		if !cont {
			return res
		}
	}
}

// snapshotTrace builds the uncaught-exception traceback by walking live
// frames outer-to-inner, captured before any unwinding so the line
// numbers reflect the moment of the throw.
func snapshotTrace(frames []*Frame) []ActivationSnapshot {
	trace := make([]ActivationSnapshot, len(frames))
	for i, f := range frames {
		trace[i] = ActivationSnapshot{FuncName: f.FuncName, Line: f.Func.LineForIP(f.IP)}
	}
	return trace
}
