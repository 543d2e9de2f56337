package interp

import (
	"time"

	"raya/internal/heap"
	"raya/internal/opcode"
	"raya/internal/typereg"
	"raya/internal/value"
)

// stepStack executes stack-mode instructions from f.IP until the running
// frame returns, throws past every frame, suspends, or calls into a new
// frame (cont=true in the last case: the outer Run loop picks up whichever
// frame is now on top).
func (in *Interpreter) stepStack(taskID uint64, frames *[]*Frame, f *Frame, rt Runtime) (Result, bool) {
	code := f.Func.Code

	for {
		op := opcode.OpCode(code[f.IP])

		if op.CountsSafepoint() {
			in.Ticks++
			if in.TickLimit > 0 && in.Ticks > in.TickLimit {
				return in.throwRuntimeFault(frames, "resource limit exceeded: tick limit")
			}
			if rt != nil && rt.SafepointPoll() {
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendPreempted}, false
			}
		}

		switch op {

		// ----- constants -----
		case opcode.ConstI32:
			f.Push(value.I32(in.Module.Constants.I32s[u16(code, f.IP+1)]))
			f.IP += 3
		case opcode.ConstF64:
			f.Push(value.F64(in.Module.Constants.F64s[u16(code, f.IP+1)]))
			f.IP += 3
		case opcode.ConstStr:
			s := in.Module.Constants.Strings[u16(code, f.IP+1)]
			f.Push(heap.ToValue(in.allocString(s)))
			f.IP += 3
		case opcode.ConstNull:
			f.Push(value.Null)
			f.IP++

		// ----- stack ops -----
		case opcode.Pop:
			f.Pop()
			f.IP++
		case opcode.Dup:
			f.Push(f.Peek())
			f.IP++

		// ----- locals -----
		case opcode.LoadLocal:
			f.Push(f.Locals[u16(code, f.IP+1)])
			f.IP += 3
		case opcode.StoreLocal:
			f.Locals[u16(code, f.IP+1)] = f.Pop()
			f.IP += 3

		// ----- integer arithmetic / bitwise -----
		case opcode.Iadd, opcode.Isub, opcode.Imul, opcode.Idiv, opcode.Imod,
			opcode.Ishl, opcode.Ishr, opcode.Iushr, opcode.Iand, opcode.Ior, opcode.Ixor:
			b, a := f.Pop(), f.Pop()
			res, err := intBinOp(op, a.AsI32(), b.AsI32())
			if err != nil {
				return in.throwRuntimeFault(frames, err.Error())
			}
			f.Push(value.I32(res))
			f.IP++
		case opcode.Ineg:
			f.Push(value.I32(-f.Pop().AsI32()))
			f.IP++
		case opcode.Inot:
			f.Push(value.I32(^f.Pop().AsI32()))
			f.IP++

		// ----- float arithmetic -----
		case opcode.Fadd, opcode.Fsub, opcode.Fmul, opcode.Fdiv:
			b, a := f.Pop(), f.Pop()
			f.Push(value.F64(floatBinOp(op, a.AsF64(), b.AsF64())))
			f.IP++
		case opcode.Fneg:
			f.Push(value.F64(-f.Pop().AsF64()))
			f.IP++

		// ----- comparison -----
		case opcode.Ieq, opcode.Ine, opcode.Ilt, opcode.Ile, opcode.Igt, opcode.Ige:
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(intCompare(op, a.AsI32(), b.AsI32())))
			f.IP++
		case opcode.Feq, opcode.Fne, opcode.Flt, opcode.Fle, opcode.Fgt, opcode.Fge:
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(floatCompare(op, a.AsF64(), b.AsF64())))
			f.IP++
		case opcode.Eq, opcode.StrictEq:
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(value.Identical(a, b)))
			f.IP++
		case opcode.Not:
			f.Push(value.Bool(!f.Pop().Truthy()))
			f.IP++
		case opcode.And:
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(a.Truthy() && b.Truthy()))
			f.IP++
		case opcode.Or:
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(a.Truthy() || b.Truthy()))
			f.IP++

		// ----- control flow -----
		case opcode.Jmp:
			f.IP = uint32(u16(code, f.IP+1))
		case opcode.JmpIfTrue:
			target := u16(code, f.IP+1)
			if f.Pop().Truthy() {
				f.IP = uint32(target)
			} else {
				f.IP += 3
			}
		case opcode.JmpIfFalse:
			target := u16(code, f.IP+1)
			if !f.Pop().Truthy() {
				f.IP = uint32(target)
			} else {
				f.IP += 3
			}

		case opcode.Call:
			fnIdx := u16(code, f.IP+1)
			f.IP += 3
			callee := &in.Module.Functions[fnIdx]
			args := f.PopN(int(callee.ParamCount))
			*frames = append(*frames, NewFrame(callee, callee.Name, args))
			return Result{}, true

		case opcode.CallClosure:
			argCount := int(u16(code, f.IP+1))
			f.IP += 3
			closureVal := f.Pop()
			args := f.PopN(argCount)
			p, _ := closureVal.AsPtr()
			cl := (*heap.ClosureObj)(p)
			callee := &in.Module.Functions[cl.FuncID]
			child := NewFrame(callee, callee.Name, args)
			child.Captures = cl.Captures
			*frames = append(*frames, child)
			return Result{}, true

		case opcode.CallMethod:
			nameIdx := u16(code, f.IP+1)
			f.IP += 3
			methodName := in.Module.Constants.Strings[nameIdx]
			receiver := f.Pop()
			classID := classIDOf(receiver)
			fnIdx, ok := in.resolveMethod(classID, methodName)
			if !ok {
				return in.throwRuntimeFault(frames, "no such method: "+methodName)
			}
			callee := &in.Module.Functions[fnIdx]
			argc := int(callee.ParamCount) - 1
			args := f.PopN(argc)
			allArgs := append([]value.Value{receiver}, args...)
			*frames = append(*frames, NewFrame(callee, callee.Name, allArgs))
			return Result{}, true

		case opcode.Return:
			retVal := f.Pop()
			*frames = (*frames)[:len(*frames)-1]
			if len(*frames) == 0 {
				return Result{Outcome: OutcomeReturned, Value: retVal}, false
			}
			(*frames)[len(*frames)-1].Push(retVal)
			return Result{}, true
		case opcode.ReturnVoid:
			*frames = (*frames)[:len(*frames)-1]
			if len(*frames) == 0 {
				return Result{Outcome: OutcomeReturned, Value: value.Null}, false
			}
			return Result{}, true

		// ----- objects / arrays -----
		case opcode.New:
			classID := u16(code, f.IP+1)
			f.IP += 3
			cls := &in.Module.Classes[classID]
			fields := make([]value.Value, len(cls.Fields))
			f.Push(heap.ToValue(in.allocObject(uint32(classID), fields)))
		case opcode.NewArray:
			elemTy := typereg.TypeID(u16(code, f.IP+1))
			f.IP += 3
			n := f.Pop().AsI32()
			slots := make([]value.Value, n)
			f.Push(heap.ToValue(in.allocArray(elemTy, slots)))
		case opcode.ArrayLiteral:
			f.IP++
			n := int(f.Pop().AsI32())
			elems := f.PopN(n)
			f.Push(heap.ToValue(in.allocArray(0, elems)))
		case opcode.ObjectLiteral:
			f.IP++
			classID := uint32(f.Pop().AsI32())
			cls := &in.Module.Classes[classID]
			fields := f.PopN(len(cls.Fields))
			f.Push(heap.ToValue(in.allocObject(classID, fields)))

		case opcode.LoadField, opcode.LoadFieldFast:
			slot := u16(code, f.IP+1)
			f.IP += 3
			p, _ := f.Pop().AsPtr()
			o := (*heap.ObjectObj)(p)
			f.Push(o.Fields[slot])
		case opcode.StoreField, opcode.StoreFieldFast:
			slot := u16(code, f.IP+1)
			f.IP += 3
			v := f.Pop()
			p, _ := f.Pop().AsPtr()
			o := (*heap.ObjectObj)(p)
			o.Fields[slot] = v

		case opcode.LoadElem:
			f.IP++
			idx := f.Pop().AsI32()
			p, _ := f.Pop().AsPtr()
			a := (*heap.ArrayObj)(p)
			f.Push(a.Slots[idx])
		case opcode.StoreElem:
			f.IP++
			v := f.Pop()
			idx := f.Pop().AsI32()
			p, _ := f.Pop().AsPtr()
			a := (*heap.ArrayObj)(p)
			a.Slots[idx] = v
		case opcode.ArrayLen:
			f.IP++
			p, _ := f.Pop().AsPtr()
			a := (*heap.ArrayObj)(p)
			f.Push(value.I32(int32(len(a.Slots))))
		case opcode.ArrayPush:
			f.IP++
			v := f.Pop()
			p, _ := f.Pop().AsPtr()
			a := (*heap.ArrayObj)(p)
			a.Slots = append(a.Slots, v)
			f.Push(value.Null)
		case opcode.ArrayPop:
			f.IP++
			p, _ := f.Pop().AsPtr()
			a := (*heap.ArrayObj)(p)
			if len(a.Slots) == 0 {
				return in.throwRuntimeFault(frames, "array pop on empty array")
			}
			last := a.Slots[len(a.Slots)-1]
			a.Slots = a.Slots[:len(a.Slots)-1]
			f.Push(last)

		// ----- closures -----
		case opcode.MakeClosure:
			fnIdx := uint32(u16(code, f.IP+1))
			f.IP += 3
			n := int(f.Pop().AsI32())
			captures := f.PopN(n)
			f.Push(heap.ToValue(in.allocClosure(fnIdx, captures)))
		case opcode.LoadCaptured:
			idx := u16(code, f.IP+1)
			f.IP += 3
			f.Push(f.Captures[idx])
		case opcode.StoreCaptured:
			idx := u16(code, f.IP+1)
			f.IP += 3
			f.Captures[idx] = f.Pop()
		case opcode.SetClosureCapture:
			f.IP++
			v := f.Pop()
			idx := f.Pop().AsI32()
			p, _ := f.Pop().AsPtr()
			cl := (*heap.ClosureObj)(p)
			cl.Captures[idx] = v
		case opcode.NewRefCell:
			f.IP++
			init := f.Pop()
			f.Push(heap.ToValue(in.allocRefCell(init)))
		case opcode.LoadRefCell:
			f.IP++
			p, _ := f.Pop().AsPtr()
			rc := (*heap.RefCellObj)(p)
			f.Push(rc.Cell)
		case opcode.StoreRefCell:
			f.IP++
			v := f.Pop()
			p, _ := f.Pop().AsPtr()
			rc := (*heap.RefCellObj)(p)
			rc.Cell = v

		// ----- strings -----
		case opcode.Sconcat:
			f.IP++
			b, a := f.Pop(), f.Pop()
			f.Push(heap.ToValue(in.allocString(stringOf(a) + stringOf(b))))
		case opcode.Slen:
			f.IP++
			f.Push(value.I32(int32(len(stringOf(f.Pop())))))
		case opcode.Seq:
			f.IP++
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(stringOf(a) == stringOf(b)))
		case opcode.Sne:
			f.IP++
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(stringOf(a) != stringOf(b)))
		case opcode.Slt:
			f.IP++
			b, a := f.Pop(), f.Pop()
			f.Push(value.Bool(stringOf(a) < stringOf(b)))
		case opcode.ToString:
			f.IP++
			v := f.Pop()
			s := value.ToDisplayString(v, func(pv value.Value) string { return in.classNameOf(pv) })
			f.Push(heap.ToValue(in.allocString(s)))

		// ----- exceptions -----
		case opcode.Try:
			handlerIdx := u16(code, f.IP+1)
			f.IP += 7
			exc := f.Func.Exceptions[handlerIdx]
			f.Handlers = append(f.Handlers, Handler{
				CatchIP:      exc.CatchIP,
				FinallyIP:    exc.FinallyIP,
				StackDepth:   len(f.Operands),
				FrameCount:   len(*frames),
				CatchDestReg: exc.CatchDestReg,
			})
		case opcode.EndTry:
			f.IP++
			if len(f.Handlers) > 0 {
				f.Handlers = f.Handlers[:len(f.Handlers)-1]
			}
			if r, cont, had := in.rethrowPendingIfAny(frames); had {
				return r, cont
			}
		case opcode.Throw:
			exc := f.Pop()
			return in.throw(frames, exc)
		case opcode.Rethrow:
			return in.throw(frames, in.LastCaught)

		// ----- concurrency -----
		case opcode.Spawn:
			f.IP++
			argCount := int(f.Pop().AsI32())
			args := f.PopN(argCount)
			funcIdx := uint32(f.Pop().AsI32())
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			f.Push(rt.Spawn(funcIdx, args))

		case opcode.Await:
			f.IP++
			if f.PendingResume != nil {
				f.DropN(1)
				f.Push(*f.PendingResume)
				f.PendingResume = nil
				break
			}
			h := f.Peek()
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			v, ok := rt.Await(h)
			if !ok {
				f.IP--
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendAwaitTask, SuspendPayload: h}, false
			}
			f.DropN(1)
			f.Push(v)

		case opcode.ChannelSend:
			f.IP++
			if f.PendingResume != nil {
				f.DropN(2)
				f.Push(value.Null)
				f.PendingResume = nil
				break
			}
			v, ch := f.PeekAt(0), f.PeekAt(1)
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			ok, err := rt.ChannelSend(ch, v)
			if err != nil {
				f.IP--
				return in.throwRuntimeFault(frames, err.Error())
			}
			if !ok {
				f.IP--
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendChannelSend, SuspendPayload: ch}, false
			}
			f.DropN(2)
			f.Push(value.Null)

		case opcode.ChannelRecv:
			f.IP++
			if f.PendingResume != nil {
				f.DropN(1)
				if f.PendingClosed {
					f.Push(value.Null)
					f.Push(value.Bool(true))
				} else {
					f.Push(*f.PendingResume)
					f.Push(value.Bool(false))
				}
				f.PendingResume = nil
				f.PendingClosed = false
				break
			}
			ch := f.Peek()
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			v, closed, ok := rt.ChannelRecv(ch)
			if !ok {
				f.IP--
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendChannelRecv, SuspendPayload: ch}, false
			}
			f.DropN(1)
			f.Push(v)
			f.Push(value.Bool(closed))

		case opcode.Lock:
			f.IP++
			if f.PendingResume != nil {
				f.DropN(1)
				f.Push(value.Null)
				f.PendingResume = nil
				break
			}
			m := f.Peek()
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			ok, err := rt.Lock(m)
			if err != nil {
				f.IP--
				return in.throwRuntimeFault(frames, err.Error())
			}
			if !ok {
				f.IP--
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendMutex, SuspendPayload: m}, false
			}
			f.DropN(1)
			f.Push(value.Null)

		case opcode.Unlock:
			f.IP++
			m := f.Pop()
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			if err := rt.Unlock(m); err != nil {
				return in.throwRuntimeFault(frames, err.Error())
			}
			f.Push(value.Null)

		case opcode.SemAcquire:
			f.IP++
			if f.PendingResume != nil {
				f.DropN(2)
				f.Push(value.Null)
				f.PendingResume = nil
				break
			}
			n, s := f.PeekAt(0).AsI32(), f.PeekAt(1)
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			if !rt.SemAcquire(s, n) {
				f.IP--
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendSemaphore, SuspendPayload: s}, false
			}
			f.DropN(2)
			f.Push(value.Null)

		case opcode.SemRelease:
			f.IP++
			n := f.Pop().AsI32()
			s := f.Pop()
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			rt.SemRelease(s, n)
			f.Push(value.Null)

		case opcode.Sleep:
			f.IP++
			if f.PendingResume != nil {
				f.DropN(1)
				f.Push(value.Null)
				f.PendingResume = nil
				break
			}
			ms := f.Peek().AsI32()
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			rt.Sleep(time.Duration(ms) * time.Millisecond)
			f.IP--
			return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendSleep}, false

		case opcode.Yield:
			f.IP++
			if f.PendingResume != nil {
				f.Push(value.Null)
				f.PendingResume = nil
				break
			}
			if rt != nil {
				rt.Yield()
			}
			f.IP--
			return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendYielded}, false

		case opcode.SafepointPoll:
			f.IP++

		default:
			return in.throwRuntimeFault(frames, "unknown opcode")
		}

		if int(f.IP) >= len(code) {
			return in.throwRuntimeFault(frames, "fell off the end of function body")
		}
	}
}

func (in *Interpreter) throwRuntimeFault(frames *[]*Frame, msg string) (Result, bool) {
	exc := in.newErrorValue("RuntimeError", msg)
	return in.throw(frames, exc)
}

func stringOf(v value.Value) string {
	p, _ := v.AsPtr()
	so := (*heap.StringObj)(p)
	return string(so.Bytes)
}

func classIDOf(v value.Value) uint32 {
	p, _ := v.AsPtr()
	o := (*heap.ObjectObj)(p)
	return o.Class
}

func (in *Interpreter) classNameOf(v value.Value) string {
	if !v.IsPtr() {
		return "object"
	}
	_, typeID := v.AsPtr()
	if typeID != 0 {
		if info := in.Types.Lookup(typeID); info != nil && info.Name != "" {
			if info.Name == "Object" {
				classID := classIDOf(v)
				if int(classID) < len(in.Module.Classes) {
					return in.Module.Classes[classID].Name
				}
			}
			return info.Name
		}
	}
	return "object"
}

// resolveMethod walks the class's precomputed vtable (its own methods,
// then its parent chain) for name: method dispatch is a single
// indirection keyed by class id.
func (in *Interpreter) resolveMethod(classID uint32, name string) (uint32, bool) {
	id := int32(classID)
	for id >= 0 {
		cls := &in.Module.Classes[id]
		if fnIdx, ok := cls.Methods[name]; ok {
			return fnIdx, true
		}
		id = cls.ParentID
	}
	return 0, false
}
