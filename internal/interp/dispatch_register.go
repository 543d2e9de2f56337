package interp

import (
	"time"

	"raya/internal/bytecode"
	"raya/internal/heap"
	"raya/internal/opcode"
	"raya/internal/typereg"
	"raya/internal/value"
)

// Register-mode instructions use two fixed shapes: ABC is 4 bytes
// (opcode, A, B, C, each a register number), ABx is 8 bytes (opcode, A, a
// 16-bit Bx immediate, a trailing 32-bit extra word used for call
// argument counts and array lengths that don't fit in Bx). Fixed widths
// keep the codegen ABI simpler than the stack encoding's variable-width
// inline operands.

func regA(code []byte, ip uint32) byte { return code[ip+1] }
func regB(code []byte, ip uint32) byte { return code[ip+2] }
func regC(code []byte, ip uint32) byte { return code[ip+3] }
func regBx(code []byte, ip uint32) uint16 {
	return uint16(code[ip+2]) | uint16(code[ip+3])<<8
}
func regExtra(code []byte, ip uint32) uint32 {
	return uint32(code[ip+4]) | uint32(code[ip+5])<<8 | uint32(code[ip+6])<<16 | uint32(code[ip+7])<<24
}

func regWidth(op opcode.OpCode) uint32 {
	if op.RegisterShape() == opcode.ShapeABx {
		return 8
	}
	return 4
}

// stepRegister is the register-mode counterpart of stepStack: the same
// opcode set, addressed through a fixed register file (f.Registers) instead
// of an implicit operand stack. Calls, object/closure construction and
// concurrency opcodes never need to peek-before-commit here the way the
// stack tier does, since reading a register is non-destructive — on
// suspend the handler simply returns without having mutated anything.
func (in *Interpreter) stepRegister(taskID uint64, frames *[]*Frame, f *Frame, rt Runtime) (Result, bool) {
	code := f.Func.Code

	for {
		op := opcode.OpCode(code[f.IP])
		ip := f.IP

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
		case opcode.ConstI32:
			f.Registers[regA(code, ip)] = value.I32(in.Module.Constants.I32s[regBx(code, ip)])
			f.IP += regWidth(op)
		case opcode.ConstF64:
			f.Registers[regA(code, ip)] = value.F64(in.Module.Constants.F64s[regBx(code, ip)])
			f.IP += regWidth(op)
		case opcode.ConstStr:
			s := in.Module.Constants.Strings[regBx(code, ip)]
			f.Registers[regA(code, ip)] = heap.ToValue(in.allocString(s))
			f.IP += regWidth(op)
		case opcode.ConstNull:
			f.Registers[regA(code, ip)] = value.Null
			f.IP += regWidth(op)

		case opcode.LoadLocal:
			f.Registers[regA(code, ip)] = f.Locals[regBx(code, ip)]
			f.IP += regWidth(op)
		case opcode.StoreLocal:
			f.Locals[regBx(code, ip)] = f.Registers[regA(code, ip)]
			f.IP += regWidth(op)

		case opcode.Iadd, opcode.Isub, opcode.Imul, opcode.Idiv, opcode.Imod,
			opcode.Ishl, opcode.Ishr, opcode.Iushr, opcode.Iand, opcode.Ior, opcode.Ixor:
			a, b := f.Registers[regB(code, ip)], f.Registers[regC(code, ip)]
			res, err := intBinOp(op, a.AsI32(), b.AsI32())
			if err != nil {
				return in.throwRuntimeFault(frames, err.Error())
			}
			f.Registers[regA(code, ip)] = value.I32(res)
			f.IP += regWidth(op)
		case opcode.Ineg:
			f.Registers[regA(code, ip)] = value.I32(-f.Registers[regB(code, ip)].AsI32())
			f.IP += regWidth(op)
		case opcode.Inot:
			f.Registers[regA(code, ip)] = value.I32(^f.Registers[regB(code, ip)].AsI32())
			f.IP += regWidth(op)

		case opcode.Fadd, opcode.Fsub, opcode.Fmul, opcode.Fdiv:
			a, b := f.Registers[regB(code, ip)], f.Registers[regC(code, ip)]
			f.Registers[regA(code, ip)] = value.F64(floatBinOp(op, a.AsF64(), b.AsF64()))
			f.IP += regWidth(op)
		case opcode.Fneg:
			f.Registers[regA(code, ip)] = value.F64(-f.Registers[regB(code, ip)].AsF64())
			f.IP += regWidth(op)

		case opcode.Ieq, opcode.Ine, opcode.Ilt, opcode.Ile, opcode.Igt, opcode.Ige:
			a, b := f.Registers[regB(code, ip)], f.Registers[regC(code, ip)]
			f.Registers[regA(code, ip)] = value.Bool(intCompare(op, a.AsI32(), b.AsI32()))
			f.IP += regWidth(op)
		case opcode.Feq, opcode.Fne, opcode.Flt, opcode.Fle, opcode.Fgt, opcode.Fge:
			a, b := f.Registers[regB(code, ip)], f.Registers[regC(code, ip)]
			f.Registers[regA(code, ip)] = value.Bool(floatCompare(op, a.AsF64(), b.AsF64()))
			f.IP += regWidth(op)
		case opcode.Eq, opcode.StrictEq:
			a, b := f.Registers[regB(code, ip)], f.Registers[regC(code, ip)]
			f.Registers[regA(code, ip)] = value.Bool(value.Identical(a, b))
			f.IP += regWidth(op)
		case opcode.Not:
			f.Registers[regA(code, ip)] = value.Bool(!f.Registers[regB(code, ip)].Truthy())
			f.IP += regWidth(op)
		case opcode.And:
			a, b := f.Registers[regB(code, ip)], f.Registers[regC(code, ip)]
			f.Registers[regA(code, ip)] = value.Bool(a.Truthy() && b.Truthy())
			f.IP += regWidth(op)
		case opcode.Or:
			a, b := f.Registers[regB(code, ip)], f.Registers[regC(code, ip)]
			f.Registers[regA(code, ip)] = value.Bool(a.Truthy() || b.Truthy())
			f.IP += regWidth(op)

		case opcode.Jmp:
			f.IP = uint32(regBx(code, ip))
		case opcode.JmpIfTrue:
			if f.Registers[regA(code, ip)].Truthy() {
				f.IP = uint32(regBx(code, ip))
			} else {
				f.IP += regWidth(op)
			}
		case opcode.JmpIfFalse:
			if !f.Registers[regA(code, ip)].Truthy() {
				f.IP = uint32(regBx(code, ip))
			} else {
				f.IP += regWidth(op)
			}

		case opcode.Call:
			dest := regA(code, ip)
			fnIdx := regBx(code, ip)
			f.IP += regWidth(op)
			callee := &in.Module.Functions[fnIdx]
			args := append([]value.Value(nil), f.Registers[int(dest)+1:int(dest)+1+int(callee.ParamCount)]...)
			child := NewFrame(callee, callee.Name, args)
			child.ReturnReg = dest
			*frames = append(*frames, child)
			return Result{}, true

		case opcode.CallClosure:
			dest := regA(code, ip)
			argCount := int(regExtra(code, ip))
			f.IP += regWidth(op)
			closureVal := f.Registers[dest]
			args := append([]value.Value(nil), f.Registers[int(dest)+1:int(dest)+1+argCount]...)
			p, _ := closureVal.AsPtr()
			cl := (*heap.ClosureObj)(p)
			callee := &in.Module.Functions[cl.FuncID]
			child := NewFrame(callee, callee.Name, args)
			child.Captures = cl.Captures
			child.ReturnReg = dest
			*frames = append(*frames, child)
			return Result{}, true

		case opcode.CallMethod:
			dest := regA(code, ip)
			nameIdx := regBx(code, ip)
			argCount := int(regExtra(code, ip))
			f.IP += regWidth(op)
			methodName := in.Module.Constants.Strings[nameIdx]
			receiver := f.Registers[dest]
			classID := classIDOf(receiver)
			fnIdx, ok := in.resolveMethod(classID, methodName)
			if !ok {
				return in.throwRuntimeFault(frames, "no such method: "+methodName)
			}
			callee := &in.Module.Functions[fnIdx]
			args := append([]value.Value{receiver}, f.Registers[int(dest)+1:int(dest)+1+argCount]...)
			child := NewFrame(callee, callee.Name, args)
			child.ReturnReg = dest
			*frames = append(*frames, child)
			return Result{}, true

		case opcode.Return:
			retVal := f.Registers[regA(code, ip)]
			*frames = (*frames)[:len(*frames)-1]
			if len(*frames) == 0 {
				return Result{Outcome: OutcomeReturned, Value: retVal}, false
			}
			caller := (*frames)[len(*frames)-1]
			if caller.Func.Encoding == bytecode.EncodingRegister {
				caller.Registers[f.ReturnReg] = retVal
			} else {
				caller.Push(retVal)
			}
			return Result{}, true
		case opcode.ReturnVoid:
			*frames = (*frames)[:len(*frames)-1]
			if len(*frames) == 0 {
				return Result{Outcome: OutcomeReturned, Value: value.Null}, false
			}
			caller := (*frames)[len(*frames)-1]
			if caller.Func.Encoding == bytecode.EncodingRegister {
				caller.Registers[f.ReturnReg] = value.Null
			}
			return Result{}, true

		case opcode.New:
			dest := regA(code, ip)
			classID := regBx(code, ip)
			f.IP += regWidth(op)
			cls := &in.Module.Classes[classID]
			fields := make([]value.Value, len(cls.Fields))
			f.Registers[dest] = heap.ToValue(in.allocObject(uint32(classID), fields))
		case opcode.NewArray:
			dest := regA(code, ip)
			elemTy := typereg.TypeID(regBx(code, ip))
			lengthReg := byte(regExtra(code, ip))
			f.IP += regWidth(op)
			n := f.Registers[lengthReg].AsI32()
			slots := make([]value.Value, n)
			f.Registers[dest] = heap.ToValue(in.allocArray(elemTy, slots))

		case opcode.LoadField, opcode.LoadFieldFast:
			dest, slot, objReg := regA(code, ip), regBx(code, ip), byte(regExtra(code, ip))
			f.IP += regWidth(op)
			p, _ := f.Registers[objReg].AsPtr()
			o := (*heap.ObjectObj)(p)
			f.Registers[dest] = o.Fields[slot]
		case opcode.StoreField, opcode.StoreFieldFast:
			valReg, slot, objReg := regA(code, ip), regBx(code, ip), byte(regExtra(code, ip))
			f.IP += regWidth(op)
			p, _ := f.Registers[objReg].AsPtr()
			o := (*heap.ObjectObj)(p)
			o.Fields[slot] = f.Registers[valReg]

		case opcode.LoadElem:
			dest, arrReg, idxReg := regA(code, ip), regB(code, ip), regC(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[arrReg].AsPtr()
			a := (*heap.ArrayObj)(p)
			f.Registers[dest] = a.Slots[f.Registers[idxReg].AsI32()]
		case opcode.StoreElem:
			arrReg, idxReg, valReg := regA(code, ip), regB(code, ip), regC(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[arrReg].AsPtr()
			a := (*heap.ArrayObj)(p)
			a.Slots[f.Registers[idxReg].AsI32()] = f.Registers[valReg]
		case opcode.ArrayLen:
			dest, arrReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[arrReg].AsPtr()
			a := (*heap.ArrayObj)(p)
			f.Registers[dest] = value.I32(int32(len(a.Slots)))
		case opcode.ArrayPush:
			arrReg, valReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[arrReg].AsPtr()
			a := (*heap.ArrayObj)(p)
			a.Slots = append(a.Slots, f.Registers[valReg])
		case opcode.ArrayPop:
			dest, arrReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[arrReg].AsPtr()
			a := (*heap.ArrayObj)(p)
			if len(a.Slots) == 0 {
				return in.throwRuntimeFault(frames, "array pop on empty array")
			}
			f.Registers[dest] = a.Slots[len(a.Slots)-1]
			a.Slots = a.Slots[:len(a.Slots)-1]

		case opcode.MakeClosure:
			dest := regA(code, ip)
			fnIdx := uint32(regBx(code, ip))
			n := int(regExtra(code, ip))
			f.IP += regWidth(op)
			captures := append([]value.Value(nil), f.Registers[int(dest)+1:int(dest)+1+n]...)
			f.Registers[dest] = heap.ToValue(in.allocClosure(fnIdx, captures))
		case opcode.LoadCaptured:
			dest, idx := regA(code, ip), regBx(code, ip)
			f.IP += regWidth(op)
			f.Registers[dest] = f.Captures[idx]
		case opcode.StoreCaptured:
			src, idx := regA(code, ip), regBx(code, ip)
			f.IP += regWidth(op)
			f.Captures[idx] = f.Registers[src]
		case opcode.SetClosureCapture:
			closureReg, idxReg, valReg := regA(code, ip), regB(code, ip), regC(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[closureReg].AsPtr()
			cl := (*heap.ClosureObj)(p)
			cl.Captures[f.Registers[idxReg].AsI32()] = f.Registers[valReg]
		case opcode.NewRefCell:
			dest, initReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			f.Registers[dest] = heap.ToValue(in.allocRefCell(f.Registers[initReg]))
		case opcode.LoadRefCell:
			dest, cellReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[cellReg].AsPtr()
			f.Registers[dest] = (*heap.RefCellObj)(p).Cell
		case opcode.StoreRefCell:
			cellReg, valReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			p, _ := f.Registers[cellReg].AsPtr()
			(*heap.RefCellObj)(p).Cell = f.Registers[valReg]

		case opcode.Sconcat:
			dest, aReg, bReg := regA(code, ip), regB(code, ip), regC(code, ip)
			f.IP += regWidth(op)
			f.Registers[dest] = heap.ToValue(in.allocString(stringOf(f.Registers[aReg]) + stringOf(f.Registers[bReg])))
		case opcode.Slen:
			dest, srcReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			f.Registers[dest] = value.I32(int32(len(stringOf(f.Registers[srcReg]))))
		case opcode.Seq:
			dest, aReg, bReg := regA(code, ip), regB(code, ip), regC(code, ip)
			f.IP += regWidth(op)
			f.Registers[dest] = value.Bool(stringOf(f.Registers[aReg]) == stringOf(f.Registers[bReg]))
		case opcode.Sne:
			dest, aReg, bReg := regA(code, ip), regB(code, ip), regC(code, ip)
			f.IP += regWidth(op)
			f.Registers[dest] = value.Bool(stringOf(f.Registers[aReg]) != stringOf(f.Registers[bReg]))
		case opcode.Slt:
			dest, aReg, bReg := regA(code, ip), regB(code, ip), regC(code, ip)
			f.IP += regWidth(op)
			f.Registers[dest] = value.Bool(stringOf(f.Registers[aReg]) < stringOf(f.Registers[bReg]))
		case opcode.ToString:
			dest, srcReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			s := value.ToDisplayString(f.Registers[srcReg], func(pv value.Value) string { return in.classNameOf(pv) })
			f.Registers[dest] = heap.ToValue(in.allocString(s))

		case opcode.Try:
			handlerIdx := regBx(code, ip)
			f.IP += regWidth(op)
			exc := f.Func.Exceptions[handlerIdx]
			f.Handlers = append(f.Handlers, Handler{
				CatchIP:      exc.CatchIP,
				FinallyIP:    exc.FinallyIP,
				StackDepth:   len(f.Operands),
				FrameCount:   len(*frames),
				CatchDestReg: exc.CatchDestReg,
			})
		case opcode.EndTry:
			f.IP += regWidth(op)
			if len(f.Handlers) > 0 {
				f.Handlers = f.Handlers[:len(f.Handlers)-1]
			}
			if r, cont, had := in.rethrowPendingIfAny(frames); had {
				return r, cont
			}
		case opcode.Throw:
			exc := f.Registers[regA(code, ip)]
			return in.throw(frames, exc)
		case opcode.Rethrow:
			return in.throw(frames, in.LastCaught)

		case opcode.Spawn:
			dest, funcReg, argBase := regA(code, ip), regB(code, ip), regC(code, ip)
			argCount := int(regExtra(code, ip))
			f.IP += regWidth(op)
			funcIdx := uint32(f.Registers[funcReg].AsI32())
			args := append([]value.Value(nil), f.Registers[argBase:int(argBase)+argCount]...)
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			f.Registers[dest] = rt.Spawn(funcIdx, args)

		case opcode.Await:
			dest, handleReg := regA(code, ip), regB(code, ip)
			if f.PendingResume != nil {
				f.Registers[dest] = *f.PendingResume
				f.PendingResume = nil
				f.IP += regWidth(op)
				break
			}
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			v, ok := rt.Await(f.Registers[handleReg])
			if !ok {
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendAwaitTask, SuspendPayload: f.Registers[handleReg]}, false
			}
			f.Registers[dest] = v
			f.IP += regWidth(op)

		case opcode.ChannelSend:
			chReg, valReg := regA(code, ip), regB(code, ip)
			if f.PendingResume != nil {
				f.PendingResume = nil
				f.IP += regWidth(op)
				break
			}
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			ok, err := rt.ChannelSend(f.Registers[chReg], f.Registers[valReg])
			if err != nil {
				return in.throwRuntimeFault(frames, err.Error())
			}
			if !ok {
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendChannelSend, SuspendPayload: f.Registers[chReg]}, false
			}
			f.IP += regWidth(op)

		case opcode.ChannelRecv:
			dest, chReg := regA(code, ip), regB(code, ip)
			if f.PendingResume != nil {
				if f.PendingClosed {
					f.Registers[dest] = value.Null
				} else {
					f.Registers[dest] = *f.PendingResume
				}
				f.PendingResume = nil
				f.PendingClosed = false
				f.IP += regWidth(op)
				break
			}
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			v, _, ok := rt.ChannelRecv(f.Registers[chReg])
			if !ok {
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendChannelRecv, SuspendPayload: f.Registers[chReg]}, false
			}
			f.Registers[dest] = v
			f.IP += regWidth(op)

		case opcode.Lock:
			mutexReg := regA(code, ip)
			if f.PendingResume != nil {
				f.PendingResume = nil
				f.IP += regWidth(op)
				break
			}
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			ok, err := rt.Lock(f.Registers[mutexReg])
			if err != nil {
				return in.throwRuntimeFault(frames, err.Error())
			}
			if !ok {
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendMutex, SuspendPayload: f.Registers[mutexReg]}, false
			}
			f.IP += regWidth(op)
		case opcode.Unlock:
			mutexReg := regA(code, ip)
			f.IP += regWidth(op)
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			if err := rt.Unlock(f.Registers[mutexReg]); err != nil {
				return in.throwRuntimeFault(frames, err.Error())
			}

		case opcode.SemAcquire:
			semReg, nReg := regA(code, ip), regB(code, ip)
			if f.PendingResume != nil {
				f.PendingResume = nil
				f.IP += regWidth(op)
				break
			}
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			if !rt.SemAcquire(f.Registers[semReg], f.Registers[nReg].AsI32()) {
				return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendSemaphore, SuspendPayload: f.Registers[semReg]}, false
			}
			f.IP += regWidth(op)
		case opcode.SemRelease:
			semReg, nReg := regA(code, ip), regB(code, ip)
			f.IP += regWidth(op)
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			rt.SemRelease(f.Registers[semReg], f.Registers[nReg].AsI32())

		case opcode.Sleep:
			msReg := regA(code, ip)
			if f.PendingResume != nil {
				f.PendingResume = nil
				f.IP += regWidth(op)
				break
			}
			if rt == nil {
				return in.throwRuntimeFault(frames, "concurrency unavailable")
			}
			rt.Sleep(time.Duration(f.Registers[msReg].AsI32()) * time.Millisecond)
			return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendSleep}, false

		case opcode.Yield:
			if f.PendingResume != nil {
				f.PendingResume = nil
				f.IP += regWidth(op)
				break
			}
			if rt != nil {
				rt.Yield()
			}
			return Result{Outcome: OutcomeSuspended, SuspendReason: SuspendYielded}, false

		case opcode.SafepointPoll:
			f.IP += regWidth(op)

		case opcode.Pop, opcode.Dup:
			// Never emitted by a register-mode codegen; present only
			// because the opcode space is shared with the stack tier.
			f.IP += regWidth(op)

		case opcode.ArrayLiteral, opcode.ObjectLiteral:
			return in.throwRuntimeFault(frames, op.String()+" is stack-encoding only")

		default:
			return in.throwRuntimeFault(frames, "unknown opcode")
		}

		if int(f.IP) >= len(code) {
			return in.throwRuntimeFault(frames, "fell off the end of function body")
		}
	}
}
