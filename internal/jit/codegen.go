package jit

import (
	"raya/internal/value"
)

// Compile turns an optimized, φ-free Func into a closure-threaded
// CompiledFunc: each instruction becomes one prebound closure, blocks
// become closure slices, and the dispatch loop threads a register file
// through them. Back edges poll the safepoint helper and suspend by
// spilling the register file into the frame and returning the sentinel.
func Compile(f *Func) CompiledFunc {
	type step func(regs []value.Value, ctx *Context) bool // false = fault raised

	type cblock struct {
		steps []step
		term  Instr
	}

	blocks := make([]cblock, len(f.Blocks))
	for bi, blk := range f.Blocks {
		cb := cblock{term: blk.Term}
		for _, in := range blk.Instrs {
			cb.steps = append(cb.steps, compileInstr(in))
		}
		blocks[bi] = cb
	}

	params := f.Params
	numRegs := f.NumRegs
	backEdge := f.BackEdges

	return func(fr *Frame, ctx *Context) value.Value {
		var regs []value.Value
		bb := 0
		if fr.Resume != 0 {
			// Resume points are stored 1-based so a loop back to the entry
			// block is distinguishable from a fresh call.
			bb = fr.Resume - 1
			regs = fr.Spill
			fr.Resume = 0
			fr.Spill = nil
		} else {
			regs = make([]value.Value, numRegs)
			for i := 0; i < params && i < len(fr.Locals); i++ {
				regs[i] = fr.Locals[i]
			}
		}

		for {
			cb := &blocks[bb]
			for _, st := range cb.steps {
				if !st(regs, ctx) {
					return value.Null
				}
			}
			switch cb.term.Op {
			case OpRet:
				return regs[cb.term.A]
			case OpRetVoid:
				return value.Null
			case OpJmp:
				next := cb.term.Target
				if backEdge[bb] && next <= bb && ctx.Helpers.SafepointPoll() {
					fr.Resume = next + 1
					fr.Spill = regs
					return value.Suspend
				}
				bb = next
			case OpBr:
				next := cb.term.AltTarget
				if regs[cb.term.A].Truthy() {
					next = cb.term.Target
				}
				if backEdge[bb] && next <= bb && ctx.Helpers.SafepointPoll() {
					fr.Resume = next + 1
					fr.Spill = regs
					return value.Suspend
				}
				bb = next
			default:
				return value.Null
			}
		}
	}
}

func compileInstr(in Instr) func(regs []value.Value, ctx *Context) bool {
	dst, a, b := in.Dst, in.A, in.B
	switch in.Op {
	case OpConstI32:
		v := value.I32(in.ImmI)
		return func(regs []value.Value, ctx *Context) bool { regs[dst] = v; return true }
	case OpConstF64:
		v := value.F64(in.ImmF)
		return func(regs []value.Value, ctx *Context) bool { regs[dst] = v; return true }
	case OpConstStr:
		idx := uint32(in.ImmS)
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = ctx.Helpers.LoadConstStr(idx)
			return true
		}
	case OpConstNull:
		return func(regs []value.Value, ctx *Context) bool { regs[dst] = value.Null; return true }
	case OpCopy:
		return func(regs []value.Value, ctx *Context) bool { regs[dst] = regs[a]; return true }

	case OpIadd:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() + regs[b].AsI32())
			return true
		}
	case OpIsub:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() - regs[b].AsI32())
			return true
		}
	case OpImul:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() * regs[b].AsI32())
			return true
		}
	case OpIdiv:
		return func(regs []value.Value, ctx *Context) bool {
			d := regs[b].AsI32()
			if d == 0 {
				exc := ctx.Helpers.NewError("RuntimeError", "division by zero")
				ctx.Thrown = &exc
				return false
			}
			regs[dst] = value.I32(regs[a].AsI32() / d)
			return true
		}
	case OpImod:
		return func(regs []value.Value, ctx *Context) bool {
			d := regs[b].AsI32()
			if d == 0 {
				exc := ctx.Helpers.NewError("RuntimeError", "modulo by zero")
				ctx.Thrown = &exc
				return false
			}
			regs[dst] = value.I32(regs[a].AsI32() % d)
			return true
		}
	case OpIneg:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(-regs[a].AsI32())
			return true
		}
	case OpIshl:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() << (uint32(regs[b].AsI32()) & 31))
			return true
		}
	case OpIshr:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() >> (uint32(regs[b].AsI32()) & 31))
			return true
		}
	case OpIushr:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(int32(uint32(regs[a].AsI32()) >> (uint32(regs[b].AsI32()) & 31)))
			return true
		}
	case OpIand:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() & regs[b].AsI32())
			return true
		}
	case OpIor:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() | regs[b].AsI32())
			return true
		}
	case OpIxor:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(regs[a].AsI32() ^ regs[b].AsI32())
			return true
		}
	case OpInot:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.I32(^regs[a].AsI32())
			return true
		}

	case OpFadd:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.F64(regs[a].AsF64() + regs[b].AsF64())
			return true
		}
	case OpFsub:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.F64(regs[a].AsF64() - regs[b].AsF64())
			return true
		}
	case OpFmul:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.F64(regs[a].AsF64() * regs[b].AsF64())
			return true
		}
	case OpFdiv:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.F64(regs[a].AsF64() / regs[b].AsF64())
			return true
		}
	case OpFneg:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.F64(-regs[a].AsF64())
			return true
		}

	case OpIeq:
		return intCmp(dst, a, b, func(x, y int32) bool { return x == y })
	case OpIne:
		return intCmp(dst, a, b, func(x, y int32) bool { return x != y })
	case OpIlt:
		return intCmp(dst, a, b, func(x, y int32) bool { return x < y })
	case OpIle:
		return intCmp(dst, a, b, func(x, y int32) bool { return x <= y })
	case OpIgt:
		return intCmp(dst, a, b, func(x, y int32) bool { return x > y })
	case OpIge:
		return intCmp(dst, a, b, func(x, y int32) bool { return x >= y })
	case OpFeq:
		return floatCmp(dst, a, b, func(x, y float64) bool { return x == y })
	case OpFne:
		return floatCmp(dst, a, b, func(x, y float64) bool { return x != y })
	case OpFlt:
		return floatCmp(dst, a, b, func(x, y float64) bool { return x < y })
	case OpFle:
		return floatCmp(dst, a, b, func(x, y float64) bool { return x <= y })
	case OpFgt:
		return floatCmp(dst, a, b, func(x, y float64) bool { return x > y })
	case OpFge:
		return floatCmp(dst, a, b, func(x, y float64) bool { return x >= y })

	case OpEqGeneric:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.Bool(value.Identical(regs[a], regs[b]))
			return true
		}
	case OpNot:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.Bool(!regs[a].Truthy())
			return true
		}
	case OpAnd:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.Bool(regs[a].Truthy() && regs[b].Truthy())
			return true
		}
	case OpOr:
		return func(regs []value.Value, ctx *Context) bool {
			regs[dst] = value.Bool(regs[a].Truthy() || regs[b].Truthy())
			return true
		}
	}

	return func(regs []value.Value, ctx *Context) bool { return true }
}

func intCmp(dst, a, b Reg, cmp func(x, y int32) bool) func([]value.Value, *Context) bool {
	return func(regs []value.Value, ctx *Context) bool {
		regs[dst] = value.Bool(cmp(regs[a].AsI32(), regs[b].AsI32()))
		return true
	}
}

func floatCmp(dst, a, b Reg, cmp func(x, y float64) bool) func([]value.Value, *Context) bool {
	return func(regs []value.Value, ctx *Context) bool {
		regs[dst] = value.Bool(cmp(regs[a].AsF64(), regs[b].AsF64()))
		return true
	}
}
