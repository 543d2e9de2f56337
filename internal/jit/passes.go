package jit

// Optimize runs the pass pipeline in its fixed order: constant folding,
// dead-code elimination to a fixed point, then φ-elimination so the code
// generator never sees a φ.
func Optimize(f *Func) {
	FoldConstants(f)
	EliminateDeadCode(f)
	EliminatePhis(f)
}

type constKind int

const (
	constNone constKind = iota
	constI32
	constF64
	constNull
	constBool
)

type constVal struct {
	kind constKind
	i    int32
	f    float64
	b    bool
}

// FoldConstants replaces instructions whose operands are all known
// constants with the constant result. Division and modulo fold only on a
// non-zero divisor; a zero divisor stays live so the runtime trap fires.
func FoldConstants(f *Func) {
	known := make(map[Reg]constVal)
	for _, blk := range f.Blocks {
		for i := range blk.Instrs {
			in := &blk.Instrs[i]
			switch in.Op {
			case OpConstI32:
				known[in.Dst] = constVal{kind: constI32, i: in.ImmI}
			case OpConstF64:
				known[in.Dst] = constVal{kind: constF64, f: in.ImmF}
			case OpConstNull:
				known[in.Dst] = constVal{kind: constNull}
			default:
				if folded, ok := foldInstr(in, known); ok {
					*in = folded
					switch folded.Op {
					case OpConstI32:
						known[folded.Dst] = constVal{kind: constI32, i: folded.ImmI}
					case OpConstF64:
						known[folded.Dst] = constVal{kind: constF64, f: folded.ImmF}
					}
				}
			}
		}
	}
}

func foldInstr(in *Instr, known map[Reg]constVal) (Instr, bool) {
	a, aok := known[in.A]
	b, bok := known[in.B]

	switch in.Op {
	case OpIneg:
		if aok && a.kind == constI32 {
			return Instr{Op: OpConstI32, Dst: in.Dst, ImmI: -a.i}, true
		}
	case OpInot:
		if aok && a.kind == constI32 {
			return Instr{Op: OpConstI32, Dst: in.Dst, ImmI: ^a.i}, true
		}
	case OpFneg:
		if aok && a.kind == constF64 {
			return Instr{Op: OpConstF64, Dst: in.Dst, ImmF: -a.f}, true
		}
	case OpIadd, OpIsub, OpImul, OpIdiv, OpImod, OpIshl, OpIshr, OpIand, OpIor, OpIxor:
		if aok && bok && a.kind == constI32 && b.kind == constI32 {
			if (in.Op == OpIdiv || in.Op == OpImod) && b.i == 0 {
				return Instr{}, false
			}
			return Instr{Op: OpConstI32, Dst: in.Dst, ImmI: foldI32(in.Op, a.i, b.i)}, true
		}
	case OpFadd, OpFsub, OpFmul, OpFdiv:
		if aok && bok && a.kind == constF64 && b.kind == constF64 {
			return Instr{Op: OpConstF64, Dst: in.Dst, ImmF: foldF64(in.Op, a.f, b.f)}, true
		}
	}
	return Instr{}, false
}

func foldI32(op Op, a, b int32) int32 {
	switch op {
	case OpIadd:
		return a + b
	case OpIsub:
		return a - b
	case OpImul:
		return a * b
	case OpIdiv:
		return a / b
	case OpImod:
		return a % b
	case OpIshl:
		return a << (uint32(b) & 31)
	case OpIshr:
		return a >> (uint32(b) & 31)
	case OpIand:
		return a & b
	case OpIor:
		return a | b
	case OpIxor:
		return a ^ b
	}
	return 0
}

func foldF64(op Op, a, b float64) float64 {
	switch op {
	case OpFadd:
		return a + b
	case OpFsub:
		return a - b
	case OpFmul:
		return a * b
	case OpFdiv:
		return a / b
	}
	return 0
}

// EliminateDeadCode removes instructions whose results are never used,
// iterating use-def marking to a fixed point. Instructions that can trap
// (integer division and modulo) are roots regardless of their uses.
func EliminateDeadCode(f *Func) {
	for {
		used := make(map[Reg]bool)
		mark := func(r Reg) {
			if r != NoReg {
				used[r] = true
			}
		}
		for _, blk := range f.Blocks {
			mark(blk.Term.A)
			for _, p := range blk.Phis {
				for _, a := range p.Args {
					mark(a)
				}
			}
			for _, in := range blk.Instrs {
				if in.Op == OpIdiv || in.Op == OpImod {
					mark(in.A)
					mark(in.B)
				}
			}
		}

		// Propagate: an instruction whose Dst is used makes its operands
		// used; iterate within this round until stable.
		for changed := true; changed; {
			changed = false
			for _, blk := range f.Blocks {
				for _, in := range blk.Instrs {
					if !used[in.Dst] {
						continue
					}
					if usesA(in.Op) && in.A >= 0 && !used[in.A] {
						used[in.A] = true
						changed = true
					}
					if usesB(in.Op) && in.B >= 0 && !used[in.B] {
						used[in.B] = true
						changed = true
					}
				}
				for _, p := range blk.Phis {
					if !used[p.Dst] {
						continue
					}
					for _, a := range p.Args {
						if a >= 0 && !used[a] {
							used[a] = true
							changed = true
						}
					}
				}
			}
		}

		removed := false
		for _, blk := range f.Blocks {
			kept := blk.Instrs[:0]
			for _, in := range blk.Instrs {
				if used[in.Dst] || in.Op == OpIdiv || in.Op == OpImod {
					kept = append(kept, in)
				} else {
					removed = true
				}
			}
			blk.Instrs = kept

			keptPhis := blk.Phis[:0]
			for _, p := range blk.Phis {
				if used[p.Dst] {
					keptPhis = append(keptPhis, p)
				} else {
					removed = true
				}
			}
			blk.Phis = keptPhis
		}
		if !removed {
			return
		}
	}
}

func usesA(op Op) bool {
	switch op {
	case OpConstI32, OpConstF64, OpConstStr, OpConstNull, OpPhi:
		return false
	}
	return true
}

func usesB(op Op) bool {
	switch op {
	case OpConstI32, OpConstF64, OpConstStr, OpConstNull, OpPhi,
		OpCopy, OpIneg, OpInot, OpFneg, OpNot:
		return false
	}
	return true
}

// EliminatePhis lowers each φ into copies at the end of its predecessors,
// before their terminators, leaving a φ-free function for the code
// generator.
func EliminatePhis(f *Func) {
	for _, blk := range f.Blocks {
		for _, p := range blk.Phis {
			for pi, pred := range blk.Preds {
				if pi >= len(p.Args) {
					continue
				}
				src := p.Args[pi]
				if src == NoReg || src == p.Dst {
					continue
				}
				pb := f.Blocks[pred]
				pb.Instrs = append(pb.Instrs, Instr{Op: OpCopy, Dst: p.Dst, A: src})
			}
		}
		blk.Phis = nil
	}
}
