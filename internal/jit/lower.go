package jit

import (
	"errors"
	"fmt"
	"sort"

	"raya/internal/bytecode"
	"raya/internal/opcode"
)

// ErrNotCompilable marks a function outside the compiled subset (heap
// allocation, calls, concurrency, exceptions); the interpreter remains its
// only tier. The pre-warm heuristic already steers toward the
// arithmetic-dense functions this subset covers.
var ErrNotCompilable = errors.New("jit: function not in compilable subset")

// Lower translates a verified stack-encoded function into IR: basic-block
// discovery, abstract evaluation of the operand stack into virtual
// registers, and φ insertion where locals or stack slots merge.
func Lower(m *bytecode.Module, funcID uint32) (*Func, error) {
	fn := &m.Functions[funcID]
	if fn.Encoding != bytecode.EncodingStack {
		return nil, ErrNotCompilable
	}
	insns, err := decode(fn.Code)
	if err != nil {
		return nil, err
	}

	leaders := findLeaders(insns)
	f := &Func{
		Name:      fn.Name,
		FuncID:    funcID,
		Params:    int(fn.ParamCount),
		BackEdges: make(map[int]bool),
	}

	lw := &lowerer{
		f:       f,
		fn:      fn,
		insns:   insns,
		ipBlock: make(map[uint32]int),
		i32s:    m.Constants.I32s,
		f64s:    m.Constants.F64s,
	}
	lw.buildBlocks(leaders)
	if err := lw.emitAll(); err != nil {
		return nil, err
	}
	lw.fillPhis()
	lw.markBackEdges()
	return f, nil
}

type insn struct {
	ip    uint32
	op    opcode.OpCode
	imm   uint16
	width uint32
}

func decode(code []byte) ([]insn, error) {
	var out []insn
	ip := uint32(0)
	for int(ip) < len(code) {
		op := opcode.OpCode(code[ip])
		w, hasImm := stackWidth(op)
		if w == 0 {
			return nil, ErrNotCompilable
		}
		var imm uint16
		if hasImm {
			if int(ip)+3 > len(code) {
				return nil, fmt.Errorf("jit: truncated operand at %d", ip)
			}
			imm = uint16(code[ip+1]) | uint16(code[ip+2])<<8
		}
		out = append(out, insn{ip: ip, op: op, imm: imm, width: w})
		ip += w
	}
	return out, nil
}

// stackWidth returns the encoded width of a stack-mode instruction within
// the compilable subset, or 0 for anything outside it.
func stackWidth(op opcode.OpCode) (uint32, bool) {
	switch op {
	case opcode.ConstI32, opcode.ConstF64, opcode.ConstStr,
		opcode.LoadLocal, opcode.StoreLocal,
		opcode.Jmp, opcode.JmpIfTrue, opcode.JmpIfFalse:
		return 3, true
	case opcode.ConstNull, opcode.Pop, opcode.Dup,
		opcode.Iadd, opcode.Isub, opcode.Imul, opcode.Idiv, opcode.Imod,
		opcode.Ineg, opcode.Ishl, opcode.Ishr, opcode.Iushr,
		opcode.Iand, opcode.Ior, opcode.Ixor, opcode.Inot,
		opcode.Fadd, opcode.Fsub, opcode.Fmul, opcode.Fdiv, opcode.Fneg,
		opcode.Ieq, opcode.Ine, opcode.Ilt, opcode.Ile, opcode.Igt, opcode.Ige,
		opcode.Feq, opcode.Fne, opcode.Flt, opcode.Fle, opcode.Fgt, opcode.Fge,
		opcode.Eq, opcode.StrictEq, opcode.Not, opcode.And, opcode.Or,
		opcode.Return, opcode.ReturnVoid, opcode.SafepointPoll:
		return 1, false
	default:
		return 0, false
	}
}

func findLeaders(insns []insn) []uint32 {
	set := map[uint32]bool{0: true}
	for i, in := range insns {
		switch in.op {
		case opcode.Jmp, opcode.JmpIfTrue, opcode.JmpIfFalse:
			set[uint32(in.imm)] = true
			if i+1 < len(insns) {
				set[insns[i+1].ip] = true
			}
		case opcode.Return, opcode.ReturnVoid:
			if i+1 < len(insns) {
				set[insns[i+1].ip] = true
			}
		}
	}
	leaders := make([]uint32, 0, len(set))
	for ip := range set {
		leaders = append(leaders, ip)
	}
	sort.Slice(leaders, func(i, j int) bool { return leaders[i] < leaders[j] })
	return leaders
}

// blockState is the abstract machine state at a block boundary.
type blockState struct {
	locals []Reg
	stack  []Reg
	done   bool
}

type lowerer struct {
	f       *Func
	fn      *bytecode.Function
	insns   []insn
	ipBlock map[uint32]int

	// spans[b] is the insn index range of block b.
	spans [][2]int
	exit  []blockState

	// pendingPhis[b] lists φs created before all preds were processed;
	// filled in by fillPhis.
	pendingPhis []bool

	i32s []int32
	f64s []float64
}

func (lw *lowerer) buildBlocks(leaders []uint32) {
	for i, ip := range leaders {
		b := &Block{ID: i}
		lw.f.Blocks = append(lw.f.Blocks, b)
		lw.ipBlock[ip] = i
	}
	lw.spans = make([][2]int, len(leaders))
	lw.exit = make([]blockState, len(leaders))
	lw.pendingPhis = make([]bool, len(leaders))

	// Map insn index ranges onto blocks.
	bi := 0
	for idx, in := range lw.insns {
		if bi+1 < len(leaders) && in.ip >= leaders[bi+1] {
			lw.spans[bi][1] = idx
			bi++
			lw.spans[bi][0] = idx
		}
	}
	lw.spans[bi][1] = len(lw.insns)

	// Successor/predecessor edges.
	for b := range lw.f.Blocks {
		start, end := lw.spans[b][0], lw.spans[b][1]
		if start >= end {
			continue
		}
		last := lw.insns[end-1]
		switch last.op {
		case opcode.Jmp:
			lw.addEdge(b, lw.ipBlock[uint32(last.imm)])
		case opcode.JmpIfTrue, opcode.JmpIfFalse:
			lw.addEdge(b, lw.ipBlock[uint32(last.imm)])
			if b+1 < len(lw.f.Blocks) {
				lw.addEdge(b, b+1)
			}
		case opcode.Return, opcode.ReturnVoid:
		default:
			if b+1 < len(lw.f.Blocks) {
				lw.addEdge(b, b+1)
			}
		}
	}
}

func (lw *lowerer) addEdge(from, to int) {
	lw.f.Blocks[from].Succs = append(lw.f.Blocks[from].Succs, to)
	lw.f.Blocks[to].Preds = append(lw.f.Blocks[to].Preds, from)
}

// entryState computes a block's entry state: the entry block seeds params,
// a single processed pred is copied, and merges (or back edges) get φs.
func (lw *lowerer) entryState(b int) blockState {
	blk := lw.f.Blocks[b]
	nLocals := int(lw.fn.LocalCount)

	if b == 0 {
		st := blockState{locals: make([]Reg, nLocals)}
		for i := 0; i < nLocals; i++ {
			r := lw.f.newReg()
			st.locals[i] = r
			if i >= lw.f.Params {
				blk.Instrs = append(blk.Instrs, Instr{Op: OpConstNull, Dst: r})
			}
		}
		return st
	}

	processed := 0
	var first *blockState
	for _, p := range blk.Preds {
		if lw.exit[p].done {
			if first == nil {
				first = &lw.exit[p]
			}
			processed++
		}
	}
	if first == nil {
		// Unreachable block (e.g. code after an unconditional jump).
		return blockState{locals: make([]Reg, nLocals), done: false}
	}

	if len(blk.Preds) == 1 && processed == 1 {
		st := blockState{
			locals: append([]Reg(nil), first.locals...),
			stack:  append([]Reg(nil), first.stack...),
		}
		return st
	}

	// Merge point or loop header: a φ per local and per stack slot, with
	// the slot depth taken from the first processed predecessor.
	lw.pendingPhis[b] = true
	st := blockState{locals: make([]Reg, nLocals)}
	for i := 0; i < nLocals; i++ {
		r := lw.f.newReg()
		st.locals[i] = r
		blk.Phis = append(blk.Phis, Instr{Op: OpPhi, Dst: r})
	}
	for range first.stack {
		r := lw.f.newReg()
		st.stack = append(st.stack, r)
		blk.Phis = append(blk.Phis, Instr{Op: OpPhi, Dst: r})
	}
	return st
}

func (lw *lowerer) emitAll() error {
	for b := range lw.f.Blocks {
		if err := lw.emitBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (lw *lowerer) emitBlock(b int) error {
	blk := lw.f.Blocks[b]
	st := lw.entryState(b)
	start, end := lw.spans[b][0], lw.spans[b][1]

	push := func(r Reg) { st.stack = append(st.stack, r) }
	pop := func() (Reg, error) {
		if len(st.stack) == 0 {
			return NoReg, fmt.Errorf("jit: operand stack underflow in %s", lw.fn.Name)
		}
		r := st.stack[len(st.stack)-1]
		st.stack = st.stack[:len(st.stack)-1]
		return r, nil
	}

	terminated := false
	for idx := start; idx < end && !terminated; idx++ {
		in := lw.insns[idx]
		switch in.op {
		case opcode.ConstI32:
			r := lw.f.newReg()
			blk.Instrs = append(blk.Instrs, Instr{Op: OpConstI32, Dst: r, ImmI: lw.constI32(in.imm)})
			push(r)
		case opcode.ConstF64:
			r := lw.f.newReg()
			blk.Instrs = append(blk.Instrs, Instr{Op: OpConstF64, Dst: r, ImmF: lw.constF64(in.imm)})
			push(r)
		case opcode.ConstStr:
			r := lw.f.newReg()
			blk.Instrs = append(blk.Instrs, Instr{Op: OpConstStr, Dst: r, ImmS: in.imm})
			push(r)
		case opcode.ConstNull:
			r := lw.f.newReg()
			blk.Instrs = append(blk.Instrs, Instr{Op: OpConstNull, Dst: r})
			push(r)

		case opcode.Pop:
			if _, err := pop(); err != nil {
				return err
			}
		case opcode.Dup:
			if len(st.stack) == 0 {
				return fmt.Errorf("jit: dup on empty stack in %s", lw.fn.Name)
			}
			push(st.stack[len(st.stack)-1])

		case opcode.LoadLocal:
			push(st.locals[in.imm])
		case opcode.StoreLocal:
			r, err := pop()
			if err != nil {
				return err
			}
			st.locals[in.imm] = r

		case opcode.Ineg, opcode.Inot, opcode.Fneg, opcode.Not:
			a, err := pop()
			if err != nil {
				return err
			}
			r := lw.f.newReg()
			blk.Instrs = append(blk.Instrs, Instr{Op: unaryOp(in.op), Dst: r, A: a})
			push(r)

		case opcode.Iadd, opcode.Isub, opcode.Imul, opcode.Idiv, opcode.Imod,
			opcode.Ishl, opcode.Ishr, opcode.Iushr, opcode.Iand, opcode.Ior, opcode.Ixor,
			opcode.Fadd, opcode.Fsub, opcode.Fmul, opcode.Fdiv,
			opcode.Ieq, opcode.Ine, opcode.Ilt, opcode.Ile, opcode.Igt, opcode.Ige,
			opcode.Feq, opcode.Fne, opcode.Flt, opcode.Fle, opcode.Fgt, opcode.Fge,
			opcode.Eq, opcode.StrictEq, opcode.And, opcode.Or:
			bOperand, err := pop()
			if err != nil {
				return err
			}
			aOperand, err := pop()
			if err != nil {
				return err
			}
			r := lw.f.newReg()
			blk.Instrs = append(blk.Instrs, Instr{Op: binOp(in.op), Dst: r, A: aOperand, B: bOperand})
			push(r)

		case opcode.SafepointPoll:
			// The code generator polls on back edges; explicit polls in
			// straight-line code fold away.

		case opcode.Jmp:
			blk.Term = Instr{Op: OpJmp, Target: lw.ipBlock[uint32(in.imm)]}
			terminated = true
		case opcode.JmpIfTrue:
			cond, err := pop()
			if err != nil {
				return err
			}
			blk.Term = Instr{Op: OpBr, A: cond, Target: lw.ipBlock[uint32(in.imm)], AltTarget: b + 1}
			terminated = true
		case opcode.JmpIfFalse:
			cond, err := pop()
			if err != nil {
				return err
			}
			blk.Term = Instr{Op: OpBr, A: cond, Target: b + 1, AltTarget: lw.ipBlock[uint32(in.imm)]}
			terminated = true
		case opcode.Return:
			r, err := pop()
			if err != nil {
				return err
			}
			blk.Term = Instr{Op: OpRet, A: r}
			terminated = true
		case opcode.ReturnVoid:
			blk.Term = Instr{Op: OpRetVoid}
			terminated = true

		default:
			return ErrNotCompilable
		}
	}

	if !terminated {
		// Fallthrough into the next leader.
		blk.Term = Instr{Op: OpJmp, Target: b + 1}
	}

	st.done = true
	lw.exit[b] = st
	return nil
}

// fillPhis resolves φ arguments now that every predecessor's exit state is
// known.
func (lw *lowerer) fillPhis() {
	for b, pending := range lw.pendingPhis {
		if !pending {
			continue
		}
		blk := lw.f.Blocks[b]
		nLocals := int(lw.fn.LocalCount)
		for _, p := range blk.Preds {
			ex := lw.exit[p]
			for i := 0; i < nLocals; i++ {
				src := NoReg
				if ex.done {
					src = ex.locals[i]
				}
				blk.Phis[i].Args = append(blk.Phis[i].Args, src)
			}
			for si := 0; si < len(blk.Phis)-nLocals; si++ {
				src := NoReg
				if ex.done && si < len(ex.stack) {
					src = ex.stack[si]
				}
				blk.Phis[nLocals+si].Args = append(blk.Phis[nLocals+si].Args, src)
			}
		}
	}
}

func (lw *lowerer) markBackEdges() {
	for _, blk := range lw.f.Blocks {
		for _, s := range blk.Succs {
			if s <= blk.ID {
				lw.f.BackEdges[blk.ID] = true
			}
		}
	}
}

func (lw *lowerer) constI32(idx uint16) int32   { return lw.i32s[idx] }
func (lw *lowerer) constF64(idx uint16) float64 { return lw.f64s[idx] }

func unaryOp(op opcode.OpCode) Op {
	switch op {
	case opcode.Ineg:
		return OpIneg
	case opcode.Inot:
		return OpInot
	case opcode.Fneg:
		return OpFneg
	case opcode.Not:
		return OpNot
	}
	return OpNop
}

func binOp(op opcode.OpCode) Op {
	switch op {
	case opcode.Iadd:
		return OpIadd
	case opcode.Isub:
		return OpIsub
	case opcode.Imul:
		return OpImul
	case opcode.Idiv:
		return OpIdiv
	case opcode.Imod:
		return OpImod
	case opcode.Ishl:
		return OpIshl
	case opcode.Ishr:
		return OpIshr
	case opcode.Iushr:
		return OpIushr
	case opcode.Iand:
		return OpIand
	case opcode.Ior:
		return OpIor
	case opcode.Ixor:
		return OpIxor
	case opcode.Fadd:
		return OpFadd
	case opcode.Fsub:
		return OpFsub
	case opcode.Fmul:
		return OpFmul
	case opcode.Fdiv:
		return OpFdiv
	case opcode.Ieq:
		return OpIeq
	case opcode.Ine:
		return OpIne
	case opcode.Ilt:
		return OpIlt
	case opcode.Ile:
		return OpIle
	case opcode.Igt:
		return OpIgt
	case opcode.Ige:
		return OpIge
	case opcode.Feq:
		return OpFeq
	case opcode.Fne:
		return OpFne
	case opcode.Flt:
		return OpFlt
	case opcode.Fle:
		return OpFle
	case opcode.Fgt:
		return OpFgt
	case opcode.Fge:
		return OpFge
	case opcode.Eq, opcode.StrictEq:
		return OpEqGeneric
	case opcode.And:
		return OpAnd
	case opcode.Or:
		return OpOr
	}
	return OpNop
}
