// Package jit is the L5 ahead-of-time/just-in-time pipeline: a
// three-address IR with basic blocks and φ-nodes, a small optimization
// pass set (constant folding, dead-code elimination, φ-elimination), a
// closure-threaded code generator, and the pre-warmer that picks compile
// candidates at module load.
//
// The generated code observes the same value and frame contract as the
// interpreter: a compiled function is re-entrant through its Frame's
// resume point, suspends by returning the AOT_SUSPEND sentinel, and
// reaches every runtime service through the Context's helper table so the
// emitted closures hold no direct references into the scheduler.
package jit

import "fmt"

// Reg is an SSA-style virtual register.
type Reg int32

// NoReg marks an absent operand.
const NoReg Reg = -1

// Op enumerates IR operations. Arithmetic and comparison ops mirror the
// bytecode families; the control and φ ops are IR-only.
type Op int

const (
	OpNop Op = iota

	// Constants
	OpConstI32
	OpConstF64
	OpConstStr
	OpConstNull

	// Copies and φ
	OpCopy
	OpPhi

	// Integer arithmetic / bitwise
	OpIadd
	OpIsub
	OpImul
	OpIdiv
	OpImod
	OpIneg
	OpIshl
	OpIshr
	OpIushr
	OpIand
	OpIor
	OpIxor
	OpInot

	// Float arithmetic
	OpFadd
	OpFsub
	OpFmul
	OpFdiv
	OpFneg

	// Comparisons
	OpIeq
	OpIne
	OpIlt
	OpIle
	OpIgt
	OpIge
	OpFeq
	OpFne
	OpFlt
	OpFle
	OpFgt
	OpFge

	// Generic / logical
	OpEqGeneric
	OpNot
	OpAnd
	OpOr

	// Terminators
	OpJmp
	OpBr
	OpRet
	OpRetVoid
)

// Instr is one three-address instruction. For OpPhi, Args holds one
// source register per predecessor block, in Preds order. For terminators,
// Target/AltTarget are block ids.
type Instr struct {
	Op   Op
	Dst  Reg
	A, B Reg

	ImmI int32
	ImmF float64
	ImmS uint16 // string-pool index

	Args []Reg // φ sources, Preds-ordered

	Target    int // OpJmp / OpBr taken
	AltTarget int // OpBr fallthrough
}

// Block is one basic block: straight-line instructions plus a single
// terminator.
type Block struct {
	ID     int
	Phis   []Instr
	Instrs []Instr
	Term   Instr
	Preds  []int
	Succs  []int
}

// Func is one lowered function.
type Func struct {
	Name    string
	FuncID  uint32
	Params  int
	NumRegs int
	Blocks  []*Block

	// BackEdges marks terminators that jump to an earlier block; the
	// code generator plants a safepoint poll on each.
	BackEdges map[int]bool
}

func (f *Func) newReg() Reg {
	r := Reg(f.NumRegs)
	f.NumRegs++
	return r
}

func (f *Func) String() string {
	s := fmt.Sprintf("func %s (params=%d regs=%d)\n", f.Name, f.Params, f.NumRegs)
	for _, b := range f.Blocks {
		s += fmt.Sprintf("  b%d (preds=%v):\n", b.ID, b.Preds)
		for _, p := range b.Phis {
			s += fmt.Sprintf("    r%d = phi %v\n", p.Dst, p.Args)
		}
		for _, in := range b.Instrs {
			s += fmt.Sprintf("    %+v\n", in)
		}
		s += fmt.Sprintf("    term %+v\n", b.Term)
	}
	return s
}
