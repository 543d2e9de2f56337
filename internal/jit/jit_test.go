package jit

import (
	"testing"
	"time"

	"raya/internal/bytecode"
	"raya/internal/opcode"
	"raya/internal/value"
)

type asm struct{ code []byte }

func (a *asm) op(o opcode.OpCode) { a.code = append(a.code, byte(o)) }
func (a *asm) opU16(o opcode.OpCode, v uint16) {
	a.code = append(a.code, byte(o), byte(v), byte(v>>8))
}

func testHelpers() *HelperTable {
	return &HelperTable{
		SafepointPoll: func() bool { return false },
		NewError: func(name, msg string) value.Value {
			// Tests only need a non-null marker; the message is asserted
			// through ctx.Thrown being set.
			return value.I32(-1)
		},
	}
}

func run(t *testing.T, m *bytecode.Module, funcID uint32, args ...value.Value) (value.Value, *Context) {
	t.Helper()
	f, err := Lower(m, funcID)
	if err != nil {
		t.Fatalf("lower: %v", err)
	}
	Optimize(f)
	cf := Compile(f)
	fr := &Frame{FuncID: funcID, Locals: args}
	ctx := &Context{Module: m, Helpers: testHelpers()}
	return cf(fr, ctx), ctx
}

// Straight-line arithmetic constant-folds all the way to a single return.
func TestCompileArithmetic(t *testing.T) {
	m := &bytecode.Module{Constants: bytecode.ConstantPool{I32s: []int32{1, 2, 3, 4}}}
	a := asm{}
	a.opU16(opcode.ConstI32, 0)
	a.opU16(opcode.ConstI32, 1)
	a.op(opcode.Iadd)
	a.opU16(opcode.ConstI32, 2)
	a.opU16(opcode.ConstI32, 3)
	a.op(opcode.Iadd)
	a.op(opcode.Imul)
	a.op(opcode.Return)
	m.Functions = []bytecode.Function{{Name: "main", Encoding: bytecode.EncodingStack, Code: a.code}}

	v, ctx := run(t, m, 0)
	if ctx.Thrown != nil {
		t.Fatal("unexpected fault")
	}
	if got := v.AsI32(); got != 21 {
		t.Fatalf("expected 21, got %d", got)
	}
}

// sumLoop builds func(n) { s=0; i=1; while i<=n { s+=i; i++ }; return s }.
func sumLoop(m *bytecode.Module) bytecode.Function {
	// i32 pool: [0]=0 [1]=1
	m.Constants.I32s = []int32{0, 1}
	a := asm{}
	a.opU16(opcode.ConstI32, 0) // s = 0
	a.opU16(opcode.StoreLocal, 1)
	a.opU16(opcode.ConstI32, 1) // i = 1
	a.opU16(opcode.StoreLocal, 2)
	loopTop := uint16(len(a.code))
	a.opU16(opcode.LoadLocal, 2) // i <= n ?
	a.opU16(opcode.LoadLocal, 0)
	a.op(opcode.Ile)
	fixup := len(a.code)
	a.opU16(opcode.JmpIfFalse, 0) // patched below
	a.opU16(opcode.LoadLocal, 1)  // s += i
	a.opU16(opcode.LoadLocal, 2)
	a.op(opcode.Iadd)
	a.opU16(opcode.StoreLocal, 1)
	a.opU16(opcode.LoadLocal, 2) // i += 1
	a.opU16(opcode.ConstI32, 1)
	a.op(opcode.Iadd)
	a.opU16(opcode.StoreLocal, 2)
	a.opU16(opcode.Jmp, loopTop)
	exit := uint16(len(a.code))
	a.code[fixup+1] = byte(exit)
	a.code[fixup+2] = byte(exit >> 8)
	a.opU16(opcode.LoadLocal, 1)
	a.op(opcode.Return)
	return bytecode.Function{Name: "sum", ParamCount: 1, LocalCount: 3, Encoding: bytecode.EncodingStack, Code: a.code}
}

// A loop with a merge point exercises φ insertion, φ-elimination, and the
// back-edge safepoint.
func TestCompileLoop(t *testing.T) {
	m := &bytecode.Module{}
	m.Functions = []bytecode.Function{sumLoop(m)}

	v, ctx := run(t, m, 0, value.I32(10))
	if ctx.Thrown != nil {
		t.Fatal("unexpected fault")
	}
	if got := v.AsI32(); got != 55 {
		t.Fatalf("expected 55, got %d", got)
	}
}

// A compiled loop suspends at its back edge when the safepoint fires and
// resumes through the frame's resume point with state intact.
func TestCompileSuspendResume(t *testing.T) {
	m := &bytecode.Module{}
	m.Functions = []bytecode.Function{sumLoop(m)}

	f, err := Lower(m, 0)
	if err != nil {
		t.Fatalf("lower: %v", err)
	}
	Optimize(f)
	cf := Compile(f)

	polls := 0
	ctx := &Context{Module: m, Helpers: &HelperTable{
		SafepointPoll: func() bool {
			polls++
			return polls == 3 // suspend exactly once, mid-loop
		},
	}}
	fr := &Frame{Locals: []value.Value{value.I32(10)}}

	v := cf(fr, ctx)
	if !v.IsSuspend() {
		t.Fatalf("expected suspend sentinel, got %s", v.DebugString())
	}
	if fr.Resume == 0 || fr.Spill == nil {
		t.Fatal("suspension must save a resume point and spilled registers")
	}

	v = cf(fr, ctx)
	if v.IsSuspend() {
		t.Fatal("second entry should run to completion")
	}
	if got := v.AsI32(); got != 55 {
		t.Fatalf("expected 55 after resume, got %d", got)
	}
}

// Division by zero in compiled code raises through ctx.Thrown rather than
// panicking.
func TestCompileDivByZero(t *testing.T) {
	m := &bytecode.Module{Constants: bytecode.ConstantPool{I32s: []int32{1}}}
	a := asm{}
	a.opU16(opcode.ConstI32, 0)
	a.opU16(opcode.LoadLocal, 0) // divisor arg
	a.op(opcode.Idiv)
	a.op(opcode.Return)
	m.Functions = []bytecode.Function{{Name: "div", ParamCount: 1, LocalCount: 1, Encoding: bytecode.EncodingStack, Code: a.code}}

	_, ctx := run(t, m, 0, value.I32(0))
	if ctx.Thrown == nil {
		t.Fatal("expected a raised fault")
	}
}

// Functions outside the compiled subset are rejected, not miscompiled.
func TestLowerRejectsUnsupported(t *testing.T) {
	m := &bytecode.Module{}
	a := asm{}
	a.op(opcode.Spawn)
	m.Functions = []bytecode.Function{{Name: "spawny", Encoding: bytecode.EncodingStack, Code: a.code}}

	if _, err := Lower(m, 0); err == nil {
		t.Fatal("expected ErrNotCompilable")
	}
}

// Constant folding reduces a constant expression to a single constant
// definition of the returned register.
func TestFoldConstants(t *testing.T) {
	m := &bytecode.Module{Constants: bytecode.ConstantPool{I32s: []int32{6, 7}}}
	a := asm{}
	a.opU16(opcode.ConstI32, 0)
	a.opU16(opcode.ConstI32, 1)
	a.op(opcode.Imul)
	a.op(opcode.Return)
	m.Functions = []bytecode.Function{{Name: "f", Encoding: bytecode.EncodingStack, Code: a.code}}

	f, err := Lower(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	FoldConstants(f)
	EliminateDeadCode(f)

	var live []Instr
	for _, b := range f.Blocks {
		live = append(live, b.Instrs...)
	}
	if len(live) != 1 || live[0].Op != OpConstI32 || live[0].ImmI != 42 {
		t.Fatalf("expected a single folded ConstI32 42, got %+v", live)
	}
}

// Dead code (an unused computation) is removed by the fixed-point pass.
func TestDeadCodeElimination(t *testing.T) {
	m := &bytecode.Module{Constants: bytecode.ConstantPool{I32s: []int32{5, 9}}}
	a := asm{}
	a.opU16(opcode.ConstI32, 0)
	a.opU16(opcode.ConstI32, 1)
	a.op(opcode.Iadd)
	a.op(opcode.Pop) // result discarded
	a.opU16(opcode.ConstI32, 0)
	a.op(opcode.Return)
	m.Functions = []bytecode.Function{{Name: "f", Encoding: bytecode.EncodingStack, Code: a.code}}

	f, err := Lower(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	EliminateDeadCode(f)

	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			if in.Op == OpIadd {
				t.Fatal("discarded add should have been eliminated")
			}
		}
	}
}

// Prewarm selects and compiles the loop-bearing function.
func TestPrewarmSelectsHotFunction(t *testing.T) {
	m := &bytecode.Module{}
	m.Functions = []bytecode.Function{sumLoop(m)}

	store := Prewarm(m, 4, time.Second)
	if store.Lookup(0) == nil {
		t.Fatal("expected the hot loop to be compiled")
	}
}
