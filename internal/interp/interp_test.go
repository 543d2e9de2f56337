package interp

import (
	"testing"

	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/heap"
	"raya/internal/opcode"
	"raya/internal/typereg"
	"raya/internal/value"
)

func newTestInterp() (*Interpreter, *bytecode.Module) {
	types := typereg.New()
	heap.RegisterBuiltinTypes(types)
	m := &bytecode.Module{Name: "test"}
	h := gc.NewHeap(types, 0)
	n := gc.NewNursery(1, h, 1<<20)
	return New(m, n, types), m
}

func code(bs ...byte) []byte { return bs }

func u16le(v uint16) (byte, byte) { return byte(v), byte(v >> 8) }

// (1+2)*(3+4) == 21, evaluated with plain stack arithmetic.
func TestArithmeticExpression(t *testing.T) {
	in, m := newTestInterp()
	m.Constants.I32s = []int32{1, 2, 3, 4}

	var c []byte
	push := func(idx uint16) {
		lo, hi := u16le(idx)
		c = append(c, byte(opcode.ConstI32), lo, hi)
	}
	push(0) // 1
	push(1) // 2
	c = append(c, byte(opcode.Iadd))
	push(2) // 3
	push(3) // 4
	c = append(c, byte(opcode.Iadd))
	c = append(c, byte(opcode.Imul))
	c = append(c, byte(opcode.Return))

	fn := bytecode.Function{Name: "main", ParamCount: 0, LocalCount: 0, Encoding: bytecode.EncodingStack, Code: c}
	m.Functions = []bytecode.Function{fn}

	frames := []*Frame{NewFrame(&m.Functions[0], "main", nil)}
	res := in.Run(1, &frames, nil)

	if res.Outcome != OutcomeReturned {
		t.Fatalf("expected OutcomeReturned, got %v", res.Outcome)
	}
	if got := res.Value.AsI32(); got != 21 {
		t.Fatalf("expected 21, got %d", got)
	}
}

// Throwing inside a try block lands in the catch handler, and the
// caught Error's message field round-trips.
func TestTryCatchMessage(t *testing.T) {
	in, m := newTestInterp()
	m.Constants.Strings = []string{"x"}

	var c []byte
	strLo, strHi := u16le(0)

	// Try { throw "x" as RuntimeError } catch (e) { return e.message }
	// handler 0: catch at the ConstStr below, no finally.
	tryIP := len(c)
	_ = tryIP
	c = append(c, byte(opcode.Try), 0, 0, 0, 0, 0, 0) // handler index 0, padding
	c = append(c, byte(opcode.ConstStr), strLo, strHi)
	c = append(c, byte(opcode.Throw))
	catchIP := int32(len(c))
	c = append(c, byte(opcode.EndTry))
	c = append(c, byte(opcode.Return)) // returns the caught exception (pushed by throw)

	fn := bytecode.Function{
		Name: "main", ParamCount: 0, LocalCount: 0,
		Encoding: bytecode.EncodingStack, Code: c,
		Exceptions: []bytecode.ExceptionTableEntry{
			{TryStartIP: 0, TryEndIP: uint32(catchIP), CatchIP: catchIP, FinallyIP: -1},
		},
	}
	m.Functions = []bytecode.Function{fn}

	frames := []*Frame{NewFrame(&m.Functions[0], "main", nil)}
	res := in.Run(1, &frames, nil)

	if res.Outcome != OutcomeReturned {
		t.Fatalf("expected OutcomeReturned (caught), got %v: %v", res.Outcome, res.Value)
	}
	msg := stringOf(res.Value)
	if msg != "x" {
		t.Fatalf("expected caught value %q, got %q", "x", msg)
	}
}

// An uncaught throw escapes every frame and Run reports OutcomeThrew with a
// non-empty trace.
func TestUncaughtThrowEscapes(t *testing.T) {
	in, m := newTestInterp()
	m.Constants.Strings = []string{"boom"}

	lo, hi := u16le(0)
	c := []byte{byte(opcode.ConstStr), lo, hi, byte(opcode.Throw)}
	fn := bytecode.Function{Name: "main", Encoding: bytecode.EncodingStack, Code: c}
	m.Functions = []bytecode.Function{fn}

	frames := []*Frame{NewFrame(&m.Functions[0], "main", nil)}
	res := in.Run(1, &frames, nil)

	if res.Outcome != OutcomeThrew {
		t.Fatalf("expected OutcomeThrew, got %v", res.Outcome)
	}
	if len(res.Trace) != 1 || res.Trace[0].FuncName != "main" {
		t.Fatalf("expected a one-frame trace naming main, got %+v", res.Trace)
	}
}

// Division by zero raises a catchable RuntimeError rather than panicking.
func TestDivByZeroIsCatchable(t *testing.T) {
	in, m := newTestInterp()
	m.Constants.I32s = []int32{1, 0}

	lo0, hi0 := u16le(0)
	lo1, hi1 := u16le(1)
	c := []byte{
		byte(opcode.ConstI32), lo0, hi0,
		byte(opcode.ConstI32), lo1, hi1,
		byte(opcode.Idiv),
		byte(opcode.Return),
	}
	fn := bytecode.Function{Name: "main", Encoding: bytecode.EncodingStack, Code: c}
	m.Functions = []bytecode.Function{fn}

	frames := []*Frame{NewFrame(&m.Functions[0], "main", nil)}
	res := in.Run(1, &frames, nil)

	if res.Outcome != OutcomeThrew {
		t.Fatalf("expected OutcomeThrew from division by zero, got %v", res.Outcome)
	}
	if name := ErrorName(res.Value); stringOf(name) != "RuntimeError" {
		t.Fatalf("expected RuntimeError, got %v", name)
	}
}

// Register-mode arithmetic computes the same result as the stack tier.
func TestRegisterArithmetic(t *testing.T) {
	in, m := newTestInterp()
	m.Constants.I32s = []int32{10, 32}

	bxA, bxB := u16le(0)
	bxC, bxD := u16le(1)
	c := []byte{
		byte(opcode.ConstI32), 0, bxA, bxB, 0, 0, 0, 0, // R0 = 10
		byte(opcode.ConstI32), 1, bxC, bxD, 0, 0, 0, 0, // R1 = 32
		byte(opcode.Iadd), 2, 0, 1, // R2 = R0 + R1
		byte(opcode.Return), 2, 0, 0,
	}
	fn := bytecode.Function{Name: "main", Encoding: bytecode.EncodingRegister, LocalCount: 0, Code: c}
	m.Functions = []bytecode.Function{fn}

	frames := []*Frame{NewFrame(&m.Functions[0], "main", nil)}
	frames[0].Registers = make([]value.Value, 3)
	res := in.Run(1, &frames, nil)

	if res.Outcome != OutcomeReturned {
		t.Fatalf("expected OutcomeReturned, got %v", res.Outcome)
	}
	if got := res.Value.AsI32(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
