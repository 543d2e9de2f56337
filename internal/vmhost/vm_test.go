package vmhost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"raya/internal/bytecode"
	"raya/internal/interp"
	"raya/internal/opcode"
	"raya/internal/value"
)

type asm struct{ code []byte }

func (a *asm) op(o opcode.OpCode) { a.code = append(a.code, byte(o)) }
func (a *asm) opU16(o opcode.OpCode, v uint16) {
	a.code = append(a.code, byte(o), byte(v), byte(v>>8))
}

// Executing a module whose main computes (1+2)*(3+4) yields i32 21.
func TestExecuteArithmetic(t *testing.T) {
	m := &bytecode.Module{Name: "arith"}
	m.Constants.I32s = []int32{1, 2, 3, 4}

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
	m.Exports = []bytecode.Export{{Name: "main", Kind: bytecode.SymbolFunction, Index: 0}}

	vm := New(2)
	v, err := vm.Execute(m)
	require.NoError(t, err)
	require.Equal(t, int32(21), v.AsI32())
	require.Equal(t, ExitOK, ExitCode(err))
}

// try { throw Error("x") } catch (e) { return e.message }.
func TestExecuteTryCatchMessage(t *testing.T) {
	m := &bytecode.Module{Name: "catch"}
	m.Constants.Strings = []string{"Error", "x"}
	m.Constants.I32s = []int32{0}
	m.Classes = []bytecode.Class{{
		Name:     "Error",
		ParentID: -1,
		Fields: []bytecode.FieldSchema{
			{Name: "name", Slot: 0},
			{Name: "message", Slot: 1},
			{Name: "stack", Slot: 2},
		},
	}}

	a := asm{}
	a.code = append(a.code, byte(opcode.Try), 0, 0, 0, 0, 0, 0) // handler 0
	a.opU16(opcode.ConstStr, 0)                                 // name
	a.opU16(opcode.ConstStr, 1)                                 // message
	a.op(opcode.ConstNull)                                      // stack
	a.opU16(opcode.ConstI32, 0)                                 // class id 0
	a.op(opcode.ObjectLiteral)
	a.op(opcode.Throw)
	catchIP := int32(len(a.code))
	a.op(opcode.EndTry)
	a.opU16(opcode.LoadField, 1) // e.message
	a.op(opcode.Return)

	m.Functions = []bytecode.Function{{
		Name: "main", Encoding: bytecode.EncodingStack, Code: a.code,
		Exceptions: []bytecode.ExceptionTableEntry{
			{TryStartIP: 0, TryEndIP: uint32(catchIP), CatchIP: catchIP, FinallyIP: -1},
		},
	}}
	m.Exports = []bytecode.Export{{Name: "main", Kind: bytecode.SymbolFunction, Index: 0}}

	vm := New(2)
	v, err := vm.Execute(m)
	require.NoError(t, err)
	s, ok := interp.StringContent(v)
	require.True(t, ok)
	require.Equal(t, "x", s)
}

// An uncaught throw surfaces as a TaskFailure with exit code 1 and a
// populated traceback.
func TestExecuteUncaughtFailure(t *testing.T) {
	m := &bytecode.Module{Name: "boom"}
	m.Constants.I32s = []int32{1, 0}

	a := asm{}
	a.opU16(opcode.ConstI32, 0)
	a.opU16(opcode.ConstI32, 1)
	a.op(opcode.Idiv) // 1/0 raises
	a.op(opcode.Return)
	m.Functions = []bytecode.Function{{Name: "main", Encoding: bytecode.EncodingStack, Code: a.code}}

	vm := New(1)
	_, err := vm.Execute(m)
	require.Error(t, err)
	var tf *TaskFailure
	require.ErrorAs(t, err, &tf)
	require.NotEmpty(t, tf.Traceback)
	require.Equal(t, ExitTaskPanic, ExitCode(err))
}

// A module failing structural verification maps to exit code 2.
func TestExecuteVerificationFailure(t *testing.T) {
	m := &bytecode.Module{Name: "bad"}
	a := asm{}
	a.op(opcode.Pop) // does not end on a terminator
	m.Functions = []bytecode.Function{{Name: "main", Encoding: bytecode.EncodingStack, Code: a.code}}

	vm := New(1)
	_, err := vm.Execute(m)
	require.Error(t, err)
	require.Equal(t, ExitVerification, ExitCode(err))
}

// Native registry: Value and Error results dispatch without a scheduler.
func TestCallNative(t *testing.T) {
	reg := NewRegistry()
	reg.Register("strings.upper", func(ctx *NativeContext, args []value.Value) NativeCallResult {
		s, ok := ctx.StringArg(args[0])
		if !ok {
			return NativeError("strings.upper: not a string")
		}
		_ = s
		return NativeValue(value.I32(int32(len(s))))
	})

	vm := New(1)
	vm.RegisterNatives(reg)

	// A heap string arg needs the shared heap; allocate through a context.
	ctx := &NativeContext{vm: vm}
	arg := ctx.AllocString("hello")

	v, suspended, err := vm.CallNative("strings.upper", nil, []value.Value{arg})
	require.NoError(t, err)
	require.False(t, suspended)
	require.Equal(t, int32(5), v.AsI32())

	_, _, err = vm.CallNative("strings.upper", nil, []value.Value{value.I32(3)})
	require.Error(t, err)

	_, _, err = vm.CallNative("no.such", nil, nil)
	require.Error(t, err)
}
