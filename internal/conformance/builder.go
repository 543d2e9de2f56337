package conformance

import (
	"raya/internal/bytecode"
	"raya/internal/opcode"
)

// Bytecode builders for the scenario programs. These are the same
// hand-assembled shapes the front-end compiler would emit; the harness
// assembles them directly since the compiler is out of scope.

type asm struct{ code []byte }

func (a *asm) op(o opcode.OpCode) { a.code = append(a.code, byte(o)) }
func (a *asm) opU16(o opcode.OpCode, v uint16) {
	a.code = append(a.code, byte(o), byte(v), byte(v>>8))
}

func constI32(m *bytecode.Module, v int32) uint16 {
	for i, c := range m.Constants.I32s {
		if c == v {
			return uint16(i)
		}
	}
	m.Constants.I32s = append(m.Constants.I32s, v)
	return uint16(len(m.Constants.I32s) - 1)
}

// arithModule: main() { return (1+2)*(3+4) }.
func arithModule() *bytecode.Module {
	m := &bytecode.Module{Name: "arith"}
	a := asm{}
	a.opU16(opcode.ConstI32, constI32(m, 1))
	a.opU16(opcode.ConstI32, constI32(m, 2))
	a.op(opcode.Iadd)
	a.opU16(opcode.ConstI32, constI32(m, 3))
	a.opU16(opcode.ConstI32, constI32(m, 4))
	a.op(opcode.Iadd)
	a.op(opcode.Imul)
	a.op(opcode.Return)
	m.Functions = []bytecode.Function{{Name: "main", Encoding: bytecode.EncodingStack, Code: a.code}}
	m.Exports = []bytecode.Export{{Name: "main", Kind: bytecode.SymbolFunction, Index: 0}}
	return m
}

// catchModule: try { throw Error("x") } catch (e) { return e.message }.
func catchModule() *bytecode.Module {
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
	a.code = append(a.code, byte(opcode.Try), 0, 0, 0, 0, 0, 0)
	a.opU16(opcode.ConstStr, 0)
	a.opU16(opcode.ConstStr, 1)
	a.op(opcode.ConstNull)
	a.opU16(opcode.ConstI32, 0)
	a.op(opcode.ObjectLiteral)
	a.op(opcode.Throw)
	catchIP := int32(len(a.code))
	a.op(opcode.EndTry)
	a.opU16(opcode.LoadField, 1)
	a.op(opcode.Return)

	m.Functions = []bytecode.Function{{
		Name: "main", Encoding: bytecode.EncodingStack, Code: a.code,
		Exceptions: []bytecode.ExceptionTableEntry{
			{TryStartIP: 0, TryEndIP: uint32(catchIP), CatchIP: catchIP, FinallyIP: -1},
		},
	}}
	m.Exports = []bytecode.Export{{Name: "main", Kind: bytecode.SymbolFunction, Index: 0}}
	return m
}

// Function indices within channelProgramModule.
const (
	fnSender = iota
	fnRecvValue
	fnRecvClosed
)

// channelProgramModule: sender(ch, v) { ch <- v }, recvValue(ch) { v, _ =
// <-ch; return v }, recvClosed(ch) { _, closed = <-ch; return closed }.
func channelProgramModule() *bytecode.Module {
	m := &bytecode.Module{Name: "channels"}

	sender := asm{}
	sender.opU16(opcode.LoadLocal, 0)
	sender.opU16(opcode.LoadLocal, 1)
	sender.op(opcode.ChannelSend)
	sender.op(opcode.Pop)
	sender.op(opcode.ReturnVoid)

	recvValue := asm{}
	recvValue.opU16(opcode.LoadLocal, 0)
	recvValue.op(opcode.ChannelRecv)
	recvValue.op(opcode.Pop)
	recvValue.op(opcode.Return)

	recvClosed := asm{}
	recvClosed.opU16(opcode.LoadLocal, 0)
	recvClosed.op(opcode.ChannelRecv)
	recvClosed.op(opcode.Return)

	m.Functions = []bytecode.Function{
		{Name: "sender", ParamCount: 2, LocalCount: 2, Encoding: bytecode.EncodingStack, Code: sender.code},
		{Name: "recvValue", ParamCount: 1, LocalCount: 1, Encoding: bytecode.EncodingStack, Code: recvValue.code},
		{Name: "recvClosed", ParamCount: 1, LocalCount: 1, Encoding: bytecode.EncodingStack, Code: recvClosed.code},
	}
	return m
}

// collector3Func: func(ch) { a=<-ch; b=<-ch; c=<-ch; return (a*10+b)*10+c }.
func collector3Func(m *bytecode.Module) bytecode.Function {
	a := asm{}
	recv := func() {
		a.opU16(opcode.LoadLocal, 0)
		a.op(opcode.ChannelRecv)
		a.op(opcode.Pop)
	}
	recv()
	recv()
	recv()
	a.opU16(opcode.StoreLocal, 1) // c
	a.opU16(opcode.StoreLocal, 2) // b
	a.opU16(opcode.StoreLocal, 3) // a
	a.opU16(opcode.LoadLocal, 3)
	a.opU16(opcode.ConstI32, constI32(m, 10))
	a.op(opcode.Imul)
	a.opU16(opcode.LoadLocal, 2)
	a.op(opcode.Iadd)
	a.opU16(opcode.ConstI32, constI32(m, 10))
	a.op(opcode.Imul)
	a.opU16(opcode.LoadLocal, 1)
	a.op(opcode.Iadd)
	a.op(opcode.Return)
	return bytecode.Function{Name: "collector", ParamCount: 1, LocalCount: 4, Encoding: bytecode.EncodingStack, Code: a.code}
}

// mutexProgramModule: 0 = holder(mutex, holdMs), 1 = locker(ch, id,
// delayMs, mutex), 2 = collector.
func mutexProgramModule() *bytecode.Module {
	m := &bytecode.Module{Name: "mutexes"}

	holder := asm{}
	holder.opU16(opcode.LoadLocal, 0)
	holder.op(opcode.Lock)
	holder.op(opcode.Pop)
	holder.opU16(opcode.LoadLocal, 1)
	holder.op(opcode.Sleep)
	holder.op(opcode.Pop)
	holder.opU16(opcode.LoadLocal, 0)
	holder.op(opcode.Unlock)
	holder.op(opcode.Pop)
	holder.op(opcode.ReturnVoid)

	locker := asm{}
	locker.opU16(opcode.LoadLocal, 2)
	locker.op(opcode.Sleep)
	locker.op(opcode.Pop)
	locker.opU16(opcode.LoadLocal, 3)
	locker.op(opcode.Lock)
	locker.op(opcode.Pop)
	locker.opU16(opcode.LoadLocal, 0)
	locker.opU16(opcode.LoadLocal, 1)
	locker.op(opcode.ChannelSend)
	locker.op(opcode.Pop)
	locker.opU16(opcode.LoadLocal, 3)
	locker.op(opcode.Unlock)
	locker.op(opcode.Pop)
	locker.op(opcode.ReturnVoid)

	m.Functions = []bytecode.Function{
		{Name: "holder", ParamCount: 2, LocalCount: 2, Encoding: bytecode.EncodingStack, Code: holder.code},
		{Name: "locker", ParamCount: 4, LocalCount: 4, Encoding: bytecode.EncodingStack, Code: locker.code},
		collector3Func(m),
	}
	return m
}

// sleepProgramModule: 0 = sleeper(ch, id, ms), 1 = collector.
func sleepProgramModule() *bytecode.Module {
	m := &bytecode.Module{Name: "sleepers"}

	sleeper := asm{}
	sleeper.opU16(opcode.LoadLocal, 2)
	sleeper.op(opcode.Sleep)
	sleeper.op(opcode.Pop)
	sleeper.opU16(opcode.LoadLocal, 0)
	sleeper.opU16(opcode.LoadLocal, 1)
	sleeper.op(opcode.ChannelSend)
	sleeper.op(opcode.Pop)
	sleeper.op(opcode.ReturnVoid)

	m.Functions = []bytecode.Function{
		{Name: "sleeper", ParamCount: 3, LocalCount: 3, Encoding: bytecode.EncodingStack, Code: sleeper.code},
		collector3Func(m),
	}
	return m
}
