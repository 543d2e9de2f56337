package scheduler

import (
	"testing"
	"time"

	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/heap"
	"raya/internal/interp"
	"raya/internal/opcode"
	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/typereg"
	"raya/internal/value"
)

// asm is a tiny stack-encoding assembler for scheduler tests.
type asm struct{ code []byte }

func (a *asm) op(o opcode.OpCode)          { a.code = append(a.code, byte(o)) }
func (a *asm) opU16(o opcode.OpCode, v uint16) {
	a.code = append(a.code, byte(o), byte(v), byte(v>>8))
}

func newTestScheduler(t *testing.T, m *bytecode.Module, workers int) *Scheduler {
	t.Helper()
	types := typereg.New()
	heap.RegisterBuiltinTypes(types)
	h := gc.NewHeap(types, 0)
	prims := syncprim.NewRegistry()
	s := New(m, types, h, prims, Options{Workers: workers, NurserySize: 1 << 16})
	s.Start()
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("scheduler stop: %v", err)
		}
	})
	return s
}

// constI32 ensures v is in the module's i32 pool and returns its index.
func constI32(m *bytecode.Module, v int32) uint16 {
	for i, c := range m.Constants.I32s {
		if c == v {
			return uint16(i)
		}
	}
	m.Constants.I32s = append(m.Constants.I32s, v)
	return uint16(len(m.Constants.I32s) - 1)
}

// Spawn + Await: a child task computes (1+2)*(3+4) and the parent awaits it.
func TestSpawnAwait(t *testing.T) {
	m := &bytecode.Module{Name: "spawnawait"}

	child := asm{}
	child.opU16(opcode.ConstI32, constI32(m, 1))
	child.opU16(opcode.ConstI32, constI32(m, 2))
	child.op(opcode.Iadd)
	child.opU16(opcode.ConstI32, constI32(m, 3))
	child.opU16(opcode.ConstI32, constI32(m, 4))
	child.op(opcode.Iadd)
	child.op(opcode.Imul)
	child.op(opcode.Return)

	main := asm{}
	main.opU16(opcode.ConstI32, constI32(m, 1)) // child function index
	main.opU16(opcode.ConstI32, constI32(m, 0)) // arg count
	main.op(opcode.Spawn)
	main.op(opcode.Await)
	main.op(opcode.Return)

	m.Functions = []bytecode.Function{
		{Name: "main", Encoding: bytecode.EncodingStack, Code: main.code},
		{Name: "child", Encoding: bytecode.EncodingStack, Code: child.code},
	}

	s := newTestScheduler(t, m, 2)
	root := s.SpawnRoot(0, nil)
	v, failed := s.AwaitHost(root)
	if failed {
		t.Fatalf("root task failed: %s", v.DebugString())
	}
	if got := v.AsI32(); got != 21 {
		t.Fatalf("expected 21, got %d", got)
	}
}

// sleeperFunc builds func(ch, id, ms) { sleep(ms); ch <- id }.
func sleeperFunc() bytecode.Function {
	a := asm{}
	a.opU16(opcode.LoadLocal, 2)
	a.op(opcode.Sleep)
	a.op(opcode.Pop)
	a.opU16(opcode.LoadLocal, 0)
	a.opU16(opcode.LoadLocal, 1)
	a.op(opcode.ChannelSend)
	a.op(opcode.Pop)
	a.op(opcode.ReturnVoid)
	return bytecode.Function{Name: "sleeper", ParamCount: 3, LocalCount: 3, Encoding: bytecode.EncodingStack, Code: a.code}
}

// collector3Func builds func(ch) { a=<-ch; b=<-ch; c=<-ch; return (a*10+b)*10+c }.
func collector3Func(m *bytecode.Module) bytecode.Function {
	a := asm{}
	recv := func() {
		a.opU16(opcode.LoadLocal, 0)
		a.op(opcode.ChannelRecv)
		a.op(opcode.Pop) // discard the closed flag
	}
	recv()
	recv()
	recv()
	// stack: a b c — spill to locals to reorder
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

// Tasks sleeping 150/50/100ms wake in 50, 100, 150 order.
func TestSleepWakeOrder(t *testing.T) {
	m := &bytecode.Module{Name: "sleepwake"}
	m.Functions = []bytecode.Function{sleeperFunc(), collector3Func(m)}

	s := newTestScheduler(t, m, 2)
	ch := s.NewChannel(0, 16)

	// ids 1..3 sleep 150, 50, 100 ms respectively
	s.SpawnRoot(0, []value.Value{ch, value.I32(1), value.I32(150)})
	s.SpawnRoot(0, []value.Value{ch, value.I32(2), value.I32(50)})
	s.SpawnRoot(0, []value.Value{ch, value.I32(3), value.I32(100)})
	coll := s.SpawnRoot(1, []value.Value{ch})

	v, failed := s.AwaitHost(coll)
	if failed {
		t.Fatalf("collector failed: %s", v.DebugString())
	}
	// wake order 2 (50ms), 3 (100ms), 1 (150ms)
	if got := v.AsI32(); got != 231 {
		t.Fatalf("expected wake order 2,3,1 (231), got %d", got)
	}
}

// With T1 holding the mutex, T2 T3 T4 enqueue in order and acquire in
// FIFO order on successive unlocks.
func TestMutexFIFO(t *testing.T) {
	m := &bytecode.Module{Name: "mutexfifo"}

	// holder(mutex, holdMs) { lock(m); sleep(holdMs); unlock(m) }
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

	// locker(ch, id, delayMs, mutex) { sleep(delay); lock(m); ch <- id; unlock(m) }
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

	s := newTestScheduler(t, m, 2)
	ch := s.NewChannel(0, 16)
	mtx := s.NewMutex(0)

	s.SpawnRoot(0, []value.Value{mtx, value.I32(250)})
	time.Sleep(20 * time.Millisecond) // let the holder acquire first
	s.SpawnRoot(1, []value.Value{ch, value.I32(2), value.I32(10), mtx})
	s.SpawnRoot(1, []value.Value{ch, value.I32(3), value.I32(70), mtx})
	s.SpawnRoot(1, []value.Value{ch, value.I32(4), value.I32(130), mtx})
	coll := s.SpawnRoot(2, []value.Value{ch})

	v, failed := s.AwaitHost(coll)
	if failed {
		t.Fatalf("collector failed: %s", v.DebugString())
	}
	if got := v.AsI32(); got != 234 {
		t.Fatalf("expected FIFO acquisition 2,3,4 (234), got %d", got)
	}
}

// A rendezvous channel hands off directly; receive-after-close reports
// the closed signal; send-after-close fails the sending task.
func TestChannelRendezvousAndClose(t *testing.T) {
	m := &bytecode.Module{Name: "rendezvous"}

	// sender(ch, v) { ch <- v }
	sender := asm{}
	sender.opU16(opcode.LoadLocal, 0)
	sender.opU16(opcode.LoadLocal, 1)
	sender.op(opcode.ChannelSend)
	sender.op(opcode.Pop)
	sender.op(opcode.ReturnVoid)

	// recvValue(ch) { v, _ = <-ch; return v }
	recvValue := asm{}
	recvValue.opU16(opcode.LoadLocal, 0)
	recvValue.op(opcode.ChannelRecv)
	recvValue.op(opcode.Pop)
	recvValue.op(opcode.Return)

	// recvClosed(ch) { _, closed = <-ch; return closed }
	recvClosed := asm{}
	recvClosed.opU16(opcode.LoadLocal, 0)
	recvClosed.op(opcode.ChannelRecv)
	recvClosed.op(opcode.Return)

	m.Functions = []bytecode.Function{
		{Name: "sender", ParamCount: 2, LocalCount: 2, Encoding: bytecode.EncodingStack, Code: sender.code},
		{Name: "recvValue", ParamCount: 1, LocalCount: 1, Encoding: bytecode.EncodingStack, Code: recvValue.code},
		{Name: "recvClosed", ParamCount: 1, LocalCount: 1, Encoding: bytecode.EncodingStack, Code: recvClosed.code},
	}

	s := newTestScheduler(t, m, 2)
	ch := s.NewChannel(0, 0) // capacity 0: rendezvous

	recv := s.SpawnRoot(1, []value.Value{ch})
	s.SpawnRoot(0, []value.Value{ch, value.I32(42)})

	v, failed := s.AwaitHost(recv)
	if failed {
		t.Fatalf("receiver failed: %s", v.DebugString())
	}
	if got := v.AsI32(); got != 42 {
		t.Fatalf("expected handoff of 42, got %d", got)
	}

	s.CloseChannel(ch)

	closedRecv := s.SpawnRoot(2, []value.Value{ch})
	v, failed = s.AwaitHost(closedRecv)
	if failed {
		t.Fatalf("closed-receive failed: %s", v.DebugString())
	}
	if !v.AsBool() {
		t.Fatal("expected closed signal on receive after close")
	}

	lateSender := s.SpawnRoot(0, []value.Value{ch, value.I32(7)})
	_, failed = s.AwaitHost(lateSender)
	if !failed {
		t.Fatal("expected send-after-close to fail the task")
	}
}

// Cancellation is cooperative: a long-running task observes the request at
// a safepoint and fails.
func TestCancellation(t *testing.T) {
	m := &bytecode.Module{Name: "cancel"}

	// spin() { while true {} } — a backward Jmp is a safepoint.
	spin := asm{}
	spin.opU16(opcode.Jmp, 0)
	m.Functions = []bytecode.Function{
		{Name: "spin", Encoding: bytecode.EncodingStack, Code: spin.code},
	}

	s := newTestScheduler(t, m, 2)
	spinner := s.SpawnRoot(0, nil)
	time.Sleep(10 * time.Millisecond)
	s.Cancel(spinner)

	_, failed := s.AwaitHost(spinner)
	if !failed {
		t.Fatal("expected cancelled task to fail")
	}
	if spinner.StateOf() != task.Failed {
		t.Fatalf("expected Failed state, got %v", spinner.StateOf())
	}
}

// The tick limit bounds runaway tasks with a recoverable fault.
func TestTickLimit(t *testing.T) {
	m := &bytecode.Module{Name: "ticks"}
	spin := asm{}
	spin.opU16(opcode.Jmp, 0)
	m.Functions = []bytecode.Function{
		{Name: "spin", Encoding: bytecode.EncodingStack, Code: spin.code},
	}

	types := typereg.New()
	heap.RegisterBuiltinTypes(types)
	h := gc.NewHeap(types, 0)
	s := New(m, types, h, syncprim.NewRegistry(), Options{Workers: 1, TickLimit: 1000})
	s.Start()
	defer s.Stop()

	spinner := s.SpawnRoot(0, nil)
	exc, failed := s.AwaitHost(spinner)
	if !failed {
		t.Fatal("expected tick-limited task to fail")
	}
	msg, _ := interp.StringContent(interp.ErrorMessage(exc))
	if msg == "" {
		t.Fatalf("expected a resource-limit message, got %s", exc.DebugString())
	}
}
