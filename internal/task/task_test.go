package task

import (
	"strings"
	"testing"

	"raya/internal/interp"
	"raya/internal/value"
)

func newTask(id uint64) *Task {
	return &Task{ID: id, state: Ready}
}

func TestStateTransitions(t *testing.T) {
	tk := newTask(1)
	if tk.StateOf() != Ready {
		t.Fatalf("new task should be Ready, got %v", tk.StateOf())
	}

	tk.SetState(Running)
	tk.MarkSuspended(interp.SuspendChannelRecv, value.I32(7))
	if tk.StateOf() != Suspended {
		t.Fatalf("expected Suspended, got %v", tk.StateOf())
	}
	reason, target := tk.SuspendReason()
	if reason != interp.SuspendChannelRecv || target.AsI32() != 7 {
		t.Fatalf("suspend bookkeeping lost: %v %v", reason, target)
	}

	v := value.I32(42)
	if !tk.Resume(&v, false) {
		t.Fatal("resume of a suspended task must succeed")
	}
	if tk.StateOf() != Resumed {
		t.Fatalf("expected Resumed, got %v", tk.StateOf())
	}
	if tk.Resume(&v, false) {
		t.Fatal("double resume must fail")
	}
}

func TestResumeDeliveryArmsTopFrame(t *testing.T) {
	tk := newTask(2)
	f := &interp.Frame{}
	tk.Frames = []*interp.Frame{f}

	tk.SetState(Suspended)
	v := value.I32(9)
	tk.Resume(&v, false)
	tk.TakeResume()
	if f.PendingResume == nil || f.PendingResume.AsI32() != 9 {
		t.Fatal("delivery value must land in the top frame")
	}

	// A bare reschedule must not arm a delivery.
	f.PendingResume = nil
	tk.SetState(Suspended)
	tk.ResumeBare()
	tk.TakeResume()
	if f.PendingResume != nil {
		t.Fatal("bare resume must not arm PendingResume")
	}
}

func TestAwaitersFireOnCompletion(t *testing.T) {
	tk := newTask(3)
	var got value.Value
	var failed bool
	_, _, done := tk.AddAwaiter(func(v value.Value, f bool) { got, failed = v, f })
	if done {
		t.Fatal("live task should register, not report done")
	}

	for _, fn := range tk.Complete(value.I32(21)) {
		fn(value.I32(21), false)
	}
	if failed || got.AsI32() != 21 {
		t.Fatalf("awaiter saw %v failed=%v", got, failed)
	}

	// Awaiting a finished task returns immediately.
	v, f, done := tk.AddAwaiter(func(value.Value, bool) {})
	if !done || f || v.AsI32() != 21 {
		t.Fatalf("await-after-complete: %v %v %v", v, f, done)
	}
}

func TestMutexTracking(t *testing.T) {
	tk := newTask(4)
	tk.TrackMutex(10)
	tk.TrackMutex(20)
	tk.TrackMutex(10)
	tk.UntrackMutex(10) // drops the most recent registration of 10
	ids := tk.HeldMutexIDs()
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 20 {
		t.Fatalf("unexpected held mutexes: %v", ids)
	}
}

func TestFormatTraceback(t *testing.T) {
	trace := []interp.ActivationSnapshot{
		{FuncName: "main", Line: 3},
		{FuncName: "inner", Line: 17},
	}
	s := FormatTracebackString(7, trace, "boom")
	if !strings.Contains(s, "inner line 17:  boom") {
		t.Fatalf("top frame missing from traceback:\n%s", s)
	}
	if !strings.Contains(s, "... called from main line 3") {
		t.Fatalf("caller frame missing from traceback:\n%s", s)
	}
	if !strings.Contains(s, "(End of traceback)") {
		t.Fatalf("missing end marker:\n%s", s)
	}
}
