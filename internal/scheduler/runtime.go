package scheduler

import (
	"runtime"
	"time"

	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/value"
)

// taskRuntime implements interp.Runtime for one dispatch of one task: the
// concurrency opcodes reach the scheduler through it without interp ever
// importing this package. Registrations made here (channel waiters, mutex
// queue entries, await callbacks) pair with the suspension the interpreter
// reports immediately after the call returns "must suspend".
type taskRuntime struct {
	s *Scheduler
	w *worker
	t *task.Task
}

// resumeWith wakes the runtime's task once it has parked, delivering an
// optional value (or the channel-closed marker) and republishing it. The
// waking side may race the suspending side by a few instructions, hence
// the yield loop.
func (rt *taskRuntime) resumer(t *task.Task) func(v *value.Value, closed bool) {
	s := rt.s
	return func(v *value.Value, closed bool) {
		for !t.Resume(v, closed) {
			runtime.Gosched()
		}
		s.Publish(t)
	}
}

func (rt *taskRuntime) Spawn(funcID uint32, args []value.Value) value.Value {
	t := rt.s.Spawn(rt.w, funcID, args)
	return value.I32(int32(t.ID))
}

func (rt *taskRuntime) Await(handle value.Value) (value.Value, bool) {
	target := rt.s.Task(uint64(handle.AsI32()))
	if target == nil {
		return value.Null, true
	}
	wake := rt.resumer(rt.t)
	v, _, finished := target.AddAwaiter(func(res value.Value, failed bool) {
		r := res
		wake(&r, false)
	})
	if finished {
		return v, true
	}
	return value.Null, false
}

func (rt *taskRuntime) ChannelSend(ch value.Value, v value.Value) (bool, error) {
	id := primID(ch)
	lock := rt.s.primLock(id)
	lock.Lock()
	defer lock.Unlock()
	c := rt.s.Prims.Channel(id)
	if c == nil {
		return false, syncprim.ErrClosed
	}
	mustSuspend, err := c.Send(v, rt.sendWaiter())
	rt.s.mirrorChannel(ch, c)
	if err != nil {
		return false, err
	}
	return !mustSuspend, nil
}

func (rt *taskRuntime) ChannelRecv(ch value.Value) (value.Value, bool, bool) {
	id := primID(ch)
	lock := rt.s.primLock(id)
	lock.Lock()
	defer lock.Unlock()
	c := rt.s.Prims.Channel(id)
	if c == nil {
		return value.Null, true, true
	}
	if v, ok, closed := c.TryRecv(); ok || closed {
		rt.s.mirrorChannel(ch, c)
		return v, closed, true
	}
	c.Recv(rt.recvWaiter(c))
	rt.s.mirrorChannel(ch, c)
	return value.Null, false, false
}

// sendWaiter wakes a parked sender: its value was handed off, so it
// resumes with no payload and the send opcode completes.
func (rt *taskRuntime) sendWaiter() syncprim.Waiter {
	wake := rt.resumer(rt.t)
	return syncprim.Waiter{
		TaskID: rt.t.ID,
		Resume: func() { wake(nil, false) },
	}
}

// recvWaiter wakes a parked receiver: either a value was handed to it
// directly (Deliver) or the channel closed under it.
func (rt *taskRuntime) recvWaiter(c *syncprim.Channel) syncprim.Waiter {
	t := rt.t
	wake := rt.resumer(t)
	return syncprim.Waiter{
		TaskID: t.ID,
		Resume: func() {
			if v, ok := c.Deliver(t.ID); ok {
				vv := v
				wake(&vv, false)
				return
			}
			wake(nil, true)
		},
	}
}

func (rt *taskRuntime) Lock(mv value.Value) (bool, error) {
	id := primID(mv)
	lock := rt.s.primLock(id)
	lock.Lock()
	defer lock.Unlock()
	m := rt.s.Prims.Mutex(id)
	if m == nil {
		return false, syncprim.ErrNotOwner
	}
	t := rt.t
	wake := rt.resumer(t)
	mustSuspend, err := m.Lock(t.ID, syncprim.Waiter{
		TaskID: t.ID,
		Resume: func() {
			// Ownership already transferred by the unlocking task.
			t.TrackMutex(id)
			wake(nil, false)
		},
	})
	if err != nil {
		return false, err
	}
	if !mustSuspend {
		t.TrackMutex(id)
		return true, nil
	}
	return false, nil
}

func (rt *taskRuntime) Unlock(mv value.Value) error {
	id := primID(mv)
	lock := rt.s.primLock(id)
	lock.Lock()
	defer lock.Unlock()
	m := rt.s.Prims.Mutex(id)
	if m == nil {
		return syncprim.ErrNotOwner
	}
	if err := m.Unlock(rt.t.ID); err != nil {
		return err
	}
	rt.t.UntrackMutex(id)
	return nil
}

func (rt *taskRuntime) SemAcquire(sv value.Value, n int32) bool {
	id := primID(sv)
	lock := rt.s.primLock(id)
	lock.Lock()
	defer lock.Unlock()
	sem := rt.s.Prims.Semaphore(id)
	if sem == nil {
		return true
	}
	wake := rt.resumer(rt.t)
	mustSuspend := sem.Acquire(rt.t.ID, n, syncprim.Waiter{
		TaskID: rt.t.ID,
		Resume: func() { wake(nil, false) },
	})
	return !mustSuspend
}

func (rt *taskRuntime) SemRelease(sv value.Value, n int32) {
	id := primID(sv)
	lock := rt.s.primLock(id)
	lock.Lock()
	woken := []syncprim.Waiter(nil)
	if sem := rt.s.Prims.Semaphore(id); sem != nil {
		woken = sem.Release(n)
	}
	lock.Unlock()
	for _, w := range woken {
		w.Resume()
	}
}

func (rt *taskRuntime) Sleep(d time.Duration) {
	rt.t.SetWakeAt(time.Now().Add(d))
}

func (rt *taskRuntime) Yield() {}

func (rt *taskRuntime) SafepointPoll() bool {
	return rt.t.Preempt.Load() || rt.t.Cancelled.Load() || rt.s.safepoints.PausePending()
}
