package interp

import (
	"time"

	"raya/internal/value"
)

// SuspendReason enumerates why a task parked mid-execution; the
// scheduler routes each cause to a distinct wait queue.
type SuspendReason int

const (
	SuspendNone SuspendReason = iota
	SuspendAwaitTask
	SuspendIO
	SuspendChannelRecv
	SuspendChannelSend
	SuspendMutex
	SuspendSemaphore
	SuspendSleep
	SuspendYielded
	SuspendPreempted
)

func (r SuspendReason) String() string {
	switch r {
	case SuspendNone:
		return "none"
	case SuspendAwaitTask:
		return "await_task"
	case SuspendIO:
		return "io"
	case SuspendChannelRecv:
		return "channel_recv"
	case SuspendChannelSend:
		return "channel_send"
	case SuspendMutex:
		return "mutex"
	case SuspendSemaphore:
		return "semaphore"
	case SuspendSleep:
		return "sleep"
	case SuspendYielded:
		return "yielded"
	case SuspendPreempted:
		return "preempted"
	default:
		return "unknown"
	}
}

// Runtime is the set of concurrency services the interpreter needs from
// the task/scheduler layer to execute the `Spawn`/`Await`/channel/
// `Lock`/semaphore/`Sleep`/`Yield` opcode family and to poll safepoints.
// interp defines this interface and never imports the scheduler; the
// scheduler implements it, so the concurrency opcodes reach upward
// without an import cycle.
type Runtime interface {
	// Spawn creates a new task running funcID with args and returns a task
	// handle Value (never suspends the caller).
	Spawn(funcID uint32, args []value.Value) value.Value

	// Await returns (result, true) if handle already completed; otherwise
	// registers the current task to resume when it does and returns
	// (zero, false) — the caller must treat false as "must suspend".
	Await(handle value.Value) (value.Value, bool)

	// ChannelSend/ChannelRecv attempt the operation; ok is false only when
	// the caller must suspend (err is nil in that case).
	ChannelSend(ch value.Value, v value.Value) (ok bool, err error)
	ChannelRecv(ch value.Value) (v value.Value, closed bool, ok bool)

	// Lock/Unlock/SemAcquire/SemRelease mirror syncprim's Mutex/Semaphore;
	// ok is false only when the caller must suspend.
	Lock(mutex value.Value) (ok bool, err error)
	Unlock(mutex value.Value) error
	SemAcquire(sem value.Value, n int32) (ok bool)
	SemRelease(sem value.Value, n int32)

	// Sleep/Yield always suspend; duration is read from the popped Value
	// by the opcode handler and passed through.
	Sleep(d time.Duration)
	Yield()

	// SafepointPoll checks the global pause flag and this task's
	// preempt-requested flag, parking if either is set. Returns true if a
	// pause/preemption was observed (the caller must suspend).
	SafepointPoll() bool
}
