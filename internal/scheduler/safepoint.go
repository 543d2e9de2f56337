package scheduler

import (
	"sync"

	"raya/internal/trace"
)

// Coordinator implements the global stop-the-world handshake: a pause flag,
// an acknowledgement barrier, and a release broadcast. Workers acknowledge
// at their next safepoint poll; the initiating worker performs the
// stop-the-world work (typically GC) once every other worker has parked.
type Coordinator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pausing bool
	acks    int

	// wakeParked nudges workers blocked in the scheduler's idle park so
	// they reach an acknowledgement point; set once at construction.
	wakeParked func()
}

func NewCoordinator(wakeParked func()) *Coordinator {
	c := &Coordinator{wakeParked: wakeParked}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// PausePending reports whether a pause has been requested and not yet
// released; safepoint polls check this.
func (c *Coordinator) PausePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pausing
}

// Ack is one worker's acknowledgement: it increments the barrier and parks
// until the pause is lifted.
func (c *Coordinator) Ack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pausing {
		return
	}
	c.acks++
	c.cond.Broadcast()
	for c.pausing {
		c.cond.Wait()
	}
	c.acks--
	c.cond.Broadcast()
}

// StopTheWorld runs fn once `others` workers have acknowledged the pause.
// Concurrent initiators queue up: the second waits for the first's release
// before starting its own pause.
func (c *Coordinator) StopTheWorld(others int, fn func()) {
	for {
		c.mu.Lock()
		if !c.pausing {
			c.pausing = true
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		// Another worker got there first: acknowledge its pause (so its
		// barrier can fill) before retrying our own.
		c.Ack()
	}

	if c.wakeParked != nil {
		c.wakeParked()
	}

	c.mu.Lock()
	for c.acks < others {
		c.cond.Wait()
	}
	c.mu.Unlock()

	trace.SafepointPause(others + 1)
	fn()
	trace.SafepointResume()

	c.mu.Lock()
	c.pausing = false
	c.cond.Broadcast()
	c.mu.Unlock()
}
