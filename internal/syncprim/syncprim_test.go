package syncprim

import (
	"testing"

	"raya/internal/value"
)

// TestChannelRendezvous: a capacity-0 channel,
// one send, one receive, then close, then a receive that observes closed,
// then a send that errors.
func TestChannelRendezvous(t *testing.T) {
	c := NewChannel(0)

	resumed := false
	mustSuspend, err := c.Send(value.I32(42), Waiter{TaskID: 1, Resume: func() { resumed = true }})
	if err != nil {
		t.Fatalf("Send on rendezvous with no receiver: %v", err)
	}
	if !mustSuspend {
		t.Fatalf("expected send on empty rendezvous to suspend")
	}

	v, ok, closed := c.TryRecv()
	if !ok || closed {
		t.Fatalf("expected receive to pick up queued sender, got ok=%v closed=%v", ok, closed)
	}
	if v.AsI32() != 42 {
		t.Fatalf("got %v want 42", v)
	}
	if !resumed {
		t.Fatalf("expected sender to be resumed on handoff")
	}

	c.Close()
	_, ok, closed = c.TryRecv()
	if ok || !closed {
		t.Fatalf("expected closed signal on drained closed channel")
	}

	if _, err := c.TrySend(value.I32(1)); err != ErrClosed {
		t.Fatalf("expected ErrClosed on send-after-close, got %v", err)
	}
}

// TestMutexFIFO: four tasks contending, FIFO wakeup order.
func TestMutexFIFO(t *testing.T) {
	m := NewMutex()
	acquired, err := m.TryLock(1)
	if err != nil || !acquired {
		t.Fatalf("T1 should acquire freely: %v %v", acquired, err)
	}

	var order []uint64
	for _, id := range []uint64{2, 3, 4} {
		id := id
		mustSuspend, err := m.Lock(id, Waiter{TaskID: id, Resume: func() { order = append(order, id) }})
		if err != nil || !mustSuspend {
			t.Fatalf("T%d should enqueue: %v %v", id, mustSuspend, err)
		}
	}

	if err := m.Unlock(1); err != nil {
		t.Fatalf("T1 unlock: %v", err)
	}
	if m.Owner() != 2 {
		t.Fatalf("expected T2 to own the mutex, got %d", m.Owner())
	}
	if err := m.Unlock(2); err != nil {
		t.Fatalf("T2 unlock: %v", err)
	}
	if m.Owner() != 3 {
		t.Fatalf("expected T3 to own the mutex, got %d", m.Owner())
	}
	if err := m.Unlock(3); err != nil {
		t.Fatalf("T3 unlock: %v", err)
	}
	if m.Owner() != 4 {
		t.Fatalf("expected T4 to own the mutex, got %d", m.Owner())
	}
	if len(order) != 3 || order[0] != 2 || order[1] != 3 || order[2] != 4 {
		t.Fatalf("wrong wake order: %v", order)
	}
}

func TestMutexReentrantIsError(t *testing.T) {
	m := NewMutex()
	if _, err := m.TryLock(1); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := m.TryLock(1); err != ErrReentrant {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	if err := m.Unlock(2); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSemaphoreCappedRelease(t *testing.T) {
	s := NewSemaphore(0, 2)
	var woken []uint64
	mustSuspend := s.Acquire(1, 2, Waiter{TaskID: 1, Resume: func() { woken = append(woken, 1) }})
	if !mustSuspend {
		t.Fatalf("expected acquire to block with zero permits")
	}
	w := s.Release(1)
	if len(w) != 0 {
		t.Fatalf("1 permit insufficient for a 2-request, should not wake yet")
	}
	w = s.Release(1)
	if len(w) != 1 {
		t.Fatalf("expected exactly one waiter woken, got %d", len(w))
	}
	for _, waiter := range w {
		waiter.Resume()
	}
	if len(woken) != 1 || woken[0] != 1 {
		t.Fatalf("wrong wake set: %v", woken)
	}
	if s.Permits() > 2 {
		t.Fatalf("permits exceeded max: %d", s.Permits())
	}
}
