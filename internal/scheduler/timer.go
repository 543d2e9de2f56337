package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"raya/internal/task"
	"raya/internal/trace"
)

// timerEntry is one (wake_instant, task) pair in the timer thread's
// min-heap.
type timerEntry struct {
	at time.Time
	t  *task.Task
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// timerThread owns the sleep min-heap. It is notified whenever the earliest
// wake time changes or on shutdown, and publishes due tasks back to the
// scheduler's global injector.
type timerThread struct {
	mu      sync.Mutex
	entries timerHeap
	notify  chan struct{}
	done    chan struct{}
	publish func(*task.Task)
}

func newTimerThread(publish func(*task.Task)) *timerThread {
	return &timerThread{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		publish: publish,
	}
}

func (tt *timerThread) start() { go tt.run() }

func (tt *timerThread) stop() { close(tt.done) }

// add schedules t to wake at the given instant and nudges the thread if the
// new entry is now the earliest.
func (tt *timerThread) add(t *task.Task, at time.Time) {
	tt.mu.Lock()
	heap.Push(&tt.entries, timerEntry{at: at, t: t})
	tt.mu.Unlock()
	select {
	case tt.notify <- struct{}{}:
	default:
	}
}

func (tt *timerThread) run() {
	for {
		tt.mu.Lock()
		var wait time.Duration
		if len(tt.entries) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(tt.entries[0].at)
		}
		tt.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-tt.done:
				timer.Stop()
				return
			case <-tt.notify:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		now := time.Now()
		var due []*task.Task
		tt.mu.Lock()
		for len(tt.entries) > 0 && !tt.entries[0].at.After(now) {
			e := heap.Pop(&tt.entries).(timerEntry)
			due = append(due, e.t)
		}
		tt.mu.Unlock()

		for _, t := range due {
			if t.Resume(nil, false) {
				trace.SchedTimer(t.ID)
				tt.publish(t)
			}
		}
	}
}
