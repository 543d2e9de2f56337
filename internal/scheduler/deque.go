package scheduler

import (
	"sync"

	"raya/internal/task"
)

// deque is one worker's run queue: LIFO for the owning worker (hot tasks
// stay cache-warm), FIFO for thieves (they take the oldest work). Guarded
// by a short-held mutex; steal traffic is rare enough that the lock never
// becomes the bottleneck the injector's lock-free list is there to avoid.
type deque struct {
	mu    sync.Mutex
	tasks []*task.Task
}

// pushBottom adds t at the owner's end.
func (d *deque) pushBottom(t *task.Task) {
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
}

// popBottom removes the most recently pushed task (owner side).
func (d *deque) popBottom() *task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.tasks)
	if n == 0 {
		return nil
	}
	t := d.tasks[n-1]
	d.tasks = d.tasks[:n-1]
	return t
}

// stealTop removes the oldest task (thief side).
func (d *deque) stealTop() *task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil
	}
	t := d.tasks[0]
	d.tasks = d.tasks[1:]
	return t
}

func (d *deque) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}
