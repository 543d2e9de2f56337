package scheduler

import (
	"runtime"
	"sync"

	"raya/internal/task"
	"raya/internal/value"
)

// reactor is the blocking-work pool: native calls and I/O that must block
// offload here, the requesting task suspends with reason IO, and the task
// is republished to the injector with the completion Value once the
// operation finishes. This is the goroutine-per-blocking-call realization
// of the reactor contract — OS readiness multiplexing stays behind the
// host's native handlers.
type reactor struct {
	wg      sync.WaitGroup
	publish func(*task.Task)
}

func newReactor(publish func(*task.Task)) *reactor {
	return &reactor{publish: publish}
}

// submit runs op off-thread; the caller must already have parked t with
// reason IO. The completion value (or the error rendered as a conventional
// Error value by the op itself) resumes the task.
func (r *reactor) submit(t *task.Task, op func() value.Value) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		v := op()
		for !t.Resume(&v, false) {
			// The task is still between returning from the interpreter
			// and being marked suspended; yield until it parks.
			runtime.Gosched()
		}
		r.publish(t)
	}()
}

func (r *reactor) drain() { r.wg.Wait() }
