// Package scheduler is the L4 work-stealing dispatcher: N worker
// goroutines with LIFO local deques and FIFO stealing, a lock-free global
// injector for unaffined and republished tasks, a timer thread for sleeps,
// a blocking-work pool for native I/O, a preemption ticker, and the global
// safepoint coordinator GC pauses ride on.
//
// A Scheduler owns the task map and every queue a task can sit in; the
// worker loops move tasks between them on each state transition, and a
// periodic ticker keeps long-running tasks from starving the rest.
package scheduler

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/alphadose/zenq/v2"
	"golang.org/x/sync/errgroup"

	"raya/internal/bytecode"
	"raya/internal/diag"
	"raya/internal/gc"
	"raya/internal/heap"
	"raya/internal/interp"
	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/trace"
	"raya/internal/typereg"
	"raya/internal/value"
)

// preemptQuantum is how long a task may run uninterrupted before the
// fairness ticker sets its preempt flag.
const preemptQuantum = 20 * time.Millisecond

// Accelerator lets compiled native code (the AOT/JIT tier) execute a task
// in place of the interpreter. Run reports handled=false when the task's
// current function has no compiled form, in which case the worker falls
// back to the interpreter.
type Accelerator interface {
	Run(t *task.Task, rt interp.Runtime) (res interp.Result, handled bool)
}

// Options configures a Scheduler.
type Options struct {
	Workers     int
	NurserySize uint32
	TickLimit   uint64
	HardMax     uint64
}

type worker struct {
	id    int
	deque deque

	// current and startedAt are read by the preemption ticker.
	mu        sync.Mutex
	current   *task.Task
	startedAt time.Time
}

// Scheduler owns the worker pool and every live task.
type Scheduler struct {
	Module *bytecode.Module
	Types  *typereg.Registry
	Heap   *gc.Heap
	Prims  *syncprim.Registry

	// Accel, when non-nil, gets first crack at every dispatch.
	Accel Accelerator

	opts Options

	injector zenq.List
	workers  []*worker

	parkMu   sync.Mutex
	parkCond *sync.Cond
	stopped  atomic.Bool

	safepoints *Coordinator
	timer      *timerThread
	blocking   *reactor

	tasksMu sync.Mutex
	tasks   map[uint64]*task.Task
	nextID  atomic.Uint64

	primLocksMu sync.Mutex
	primLocks   map[uint64]*sync.Mutex

	eg       errgroup.Group
	tickDone chan struct{}
}

// New constructs a Scheduler over a shared module, type registry, heap and
// sync-primitive registry. Call Start before spawning.
func New(m *bytecode.Module, types *typereg.Registry, h *gc.Heap, prims *syncprim.Registry, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	s := &Scheduler{
		Module:    m,
		Types:     types,
		Heap:      h,
		Prims:     prims,
		opts:      opts,
		injector:  zenq.NewList(),
		tasks:     make(map[uint64]*task.Task),
		primLocks: make(map[uint64]*sync.Mutex),
		tickDone:  make(chan struct{}),
	}
	s.parkCond = sync.NewCond(&s.parkMu)
	s.safepoints = NewCoordinator(func() {
		s.parkMu.Lock()
		s.parkCond.Broadcast()
		s.parkMu.Unlock()
	})
	s.timer = newTimerThread(s.Publish)
	s.blocking = newReactor(s.Publish)
	for i := 0; i < opts.Workers; i++ {
		s.workers = append(s.workers, &worker{id: i})
	}
	return s
}

// Start launches the worker pool, timer thread, and preemption ticker.
func (s *Scheduler) Start() {
	s.timer.start()
	go s.preemptLoop()
	for _, w := range s.workers {
		w := w
		s.eg.Go(func() error { return s.workerLoop(w) })
	}
}

// Stop shuts the pool down and waits for workers to drain. The first
// worker error (a fatal diagnostic, e.g. OOM) is returned.
func (s *Scheduler) Stop() error {
	s.stopped.Store(true)
	close(s.tickDone)
	s.timer.stop()
	s.parkMu.Lock()
	s.parkCond.Broadcast()
	s.parkMu.Unlock()
	err := s.eg.Wait()
	s.blocking.drain()
	return err
}

// Publish pushes a resumed or unaffined task onto the global injector and
// wakes a parked worker.
func (s *Scheduler) Publish(t *task.Task) {
	s.injector.Enqueue(unsafe.Pointer(t))
	s.parkMu.Lock()
	s.parkCond.Broadcast()
	s.parkMu.Unlock()
}

// Spawn creates a Ready task for funcID and pushes it onto the named
// worker's local deque (or the injector when the caller isn't a worker).
func (s *Scheduler) Spawn(w *worker, funcID uint32, args []value.Value) *task.Task {
	id := s.nextID.Add(1)
	fn := &s.Module.Functions[funcID]
	nursery := gc.NewNursery(id, s.Heap, s.opts.NurserySize)
	in := interp.New(s.Module, nursery, s.Types)
	in.TickLimit = s.opts.TickLimit
	root := interp.NewFrame(fn, fn.Name, args)
	t := task.New(id, in, root)

	s.tasksMu.Lock()
	s.tasks[id] = t
	s.tasksMu.Unlock()

	trace.TaskSpawn(id, fn.Name)
	if w != nil {
		w.deque.pushBottom(t)
		s.parkMu.Lock()
		s.parkCond.Broadcast()
		s.parkMu.Unlock()
	} else {
		s.Publish(t)
	}
	return t
}

// SpawnRoot creates and publishes the module's root task.
func (s *Scheduler) SpawnRoot(funcID uint32, args []value.Value) *task.Task {
	return s.Spawn(nil, funcID, args)
}

// Task looks up a live or finished task by id.
func (s *Scheduler) Task(id uint64) *task.Task {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	return s.tasks[id]
}

// Tasks snapshots every known task, used by the GC root scan and snapshot
// serialization.
func (s *Scheduler) Tasks() []*task.Task {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Cancel requests cooperative cancellation: the task's next safepoint
// observes the flag and the task fails with a cancellation error.
func (s *Scheduler) Cancel(t *task.Task) {
	t.Cancelled.Store(true)
	t.Preempt.Store(true)
}

// AwaitHost blocks the calling (host) goroutine until t completes or
// fails, returning the result or the uncaught exception.
func (s *Scheduler) AwaitHost(t *task.Task) (value.Value, bool) {
	done := make(chan struct{})
	var res value.Value
	var failed bool
	v, f, finished := t.AddAwaiter(func(v value.Value, fl bool) {
		res, failed = v, fl
		close(done)
	})
	if finished {
		return v, f
	}
	<-done
	return res, failed
}

// ===== worker loop =====

func (s *Scheduler) workerLoop(w *worker) error {
	for {
		if s.stopped.Load() {
			return nil
		}
		if s.safepoints.PausePending() {
			s.safepoints.Ack()
		}
		if s.Heap.NeedsCollection() {
			s.runGC()
		}

		t := w.deque.popBottom()
		if t == nil {
			t = s.steal(w)
		}
		if t == nil {
			t = s.takeInjector()
		}
		if t == nil {
			t = s.park()
			if t == nil {
				continue
			}
		}
		if err := s.dispatch(w, t); err != nil {
			s.stopped.Store(true)
			s.parkMu.Lock()
			s.parkCond.Broadcast()
			s.parkMu.Unlock()
			return err
		}
	}
}

func (s *Scheduler) takeInjector() *task.Task {
	p := s.injector.Dequeue()
	if p == nil {
		return nil
	}
	return (*task.Task)(p)
}

// steal picks a random victim and retries a bounded number of times on
// contention or emptiness before giving up for this round.
func (s *Scheduler) steal(w *worker) *task.Task {
	n := len(s.workers)
	if n < 2 {
		return nil
	}
	for attempt := 0; attempt < 2*n; attempt++ {
		victim := s.workers[rand.Intn(n)]
		if victim.id == w.id {
			continue
		}
		if t := victim.deque.stealTop(); t != nil {
			trace.SchedSteal(w.id, victim.id, t.ID)
			return t
		}
	}
	return nil
}

// park blocks until work appears on the injector, a pause needs
// acknowledging, or shutdown. Publishers broadcast under parkMu, so the
// check-then-wait here cannot miss a wakeup.
func (s *Scheduler) park() *task.Task {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	for {
		if s.stopped.Load() {
			return nil
		}
		if p := s.injector.Dequeue(); p != nil {
			return (*task.Task)(p)
		}
		if s.safepoints.PausePending() {
			s.parkMu.Unlock()
			s.safepoints.Ack()
			s.parkMu.Lock()
			continue
		}
		s.parkCond.Wait()
	}
}

// dispatch runs one task until it completes, fails, or suspends, then
// routes it to the right queue.
func (s *Scheduler) dispatch(w *worker, t *task.Task) error {
	if t.Cancelled.Load() {
		s.failTask(t, s.cancellationError(t), nil)
		return nil
	}

	st := t.StateOf()
	if st != task.Ready && st != task.Resumed {
		// A stale injector entry (e.g. a task cancelled while queued).
		return nil
	}
	trace.TaskState(t.ID, st.String(), task.Running.String())
	t.SetState(task.Running)
	t.Preempt.Store(false)
	t.TakeResume()

	w.mu.Lock()
	w.current = t
	w.startedAt = time.Now()
	w.mu.Unlock()

	rt := &taskRuntime{s: s, w: w, t: t}
	var res interp.Result
	handled := false
	if s.Accel != nil {
		res, handled = s.Accel.Run(t, rt)
	}
	if !handled {
		res = t.Interp.Run(t.ID, &t.Frames, rt)
	}

	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()

	switch res.Outcome {
	case interp.OutcomeReturned:
		s.completeTask(t, res.Value)
	case interp.OutcomeThrew:
		s.failTask(t, res.Value, res.Trace)
	case interp.OutcomeSuspended:
		s.parkTask(w, t, res)
	}

	if s.opts.HardMax > 0 && s.Heap.Allocated() > s.opts.HardMax {
		s.runGC()
		if s.Heap.Allocated() > s.opts.HardMax {
			return diag.New(diag.CodeOutOfMemory,
				"heap hard maximum exceeded: %d > %d bytes", s.Heap.Allocated(), s.opts.HardMax)
		}
	}
	return nil
}

func (s *Scheduler) completeTask(t *task.Task, v value.Value) {
	s.releaseHeldMutexes(t)
	if n := t.Nursery(); n != nil {
		n.Reset()
	}
	trace.TaskState(t.ID, task.Running.String(), task.Completed.String())
	for _, fn := range t.Complete(v) {
		fn(v, false)
	}
}

func (s *Scheduler) failTask(t *task.Task, exc value.Value, tr []interp.ActivationSnapshot) {
	s.releaseHeldMutexes(t)
	if n := t.Nursery(); n != nil {
		n.Reset()
	}
	msg, ok := interp.StringContent(interp.ErrorMessage(exc))
	if !ok {
		msg = interp.ErrorMessage(exc).DebugString()
	}
	rendered := task.FormatTracebackString(t.ID, tr, msg)
	if stackVal, ok := s.allocTraceString(t, rendered); ok {
		interp.SetErrorStack(exc, stackVal)
	}
	trace.TaskFailed(t.ID, msg)
	for _, fn := range t.Fail(exc, tr) {
		fn(exc, true)
	}
}

// allocTraceString puts the rendered traceback on the shared heap (the
// failing task's nursery is about to be reset).
func (s *Scheduler) allocTraceString(t *task.Task, text string) (value.Value, bool) {
	o := &heap.StringObj{Bytes: []byte(text)}
	o.Header.Type = typereg.TypeString
	o.Header.Owner = t.ID
	s.Heap.Alloc(o, uint32(len(text))+16)
	return heap.ToValue(o), true
}

func (s *Scheduler) cancellationError(t *task.Task) value.Value {
	o := &heap.ObjectObj{Class: 0, Fields: []value.Value{
		s.sharedString(t, "TaskCancelled"),
		s.sharedString(t, "task cancelled by scheduler"),
		value.Null,
	}}
	o.Header.Type = typereg.TypeObject
	o.Header.Owner = t.ID
	s.Heap.Alloc(o, 64)
	return heap.ToValue(o)
}

func (s *Scheduler) sharedString(t *task.Task, text string) value.Value {
	o := &heap.StringObj{Bytes: []byte(text)}
	o.Header.Type = typereg.TypeString
	o.Header.Owner = t.ID
	s.Heap.Alloc(o, uint32(len(text))+16)
	return heap.ToValue(o)
}

// parkTask routes a suspended task by its suspend reason. For channel,
// mutex, semaphore, await and I/O suspensions the waiter side was already
// registered during the runtime call; all that remains is the state change.
func (s *Scheduler) parkTask(w *worker, t *task.Task, res interp.Result) {
	trace.TaskState(t.ID, task.Running.String(), task.Suspended.String())
	switch res.SuspendReason {
	case interp.SuspendYielded:
		t.MarkSuspended(res.SuspendReason, res.SuspendPayload)
		t.Resume(nil, false)
		s.Publish(t)
	case interp.SuspendPreempted:
		t.MarkSuspended(res.SuspendReason, res.SuspendPayload)
		t.ResumeBare()
		w.deque.pushBottom(t)
	case interp.SuspendSleep:
		t.MarkSuspended(res.SuspendReason, res.SuspendPayload)
		s.timer.add(t, t.WakeAt())
	default:
		t.MarkSuspended(res.SuspendReason, res.SuspendPayload)
	}
}

func (s *Scheduler) releaseHeldMutexes(t *task.Task) {
	for _, id := range t.HeldMutexIDs() {
		lock := s.primLock(id)
		lock.Lock()
		m := s.Prims.Mutex(id)
		if m != nil {
			m.Unlock(t.ID)
		}
		lock.Unlock()
		t.UntrackMutex(id)
	}
}

// primLock returns the per-primitive lock guarding the syncprim structure
// registered under id.
func (s *Scheduler) primLock(id uint64) *sync.Mutex {
	s.primLocksMu.Lock()
	defer s.primLocksMu.Unlock()
	l, ok := s.primLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.primLocks[id] = l
	}
	return l
}

// ===== GC at safepoints =====

// runGC performs one stop-the-world collection: every other worker
// acknowledges the pause, roots are gathered from tasks, channels, and
// nurseries, and the shared heap sweeps.
func (s *Scheduler) runGC() {
	s.safepoints.StopTheWorld(len(s.workers)-1, func() {
		roots, nurseryObjs := s.collectRoots()
		stats := s.Heap.Collect(roots, nurseryObjs)
		trace.GCCycle(stats.Live, stats.Freed, stats.Allocated, stats.Threshold)
	})
}

// CollectNow forces a collection outside the worker loop (host-triggered,
// e.g. before snapshotting). Only safe when no workers are running tasks.
func (s *Scheduler) CollectNow() gc.Stats {
	roots, nurseryObjs := s.collectRoots()
	return s.Heap.Collect(roots, nurseryObjs)
}

func (s *Scheduler) collectRoots() ([]value.Value, []heap.Object) {
	var roots []value.Value
	var nurseryObjs []heap.Object
	for _, t := range s.Tasks() {
		roots = append(roots, t.Roots()...)
		if n := t.Nursery(); n != nil {
			nurseryObjs = append(nurseryObjs, n.Objects()...)
		}
	}
	s.Prims.ForEachChannel(func(id uint64, c *syncprim.Channel) {
		roots = append(roots, c.Buffered()...)
	})
	return roots, nurseryObjs
}

// ===== preemption ticker =====

// preemptLoop periodically flags tasks that have run past their quantum so
// their next safepoint poll yields.
func (s *Scheduler) preemptLoop() {
	ticker := time.NewTicker(preemptQuantum)
	defer ticker.Stop()
	for {
		select {
		case <-s.tickDone:
			return
		case <-ticker.C:
			now := time.Now()
			for _, w := range s.workers {
				w.mu.Lock()
				if w.current != nil && now.Sub(w.startedAt) >= preemptQuantum {
					w.current.Preempt.Store(true)
				}
				w.mu.Unlock()
			}
		}
	}
}

// ===== primitive construction =====

// NewChannel allocates a channel heap object and registers its primitive,
// returning the handle Value bytecode operates on.
func (s *Scheduler) NewChannel(owner uint64, capacity int) value.Value {
	o := &heap.ChannelObj{}
	o.Header.Type = typereg.TypeChannel
	o.Header.Owner = owner
	s.Heap.Alloc(o, 64)
	v := heap.ToValue(o)
	s.Prims.PutChannel(primID(v), syncprim.NewChannel(capacity))
	return v
}

// NewMutex allocates a mutex handle backed by a RefCell shell.
func (s *Scheduler) NewMutex(owner uint64) value.Value {
	o := &heap.RefCellObj{Cell: value.Null}
	o.Header.Type = typereg.TypeRefCell
	o.Header.Owner = owner
	s.Heap.Alloc(o, 24)
	v := heap.ToValue(o)
	s.Prims.PutMutex(primID(v), syncprim.NewMutex())
	return v
}

// NewSemaphore allocates a semaphore handle backed by a RefCell shell.
func (s *Scheduler) NewSemaphore(owner uint64, initial, max int32) value.Value {
	o := &heap.RefCellObj{Cell: value.Null}
	o.Header.Type = typereg.TypeRefCell
	o.Header.Owner = owner
	s.Heap.Alloc(o, 24)
	v := heap.ToValue(o)
	s.Prims.PutSemaphore(primID(v), syncprim.NewSemaphore(initial, max))
	return v
}

// CloseChannel closes the channel behind handle v.
func (s *Scheduler) CloseChannel(v value.Value) {
	id := primID(v)
	lock := s.primLock(id)
	lock.Lock()
	defer lock.Unlock()
	if c := s.Prims.Channel(id); c != nil {
		c.Close()
		s.mirrorChannel(v, c)
	}
}

// mirrorChannel copies the primitive's buffered state into the heap shell
// so the GC's pointer map sees the queued values.
func (s *Scheduler) mirrorChannel(v value.Value, c *syncprim.Channel) {
	p, _ := v.AsPtr()
	if p == nil {
		return
	}
	o := (*heap.ChannelObj)(p)
	o.Buffer = c.Buffered()
	o.Closed = c.IsClosed()
}

// primID keys the primitive registry by the handle's heap address.
func primID(v value.Value) uint64 {
	p, _ := v.AsPtr()
	return uint64(uintptr(p))
}

// SubmitBlocking parks t with reason IO and runs op on the blocking pool;
// the completion value resumes the task. Called by native handlers that
// return a Suspend result.
func (s *Scheduler) SubmitBlocking(t *task.Task, op func() value.Value) {
	s.blocking.submit(t, op)
}
