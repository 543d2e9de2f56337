// Package conformance runs the YAML-driven end-to-end scenarios against
// the full VM stack: host façade, scheduler, interpreter, GC, and sync
// primitives, each case described by a fixture file.
package conformance

import (
	"fmt"

	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/heap"
	"raya/internal/interp"
	"raya/internal/scheduler"
	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/typereg"
	"raya/internal/value"
	"raya/internal/vmhost"
)

// TestResult represents the outcome of running a single test
type TestResult struct {
	Test       LoadedTest
	Passed     bool
	Skipped    bool
	SkipReason string
	Error      error
}

// Runner executes conformance scenarios.
type Runner struct {
	// ShortMode skips wall-clock-sensitive scenarios.
	ShortMode bool
}

func NewRunner() *Runner { return &Runner{} }

// Run executes one loaded test case.
func (r *Runner) Run(lt LoadedTest) TestResult {
	tc := lt.Test
	if tc.Skip != "" {
		return TestResult{Test: lt, Skipped: true, SkipReason: tc.Skip}
	}
	if tc.Timing && r.ShortMode {
		return TestResult{Test: lt, Skipped: true, SkipReason: "timing-sensitive scenario under -short"}
	}

	v, failErr, err := r.runScenario(tc)
	if err != nil {
		return TestResult{Test: lt, Error: err}
	}

	if tc.ExpectFail {
		if failErr == nil {
			return TestResult{Test: lt, Error: fmt.Errorf("expected task failure, got %s", v.DebugString())}
		}
		return TestResult{Test: lt, Passed: true}
	}
	if failErr != nil {
		return TestResult{Test: lt, Error: failErr}
	}

	switch {
	case tc.ExpectI32 != nil:
		if v.Kind() != value.KindI32 || v.AsI32() != *tc.ExpectI32 {
			return TestResult{Test: lt, Error: fmt.Errorf("expected i32 %d, got %s", *tc.ExpectI32, v.DebugString())}
		}
	case tc.ExpectStr != nil:
		s, ok := interp.StringContent(v)
		if !ok || s != *tc.ExpectStr {
			return TestResult{Test: lt, Error: fmt.Errorf("expected string %q, got %s", *tc.ExpectStr, v.DebugString())}
		}
	case tc.ExpectBool != nil:
		if v.Kind() != value.KindBool || v.AsBool() != *tc.ExpectBool {
			return TestResult{Test: lt, Error: fmt.Errorf("expected bool %v, got %s", *tc.ExpectBool, v.DebugString())}
		}
	}
	return TestResult{Test: lt, Passed: true}
}

// runScenario builds and executes one named scenario. failErr reports a
// task-level failure (which some scenarios expect); err reports harness
// breakage.
func (r *Runner) runScenario(tc TestCase) (value.Value, error, error) {
	workers := tc.Workers
	if workers <= 0 {
		workers = 2
	}
	switch tc.Scenario {
	case "arith":
		return execModule(arithModule(), workers)
	case "catch":
		return execModule(catchModule(), workers)
	case "rendezvous":
		return runRendezvous(tc.Capacity, workers)
	case "send_on_closed":
		return runSendOnClosed(workers)
	case "mutex_fifo":
		return runMutexFIFO(workers)
	case "sleep_order":
		if len(tc.SleepsMs) != 3 {
			return value.Null, nil, fmt.Errorf("sleep_order wants 3 sleeps, got %d", len(tc.SleepsMs))
		}
		return runSleepOrder(tc.SleepsMs, workers)
	case "gc_cycle":
		return runGCCycle()
	default:
		return value.Null, nil, fmt.Errorf("unknown scenario %q", tc.Scenario)
	}
}

// execModule runs a single-task module through the host façade.
func execModule(m *bytecode.Module, workers int) (value.Value, error, error) {
	vm := vmhost.New(workers)
	v, err := vm.Execute(m)
	if err != nil {
		if _, ok := err.(*vmhost.TaskFailure); ok {
			return value.Null, err, nil
		}
		return value.Null, nil, err
	}
	return v, nil, nil
}

// scenarioEnv is a bare scheduler for driver-spawned concurrent programs,
// bypassing module entry resolution.
type scenarioEnv struct {
	sched *scheduler.Scheduler
}

func newEnv(m *bytecode.Module, workers int) (*scenarioEnv, error) {
	if err := bytecode.Verify(m); err != nil {
		return nil, err
	}
	types := typereg.New()
	heap.RegisterBuiltinTypes(types)
	h := gc.NewHeap(types, 0)
	prims := syncprim.NewRegistry()
	s := scheduler.New(m, types, h, prims, scheduler.Options{Workers: workers})
	s.Start()
	return &scenarioEnv{sched: s}, nil
}

// await returns (result, failErr) for one task and stops the scheduler.
func (e *scenarioEnv) await(t *task.Task) (value.Value, error) {
	v, failed := e.sched.AwaitHost(t)
	stopErr := e.sched.Stop()
	if failed {
		return value.Null, fmt.Errorf("task %d failed: %s", t.ID, v.DebugString())
	}
	if stopErr != nil {
		return value.Null, stopErr
	}
	return v, nil
}

// ===== scenarios =====

// A capacity-k channel hands a value from sender to
// receiver; capacity 0 is the rendezvous case.
func runRendezvous(capacity, workers int) (value.Value, error, error) {
	m := channelProgramModule()
	env, err := newEnv(m, workers)
	if err != nil {
		return value.Null, nil, err
	}
	ch := env.sched.NewChannel(0, capacity)

	recv := env.sched.SpawnRoot(fnRecvValue, []value.Value{ch})
	env.sched.SpawnRoot(fnSender, []value.Value{ch, value.I32(42)})

	v, failErr := env.await(recv)
	return v, failErr, nil
}

// Send on a closed channel fails the sending task;
// receive on a closed empty channel reports the closed signal first.
func runSendOnClosed(workers int) (value.Value, error, error) {
	m := channelProgramModule()
	env, err := newEnv(m, workers)
	if err != nil {
		return value.Null, nil, err
	}
	ch := env.sched.NewChannel(0, 1)
	env.sched.CloseChannel(ch)

	sender := env.sched.SpawnRoot(fnSender, []value.Value{ch, value.I32(7)})
	v, failErr := env.await(sender)
	return v, failErr, nil
}

// With the mutex held, three contenders enqueue in order and acquire
// FIFO; the digits of the result encode the acquisition order.
func runMutexFIFO(workers int) (value.Value, error, error) {
	m := mutexProgramModule()
	env, err := newEnv(m, workers)
	if err != nil {
		return value.Null, nil, err
	}
	ch := env.sched.NewChannel(0, 16)
	mtx := env.sched.NewMutex(0)

	env.sched.SpawnRoot(0, []value.Value{mtx, value.I32(250)}) // holder
	env.sched.SpawnRoot(1, []value.Value{ch, value.I32(2), value.I32(10), mtx})
	env.sched.SpawnRoot(1, []value.Value{ch, value.I32(3), value.I32(70), mtx})
	env.sched.SpawnRoot(1, []value.Value{ch, value.I32(4), value.I32(130), mtx})
	coll := env.sched.SpawnRoot(2, []value.Value{ch})

	v, failErr := env.await(coll)
	return v, failErr, nil
}

// Three sleepers wake in duration order; the digits of the result
// encode the wake order.
func runSleepOrder(sleeps []int, workers int) (value.Value, error, error) {
	m := sleepProgramModule()
	env, err := newEnv(m, workers)
	if err != nil {
		return value.Null, nil, err
	}
	ch := env.sched.NewChannel(0, 16)

	for i, ms := range sleeps {
		env.sched.SpawnRoot(0, []value.Value{ch, value.I32(int32(i + 1)), value.I32(int32(ms))})
	}
	coll := env.sched.SpawnRoot(1, []value.Value{ch})

	v, failErr := env.await(coll)
	return v, failErr, nil
}

// Two objects referencing each other cyclically with no roots are both
// collected; the scenario reports the post-collection live count.
func runGCCycle() (value.Value, error, error) {
	types := typereg.New()
	heap.RegisterBuiltinTypes(types)
	h := gc.NewHeap(types, 0)

	a := &heap.ObjectObj{Class: 0, Fields: []value.Value{value.Null}}
	a.Header.Type = typereg.TypeObject
	h.Alloc(a, 40)
	b := &heap.ObjectObj{Class: 0, Fields: []value.Value{heap.ToValue(a)}}
	b.Header.Type = typereg.TypeObject
	h.Alloc(b, 40)
	a.Fields[0] = heap.ToValue(b)

	stats := h.Collect(nil, nil)
	return value.I32(int32(stats.Live)), nil, nil
}
