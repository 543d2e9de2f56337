// Package vmhost is the L6 host façade: load a verified module, execute
// its entry, spawn tasks, await completion, and dispatch native-function
// calls. One VM owns the shared state every worker sees — type registry,
// GC heap, sync-primitive registry, linker, native registry, and the
// pre-warmed compiled-code store.
package vmhost

import (
	"errors"
	"fmt"
	"time"

	"raya/internal/bytecode"
	"raya/internal/config"
	"raya/internal/diag"
	"raya/internal/gc"
	"raya/internal/heap"
	"raya/internal/interp"
	"raya/internal/jit"
	"raya/internal/linker"
	"raya/internal/scheduler"
	"raya/internal/syncprim"
	"raya/internal/task"
	"raya/internal/typereg"
	"raya/internal/value"
)

// TaskFailure is the error Execute/Await return when a task dies on an
// uncaught exception: the thrown value plus its rendered traceback.
type TaskFailure struct {
	TaskID    uint64
	Exception value.Value
	Traceback string
}

func (e *TaskFailure) Error() string {
	msg, ok := interp.StringContent(interp.ErrorMessage(e.Exception))
	if !ok {
		msg = e.Exception.DebugString()
	}
	return fmt.Sprintf("task %d failed: %s", e.TaskID, msg)
}

// Exit codes per the host contract.
const (
	ExitOK           = 0
	ExitTaskPanic    = 1
	ExitVerification = 2
	ExitCyclicImport = 3
)

// ExitCode maps an Execute error onto the process exit convention.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var f *diag.Fatal
	if errors.As(err, &f) {
		return f.Code.ExitCode()
	}
	var v *bytecode.VerifyError
	if errors.As(err, &v) {
		return ExitVerification
	}
	if errors.Is(err, linker.ErrCyclicImport) {
		return ExitCyclicImport
	}
	if errors.Is(err, bytecode.ErrBadChecksum) || errors.Is(err, bytecode.ErrBadMagic) ||
		errors.Is(err, bytecode.ErrBadVersion) {
		return ExitVerification
	}
	return ExitTaskPanic
}

// VM is one execution context.
type VM struct {
	cfg *config.Config

	types   *typereg.Registry
	heap    *gc.Heap
	prims   *syncprim.Registry
	linker  *linker.Linker
	natives *Registry

	module *bytecode.Module
	sched  *scheduler.Scheduler
	store  *jit.Store
}

// New constructs a VM with the default configuration and the given worker
// count (0 = available parallelism).
func New(workerCount int) *VM {
	cfg := config.Default()
	if workerCount > 0 {
		cfg.Workers = workerCount
	}
	return NewWithConfig(cfg)
}

// NewWithConfig constructs a VM from a loaded host configuration.
func NewWithConfig(cfg *config.Config) *VM {
	types := typereg.New()
	heap.RegisterBuiltinTypes(types)
	types.Freeze()
	h := gc.NewHeap(types, cfg.GC.HardMaxBytes)
	h.SetThreshold(cfg.GC.ThresholdBytes)
	return &VM{
		cfg:     cfg,
		types:   types,
		heap:    h,
		prims:   syncprim.NewRegistry(),
		linker:  linker.New(),
		natives: NewRegistry(),
	}
}

// RegisterNatives merges a native registry into the VM's table.
func (vm *VM) RegisterNatives(r *Registry) {
	for _, name := range r.Names() {
		fn, _ := r.Lookup(name)
		vm.natives.Register(name, fn)
	}
}

// Execute verifies and links m, pre-warms compile candidates, starts the
// scheduler, runs the module's entry to completion, and shuts back down.
// The entry is the exported "main" function, falling back to function 0.
func (vm *VM) Execute(m *bytecode.Module) (value.Value, error) {
	if err := bytecode.Verify(m); err != nil {
		return value.Null, err
	}
	if _, err := vm.linker.AddModule(m); err != nil {
		return value.Null, err
	}
	if err := vm.linker.CheckCycles(); err != nil {
		return value.Null, err
	}
	if _, err := vm.linker.LinkImports(m); err != nil {
		return value.Null, diag.Wrap(diag.CodeUnresolvedImport, err, "linking %s", m.Name)
	}

	vm.module = m
	vm.store = jit.Prewarm(m, vm.cfg.AOT.Candidates, time.Duration(vm.cfg.AOT.BudgetMillis)*time.Millisecond)

	vm.sched = scheduler.New(m, vm.types, vm.heap, vm.prims, scheduler.Options{
		Workers:     vm.cfg.Workers,
		NurserySize: vm.cfg.NurserySize,
		TickLimit:   vm.cfg.TickLimit,
		HardMax:     vm.cfg.GC.HardMaxBytes,
	})
	vm.sched.Accel = jit.NewEngine(m, vm.store)
	vm.sched.Start()

	entry := uint32(0)
	if idx, ok := m.FunctionByExportName("main"); ok {
		entry = uint32(idx)
	}
	if int(entry) >= len(m.Functions) {
		vm.sched.Stop()
		return value.Null, diag.New(diag.CodeModuleVerification, "module %s has no entry function", m.Name)
	}

	root := vm.sched.SpawnRoot(entry, nil)
	res, failed := vm.sched.AwaitHost(root)
	stopErr := vm.sched.Stop()
	if stopErr != nil {
		return value.Null, stopErr
	}
	if failed {
		exc, tr := root.Failure()
		msg, ok := interp.StringContent(interp.ErrorMessage(exc))
		if !ok {
			msg = exc.DebugString()
		}
		return value.Null, &TaskFailure{
			TaskID:    root.ID,
			Exception: exc,
			Traceback: task.FormatTracebackString(root.ID, tr, msg),
		}
	}
	return res, nil
}

// Spawn starts funcID as a new task on the running scheduler and returns
// its handle.
func (vm *VM) Spawn(funcID uint32, args []value.Value) (*task.Task, error) {
	if vm.sched == nil {
		return nil, errors.New("vmhost: no module executing")
	}
	return vm.sched.SpawnRoot(funcID, args), nil
}

// Await blocks until t finishes, returning its result or a TaskFailure.
func (vm *VM) Await(t *task.Task) (value.Value, error) {
	if vm.sched == nil {
		return value.Null, errors.New("vmhost: no module executing")
	}
	v, failed := vm.sched.AwaitHost(t)
	if failed {
		exc, tr := t.Failure()
		msg, ok := interp.StringContent(interp.ErrorMessage(exc))
		if !ok {
			msg = exc.DebugString()
		}
		return value.Null, &TaskFailure{TaskID: t.ID, Exception: exc, Traceback: task.FormatTracebackString(t.ID, tr, msg)}
	}
	return v, nil
}

// Scheduler exposes the running scheduler (nil between Execute calls),
// used by the CLI for channel construction and snapshotting.
func (vm *VM) Scheduler() *scheduler.Scheduler { return vm.sched }

// Module returns the currently executing module.
func (vm *VM) Module() *bytecode.Module { return vm.module }

// CompiledCount reports how many functions the pre-warmer compiled.
func (vm *VM) CompiledCount() int {
	if vm.store == nil {
		return 0
	}
	return vm.store.Len()
}

// CallNative dispatches a registered native function on behalf of t. A
// Value result resumes the caller immediately; an Error result is returned
// for the interpreter to raise; a Suspend result parks t on the blocking
// pool and resumes it with the operation's completion Value.
func (vm *VM) CallNative(name string, t *task.Task, args []value.Value) (value.Value, bool, error) {
	fn, ok := vm.natives.Lookup(name)
	if !ok {
		return value.Null, false, fmt.Errorf("vmhost: unknown native %q", name)
	}
	ctx := &NativeContext{vm: vm, task: t}
	res := fn(ctx, args)
	switch res.kind {
	case resultValue:
		return res.value, false, nil
	case resultError:
		return value.Null, false, errors.New(res.err)
	case resultSuspend:
		if vm.sched == nil || res.io == nil || res.io.Run == nil {
			return value.Null, false, errors.New("vmhost: suspend result outside execution")
		}
		vm.sched.SubmitBlocking(t, res.io.Run)
		return value.Null, true, nil
	}
	return value.Null, false, errors.New("vmhost: invalid native result")
}
