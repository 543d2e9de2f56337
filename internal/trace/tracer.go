// Package trace provides filtered execution tracing for the VM: task
// lifecycle, GC cycles, safepoint pauses, scheduler decisions, and linker
// resolution, each gated by a glob filter list so an operator can watch one
// subsystem without drowning in the rest.
package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tracer writes filtered event lines to a single writer.
type Tracer struct {
	enabled bool
	filters []string
	writer  io.Writer
	mu      sync.Mutex
}

// Global tracer instance
var globalTracer *Tracer

// Init initializes the global tracer
func Init(enabled bool, filters []string, writer io.Writer) {
	if writer == nil {
		writer = os.Stderr
	}
	globalTracer = &Tracer{
		enabled: enabled,
		filters: filters,
		writer:  writer,
	}
}

// IsEnabled returns whether tracing is enabled
func IsEnabled() bool {
	if globalTracer == nil {
		return false
	}
	return globalTracer.enabled
}

// matchesFilter checks if an event category matches any of the filter
// patterns. Categories are dotted names like "task.spawn", "gc.cycle",
// "sched.steal", "safepoint.pause", "linker.resolve".
func (t *Tracer) matchesFilter(category string) bool {
	if len(t.filters) == 0 {
		return true // No filters = trace everything
	}

	for _, pattern := range t.filters {
		if matched, _ := filepath.Match(pattern, category); matched {
			return true
		}
	}
	return false
}

func (t *Tracer) event(category, format string, args ...interface{}) {
	if !t.enabled || !t.matchesFilter(category) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.writer, "[TRACE] %s %s\n", strings.ToUpper(category), fmt.Sprintf(format, args...))
}

// TaskSpawn logs a task creation
func (t *Tracer) TaskSpawn(id uint64, funcName string) {
	t.event("task.spawn", "task=%d func=%s", id, funcName)
}

// TaskState logs a task state transition
func (t *Tracer) TaskState(id uint64, from, to string) {
	t.event("task.state", "task=%d %s->%s", id, from, to)
}

// TaskFailed logs a task terminating with an uncaught exception
func (t *Tracer) TaskFailed(id uint64, excText string) {
	t.event("task.failed", "task=%d exc=%s", id, excText)
}

// GCCycle logs one completed collection
func (t *Tracer) GCCycle(live, freed int, allocated, threshold uint64) {
	t.event("gc.cycle", "live=%d freed=%d allocated=%d threshold=%d", live, freed, allocated, threshold)
}

// SafepointPause logs a stop-the-world pause with its acknowledged worker count
func (t *Tracer) SafepointPause(workers int) {
	t.event("safepoint.pause", "workers=%d", workers)
}

// SafepointResume logs the end of a stop-the-world pause
func (t *Tracer) SafepointResume() {
	t.event("safepoint.resume", "")
}

// SchedSteal logs a successful steal from a victim worker
func (t *Tracer) SchedSteal(thief, victim int, taskID uint64) {
	t.event("sched.steal", "thief=%d victim=%d task=%d", thief, victim, taskID)
}

// SchedTimer logs a timer-thread wakeup publishing a slept task
func (t *Tracer) SchedTimer(taskID uint64) {
	t.event("sched.timer", "task=%d woken", taskID)
}

// LinkerResolve logs a cross-module symbol resolution
func (t *Tracer) LinkerResolve(module, symbol string, globalID uint32) {
	t.event("linker.resolve", "%s:%s -> %#08x", module, symbol, globalID)
}

// JITCompile logs a function selected and compiled by the pre-warmer
func (t *Tracer) JITCompile(funcName string, score int, micros int64) {
	t.event("jit.compile", "func=%s score=%d us=%d", funcName, score, micros)
}

// Global convenience functions

// TaskSpawn logs a task creation using the global tracer
func TaskSpawn(id uint64, funcName string) {
	if globalTracer != nil {
		globalTracer.TaskSpawn(id, funcName)
	}
}

// TaskState logs a task state transition using the global tracer
func TaskState(id uint64, from, to string) {
	if globalTracer != nil {
		globalTracer.TaskState(id, from, to)
	}
}

// TaskFailed logs a task failure using the global tracer
func TaskFailed(id uint64, excText string) {
	if globalTracer != nil {
		globalTracer.TaskFailed(id, excText)
	}
}

// GCCycle logs a collection using the global tracer
func GCCycle(live, freed int, allocated, threshold uint64) {
	if globalTracer != nil {
		globalTracer.GCCycle(live, freed, allocated, threshold)
	}
}

// SafepointPause logs a pause using the global tracer
func SafepointPause(workers int) {
	if globalTracer != nil {
		globalTracer.SafepointPause(workers)
	}
}

// SafepointResume logs a resume using the global tracer
func SafepointResume() {
	if globalTracer != nil {
		globalTracer.SafepointResume()
	}
}

// SchedSteal logs a steal using the global tracer
func SchedSteal(thief, victim int, taskID uint64) {
	if globalTracer != nil {
		globalTracer.SchedSteal(thief, victim, taskID)
	}
}

// SchedTimer logs a timer wake using the global tracer
func SchedTimer(taskID uint64) {
	if globalTracer != nil {
		globalTracer.SchedTimer(taskID)
	}
}

// LinkerResolve logs a resolution using the global tracer
func LinkerResolve(module, symbol string, globalID uint32) {
	if globalTracer != nil {
		globalTracer.LinkerResolve(module, symbol, globalID)
	}
}

// JITCompile logs a compile using the global tracer
func JITCompile(funcName string, score int, micros int64) {
	if globalTracer != nil {
		globalTracer.JITCompile(funcName, score, micros)
	}
}
