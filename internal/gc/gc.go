// Package gc implements the non-moving mark-sweep collector: a per-task
// bump-allocated nursery backed by a shared heap, with thresholds that
// grow with live data after each sweep. The mark phase is a plain
// worklist walk: push roots, pop, consult the type registry's pointer
// map for children, repeat until the frontier is empty.
package gc

import (
	"sync"
	"unsafe"

	"raya/internal/heap"
	"raya/internal/typereg"
	"raya/internal/value"
)

const (
	// DefaultNurserySize is the default per-task bump-allocation budget.
	DefaultNurserySize = 64 * 1024
	// DefaultThreshold is the shared heap's starting collection threshold.
	DefaultThreshold = 1 << 20
)

// Nursery is a thread-local, single-task-owned bump arena. It has no
// internal synchronization; sharing one across goroutines is a bug.
type Nursery struct {
	cap   uint32
	used  uint32
	heap  *Heap
	owner uint64
	local []heap.Object // objects that haven't been promoted yet
}

func NewNursery(owner uint64, h *Heap, size uint32) *Nursery {
	if size == 0 {
		size = DefaultNurserySize
	}
	return &Nursery{cap: size, heap: h, owner: owner}
}

// Alloc bump-allocates size bytes worth of accounting for obj. On overflow
// the allocation falls through to the shared heap directly.
func (n *Nursery) Alloc(obj heap.Object, size uint32) {
	hdr := obj.GCHeader()
	hdr.Owner = n.owner
	hdr.Size = size
	if n.used+size > n.cap {
		n.heap.adopt(obj, size)
		return
	}
	n.used += size
	n.local = append(n.local, obj)
}

// Reset is called at task completion: every surviving nursery object (the
// collector never independently visits the nursery; liveness here just
// means "still referenced when the task finished") is promoted to the
// shared heap, since the nursery itself is about to disappear.
func (n *Nursery) Reset() {
	for _, obj := range n.local {
		n.heap.adopt(obj, obj.GCHeader().Size)
	}
	n.local = n.local[:0]
	n.used = 0
}

// Objects returns the nursery's locally held objects, used by the
// collector to include nursery roots reachable from a still-running task
// without promoting them first.
func (n *Nursery) Objects() []heap.Object { return n.local }

// Heap is the shared, process-wide (per VM context) collection of
// promoted headers.
type Heap struct {
	mu        sync.Mutex
	objects   map[unsafe.Pointer]heap.Object
	allocated uint64
	threshold uint64
	hardMax   uint64 // 0 = unbounded
	registry  *typereg.Registry
}

func NewHeap(registry *typereg.Registry, hardMax uint64) *Heap {
	return &Heap{
		objects:   make(map[unsafe.Pointer]heap.Object),
		threshold: DefaultThreshold,
		hardMax:   hardMax,
		registry:  registry,
	}
}

func (h *Heap) adopt(obj heap.Object, size uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects[obj.Addr()] = obj
	h.allocated += uint64(size)
}

// Alloc allocates directly onto the shared heap (used for objects that are
// definitionally long-lived, e.g. module-pinned constants).
func (h *Heap) Alloc(obj heap.Object, size uint32) {
	hdr := obj.GCHeader()
	hdr.Size = size
	h.adopt(obj, size)
}

// NeedsCollection reports whether the next safepoint should trigger a
// stop-the-world collection.
func (h *Heap) NeedsCollection() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated > h.threshold
}

// Allocated returns the current allocated byte count (for tests and
// diagnostics).
func (h *Heap) Allocated() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated
}

// Threshold returns the current collection threshold.
func (h *Heap) Threshold() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threshold
}

// SetThreshold overrides the starting collection threshold (host
// configuration); later collections still re-derive it from live bytes.
func (h *Heap) SetThreshold(n uint64) {
	if n == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threshold = n
}

// Stats summarizes the outcome of one Collect call.
type Stats struct {
	Live    int
	Freed   int
	Allocated uint64
	Threshold uint64
}

// Collect runs one stop-the-world mark-sweep cycle over the shared heap.
// roots is the flattened root set (operand stacks, register files, frame
// locals, held-mutex registrations, last raised/caught exceptions across
// every task, plus shared class-registry constants); nurseryRoots are
// objects still held in a live task's nursery that must also be kept,
// without being swept from (the nursery isn't tracked by this Heap).
func (h *Heap) Collect(roots []value.Value, nurseryRoots []heap.Object) Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, obj := range h.objects {
		obj.GCHeader().Mark = false
	}

	var frontier []heap.Object
	seen := make(map[unsafe.Pointer]struct{})

	mark := func(obj heap.Object) {
		if obj == nil {
			return
		}
		addr := obj.Addr()
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		obj.GCHeader().Mark = true
		frontier = append(frontier, obj)
	}

	resolve := func(v value.Value) heap.Object {
		if !v.IsPtr() {
			return nil
		}
		p, _ := v.AsPtr()
		if p == nil {
			return nil
		}
		obj, ok := h.objects[p]
		if !ok {
			return nil
		}
		return obj
	}

	for _, v := range roots {
		mark(resolve(v))
	}
	for _, obj := range nurseryRoots {
		mark(obj)
	}

	for len(frontier) > 0 {
		obj := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		info := h.registry.Lookup(obj.GCHeader().Type)
		if info == nil || info.PointerMap == nil {
			continue
		}
		for _, child := range info.PointerMap(obj) {
			mark(resolve(child))
		}
	}

	live := 0
	freed := 0
	for addr, obj := range h.objects {
		hdr := obj.GCHeader()
		if hdr.Mark {
			live++
			continue
		}
		if info := h.registry.Lookup(hdr.Type); info != nil && info.Drop != nil {
			info.Drop(obj)
		}
		h.allocated -= uint64(hdr.Size)
		delete(h.objects, addr)
		freed++
	}

	newThreshold := 2 * h.allocated
	if newThreshold < DefaultThreshold {
		newThreshold = DefaultThreshold
	}
	h.threshold = newThreshold

	return Stats{Live: live, Freed: freed, Allocated: h.allocated, Threshold: h.threshold}
}
