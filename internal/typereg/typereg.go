// Package typereg is the process-wide, build-once, read-only-thereafter
// mapping from a static heap type id to its TypeInfo: how big it is, and
// where its child Values live so the collector can trace it without
// per-object reflection.
package typereg

import (
	"fmt"
	"sync"

	"raya/internal/value"
)

// TypeID matches value.PtrTypeID; kept as a distinct name in this package
// for readability at call sites that only deal with the registry.
type TypeID = value.PtrTypeID

const (
	TypeString TypeID = iota + 1
	TypeArray
	TypeObject
	TypeClosure
	TypeRefCell
	TypeMap
	TypeSet
	TypeChannel
	TypeBoundMethod
	TypeRegExp
	TypeDate
	TypeBuffer
	firstUserType
)

// PointerMapFunc returns every Value slot inside the given heap object that
// the collector must trace. It is supplied the dereferenced object (already
// cast by the caller using the type id), not the raw pointer.
type PointerMapFunc func(obj interface{}) []value.Value

// DropFunc runs once, at sweep time, for an object about to be freed (e.g.
// to release OS-level resources held by a Buffer). May be nil.
type DropFunc func(obj interface{})

// TypeInfo is the immutable record built at startup for one heap kind.
type TypeInfo struct {
	ID         TypeID
	Name       string
	Size       uintptr
	Align      uintptr
	PointerMap PointerMapFunc
	Drop       DropFunc
}

type Registry struct {
	mu    sync.RWMutex
	types map[TypeID]*TypeInfo
	built bool
}

// New creates an independent, empty registry. Most callers want the
// process-wide Global(); New exists for tests and for embedding scenarios
// that need isolated type spaces.
func New() *Registry {
	return &Registry{types: make(map[TypeID]*TypeInfo)}
}

var global = New()

// Global returns the process-wide registry.
func Global() *Registry { return global }

// Register installs a TypeInfo. Must happen before Freeze; registering
// after the registry has been frozen is a programming error and panics,
// as does double-registering a type id.
func (r *Registry) Register(info *TypeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		panic(fmt.Sprintf("typereg: Register(%s) after Freeze", info.Name))
	}
	if _, exists := r.types[info.ID]; exists {
		panic(fmt.Sprintf("typereg: duplicate type id %d (%s)", info.ID, info.Name))
	}
	r.types[info.ID] = info
}

// Freeze marks the registry immutable. Called once at VM startup after all
// built-in and embedder-supplied types are registered.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.built = true
}

// Lookup returns the TypeInfo for a type id, or nil if unknown.
func (r *Registry) Lookup(id TypeID) *TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[id]
}

// NextUserTypeID returns a fresh type id above the reserved builtin range,
// for embedder-registered heap kinds (e.g. a native Buffer variant).
func NextUserTypeID() TypeID {
	global.mu.Lock()
	defer global.mu.Unlock()
	id := firstUserType
	for {
		if _, ok := global.types[id]; !ok {
			return id
		}
		id++
	}
}
