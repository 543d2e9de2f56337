// Package linker resolves cross-module symbols and loads AOT bundles. A
// global function id is the 32-bit concatenation of a 16-bit module index
// and a 16-bit function index; the linker keeps a forward table (module ×
// name → global id) and a reverse table (global id → module + function
// info), with an LRU cache over forward lookups since the same few imports
// dominate resolution traffic.
package linker

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"raya/internal/bytecode"
	"raya/internal/trace"
)

var (
	// ErrUnresolvedImport is the distinct fatal-tier error for an import
	// no registered module exports.
	ErrUnresolvedImport = errors.New("linker: unresolved import")
	// ErrTooManyModules guards the 16-bit module index space.
	ErrTooManyModules = errors.New("linker: module index space exhausted")
	// ErrCyclicImport reports an import cycle between registered modules.
	ErrCyclicImport = errors.New("linker: cyclic import")
)

// GlobalFuncID packs (module index, function index).
type GlobalFuncID uint32

func MakeGlobalFuncID(module, fn uint16) GlobalFuncID {
	return GlobalFuncID(uint32(module)<<16 | uint32(fn))
}

func (id GlobalFuncID) Module() uint16   { return uint16(id >> 16) }
func (id GlobalFuncID) Function() uint16 { return uint16(id) }

// FuncInfo is the reverse-table record for one global id.
type FuncInfo struct {
	ModuleName string
	FuncName   string
	ModuleIdx  uint16
	FuncIdx    uint16
	ParamCount uint16
	LocalCount uint16
}

const forwardCacheSize = 256

// Linker owns the symbol tables for every module registered with one VM.
type Linker struct {
	mu      sync.Mutex
	modules []*bytecode.Module
	byName  map[string]uint16

	forward map[string]GlobalFuncID // "module:symbol" -> id
	reverse map[GlobalFuncID]FuncInfo

	cache *lru.Cache
}

func New() *Linker {
	cache, _ := lru.New(forwardCacheSize)
	return &Linker{
		byName:  make(map[string]uint16),
		forward: make(map[string]GlobalFuncID),
		reverse: make(map[GlobalFuncID]FuncInfo),
		cache:   cache,
	}
}

// AddModule registers a module's exported functions under the next module
// index.
func (l *Linker) AddModule(m *bytecode.Module) (uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.modules) >= 1<<16 {
		return 0, ErrTooManyModules
	}
	idx := uint16(len(l.modules))
	l.modules = append(l.modules, m)
	l.byName[m.Name] = idx

	for _, exp := range m.Exports {
		if exp.Kind != bytecode.SymbolFunction {
			continue
		}
		id := MakeGlobalFuncID(idx, uint16(exp.Index))
		fn := &m.Functions[exp.Index]
		l.forward[symbolKey(m.Name, exp.Name)] = id
		l.reverse[id] = FuncInfo{
			ModuleName: m.Name,
			FuncName:   exp.Name,
			ModuleIdx:  idx,
			FuncIdx:    uint16(exp.Index),
			ParamCount: fn.ParamCount,
			LocalCount: fn.LocalCount,
		}
	}
	return idx, nil
}

// Resolve maps (module name, symbol) to a global function id, through the
// LRU cache.
func (l *Linker) Resolve(module, symbol string) (GlobalFuncID, error) {
	key := symbolKey(module, symbol)
	if v, ok := l.cache.Get(key); ok {
		return v.(GlobalFuncID), nil
	}
	l.mu.Lock()
	id, ok := l.forward[key]
	l.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s:%s", ErrUnresolvedImport, module, symbol)
	}
	l.cache.Add(key, id)
	trace.LinkerResolve(module, symbol, uint32(id))
	return id, nil
}

// Lookup returns the reverse-table record for a global id.
func (l *Linker) Lookup(id GlobalFuncID) (FuncInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.reverse[id]
	return info, ok
}

// LinkImports resolves every import of m against the registered modules,
// returning the resolved ids in import order. Each unresolved import is
// reported; the first error wins.
func (l *Linker) LinkImports(m *bytecode.Module) ([]GlobalFuncID, error) {
	ids := make([]GlobalFuncID, 0, len(m.Imports))
	for _, imp := range m.Imports {
		name, _ := ParseSpecifier(imp.ModuleSpecifier)
		id, err := l.Resolve(name, imp.Symbol)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CheckCycles walks the registered modules' import edges and reports the
// first cycle found. Imports naming unregistered modules are ignored here;
// LinkImports reports those.
func (l *Linker) CheckCycles() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("%w: through %s", ErrCyclicImport, name)
		case black:
			return nil
		}
		color[name] = gray
		idx, ok := l.byName[name]
		if ok {
			for _, imp := range l.modules[idx].Imports {
				dep, _ := ParseSpecifier(imp.ModuleSpecifier)
				if _, known := l.byName[dep]; !known {
					continue
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, m := range l.modules {
		if err := visit(m.Name); err != nil {
			return err
		}
	}
	return nil
}

// ParseSpecifier splits "name[@version]" or "@scope/name[@version]" into
// the module name and the raw version constraint (empty when absent). The
// constraint is passed through untouched for the external resolver.
func ParseSpecifier(spec string) (name, version string) {
	rest := spec
	scope := ""
	if strings.HasPrefix(rest, "@") {
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			scope = rest[:slash+1]
			rest = rest[slash+1:]
		}
	}
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		return scope + rest[:at], rest[at+1:]
	}
	return scope + rest, ""
}

func symbolKey(module, symbol string) string { return module + ":" + symbol }
