package jit

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"raya/internal/bytecode"
	"raya/internal/opcode"
	"raya/internal/trace"
)

const (
	// DefaultCandidates is how many top-scoring functions Prewarm compiles.
	DefaultCandidates = 16
	// DefaultBudget is the per-function compile time budget.
	DefaultBudget = 100 * time.Millisecond
)

// Store holds the compiled forms keyed by function index, shared read-only
// between workers once Prewarm returns.
type Store struct {
	mu    sync.RWMutex
	funcs map[uint32]CompiledFunc
}

func NewStore() *Store {
	return &Store{funcs: make(map[uint32]CompiledFunc)}
}

func (s *Store) Put(funcID uint32, cf CompiledFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[funcID] = cf
}

func (s *Store) Lookup(funcID uint32) CompiledFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.funcs[funcID]
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.funcs)
}

// Score is the static pre-warm heuristic: arithmetic density, loop count
// (backward jumps), and inbound call-site count from the module's call
// graph. Higher means a better compile candidate.
func Score(m *bytecode.Module, funcID uint32) int {
	fn := &m.Functions[funcID]
	if fn.Encoding != bytecode.EncodingStack || len(fn.Code) == 0 {
		return 0
	}

	arith, total, loops := 0, 0, 0
	ip := uint32(0)
	for int(ip) < len(fn.Code) {
		op := opcode.OpCode(fn.Code[ip])
		w, _ := stackWidth(op)
		if w == 0 {
			// Outside the compilable subset: not a candidate at all.
			return 0
		}
		total++
		switch {
		case op >= opcode.Iadd && op <= opcode.Fge:
			arith++
		case op == opcode.Jmp || op == opcode.JmpIfTrue || op == opcode.JmpIfFalse:
			if uint32(fn.Code[ip+1])|uint32(fn.Code[ip+2])<<8 <= ip {
				loops++
			}
		}
		ip += w
	}
	if total == 0 {
		return 0
	}

	inbound := 0
	for _, other := range m.Functions {
		if other.Encoding != bytecode.EncodingStack {
			continue
		}
		jp := uint32(0)
		for int(jp) < len(other.Code) {
			op := opcode.OpCode(other.Code[jp])
			if op == opcode.Call && int(jp)+2 < len(other.Code) {
				if uint32(other.Code[jp+1])|uint32(other.Code[jp+2])<<8 == funcID {
					inbound++
				}
			}
			jp += fullStackWidth(op)
		}
	}

	return arith*100/total + 50*loops + 10*inbound
}

// fullStackWidth covers the whole stack instruction set (not just the
// compilable subset), for walking arbitrary callers during call-graph
// scoring.
func fullStackWidth(op opcode.OpCode) uint32 {
	switch op {
	case opcode.Try:
		return 7
	case opcode.ConstI32, opcode.ConstF64, opcode.ConstStr,
		opcode.LoadLocal, opcode.StoreLocal,
		opcode.Jmp, opcode.JmpIfTrue, opcode.JmpIfFalse,
		opcode.Call, opcode.CallClosure, opcode.CallMethod,
		opcode.New, opcode.NewArray,
		opcode.LoadField, opcode.StoreField, opcode.LoadFieldFast, opcode.StoreFieldFast,
		opcode.MakeClosure, opcode.LoadCaptured, opcode.StoreCaptured:
		return 3
	default:
		return 1
	}
}

// Prewarm analyzes the module, picks the top `candidates` functions by
// score, and compiles them in parallel with a per-function time budget:
// a compile that overruns its budget is discarded and the function stays
// on the interpreter.
func Prewarm(m *bytecode.Module, candidates int, budget time.Duration) *Store {
	if candidates <= 0 {
		candidates = DefaultCandidates
	}
	if budget <= 0 {
		budget = DefaultBudget
	}

	type scored struct {
		id    uint32
		score int
	}
	var ranked []scored
	for i := range m.Functions {
		if sc := Score(m, uint32(i)); sc > 0 {
			ranked = append(ranked, scored{id: uint32(i), score: sc})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > candidates {
		ranked = ranked[:candidates]
	}

	store := NewStore()
	var eg errgroup.Group
	for _, c := range ranked {
		c := c
		eg.Go(func() error {
			start := time.Now()
			f, err := Lower(m, c.id)
			if err != nil {
				return nil
			}
			Optimize(f)
			cf := Compile(f)
			elapsed := time.Since(start)
			if elapsed > budget {
				return nil
			}
			store.Put(c.id, cf)
			trace.JITCompile(f.Name, c.score, elapsed.Microseconds())
			return nil
		})
	}
	eg.Wait()
	return store
}
