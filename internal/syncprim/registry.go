package syncprim

import "sync"

// Registry is the shared, fine-grained-locked table of live channels,
// mutexes, and semaphores a VM context owns, keyed by the heap address (as
// a uint64) of their owning heap object. Each primitive gets its own
// lock, held by the caller; the registry's own lock only guards
// the id->primitive maps, never the primitives themselves.
type Registry struct {
	mu    sync.Mutex
	chans map[uint64]*Channel
	mtxs  map[uint64]*Mutex
	sems  map[uint64]*Semaphore
}

func NewRegistry() *Registry {
	return &Registry{
		chans: make(map[uint64]*Channel),
		mtxs:  make(map[uint64]*Mutex),
		sems:  make(map[uint64]*Semaphore),
	}
}

func (r *Registry) PutChannel(id uint64, c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[id] = c
}

func (r *Registry) Channel(id uint64) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chans[id]
}

func (r *Registry) PutMutex(id uint64, m *Mutex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mtxs[id] = m
}

func (r *Registry) Mutex(id uint64) *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mtxs[id]
}

func (r *Registry) PutSemaphore(id uint64, s *Semaphore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sems[id] = s
}

func (r *Registry) Semaphore(id uint64) *Semaphore {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sems[id]
}

// ForEachChannel visits every registered channel, used by the collector's
// root scan over channel internal queues.
func (r *Registry) ForEachChannel(fn func(id uint64, c *Channel)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.chans {
		fn(id, c)
	}
}
