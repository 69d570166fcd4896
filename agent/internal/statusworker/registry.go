package statusworker

import (
	"sort"
	"sync"
)

// registry tracks the live worker processes owned by one supervisor.
type registry struct {
	mu      sync.Mutex
	workers map[string]*worker
}

func newRegistry() *registry {
	return &registry{workers: make(map[string]*worker)}
}

func (r *registry) add(w *worker) {
	r.mu.Lock()
	r.workers[w.name] = w
	r.mu.Unlock()
}

func (r *registry) remove(w *worker) {
	r.mu.Lock()
	if r.workers[w.name] == w {
		delete(r.workers, w.name)
	}
	r.mu.Unlock()
}

func (r *registry) all() []*worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

func (r *registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.workers))
	for n := range r.workers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
