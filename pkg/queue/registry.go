package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Registry maps destination addresses to their queues. Queues are created on
// first use and never removed; they outlive broker restarts but not the process.
type Registry struct {
	maxLen int

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewRegistry creates an empty registry whose queues are bounded by maxLen
// (0 = unbounded).
func NewRegistry(maxLen int) *Registry {
	return &Registry{
		maxLen: maxLen,
		queues: make(map[string]*Queue),
	}
}

// GetOrCreate returns the queue for dest, creating it if needed.
func (r *Registry) GetOrCreate(dest string) *Queue {
	r.mu.RLock()
	q, ok := r.queues[dest]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[dest]; ok {
		return q
	}
	q = New(dest, r.maxLen)
	r.queues[dest] = q
	return q
}

// Get returns the queue for dest if one was ever created.
func (r *Registry) Get(dest string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[dest]
	return q, ok
}

// Len is the number of known destinations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// Names returns the known destinations, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := lo.Keys(r.queues)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Depths returns the current length of every queue.
func (r *Registry) Depths() map[string]int {
	return lo.MapValues(r.snapshot(), func(q *Queue, _ string) int {
		return q.Len()
	})
}

// Reap removes expired entries from every queue and returns them keyed by
// destination. Destinations with nothing expired are omitted.
func (r *Registry) Reap(now time.Time) map[string][]*Entry {
	reaped := make(map[string][]*Entry)
	for name, q := range r.snapshot() {
		if expired := q.RemoveExpired(now); len(expired) > 0 {
			reaped[name] = expired
		}
	}
	return reaped
}

// snapshot copies the map so per-queue work runs without the registry lock.
func (r *Registry) snapshot() map[string]*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Assign(r.queues)
}
