// Package queue holds the broker's per-destination FIFO queues and the registry
// that maps destination addresses to them.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ptcsim/emp/pkg/emp"
)

// Entry is a queued message with its broker-local receipt time. The wire TTL is
// relative, so expiry is anchored on ReceivedAt.
type Entry struct {
	ID         string
	Msg        *emp.Message
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

// NewEntry stamps msg with receivedAt and an expiry of receivedAt+ttl.
func NewEntry(msg *emp.Message, receivedAt time.Time, ttl time.Duration) *Entry {
	return &Entry{
		ID:         uuid.NewString(),
		Msg:        msg,
		ReceivedAt: receivedAt,
		ExpiresAt:  receivedAt.Add(ttl),
	}
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Queue is a FIFO of entries guarded by a single mutex. No operation blocks
// waiting for items or space.
type Queue struct {
	name   string
	maxLen int // 0 = unbounded

	mu    sync.Mutex
	items []*Entry
}

// New creates a queue; maxLen <= 0 means unbounded.
func New(name string, maxLen int) *Queue {
	if maxLen < 0 {
		maxLen = 0
	}
	return &Queue{name: name, maxLen: maxLen}
}

func (q *Queue) Name() string { return q.name }

// Push appends e, failing with emp.ErrFull when a bound is configured and reached.
func (q *Queue) Push(e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		return fmt.Errorf("%w: %s holds %d entries", emp.ErrFull, q.name, q.maxLen)
	}
	q.items = append(q.items, e)
	return nil
}

// Pop removes and returns the oldest entry.
func (q *Queue) Pop() (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, fmt.Errorf("%w: %s", emp.ErrEmpty, q.name)
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return e, nil
}

// Peek returns the entry at position n (0 = oldest) without removing it.
func (q *Queue) Peek(n int) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n < 0 || n >= len(q.items) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", emp.ErrIndex, n, len(q.items))
	}
	return q.items[n], nil
}

// RemoveAt removes and returns the entry at position n.
func (q *Queue) RemoveAt(n int) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n < 0 || n >= len(q.items) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", emp.ErrIndex, n, len(q.items))
	}
	e := q.items[n]
	q.items = append(q.items[:n], q.items[n+1:]...)
	return e, nil
}

// RemoveExpired drops every entry whose TTL has elapsed at now, keeping the
// order of the rest, and returns what it dropped.
func (q *Queue) RemoveExpired(now time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*Entry
	kept := q.items[:0]
	for _, e := range q.items {
		if e.Expired(now) {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return expired
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
