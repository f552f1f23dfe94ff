// Package registry allocates per-thread state in an arena indexed by thread
// ordinal.
//
// Each ThreadData is private to its thread; only the live-thread counter is
// shared, and it is the only thing behind a lock. Arena slots are published
// atomically so a late reader (the shutdown pass) sees fully built records.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/szibis/dime-governor/internal/budget"
	"github.com/szibis/dime-governor/internal/redundancy"
)

// DefaultMaxThreads bounds the arena.
const DefaultMaxThreads = 2048

// ErrThreadLimit is returned for ordinals outside the arena.
var ErrThreadLimit = errors.New("registry: thread ordinal outside arena")

// ThreadData is one thread's controller state.
type ThreadData struct {
	Ordinal int
	Log     *redundancy.ThreadLog

	// MeasureStart is the stamp of the analysis callback this thread is
	// currently timing.
	MeasureStart budget.Stamp
}

func newThreadData(ordinal int) *ThreadData {
	return &ThreadData{Ordinal: ordinal, Log: redundancy.NewThreadLog()}
}

// Registry tracks live threads and their state.
type Registry struct {
	mu    sync.Mutex
	count int

	slots []atomic.Pointer[ThreadData]
}

// New creates a registry holding up to maxThreads ordinals. The first
// thread (ordinal 0) is registered immediately so callbacks arriving before
// its start notification find a record.
func New(maxThreads int) *Registry {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	r := &Registry{
		count: 1,
		slots: make([]atomic.Pointer[ThreadData], maxThreads),
	}
	r.slots[0].Store(newThreadData(0))
	return r
}

// OnThreadStart registers a thread and returns its state. An ordinal that
// already has a record, including the pre-registered first thread, gets the
// existing record back and is not counted again.
func (r *Registry) OnThreadStart(ordinal int) (*ThreadData, error) {
	if ordinal < 0 || ordinal >= len(r.slots) {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrThreadLimit, ordinal, len(r.slots))
	}
	if td := r.slots[ordinal].Load(); td != nil {
		return td, nil
	}

	td := newThreadData(ordinal)
	if !r.slots[ordinal].CompareAndSwap(nil, td) {
		return r.slots[ordinal].Load(), nil
	}

	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return td, nil
}

// Get returns the state of ordinal, or nil if it never started.
func (r *Registry) Get(ordinal int) *ThreadData {
	if ordinal < 0 || ordinal >= len(r.slots) {
		return nil
	}
	return r.slots[ordinal].Load()
}

// Count returns the number of threads registered so far.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the arena size.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Each calls fn for every registered thread in ordinal order. Threads are
// expected to have stopped writing their logs.
func (r *Registry) Each(fn func(*ThreadData)) {
	for i := range r.slots {
		if td := r.slots[i].Load(); td != nil {
			fn(td)
		}
	}
}
