package services

import (
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/codesense/internal/core/domain"
)

// DefaultMaxConcurrentJobs is used when no capacity is configured.
const DefaultMaxConcurrentJobs = 10

// ActiveJobHandle is the transient, in-memory entry for an admitted job.
// It is never persisted.
type ActiveJobHandle struct {
	ID         domain.JobID
	AdmittedAt time.Time

	mu        sync.Mutex
	startedAt time.Time
	done      chan struct{}
	doneOnce  sync.Once
}

func newActiveJobHandle(id domain.JobID, now time.Time) *ActiveJobHandle {
	return &ActiveJobHandle{
		ID:         id,
		AdmittedAt: now,
		done:       make(chan struct{}),
	}
}

// Alive reports whether the execution tied to this handle has not finished yet.
func (h *ActiveJobHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the execution finished, workspace already released.
func (h *ActiveJobHandle) Done() <-chan struct{} {
	return h.done
}

// StartedAt returns the zero time until the analyzer has been invoked.
func (h *ActiveJobHandle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

func (h *ActiveJobHandle) markStarted(now time.Time) {
	h.mu.Lock()
	h.startedAt = now
	h.mu.Unlock()
}

func (h *ActiveJobHandle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// AdmissionController bounds the number of simultaneously running jobs.
// The active set is the only state shared between workers; every access is
// serialized by mu.
type AdmissionController struct {
	mu       sync.Mutex
	capacity int
	active   map[domain.JobID]*ActiveJobHandle
	now      func() time.Time
}

func NewAdmissionController(capacity int) *AdmissionController {
	if capacity <= 0 {
		capacity = DefaultMaxConcurrentJobs
	}
	return &AdmissionController{
		capacity: capacity,
		active:   make(map[domain.JobID]*ActiveJobHandle),
		now:      time.Now,
	}
}

// TryAdmit decides and registers in one critical section, so a burst of
// concurrent submissions can never overshoot capacity. Liveness is evaluated
// at call time: handles that finished but were not deregistered yet do not count.
// A rejection has no side effects.
func (a *AdmissionController) TryAdmit(id domain.JobID) (*ActiveJobHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.liveLocked() >= a.capacity {
		return nil, &domain.AdmissionRejectedError{Capacity: a.capacity}
	}

	h := newActiveJobHandle(id, a.now())
	a.active[id] = h
	return h, nil
}

// Deregister drops the job from the active set. Unknown ids are ignored.
func (a *AdmissionController) Deregister(id domain.JobID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.active[id]; ok {
		h.finish()
		delete(a.active, id)
	}
}

// Live returns the number of live handles.
func (a *AdmissionController) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveLocked()
}

func (a *AdmissionController) liveLocked() int {
	n := 0
	for _, h := range a.active {
		if h.Alive() {
			n++
		}
	}
	return n
}

// IsActive reports whether id is registered and alive.
func (a *AdmissionController) IsActive(id domain.JobID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.active[id]
	return ok && h.Alive()
}

func (a *AdmissionController) Capacity() int {
	return a.capacity
}

// Snapshot returns the ids of live jobs, sorted.
func (a *AdmissionController) Snapshot() []domain.JobID {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]domain.JobID, 0, len(a.active))
	for id, h := range a.active {
		if h.Alive() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
