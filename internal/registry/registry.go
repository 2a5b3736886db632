// Package registry is the concurrent store of live jobs, keyed by the
// backend job id with a secondary index on the originating context handle.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// Registry tracks every job between submission and sweep. All methods are
// safe for concurrent use; records returned to callers are clones, so no
// caller can mutate shared state.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Record
	byContext map[string][]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		jobs:      make(map[string]*domain.Record),
		byContext: make(map[string][]string),
	}
}

// Register inserts a new record. The job id must not collide with a live
// entry.
func (r *Registry) Register(rec domain.Record) error {
	if rec.JobID == "" {
		return fmt.Errorf("%w: empty job id", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[rec.JobID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, rec.JobID)
	}

	clone := rec.Clone()
	r.jobs[rec.JobID] = &clone
	if rec.ContextHandle != "" {
		r.byContext[rec.ContextHandle] = append(r.byContext[rec.ContextHandle], rec.JobID)
	}
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (domain.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.Record{}, false
	}
	return rec.Clone(), true
}

// ByContext returns copies of every record registered under a context handle.
func (r *Registry) ByContext(handle string) []domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byContext[handle]
	out := make([]domain.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.jobs[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// List returns copies of every live record, oldest first.
func (r *Registry) List() []domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkRunning moves a queued job to running. Terminal jobs are left alone.
func (r *Registry) MarkRunning(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrTerminalState, id, rec.State)
	}
	if rec.State == domain.StateQueued {
		rec.State = domain.StateRunning
		rec.StartedAt = at
	}
	return nil
}

// Resolve moves a job to a terminal state exactly once and returns the final
// record. A second terminal event for the same id fails with
// ErrTerminalState and leaves the record untouched, which is how callers get
// exactly-once notification.
func (r *Registry) Resolve(id string, state domain.JobState, outputs []string, reason string, at time.Time) (domain.Record, error) {
	if !state.Terminal() {
		return domain.Record{}, fmt.Errorf("%w: %s is not a terminal state", domain.ErrValidation, state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.Record{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if rec.State.Terminal() {
		return domain.Record{}, fmt.Errorf("%w: %s is %s", domain.ErrTerminalState, id, rec.State)
	}

	rec.State = state
	rec.ResolvedAt = at
	rec.Outputs = append([]string(nil), outputs...)
	rec.FailureReason = reason
	return rec.Clone(), nil
}

// Delete removes a record and its context-index entry.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(id)
}

func (r *Registry) deleteLocked(id string) {
	rec, ok := r.jobs[id]
	if !ok {
		return
	}
	delete(r.jobs, id)

	if rec.ContextHandle == "" {
		return
	}
	ids := r.byContext[rec.ContextHandle]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byContext, rec.ContextHandle)
	} else {
		r.byContext[rec.ContextHandle] = ids
	}
}

// Sweep removes terminal records resolved before cutoff and returns copies
// of what was removed so callers can archive them. Keys are snapshotted up
// front so the lock is not held while walking a large registry; each record
// is re-checked under the lock before removal.
func (r *Registry) Sweep(cutoff time.Time) []domain.Record {
	r.mu.Lock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var removed []domain.Record
	for _, id := range ids {
		r.mu.Lock()
		rec, ok := r.jobs[id]
		if ok && rec.State.Terminal() && rec.ResolvedAt.Before(cutoff) {
			removed = append(removed, rec.Clone())
			r.deleteLocked(id)
		}
		r.mu.Unlock()
	}
	return removed
}

// Len reports how many live records the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
