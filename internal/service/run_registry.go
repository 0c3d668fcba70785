package service

import (
	"sync"
	"time"

	"github.com/noah-isme/timetable-solver/internal/dto"
	"github.com/noah-isme/timetable-solver/internal/models"
	"github.com/noah-isme/timetable-solver/internal/solver"
)

// runEntry is the in-process state of a run owned by this instance.
type runEntry struct {
	run             models.Run
	snapshot        *solver.Snapshot
	weights         solver.Weights
	options         solver.Options
	result          *dto.RunResultResponse
	cancelRequested bool
	committing      bool
	expires         time.Time
}

type cancelOutcome int

const (
	cancelUnknown cancelOutcome = iota
	cancelQueued
	cancelRunning
	cancelCommitting
	cancelTerminal
)

// RunRegistry tracks runs submitted to this process. All status transitions
// go through it so that a run is started and finished at most once.
type RunRegistry struct {
	mu      sync.Mutex
	entries map[string]*runEntry
	ttl     time.Duration
}

// NewRunRegistry builds a registry keeping terminal runs for ttl.
func NewRunRegistry(ttl time.Duration) *RunRegistry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RunRegistry{entries: make(map[string]*runEntry), ttl: ttl}
}

// Register adds a queued run.
func (r *RunRegistry) Register(run models.Run, snapshot *solver.Snapshot, weights solver.Weights, opts solver.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[run.ID] = &runEntry{run: run, snapshot: snapshot, weights: weights, options: opts}
}

// Get returns a copy of the run and, when terminal, its result.
func (r *RunRegistry) Get(id string) (models.Run, *dto.RunResultResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return models.Run{}, nil, false
	}
	return entry.run, entry.result, true
}

// Start moves a run from QUEUED to RUNNING. It fails when the run is unknown
// or was already started, finished or cancelled.
func (r *RunRegistry) Start(id string, at time.Time) (runEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.run.Status != models.RunStatusQueued {
		return runEntry{}, false
	}
	entry.run.Status = models.RunStatusRunning
	entry.run.StartedAt = &at
	return *entry, true
}

// Commit marks a running run as past the point of cancellation. It fails
// when a cancel was requested first, in which case the worker must record
// the run as cancelled.
func (r *RunRegistry) Commit(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.run.Status != models.RunStatusRunning || entry.cancelRequested {
		return false
	}
	entry.committing = true
	return true
}

// Finish records the terminal state of a run. It is a no-op for runs that
// already reached one.
func (r *RunRegistry) Finish(id string, status models.RunStatus, at time.Time, result *dto.RunResultResponse) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.run.Status.Terminal() {
		return false
	}
	entry.run.Status = status
	entry.run.FinishedAt = &at
	if result != nil {
		entry.run.Partial = result.Partial
		entry.run.Unassigned = len(result.Unassigned)
		if result.Reason != "" {
			reason := result.Reason
			entry.run.ErrorMessage = &reason
		}
	}
	entry.result = result
	entry.snapshot = nil
	entry.expires = at.Add(r.ttl)
	return true
}

// RequestCancel flags a run for cancellation. A queued run is failed on the
// spot; a running one is left for its worker to finish.
func (r *RunRegistry) RequestCancel(id string, at time.Time) (models.Run, cancelOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return models.Run{}, cancelUnknown
	}
	switch entry.run.Status {
	case models.RunStatusQueued:
		entry.cancelRequested = true
		reason := models.RunFailureCancelled
		entry.run.Status = models.RunStatusFailed
		entry.run.ErrorMessage = &reason
		entry.run.FinishedAt = &at
		entry.result = failedResult(entry.run)
		entry.snapshot = nil
		entry.expires = at.Add(r.ttl)
		return entry.run, cancelQueued
	case models.RunStatusRunning:
		if entry.committing {
			return entry.run, cancelCommitting
		}
		entry.cancelRequested = true
		return entry.run, cancelRunning
	default:
		return entry.run, cancelTerminal
	}
}

// CancelRequested reports whether Cancel was called for the run.
func (r *RunRegistry) CancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	return ok && entry.cancelRequested
}

// Purge drops terminal runs whose retention expired and returns how many
// were removed.
func (r *RunRegistry) Purge(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, entry := range r.entries {
		if entry.run.Status.Terminal() && !entry.expires.IsZero() && now.After(entry.expires) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked runs.
func (r *RunRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
