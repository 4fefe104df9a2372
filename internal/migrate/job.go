package migrate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/google/uuid"
)

// Job is the only mutable state shared across batches. Transitions go
// through compare-and-swap so concurrent runners and external halts
// stay race-free; everything else is per-batch local.
type Job struct {
	state atomic.Int32 // api.MigrationState, encoded

	processed atomic.Int64

	mu          sync.Mutex
	id          string
	startedAt   time.Time
	completedAt time.Time
	errors      map[int64]string
}

const (
	stateNotStarted int32 = iota
	stateInProgress
	stateCompleted
)

func stateOf(s int32) api.MigrationState {
	switch s {
	case stateInProgress:
		return api.MigrationInProgress
	case stateCompleted:
		return api.MigrationCompleted
	default:
		return api.MigrationNotStarted
	}
}

// NewJob returns an idle job.
func NewJob() *Job {
	return &Job{errors: make(map[int64]string)}
}

// Begin moves the job into in_progress. Returns false when a run is
// already in flight. Restarting a completed job is allowed: the sweep
// simply finds nothing unmigrated and completes again.
func (j *Job) Begin() bool {
	for {
		s := j.state.Load()
		if s == stateInProgress {
			return false
		}
		if j.state.CompareAndSwap(s, stateInProgress) {
			j.mu.Lock()
			j.id = uuid.NewString()
			j.startedAt = time.Now()
			j.completedAt = time.Time{}
			j.errors = make(map[int64]string)
			j.mu.Unlock()
			j.processed.Store(0)
			return true
		}
	}
}

// Complete moves in_progress to completed. Returns false when the job
// was halted in the meantime.
func (j *Job) Complete() bool {
	if !j.state.CompareAndSwap(stateInProgress, stateCompleted) {
		return false
	}
	j.mu.Lock()
	j.completedAt = time.Now()
	j.mu.Unlock()
	return true
}

// Halt flips the job back to not_started between batches. In-flight
// batch items always run to completion; the sweep checks Running before
// scheduling the next batch.
func (j *Job) Halt() {
	j.state.CompareAndSwap(stateInProgress, stateNotStarted)
}

// Reset returns the job to not_started unconditionally (rollback path).
func (j *Job) Reset() {
	j.state.Store(stateNotStarted)
	j.processed.Store(0)
	j.mu.Lock()
	j.id = ""
	j.startedAt = time.Time{}
	j.completedAt = time.Time{}
	j.errors = make(map[int64]string)
	j.mu.Unlock()
}

// Running reports whether a sweep is in flight.
func (j *Job) Running() bool { return j.state.Load() == stateInProgress }

// AddProcessed bumps the processed counter.
func (j *Job) AddProcessed(n int64) { j.processed.Add(n) }

// RecordError stores one order's migration failure. Never discarded
// silently: it surfaces in Status.
func (j *Job) RecordError(orderID int64, msg string) {
	j.mu.Lock()
	j.errors[orderID] = msg
	j.mu.Unlock()
}

// Status snapshots the job.
func (j *Job) Status() api.MigrationStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := api.MigrationStatus{
		State:          stateOf(j.state.Load()),
		JobID:          j.id,
		ProcessedCount: j.processed.Load(),
		StartedAt:      j.startedAt,
		CompletedAt:    j.completedAt,
	}
	if len(j.errors) > 0 {
		st.Errors = make(map[int64]string, len(j.errors))
		for k, v := range j.errors {
			st.Errors[k] = v
		}
	}
	return st
}
