// Package pipeline holds the pieces shared by the stage workers: the
// queue surface they consume from and the in-run batch accounting that
// closes a job run once every staged batch has cleared the load stage.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tributary-io/tributary/bus"
)

// Queue is the bus surface the workers share. *bus.Bus satisfies it.
type Queue interface {
	Publish(ctx context.Context, msg bus.Message) error
	DeadLetter(ctx context.Context, stage bus.Stage, data []byte, reason string) error
	Consumer(ctx context.Context, stage bus.Stage, durable string, ackWait time.Duration) (jetstream.Consumer, error)
}

// CloseFunc receives the run outcome once the last batch drains.
type CloseFunc func(jobID int64, success bool, errMsg string)

// RunTracker counts in-flight batches per run. The extract worker adds a
// batch per staged page and marks the plan exhausted; the load worker
// retires batches. When extraction is done and the count reaches zero the
// run closes. Vectorize never participates: embedding lag must not hold a
// run open.
type RunTracker struct {
	mu      sync.Mutex
	runs    map[int64]*runState
	onClose CloseFunc
}

type runState struct {
	pending     int
	extractDone bool
	failed      bool
	errMsg      string
}

// NewRunTracker builds a tracker that reports closures through onClose.
func NewRunTracker(onClose CloseFunc) *RunTracker {
	return &RunTracker{runs: make(map[int64]*runState), onClose: onClose}
}

// Begin opens accounting for a run. A stale entry from an abandoned run
// is discarded.
func (t *RunTracker) Begin(jobID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[jobID] = &runState{}
}

// AddBatch records one staged batch.
func (t *RunTracker) AddBatch(jobID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.runs[jobID]; ok {
		st.pending++
	}
}

// BatchDone retires one batch. Batches from runs this process does not
// track (replays from a previous process) are ignored.
func (t *RunTracker) BatchDone(jobID int64) {
	t.retire(jobID, "")
}

// BatchFailed retires one batch and marks the run failed. The remaining
// batches still drain; the run closes unsuccessfully once they do.
func (t *RunTracker) BatchFailed(jobID int64, errMsg string) {
	t.retire(jobID, errMsg)
}

func (t *RunTracker) retire(jobID int64, errMsg string) {
	t.mu.Lock()
	st, ok := t.runs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if st.pending > 0 {
		st.pending--
	}
	if errMsg != "" {
		st.failed = true
		st.errMsg = errMsg
	}
	done, success, msg := t.maybeCloseLocked(jobID, st)
	t.mu.Unlock()

	if done {
		t.onClose(jobID, success, msg)
	}
}

// ExtractDone marks the plan exhausted. The run closes now if no batch
// is still in flight.
func (t *RunTracker) ExtractDone(jobID int64) {
	t.mu.Lock()
	st, ok := t.runs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	st.extractDone = true
	done, success, msg := t.maybeCloseLocked(jobID, st)
	t.mu.Unlock()

	if done {
		t.onClose(jobID, success, msg)
	}
}

// Abort drops a run's accounting without closing it. The extract worker
// uses it after reporting the failure itself.
func (t *RunTracker) Abort(jobID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, jobID)
}

// Pending reports the in-flight batch count for a run. Used by tests.
func (t *RunTracker) Pending(jobID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.runs[jobID]; ok {
		return st.pending
	}
	return 0
}

func (t *RunTracker) maybeCloseLocked(jobID int64, st *runState) (done, success bool, errMsg string) {
	if !st.extractDone || st.pending > 0 {
		return false, false, ""
	}
	delete(t.runs, jobID)
	return true, !st.failed, st.errMsg
}
