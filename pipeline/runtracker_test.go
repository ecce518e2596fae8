package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	mu      sync.Mutex
	jobID   int64
	success bool
	errMsg  string
	closed  int
}

func (r *closeRecorder) record(jobID int64, success bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobID = jobID
	r.success = success
	r.errMsg = errMsg
	r.closed++
}

func TestRunClosesWhenLastBatchDrains(t *testing.T) {
	rec := &closeRecorder{}
	tr := NewRunTracker(rec.record)

	tr.Begin(1)
	tr.AddBatch(1)
	tr.AddBatch(1)
	tr.ExtractDone(1)
	assert.Equal(t, 0, rec.closed, "run must stay open while batches are in flight")

	tr.BatchDone(1)
	assert.Equal(t, 0, rec.closed)

	tr.BatchDone(1)
	require.Equal(t, 1, rec.closed)
	assert.Equal(t, int64(1), rec.jobID)
	assert.True(t, rec.success)
}

func TestEmptyRunClosesOnExtractDone(t *testing.T) {
	rec := &closeRecorder{}
	tr := NewRunTracker(rec.record)

	tr.Begin(1)
	tr.ExtractDone(1)

	require.Equal(t, 1, rec.closed)
	assert.True(t, rec.success)
}

func TestFailedBatchClosesRunUnsuccessfully(t *testing.T) {
	rec := &closeRecorder{}
	tr := NewRunTracker(rec.record)

	tr.Begin(1)
	tr.AddBatch(1)
	tr.AddBatch(1)
	tr.ExtractDone(1)

	tr.BatchFailed(1, "corrupt payload")
	tr.BatchDone(1)

	require.Equal(t, 1, rec.closed)
	assert.False(t, rec.success)
	assert.Equal(t, "corrupt payload", rec.errMsg)
}

func TestAbortDropsRunWithoutClosing(t *testing.T) {
	rec := &closeRecorder{}
	tr := NewRunTracker(rec.record)

	tr.Begin(1)
	tr.AddBatch(1)
	tr.Abort(1)
	tr.ExtractDone(1)
	tr.BatchDone(1)

	assert.Equal(t, 0, rec.closed)
}

func TestUntrackedRunIsIgnored(t *testing.T) {
	rec := &closeRecorder{}
	tr := NewRunTracker(rec.record)

	// Replays from a previous process carry job ids this tracker never
	// began.
	tr.BatchDone(99)
	tr.ExtractDone(99)

	assert.Equal(t, 0, rec.closed)
}
