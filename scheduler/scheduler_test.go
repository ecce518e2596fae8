package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/bus"
	"github.com/tributary-io/tributary/catalog"
	"github.com/tributary-io/tributary/progress"
	"github.com/tributary-io/tributary/store"
)

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[int64]*catalog.Job
	swept     []int64
	started   []int64
	reverted  []int64
	finished  map[int64]bool
	casErr    error
	finishErr error
}

func newFakeStore(jobs ...*catalog.Job) *fakeStore {
	f := &fakeStore{jobs: map[int64]*catalog.Job{}, finished: map[int64]bool{}}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeStore) ListActiveJobs(context.Context) ([]catalog.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.Job
	for id := int64(0); id < 100; id++ {
		if j, ok := f.jobs[id]; ok && j.Active {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (*catalog.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (f *fakeStore) StartRun(_ context.Context, id int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.casErr != nil {
		return f.casErr
	}
	f.started = append(f.started, id)
	f.jobs[id].Status = catalog.JobStatusRunning
	return nil
}

func (f *fakeStore) RevertFire(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, id)
	f.jobs[id].Status = catalog.JobStatusReady
	return nil
}

func (f *fakeStore) FinishRun(_ context.Context, id int64, success bool, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finished[id] = success
	if success {
		f.jobs[id].Status = catalog.JobStatusFinished
		f.jobs[id].RetryCount = 0
	} else {
		f.jobs[id].Status = catalog.JobStatusFailed
		f.jobs[id].RetryCount++
	}
	return nil
}

func (f *fakeStore) SweepAbandoned(context.Context, time.Time) ([]int64, error) {
	return f.swept, nil
}

func (f *fakeStore) SetJobActive(_ context.Context, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Active = active
	return nil
}

func (f *fakeStore) UpdateJobIntervals(_ context.Context, id int64, sched, retry int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].ScheduleIntervalMinutes = sched
	f.jobs[id].RetryIntervalMinutes = retry
	return nil
}

func (f *fakeStore) ResetCheckpoint(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = catalog.JobStatusReady
	f.jobs[id].RetryCount = 0
	return nil
}

func (f *fakeStore) RequestCancel(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs[id].Status != catalog.JobStatusRunning {
		return store.ErrConflict
	}
	return nil
}

func (f *fakeStore) startedJobs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.started...)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []bus.Message
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) messages() []bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Message(nil), p.published...)
}

func readyJob(id, tenantID int64, name string) *catalog.Job {
	return &catalog.Job{
		ID:                      id,
		TenantID:                tenantID,
		JobName:                 name,
		IntegrationID:           id,
		Status:                  catalog.JobStatusReady,
		ScheduleIntervalMinutes: 60,
		RetryIntervalMinutes:    10,
		Active:                  true,
		CheckpointData:          []byte(`{}`),
	}
}

func newScheduler(t *testing.T, st JobStore, pub Publisher) (*Scheduler, *progress.Broker) {
	t.Helper()
	broker := progress.NewBroker(slog.Default())
	s := New(st, pub, broker, slog.Default(), WithTick(time.Hour))
	return s, broker
}

func TestFireDueJob(t *testing.T) {
	st := newFakeStore(readyJob(1, 10, "issue-tracker"))
	pub := &fakePublisher{}
	s, _ := newScheduler(t, st, pub)

	s.tickOnce(context.Background())

	require.Equal(t, []int64{1}, st.startedJobs())
	msgs := pub.messages()
	require.Len(t, msgs, 1)
	extract := msgs[0].(*bus.ExtractMessage)
	assert.Equal(t, int64(10), extract.TenantID)
	assert.Equal(t, "issue-tracker", extract.JobName)
}

func TestTieBreakFiresLowerIDFirst(t *testing.T) {
	st := newFakeStore(readyJob(2, 10, "b"), readyJob(1, 10, "a"))
	pub := &fakePublisher{}
	s, _ := newScheduler(t, st, pub)

	s.tickOnce(context.Background())

	assert.Equal(t, []int64{1, 2}, st.startedJobs())
}

func TestRunningJobIsNotRefired(t *testing.T) {
	job := readyJob(1, 10, "issue-tracker")
	job.Status = catalog.JobStatusRunning
	st := newFakeStore(job)
	pub := &fakePublisher{}
	s, _ := newScheduler(t, st, pub)

	s.tickOnce(context.Background())

	assert.Empty(t, st.startedJobs())
	assert.Empty(t, pub.messages())
}

func TestCASConflictSuppressesFire(t *testing.T) {
	st := newFakeStore(readyJob(1, 10, "issue-tracker"))
	st.casErr = store.ErrConflict
	pub := &fakePublisher{}
	s, _ := newScheduler(t, st, pub)

	s.tickOnce(context.Background())

	assert.Empty(t, pub.messages())
}

func TestBusOutageRevertsFire(t *testing.T) {
	st := newFakeStore(readyJob(1, 10, "issue-tracker"))
	pub := &fakePublisher{err: assert.AnError}
	s, _ := newScheduler(t, st, pub)

	s.tickOnce(context.Background())

	assert.Equal(t, []int64{1}, st.reverted)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, catalog.JobStatusReady, st.jobs[1].Status)
	assert.Equal(t, 0, st.jobs[1].RetryCount)
}

func TestFailedJobWaitsForRetryInterval(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	started := now.Add(-5 * time.Minute)

	job := readyJob(1, 10, "issue-tracker")
	job.Status = catalog.JobStatusFailed
	job.RetryCount = 1
	job.LastRunStartedAt = &started

	st := newFakeStore(job)
	pub := &fakePublisher{}
	broker := progress.NewBroker(slog.Default())
	s := New(st, pub, broker, slog.Default(), WithTick(time.Hour), WithClock(func() time.Time { return now }))

	// Retry interval is 10 minutes; only 5 have elapsed.
	s.tickOnce(context.Background())
	assert.Empty(t, st.startedJobs())

	// Past the retry delay the job fires.
	later := now.Add(6 * time.Minute)
	s.now = func() time.Time { return later }
	s.tickOnce(context.Background())
	assert.Equal(t, []int64{1}, st.startedJobs())
}

func TestReportRunFinishedEmitsEvents(t *testing.T) {
	st := newFakeStore(readyJob(1, 10, "issue-tracker"))
	st.jobs[1].Status = catalog.JobStatusRunning
	pub := &fakePublisher{}
	s, broker := newScheduler(t, st, pub)

	sub := broker.Subscribe(10, "issue-tracker")
	defer sub.Close()

	require.NoError(t, s.ReportRunFinished(context.Background(), 1, false, "remote returned 401"))

	ev := <-sub.Events
	assert.Equal(t, progress.EventStatus, ev.Type)
	assert.Equal(t, catalog.JobStatusFailed, ev.Status)

	ev = <-sub.Events
	assert.Equal(t, progress.EventCompletion, ev.Type)
	require.NotNil(t, ev.Success)
	assert.False(t, *ev.Success)

	assert.False(t, st.finished[1])
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, 1, st.jobs[1].RetryCount)
}

func TestReportRunFinishedSuppressesEventsOnConflict(t *testing.T) {
	st := newFakeStore(readyJob(1, 10, "issue-tracker"))
	st.finishErr = store.ErrConflict
	pub := &fakePublisher{}
	s, broker := newScheduler(t, st, pub)

	sub := broker.Subscribe(10, "issue-tracker")
	defer sub.Close()

	// The row left RUNNING under us (swept or admin-reset); no FINISHED
	// events must reach subscribers.
	require.NoError(t, s.ReportRunFinished(context.Background(), 1, true, ""))

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event %q after a conflicting finish", ev.Type)
	default:
	}
}

func TestStartSweepsAbandonedRuns(t *testing.T) {
	job := readyJob(1, 10, "issue-tracker")
	st := newFakeStore(job)
	st.swept = []int64{1}
	pub := &fakePublisher{}
	s, broker := newScheduler(t, st, pub)

	sub := broker.Subscribe(10, "issue-tracker")
	defer sub.Close()

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ev := <-sub.Events
	assert.Equal(t, progress.EventStatus, ev.Type)
	assert.Equal(t, "abandoned on restart", ev.Message)
}

func TestCancelRequiresRunningJob(t *testing.T) {
	st := newFakeStore(readyJob(1, 10, "issue-tracker"))
	pub := &fakePublisher{}
	s, _ := newScheduler(t, st, pub)

	err := s.CancelRun(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrConflict)
}
