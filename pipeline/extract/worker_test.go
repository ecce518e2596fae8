package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/bus"
	"github.com/tributary-io/tributary/catalog"
	"github.com/tributary-io/tributary/integration"
	"github.com/tributary-io/tributary/pipeline"
	"github.com/tributary-io/tributary/progress"
	"github.com/tributary-io/tributary/store"
)

type fakeStore struct {
	mu          sync.Mutex
	integration *catalog.Integration
	staged      []*store.RawBatch
	checkpoints []json.RawMessage
	cancelled   bool
}

func (f *fakeStore) GetIntegration(context.Context, int64) (*catalog.Integration, error) {
	return f.integration, nil
}

func (f *fakeStore) StageRawBatch(_ context.Context, b *store.RawBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, b)
	return nil
}

func (f *fakeStore) UpdateCheckpoint(_ context.Context, _ int64, cp json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeStore) CancelRequested(context.Context, int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled, nil
}

type fakeCreds struct{}

func (fakeCreds) GetCredentials(context.Context, int64, int64) ([]byte, error) {
	return []byte(`{"base_url":"https://remote","token":"secret"}`), nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published []bus.Message
	pubErr    error
}

func (q *fakeQueue) Publish(_ context.Context, msg bus.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubErr != nil {
		return q.pubErr
	}
	q.published = append(q.published, msg)
	return nil
}

func (q *fakeQueue) DeadLetter(context.Context, bus.Stage, []byte, string) error { return nil }

func (q *fakeQueue) Consumer(context.Context, bus.Stage, string, time.Duration) (jetstream.Consumer, error) {
	return nil, nil
}

type fakeReporter struct {
	mu       sync.Mutex
	started  []int64
	finished map[int64]bool
	errMsg   string
}

func (r *fakeReporter) ReportRunStarted(_ context.Context, jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, jobID)
}

func (r *fakeReporter) ReportRunFinished(_ context.Context, jobID int64, success bool, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = map[int64]bool{}
	}
	r.finished[jobID] = success
	r.errMsg = errMsg
	return nil
}

// fakeAdapter yields a fixed number of pages without any remote IO.
type fakeAdapter struct {
	pages      int
	connectErr error
}

func (a *fakeAdapter) Kind() catalog.IntegrationKind { return catalog.KindIssueTracker }
func (a *fakeAdapter) BatchKind() string             { return "fake.pages" }

func (a *fakeAdapter) Connect(context.Context, []byte) (integration.Session, error) {
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return &fakeSession{pages: a.pages}, nil
}

type fakeSession struct{ pages int }

func (s *fakeSession) Plan(context.Context, string, json.RawMessage) (integration.Plan, error) {
	return &fakePlan{remaining: s.pages}, nil
}
func (s *fakeSession) Close() error { return nil }

type fakePlan struct{ remaining, served int }

func (p *fakePlan) FetchPage(context.Context) (*integration.Page, bool, error) {
	if p.remaining == 0 {
		return nil, true, nil
	}
	p.remaining--
	p.served++
	cp, _ := json.Marshal(map[string]int{"page": p.served})
	return &integration.Page{
		Payload:    json.RawMessage(fmt.Sprintf(`{"page":%d}`, p.served)),
		Checkpoint: cp,
		Step:       fmt.Sprintf("page %d", p.served),
	}, false, nil
}

func newTestWorker(t *testing.T, st *fakeStore, q *fakeQueue, rep *fakeReporter, adapter integration.Adapter) (*Worker, *pipeline.RunTracker) {
	t.Helper()
	tracker := pipeline.NewRunTracker(func(jobID int64, success bool, errMsg string) {
		_ = rep.ReportRunFinished(context.Background(), jobID, success, errMsg)
	})
	w := New(DefaultConfig(), q, st, fakeCreds{}, integration.NewRegistry(adapter),
		tracker, rep, progress.NewBroker(slog.Default()), slog.Default())
	return w, tracker
}

func extractMsg() *bus.ExtractMessage {
	return &bus.ExtractMessage{
		TenantID:      1,
		JobID:         42,
		JobName:       "issue-tracker",
		IntegrationID: 5,
		Checkpoint:    json.RawMessage(`{}`),
	}
}

func testIntegration() *catalog.Integration {
	return &catalog.Integration{ID: 5, TenantID: 1, Kind: catalog.KindIssueTracker, BaseSearch: "project = DEMO", Active: true}
}

func TestRunStagesPagesAndClosesOnDrain(t *testing.T) {
	st := &fakeStore{integration: testIntegration()}
	q := &fakeQueue{}
	rep := &fakeReporter{}
	w, tracker := newTestWorker(t, st, q, rep, &fakeAdapter{pages: 3})

	w.run(context.Background(), extractMsg())

	assert.Equal(t, []int64{42}, rep.started)
	assert.Len(t, st.staged, 3)
	assert.Len(t, q.published, 3)
	assert.Len(t, st.checkpoints, 3)
	assert.Equal(t, 3, tracker.Pending(42), "run stays open until load retires the batches")
	_, closed := rep.finished[42]
	assert.False(t, closed)

	// Load retires the batches; the last one closes the run.
	tracker.BatchDone(42)
	tracker.BatchDone(42)
	tracker.BatchDone(42)
	success, closed := rep.finished[42]
	require.True(t, closed)
	assert.True(t, success)
}

func TestZeroPageRunClosesImmediately(t *testing.T) {
	st := &fakeStore{integration: testIntegration()}
	q := &fakeQueue{}
	rep := &fakeReporter{}
	w, _ := newTestWorker(t, st, q, rep, &fakeAdapter{pages: 0})

	w.run(context.Background(), extractMsg())

	success, closed := rep.finished[42]
	require.True(t, closed)
	assert.True(t, success)
	assert.Empty(t, st.staged)
}

func TestConnectFailureFailsRun(t *testing.T) {
	st := &fakeStore{integration: testIntegration()}
	q := &fakeQueue{}
	rep := &fakeReporter{}
	w, _ := newTestWorker(t, st, q, rep, &fakeAdapter{connectErr: errors.New("remote returned 401")})

	w.run(context.Background(), extractMsg())

	success, closed := rep.finished[42]
	require.True(t, closed)
	assert.False(t, success)
	assert.Contains(t, rep.errMsg, "401")
}

func TestCancelFlagStopsRunKeepingCheckpoint(t *testing.T) {
	st := &fakeStore{integration: testIntegration(), cancelled: true}
	q := &fakeQueue{}
	rep := &fakeReporter{}
	w, _ := newTestWorker(t, st, q, rep, &fakeAdapter{pages: 10})

	w.run(context.Background(), extractMsg())

	success, closed := rep.finished[42]
	require.True(t, closed)
	assert.False(t, success)
	assert.Equal(t, "cancelled", rep.errMsg)
	assert.Empty(t, st.staged, "cancel observed before the first page")
}

func TestTenantMismatchFailsRun(t *testing.T) {
	integ := testIntegration()
	integ.TenantID = 2
	st := &fakeStore{integration: integ}
	q := &fakeQueue{}
	rep := &fakeReporter{}
	w, _ := newTestWorker(t, st, q, rep, &fakeAdapter{pages: 1})

	w.run(context.Background(), extractMsg())

	success, closed := rep.finished[42]
	require.True(t, closed)
	assert.False(t, success)
	assert.Empty(t, q.published)
}

func TestPublishFailureFailsRun(t *testing.T) {
	st := &fakeStore{integration: testIntegration()}
	q := &fakeQueue{pubErr: errors.New("broker unavailable")}
	rep := &fakeReporter{}
	w, _ := newTestWorker(t, st, q, rep, &fakeAdapter{pages: 2})

	w.run(context.Background(), extractMsg())

	success, closed := rep.finished[42]
	require.True(t, closed)
	assert.False(t, success)
	assert.Empty(t, st.checkpoints, "checkpoint must not advance past an unpublished page")
}
