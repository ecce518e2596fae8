package vectorize

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/bus"
	"github.com/tributary-io/tributary/canonical"
	"github.com/tributary-io/tributary/store"
	"github.com/tributary-io/tributary/vector"
)

type fakeMsg struct {
	data  []byte
	acked bool
	naked bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: 1}, nil
}
func (m *fakeMsg) Data() []byte                     { return m.data }
func (m *fakeMsg) Headers() nats.Header             { return nil }
func (m *fakeMsg) Subject() string                  { return "pipeline.vectorize" }
func (m *fakeMsg) Reply() string                    { return "" }
func (m *fakeMsg) Ack() error                       { m.acked = true; return nil }
func (m *fakeMsg) DoubleAck(context.Context) error  { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                       { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error { m.naked = true; return nil }
func (m *fakeMsg) InProgress() error                { return nil }
func (m *fakeMsg) Term() error                      { return nil }
func (m *fakeMsg) TermWithReason(string) error      { return nil }

type fakeTextStore struct {
	text string
	err  error
}

func (f *fakeTextStore) IndexableText(context.Context, int64, string, int64) (string, string, error) {
	return f.text, "fp", f.err
}

type fakeQueue struct {
	mu         sync.Mutex
	deadLetter []string
}

func (q *fakeQueue) Publish(context.Context, bus.Message) error { return nil }

func (q *fakeQueue) DeadLetter(_ context.Context, _ bus.Stage, _ []byte, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = append(q.deadLetter, reason)
	return nil
}

func (q *fakeQueue) Consumer(context.Context, bus.Stage, string, time.Duration) (jetstream.Consumer, error) {
	return nil, nil
}

// countingEmbedder counts calls so tests can prove fingerprint gating.
type countingEmbedder struct {
	inner vector.Embedder
	calls int
}

func (e *countingEmbedder) Model() string { return e.inner.Model() }

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	return e.inner.Embed(ctx, texts)
}

type failingEmbedder struct{}

func (failingEmbedder) Model() string { return "failing" }

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service unavailable")
}

func vectorizeMsg(t *testing.T) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(&bus.VectorizeMessage{
		TenantID:        1,
		JobID:           42,
		JobName:         "issue-tracker",
		BatchID:         "b-1",
		EntityKind:      string(canonical.KindWorkItem),
		EntityID:        9,
		TextFingerprint: "stale",
	})
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func newTestWorker(t *testing.T, st Store, embedder vector.Embedder) (*Worker, *fakeQueue, *vector.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	vectors := vector.NewRedisStoreWithClient(rdb, slog.Default())
	q := &fakeQueue{}
	w := New(DefaultConfig(), q, st, vectors, embedder, slog.Default())
	return w, q, vectors
}

func TestEmbedsAndUpsertsChangedEntity(t *testing.T) {
	emb := &countingEmbedder{inner: vector.NewHashEmbedder(8)}
	w, _, vectors := newTestWorker(t, &fakeTextStore{text: "Implement login"}, emb)

	msg := vectorizeMsg(t)
	w.handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Equal(t, 1, emb.calls)

	fp, err := vectors.Fingerprint(context.Background(), 1, canonical.KindWorkItem, 9)
	require.NoError(t, err)
	assert.Equal(t, canonical.Fingerprint("Implement login"), fp,
		"stored fingerprint reflects the text as loaded, not the message's stale one")
}

func TestUnchangedFingerprintSkipsEmbedding(t *testing.T) {
	emb := &countingEmbedder{inner: vector.NewHashEmbedder(8)}
	w, _, _ := newTestWorker(t, &fakeTextStore{text: "Implement login"}, emb)

	w.handle(context.Background(), vectorizeMsg(t))
	msg := vectorizeMsg(t)
	w.handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Equal(t, 1, emb.calls, "replay with matching fingerprint must not re-embed")
}

func TestMissingEntityIsAcked(t *testing.T) {
	emb := &countingEmbedder{inner: vector.NewHashEmbedder(8)}
	w, q, _ := newTestWorker(t, &fakeTextStore{err: store.ErrNotFound}, emb)

	msg := vectorizeMsg(t)
	w.handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Zero(t, emb.calls)
	assert.Empty(t, q.deadLetter)
}

func TestEmbeddingOutageSkipsEntityWithoutRetry(t *testing.T) {
	w, _, vectors := newTestWorker(t, &fakeTextStore{text: "Implement login"}, failingEmbedder{})

	msg := vectorizeMsg(t)
	w.handle(context.Background(), msg)

	assert.True(t, msg.acked, "embedding failure must not hold the message")
	assert.False(t, msg.naked)

	fp, err := vectors.Fingerprint(context.Background(), 1, canonical.KindWorkItem, 9)
	require.NoError(t, err)
	assert.Empty(t, fp, "entity stays flagged for the next run")
}

func TestCorruptMessageIsDeadLettered(t *testing.T) {
	emb := &countingEmbedder{inner: vector.NewHashEmbedder(8)}
	w, q, _ := newTestWorker(t, &fakeTextStore{text: "x"}, emb)

	msg := &fakeMsg{data: []byte(`{"entity_id":`)}
	w.handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Len(t, q.deadLetter, 1)
}
