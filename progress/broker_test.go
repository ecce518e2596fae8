package progress

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/catalog"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events:
			require.True(t, ok, "subscription closed early")
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(events))
		}
	}
	return events
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroker(slog.Default())
	sub := b.Subscribe(1, "issue-tracker")
	defer sub.Close()

	b.Publish(StatusChange(1, "issue-tracker", catalog.JobStatusRunning, ""))
	b.Publish(Progress(1, "issue-tracker", nil, "page 1"))
	b.Publish(Completion(1, "issue-tracker", true, "3 items"))

	events := collect(t, sub, 3)
	assert.Equal(t, EventStatus, events[0].Type)
	assert.Equal(t, EventProgress, events[1].Type)
	assert.Equal(t, EventCompletion, events[2].Type)
}

func TestTenantIsolation(t *testing.T) {
	b := NewBroker(slog.Default())
	tenant1 := b.Subscribe(1, "issue-tracker")
	defer tenant1.Close()

	// Same job name under another tenant must not be deliverable here.
	b.Publish(StatusChange(2, "issue-tracker", catalog.JobStatusRunning, ""))
	b.Publish(StatusChange(1, "issue-tracker", catalog.JobStatusRunning, ""))

	events := collect(t, tenant1, 1)
	assert.Equal(t, int64(1), events[0].TenantID)

	select {
	case ev := <-tenant1.Events:
		t.Fatalf("unexpected cross-tenant event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestJobFiltering(t *testing.T) {
	b := NewBroker(slog.Default())
	sub := b.Subscribe(1, "source-control")
	defer sub.Close()

	b.Publish(StatusChange(1, "issue-tracker", catalog.JobStatusRunning, ""))
	b.Publish(StatusChange(1, "source-control", catalog.JobStatusRunning, ""))

	events := collect(t, sub, 1)
	assert.Equal(t, "source-control", events[0].Job)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(slog.Default())
	sub := b.Subscribe(1, "issue-tracker")
	defer sub.Close()

	// Overflow the buffer without draining; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(Progress(1, "issue-tracker", nil, "step"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	_, dropped := b.Stats()
	assert.Equal(t, int64(subscriberBuffer), dropped)
}

func TestCloseDetaches(t *testing.T) {
	b := NewBroker(slog.Default())
	sub := b.Subscribe(1, "issue-tracker")
	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.Events
	assert.False(t, ok)

	// Publishing after close must not panic.
	b.Publish(Progress(1, "issue-tracker", nil, "step"))
}
