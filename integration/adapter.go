// Package integration defines the adapter contract for external data
// sources. An adapter knows how to connect to one kind of remote,
// enumerate the work a job's base search selects, and paginate through
// it with a resumable cursor.
package integration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tributary-io/tributary/catalog"
)

// Page is one durably-stageable unit of raw source data.
//
// Checkpoint is the resume position AFTER this page: the extract worker
// persists it only once the page has been staged and its transform
// message published, so a repeated page after restart is the worst case.
type Page struct {
	Payload    json.RawMessage
	Checkpoint json.RawMessage
	// Percentage is the adapter's completion estimate in [0,100], or nil
	// when the remote does not expose a total.
	Percentage *float64
	Step       string
}

// Plan is a lazy sequence of pages positioned by the checkpoint it was
// built from.
type Plan interface {
	// FetchPage returns the next page, or done=true when the plan is
	// exhausted. A returned error never leaves the plan mid-page; the
	// caller may retry the call or abandon the run.
	FetchPage(ctx context.Context) (page *Page, done bool, err error)
}

// Session is an authenticated connection to one remote.
type Session interface {
	// Plan builds a page sequence for the given search, resuming from
	// checkpoint. An empty or "{}" checkpoint means start from scratch.
	Plan(ctx context.Context, baseSearch string, checkpoint json.RawMessage) (Plan, error)
	Close() error
}

// Adapter is the per-kind extractor.
type Adapter interface {
	Kind() catalog.IntegrationKind
	// BatchKind tags raw payloads so the transform stage selects the
	// right normalizer.
	BatchKind() string
	// Connect authenticates with the decrypted credentials blob. The
	// blob's format is owned by the adapter.
	Connect(ctx context.Context, credentials []byte) (Session, error)
}

// Registry maps integration kinds to adapters. Adding a kind means
// registering one more adapter at boot.
type Registry struct {
	adapters map[catalog.IntegrationKind]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[catalog.IntegrationKind]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Registry{adapters: m}
}

// Adapter returns the adapter for kind.
func (r *Registry) Adapter(kind catalog.IntegrationKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for integration kind %q", kind)
	}
	return a, nil
}
