// Package tracker extracts work items from an issue tracker's search
// API. The base search is a filter expression the remote evaluates;
// pagination rides an opaque server-side cursor.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tributary-io/tributary/catalog"
	"github.com/tributary-io/tributary/faults"
	"github.com/tributary-io/tributary/integration"
)

const pageSize = 100

// Credentials is the decrypted secret blob for an issue-tracker
// integration.
type Credentials struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// Adapter implements integration.Adapter for issue trackers.
type Adapter struct {
	client *http.Client
	retry  faults.RetryConfig
}

// New builds the adapter. A nil client falls back to a default with no
// client-side timeout; page fetches are bounded per call.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{client: client, retry: faults.DefaultRetryConfig()}
}

// Kind implements integration.Adapter.
func (a *Adapter) Kind() catalog.IntegrationKind { return catalog.KindIssueTracker }

// BatchKind implements integration.Adapter.
func (a *Adapter) BatchKind() string { return "tracker.search" }

// Connect implements integration.Adapter. It verifies the token against
// the remote so auth failures surface before the plan starts.
func (a *Adapter) Connect(ctx context.Context, credentials []byte) (integration.Session, error) {
	var creds Credentials
	if err := json.Unmarshal(credentials, &creds); err != nil {
		return nil, fmt.Errorf("decode tracker credentials: %w", err)
	}
	if creds.BaseURL == "" || creds.Token == "" {
		return nil, fmt.Errorf("tracker credentials require base_url and token")
	}

	var self struct {
		AccountID string `json:"account_id"`
	}
	if err := integration.GetJSON(ctx, a.client, creds.BaseURL+"/api/self", creds.Token, &self); err != nil {
		return nil, fmt.Errorf("verify tracker session: %w", err)
	}
	return &session{adapter: a, creds: creds}, nil
}

type session struct {
	adapter *Adapter
	creds   Credentials
}

// Plan implements integration.Session.
func (s *session) Plan(_ context.Context, baseSearch string, checkpoint json.RawMessage) (integration.Plan, error) {
	var cp Checkpoint
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &cp); err != nil {
			return nil, fmt.Errorf("decode tracker checkpoint: %w", err)
		}
	}
	return &plan{session: s, search: baseSearch, cp: cp}, nil
}

func (s *session) Close() error { return nil }

type plan struct {
	session *session
	search  string
	cp      Checkpoint
	done    bool
}

// FetchPage implements integration.Plan. Transient remote failures are
// retried within the call; auth and other permanent failures escalate.
func (p *plan) FetchPage(ctx context.Context) (*integration.Page, bool, error) {
	if p.done {
		return nil, true, nil
	}

	query := url.Values{}
	query.Set("query", p.search)
	query.Set("limit", fmt.Sprintf("%d", pageSize))
	if p.cp.LastCursor != "" {
		query.Set("cursor", p.cp.LastCursor)
	}
	endpoint := p.session.creds.BaseURL + "/api/search?" + query.Encode()

	var resp searchResponse
	err := faults.Retry(ctx, p.session.adapter.retry, func() error {
		resp = searchResponse{}
		return integration.GetJSON(ctx, p.session.adapter.client, endpoint, p.session.creds.Token, &resp)
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch tracker page: %w", err)
	}

	if len(resp.Items) == 0 {
		p.done = true
		return nil, true, nil
	}

	p.cp.Processed += len(resp.Items)
	p.cp.LastCursor = resp.NextCursor
	p.cp.LastKey = resp.Items[len(resp.Items)-1].Key
	p.done = resp.IsLast

	payload, err := json.Marshal(Payload{Type: PayloadType, Items: resp.Items})
	if err != nil {
		return nil, false, fmt.Errorf("encode tracker page: %w", err)
	}
	cp, err := json.Marshal(p.cp)
	if err != nil {
		return nil, false, fmt.Errorf("encode tracker checkpoint: %w", err)
	}

	page := &integration.Page{
		Payload:    payload,
		Checkpoint: cp,
		Step:       fmt.Sprintf("fetched %d work items", p.cp.Processed),
	}
	if resp.Total > 0 {
		pct := float64(p.cp.Processed) / float64(resp.Total) * 100
		if pct > 100 {
			pct = 100
		}
		page.Percentage = &pct
	}
	return page, false, nil
}
