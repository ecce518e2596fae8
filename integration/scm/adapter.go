// Package scm extracts pull requests and their commits, reviews,
// comments, and review threads from a source-control platform. The base
// search is a repository filter the remote evaluates. The plan walks a
// repo queue; within a repo it pages through PRs, and for each PR it
// drains the four sub-streams in a fixed order so the composite
// checkpoint always names exactly one live cursor.
package scm

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

const prPageSize = 50

// Sub-streams drain in this order for every PR.
var streamOrder = []string{PayloadTypeCommits, PayloadTypeReviews, PayloadTypeComments, PayloadTypeThreads}

// Credentials is the decrypted secret blob for a source-control
// integration.
type Credentials struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// Adapter implements integration.Adapter for source-control platforms.
type Adapter struct {
	client *http.Client
	retry  faults.RetryConfig
}

// New builds the adapter.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{client: client, retry: faults.DefaultRetryConfig()}
}

// Kind implements integration.Adapter.
func (a *Adapter) Kind() catalog.IntegrationKind { return catalog.KindSourceControl }

// BatchKind implements integration.Adapter.
func (a *Adapter) BatchKind() string { return "scm.pulls" }

// Connect implements integration.Adapter.
func (a *Adapter) Connect(ctx context.Context, credentials []byte) (integration.Session, error) {
	var creds Credentials
	if err := json.Unmarshal(credentials, &creds); err != nil {
		return nil, fmt.Errorf("decode scm credentials: %w", err)
	}
	if creds.BaseURL == "" || creds.Token == "" {
		return nil, fmt.Errorf("scm credentials require base_url and token")
	}

	var self struct {
		Login string `json:"login"`
	}
	if err := integration.GetJSON(ctx, a.client, creds.BaseURL+"/api/self", creds.Token, &self); err != nil {
		return nil, fmt.Errorf("verify scm session: %w", err)
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
			return nil, fmt.Errorf("decode scm checkpoint: %w", err)
		}
	}
	return &plan{session: s, filter: baseSearch, cp: cp}, nil
}

func (s *session) Close() error { return nil }

type plan struct {
	session *session
	filter  string
	cp      Checkpoint
	done    bool
}

// FetchPage implements integration.Plan. The loop advances the
// checkpoint's state machine until it produces a non-empty page or
// exhausts the plan; empty remote pages never surface as batches.
func (p *plan) FetchPage(ctx context.Context) (*integration.Page, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		switch {
		case p.done:
			return nil, true, nil

		case p.cp.CurrentPR != 0:
			page, err := p.fetchSubStream(ctx)
			if err != nil {
				return nil, false, err
			}
			if page != nil {
				return page, false, nil
			}

		case len(p.cp.PRQueue) > 0:
			p.cp.CurrentPR = p.cp.PRQueue[0]
			p.cp.PRQueue = p.cp.PRQueue[1:]
			p.cp.CurrentStream = streamOrder[0]
			p.cp.CommitCursor, p.cp.ReviewCursor, p.cp.CommentCursor, p.cp.ThreadCursor = "", "", "", ""

		case p.cp.CurrentRepo != "" && !p.cp.PRsDone:
			page, err := p.fetchPRPage(ctx)
			if err != nil {
				return nil, false, err
			}
			if page != nil {
				return page, false, nil
			}

		case p.cp.CurrentRepo != "":
			// Repo fully drained.
			p.cp.CurrentRepo = ""

		case !p.cp.ReposPlanned:
			if err := p.planRepos(ctx); err != nil {
				return nil, false, err
			}

		case len(p.cp.RepoQueue) == 0:
			p.done = true

		default:
			p.cp.CurrentRepo = p.cp.RepoQueue[0]
			p.cp.RepoQueue = p.cp.RepoQueue[1:]
			p.cp.PRCursor = ""
			p.cp.PRsDone = false
		}
	}
}

func (p *plan) planRepos(ctx context.Context) error {
	endpoint := p.session.creds.BaseURL + "/api/repos?filter=" + url.QueryEscape(p.filter)
	var resp repoListResponse
	err := faults.Retry(ctx, p.session.adapter.retry, func() error {
		resp = repoListResponse{}
		return integration.GetJSON(ctx, p.session.adapter.client, endpoint, p.session.creds.Token, &resp)
	})
	if err != nil {
		return fmt.Errorf("enumerate repositories: %w", err)
	}
	p.cp.RepoQueue = resp.Repos
	p.cp.ReposPlanned = true
	return nil
}

func (p *plan) fetchPRPage(ctx context.Context) (*integration.Page, error) {
	cursor := p.cp.PRCursor

	query := url.Values{}
	query.Set("limit", fmt.Sprintf("%d", prPageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/api/repos/%s/pulls?%s",
		p.session.creds.BaseURL, url.PathEscape(p.cp.CurrentRepo), query.Encode())

	var resp prPageResponse
	err := faults.Retry(ctx, p.session.adapter.retry, func() error {
		resp = prPageResponse{}
		return integration.GetJSON(ctx, p.session.adapter.client, endpoint, p.session.creds.Token, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pull requests for %s: %w", p.cp.CurrentRepo, err)
	}

	p.cp.PRCursor = resp.NextCursor
	p.cp.PRsDone = resp.IsLast
	if len(resp.PullRequests) == 0 {
		// An empty page that does not move the cursor would loop forever;
		// treat it as the end of the listing.
		if resp.NextCursor == cursor {
			p.cp.PRsDone = true
		}
		return nil, nil
	}

	ids := make([]int64, len(resp.PullRequests))
	for i, pr := range resp.PullRequests {
		ids[i] = pr.ID
	}
	p.cp.PRQueue = append(p.cp.PRQueue, ids...)

	return p.page(Payload{
		Type:         PayloadTypePullRequests,
		Repo:         p.cp.CurrentRepo,
		PullRequests: resp.PullRequests,
	}, fmt.Sprintf("repo %s: fetched %d pull requests", p.cp.CurrentRepo, len(resp.PullRequests)))
}

// fetchSubStream pages the live sub-stream of the current PR. A nil
// page with nil error means the stream advanced without yielding data.
func (p *plan) fetchSubStream(ctx context.Context) (*integration.Page, error) {
	stream := p.cp.CurrentStream
	cursor := p.subCursor(stream)

	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/api/repos/%s/pulls/%d/%s?%s",
		p.session.creds.BaseURL, url.PathEscape(p.cp.CurrentRepo), p.cp.CurrentPR, stream, query.Encode())

	var resp subPageResponse
	err := faults.Retry(ctx, p.session.adapter.retry, func() error {
		resp = subPageResponse{}
		return integration.GetJSON(ctx, p.session.adapter.client, endpoint, p.session.creds.Token, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s for pull request %d: %w", stream, p.cp.CurrentPR, err)
	}

	p.setSubCursor(stream, resp.NextCursor)
	// An empty page that does not move the cursor would loop forever;
	// treat it as the end of the stream.
	stalled := len(resp.Commits)+len(resp.Reviews)+len(resp.Comments)+len(resp.Threads) == 0 &&
		resp.NextCursor == cursor
	if resp.IsLast || stalled {
		p.advanceStream()
	}

	payload := Payload{
		Type:          stream,
		Repo:          p.cp.CurrentRepo,
		PullRequestID: p.cp.CurrentPR,
		Commits:       resp.Commits,
		Reviews:       resp.Reviews,
		Comments:      resp.Comments,
		Threads:       resp.Threads,
	}
	if len(resp.Commits)+len(resp.Reviews)+len(resp.Comments)+len(resp.Threads) == 0 {
		return nil, nil
	}
	return p.page(payload, fmt.Sprintf("repo %s: pull request %d %s", payload.Repo, payload.PullRequestID, stream))
}

// advanceStream moves to the next sub-stream, or closes the PR when the
// last one is drained. advanceStream runs before the page is returned,
// so the page's checkpoint already points past the finished stream.
func (p *plan) advanceStream() {
	for i, s := range streamOrder {
		if s != p.cp.CurrentStream {
			continue
		}
		if i+1 < len(streamOrder) {
			p.cp.CurrentStream = streamOrder[i+1]
			return
		}
		p.cp.CurrentPR = 0
		p.cp.CurrentStream = ""
		p.cp.CommitCursor, p.cp.ReviewCursor, p.cp.CommentCursor, p.cp.ThreadCursor = "", "", "", ""
		return
	}
}

func (p *plan) subCursor(stream string) string {
	switch stream {
	case PayloadTypeCommits:
		return p.cp.CommitCursor
	case PayloadTypeReviews:
		return p.cp.ReviewCursor
	case PayloadTypeComments:
		return p.cp.CommentCursor
	default:
		return p.cp.ThreadCursor
	}
}

func (p *plan) setSubCursor(stream, cursor string) {
	switch stream {
	case PayloadTypeCommits:
		p.cp.CommitCursor = cursor
	case PayloadTypeReviews:
		p.cp.ReviewCursor = cursor
	case PayloadTypeComments:
		p.cp.CommentCursor = cursor
	default:
		p.cp.ThreadCursor = cursor
	}
}

func (p *plan) page(payload Payload, step string) (*integration.Page, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode scm page: %w", err)
	}
	cp, err := json.Marshal(p.cp)
	if err != nil {
		return nil, fmt.Errorf("encode scm checkpoint: %w", err)
	}
	return &integration.Page{Payload: body, Checkpoint: cp, Step: step}, nil
}
