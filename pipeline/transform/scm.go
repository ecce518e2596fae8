package transform

import (
	"encoding/json"
	"fmt"

	"github.com/tributary-io/tributary/canonical"
	"github.com/tributary-io/tributary/faults"
	"github.com/tributary-io/tributary/integration/scm"
)

// SCMNormalizer normalizes source-control pages: PR lists plus the
// commit, review, comment, and thread sub-streams.
type SCMNormalizer struct{}

// Kind implements Normalizer.
func (SCMNormalizer) Kind() string { return "scm.pulls" }

// Normalize implements Normalizer. Sub-stream pages contribute people
// and work-item links back onto their pull request; the load stage's
// partial-update upserts merge those with the PR row regardless of
// which batch arrives first.
func (SCMNormalizer) Normalize(tenantID int64, payload json.RawMessage, _ map[string]string) ([]canonical.Draft, []string, error) {
	var page scm.Payload
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, nil, faults.Newf(faults.ClassProtocol, "corrupt scm payload: %v", err)
	}

	b := newDraftBuilder(tenantID)
	var softErrors []string

	switch page.Type {
	case scm.PayloadTypePullRequests:
		for i := range page.PullRequests {
			pr := &page.PullRequests[i]
			if pr.ID == 0 {
				softErrors = append(softErrors, fmt.Sprintf("pull request %d in page: missing id, skipped", i))
				continue
			}
			b.scmPerson(&pr.Author)

			repo := pr.Repo
			if repo == "" {
				repo = page.Repo
			}
			created := pr.CreatedAt
			b.add(canonical.Draft{Kind: canonical.KindPullRequest, PullRequest: &canonical.PullRequest{
				TenantID:         tenantID,
				ExternalID:       fmt.Sprintf("%d", pr.ID),
				Repository:       repo,
				AuthorExternalID: pr.Author.Login,
				Title:            pr.Title,
				State:            pr.State,
				CreatedAt:        &created,
				MergedAt:         pr.MergedAt,
				ClosedAt:         pr.ClosedAt,
				WorkItemKeys:     ParseWorkItemKeys(pr.Title, pr.SourceBranch),
			}})
		}

	case scm.PayloadTypeCommits:
		var messages []string
		for i := range page.Commits {
			b.scmPerson(&page.Commits[i].Author)
			messages = append(messages, page.Commits[i].Message)
		}
		b.prLinks(page, ParseWorkItemKeys(messages...))

	case scm.PayloadTypeReviews:
		for i := range page.Reviews {
			b.scmPerson(&page.Reviews[i].Reviewer)
		}

	case scm.PayloadTypeComments:
		for i := range page.Comments {
			b.scmPerson(&page.Comments[i].Author)
		}

	case scm.PayloadTypeThreads:
		for i := range page.Threads {
			for j := range page.Threads[i].Comments {
				b.scmPerson(&page.Threads[i].Comments[j].Author)
			}
		}

	default:
		return nil, nil, faults.Newf(faults.ClassProtocol, "unexpected scm payload type %q", page.Type)
	}

	return b.drafts, softErrors, nil
}

func (b *draftBuilder) scmPerson(p *scm.Person) {
	if p == nil || p.Login == "" || b.seen["user:"+p.Login] {
		return
	}
	b.seen["user:"+p.Login] = true
	b.add(canonical.Draft{Kind: canonical.KindUser, User: &canonical.User{
		TenantID: b.tenantID, ExternalID: p.Login, DisplayName: p.DisplayName, Email: p.Email,
	}})
}

// prLinks attaches commit-derived work-item keys to the owning PR as a
// partial draft.
func (b *draftBuilder) prLinks(page scm.Payload, keys []string) {
	if len(keys) == 0 || page.PullRequestID == 0 {
		return
	}
	b.add(canonical.Draft{Kind: canonical.KindPullRequest, PullRequest: &canonical.PullRequest{
		TenantID:     b.tenantID,
		ExternalID:   fmt.Sprintf("%d", page.PullRequestID),
		Repository:   page.Repo,
		WorkItemKeys: keys,
	}})
}
