package transform

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tributary-io/tributary/canonical"
	"github.com/tributary-io/tributary/faults"
	"github.com/tributary-io/tributary/integration/tracker"
)

// Canonical states the workflow metrics key off. Tenants map their
// external statuses onto these through the mappings table.
const (
	stateInProgress = "in_progress"
	stateDone       = "done"
)

// TrackerNormalizer normalizes issue-tracker search pages.
type TrackerNormalizer struct{}

// Kind implements Normalizer.
func (TrackerNormalizer) Kind() string { return "tracker.search" }

// Normalize implements Normalizer. Each item yields its project, its
// people, its status, and the work item itself. A malformed changelog
// marks the item with a parse error; the item still loads.
func (TrackerNormalizer) Normalize(tenantID int64, payload json.RawMessage, mappings map[string]string) ([]canonical.Draft, []string, error) {
	var page tracker.Payload
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, nil, faults.Newf(faults.ClassProtocol, "corrupt tracker payload: %v", err)
	}
	if page.Type != tracker.PayloadType {
		return nil, nil, faults.Newf(faults.ClassProtocol, "unexpected tracker payload type %q", page.Type)
	}

	b := newDraftBuilder(tenantID)
	var softErrors []string

	for i := range page.Items {
		item := &page.Items[i]
		if item.Key == "" {
			softErrors = append(softErrors, fmt.Sprintf("item %d: missing key, skipped", i))
			continue
		}

		if item.ProjectKey != "" {
			b.project(item.ProjectKey, item.ProjectName)
		}
		b.person(item.Assignee)
		b.person(item.Reporter)
		for _, c := range item.Comments {
			b.person(&c.Author)
		}
		if item.Status != "" {
			b.status(item.Status)
		}

		state, mapped := mappings[item.Status]
		if !mapped {
			state = canonical.UnmappedState
			softErrors = append(softErrors,
				fmt.Sprintf("work item %s: status %q has no mapping, recorded as %s", item.Key, item.Status, state))
		}

		w := canonical.WorkItem{
			TenantID:           tenantID,
			ExternalKey:        item.Key,
			ProjectKey:         item.ProjectKey,
			Status:             item.Status,
			CanonicalState:     state,
			Priority:           item.Priority,
			Summary:            item.Summary,
			Description:        item.Description,
			AcceptanceCriteria: item.AcceptanceCriteria,
		}
		if item.Assignee != nil {
			w.AssigneeExternalID = item.Assignee.AccountID
		}
		if !item.UpdatedAt.IsZero() {
			updated := item.UpdatedAt
			w.SourceUpdatedAt = &updated
		}

		metrics, err := workflowMetrics(item, mappings)
		if err != nil {
			w.ParseError = err.Error()
			softErrors = append(softErrors, fmt.Sprintf("work item %s: %v", item.Key, err))
		} else {
			w.Metrics = metrics
		}

		b.add(canonical.Draft{Kind: canonical.KindWorkItem, WorkItem: &w})
	}

	return b.drafts, softErrors, nil
}

// workflowMetrics derives lead time, work starts, rework, and a
// complexity score from the item's status changelog.
func workflowMetrics(item *tracker.Item, mappings map[string]string) (canonical.WorkItemMetrics, error) {
	var m canonical.WorkItemMetrics
	visited := map[string]bool{}
	var doneAt time.Time
	wasDone := false

	for i, ev := range item.Changelog {
		if ev.Field != "status" {
			continue
		}
		if ev.At.IsZero() || ev.To == "" {
			return m, fmt.Errorf("changelog entry %d is malformed", i)
		}
		visited[ev.To] = true

		switch mappings[ev.To] {
		case stateInProgress:
			m.WorkStarts++
			if wasDone {
				m.Rework = true
			}
		case stateDone:
			doneAt = ev.At
			wasDone = true
		default:
			if wasDone {
				// Reopened without going straight back to work.
				m.Rework = true
				wasDone = false
			}
		}
	}

	if !doneAt.IsZero() && !item.CreatedAt.IsZero() && doneAt.After(item.CreatedAt) {
		m.LeadTimeSeconds = int64(doneAt.Sub(item.CreatedAt).Seconds())
	}
	m.WorkflowComplexity = float64(len(visited))
	return m, nil
}

// draftBuilder deduplicates reference entities across a page while
// preserving first-seen order.
type draftBuilder struct {
	tenantID int64
	drafts   []canonical.Draft
	seen     map[string]bool
}

func newDraftBuilder(tenantID int64) *draftBuilder {
	return &draftBuilder{tenantID: tenantID, seen: map[string]bool{}}
}

func (b *draftBuilder) add(d canonical.Draft) {
	b.drafts = append(b.drafts, d)
}

func (b *draftBuilder) project(key, name string) {
	if key == "" || b.seen["project:"+key] {
		return
	}
	b.seen["project:"+key] = true
	if name == "" {
		name = key
	}
	b.add(canonical.Draft{Kind: canonical.KindProject, Project: &canonical.Project{
		TenantID: b.tenantID, ExternalKey: key, Name: name,
	}})
}

func (b *draftBuilder) person(p *tracker.Person) {
	if p == nil || p.AccountID == "" || b.seen["user:"+p.AccountID] {
		return
	}
	b.seen["user:"+p.AccountID] = true
	b.add(canonical.Draft{Kind: canonical.KindUser, User: &canonical.User{
		TenantID: b.tenantID, ExternalID: p.AccountID, DisplayName: p.DisplayName, Email: p.Email,
	}})
}

func (b *draftBuilder) status(name string) {
	if b.seen["status:"+name] {
		return
	}
	b.seen["status:"+name] = true
	b.add(canonical.Draft{Kind: canonical.KindStatus, Status: &canonical.Status{
		TenantID: b.tenantID, ExternalKey: name, Name: name,
	}})
}
