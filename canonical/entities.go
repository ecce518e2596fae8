// Package canonical defines the schema-normalized entities produced by the
// transform stage and upserted by the load stage. Every entity carries a
// tenant id and every cross-entity reference resolves inside that tenant.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EntityKind tags an entity draft so the load stage can route it to the
// right table and the right ordering tier.
type EntityKind string

const (
	KindProject     EntityKind = "project"
	KindUser        EntityKind = "user"
	KindWorkflow    EntityKind = "workflow"
	KindStatus      EntityKind = "status"
	KindMapping     EntityKind = "mapping"
	KindWorkItem    EntityKind = "work_item"
	KindPullRequest EntityKind = "pull_request"
	KindLink        EntityKind = "link"
)

// LoadTier returns the upsert ordering tier for a kind. Lower tiers load
// first so foreign keys resolve within the batch transaction.
func (k EntityKind) LoadTier() int {
	switch k {
	case KindProject:
		return 0
	case KindUser:
		return 1
	case KindWorkflow, KindStatus, KindMapping:
		return 2
	case KindWorkItem:
		return 3
	case KindPullRequest:
		return 4
	case KindLink:
		return 5
	}
	return 6
}

// Project is a tenant-scoped container for work items.
type Project struct {
	TenantID    int64  `db:"tenant_id" json:"tenant_id"`
	ExternalKey string `db:"external_key" json:"external_key"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description,omitempty"`
}

// User is an external identity normalized into the tenant's user table.
type User struct {
	TenantID    int64  `db:"tenant_id" json:"tenant_id"`
	ExternalID  string `db:"external_id" json:"external_id"`
	DisplayName string `db:"display_name" json:"display_name"`
	Email       string `db:"email" json:"email,omitempty"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// Workflow names a configured workflow for a tenant.
type Workflow struct {
	TenantID    int64  `db:"tenant_id" json:"tenant_id"`
	ExternalKey string `db:"external_key" json:"external_key"`
	Name        string `db:"name" json:"name"`
}

// Status is one external status value inside a workflow.
type Status struct {
	TenantID    int64  `db:"tenant_id" json:"tenant_id"`
	ExternalKey string `db:"external_key" json:"external_key"`
	Name        string `db:"name" json:"name"`
	Category    string `db:"category" json:"category,omitempty"`
}

// UnmappedState is the synthetic canonical state recorded for external
// statuses with no configured mapping. Unmapped statuses are never dropped.
const UnmappedState = "unmapped"

// Mapping links an external status string to a canonical state.
type Mapping struct {
	TenantID       int64  `db:"tenant_id" json:"tenant_id"`
	ExternalStatus string `db:"external_status" json:"external_status"`
	CanonicalState string `db:"canonical_state" json:"canonical_state"`
}

// WorkItemMetrics are derived from the item's changelog during transform.
type WorkItemMetrics struct {
	LeadTimeSeconds    int64   `db:"lead_time_seconds" json:"lead_time_seconds"`
	WorkStarts         int     `db:"work_starts" json:"work_starts"`
	Rework             bool    `db:"rework" json:"rework"`
	WorkflowComplexity float64 `db:"workflow_complexity" json:"workflow_complexity"`
}

// WorkItem is the canonical issue/story/task shape.
type WorkItem struct {
	TenantID           int64      `db:"tenant_id" json:"tenant_id"`
	ExternalKey        string     `db:"external_key" json:"external_key"`
	ProjectKey         string     `db:"project_key" json:"project_key,omitempty"`
	AssigneeExternalID string     `db:"assignee_external_id" json:"assignee_external_id,omitempty"`
	Status             string     `db:"status" json:"status"`
	CanonicalState     string     `db:"canonical_state" json:"canonical_state"`
	WorkflowKey        string     `db:"workflow_key" json:"workflow_key,omitempty"`
	Priority           string     `db:"priority" json:"priority,omitempty"`
	Summary            string     `db:"summary" json:"summary"`
	Description        string     `db:"description" json:"description,omitempty"`
	AcceptanceCriteria string     `db:"acceptance_criteria" json:"acceptance_criteria,omitempty"`
	SourceUpdatedAt    *time.Time `db:"source_updated_at" json:"source_updated_at,omitempty"`

	Metrics    WorkItemMetrics `db:"-" json:"metrics"`
	// ParseError records a per-entity normalization failure; the item is
	// still persisted so nothing is silently dropped.
	ParseError string          `db:"parse_error" json:"parse_error,omitempty"`
}

// PullRequest is the canonical PR shape.
type PullRequest struct {
	TenantID         int64      `db:"tenant_id" json:"tenant_id"`
	ExternalID       string     `db:"external_id" json:"external_id"`
	Repository       string     `db:"repository" json:"repository"`
	AuthorExternalID string     `db:"author_external_id" json:"author_external_id,omitempty"`
	Title            string     `db:"title" json:"title"`
	State            string     `db:"state" json:"state"`
	CreatedAt        *time.Time `db:"source_created_at" json:"created_at,omitempty"`
	MergedAt         *time.Time `db:"merged_at" json:"merged_at,omitempty"`
	ClosedAt         *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	// WorkItemKeys are external work-item keys parsed from the title,
	// branch, and commit messages; the load stage turns them into links.
	WorkItemKeys []string `db:"-" json:"work_item_keys,omitempty"`
}

// Link associates a work item with a pull request.
type Link struct {
	TenantID       int64  `db:"tenant_id" json:"tenant_id"`
	WorkItemKey    string `db:"work_item_key" json:"work_item_key"`
	PullRequestID  string `db:"pull_request_id" json:"pull_request_id"`
}

// Draft is one entity awaiting load, tagged with its kind.
type Draft struct {
	Kind        EntityKind   `json:"kind"`
	Project     *Project     `json:"project,omitempty"`
	User        *User        `json:"user,omitempty"`
	Workflow    *Workflow    `json:"workflow,omitempty"`
	Status      *Status      `json:"status,omitempty"`
	Mapping     *Mapping     `json:"mapping,omitempty"`
	WorkItem    *WorkItem    `json:"work_item,omitempty"`
	PullRequest *PullRequest `json:"pull_request,omitempty"`
	Link        *Link        `json:"link,omitempty"`
}

// TenantID returns the tenant of whichever entity the draft carries, or 0
// for an empty draft.
func (d *Draft) TenantID() int64 {
	switch d.Kind {
	case KindProject:
		if d.Project != nil {
			return d.Project.TenantID
		}
	case KindUser:
		if d.User != nil {
			return d.User.TenantID
		}
	case KindWorkflow:
		if d.Workflow != nil {
			return d.Workflow.TenantID
		}
	case KindStatus:
		if d.Status != nil {
			return d.Status.TenantID
		}
	case KindMapping:
		if d.Mapping != nil {
			return d.Mapping.TenantID
		}
	case KindWorkItem:
		if d.WorkItem != nil {
			return d.WorkItem.TenantID
		}
	case KindPullRequest:
		if d.PullRequest != nil {
			return d.PullRequest.TenantID
		}
	case KindLink:
		if d.Link != nil {
			return d.Link.TenantID
		}
	}
	return 0
}

// IndexableText returns the text fields that feed vectorization, or ""
// when the draft carries nothing indexable.
func (d *Draft) IndexableText() string {
	switch d.Kind {
	case KindWorkItem:
		if d.WorkItem == nil {
			return ""
		}
		parts := []string{d.WorkItem.Summary, d.WorkItem.Description, d.WorkItem.AcceptanceCriteria}
		return joinNonEmpty(parts)
	case KindPullRequest:
		if d.PullRequest == nil {
			return ""
		}
		return d.PullRequest.Title
	}
	return ""
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// Fingerprint hashes indexable text so unchanged content skips
// re-embedding. The empty string fingerprints to "".
func Fingerprint(text string) string {
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
