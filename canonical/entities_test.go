package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadTierOrdering(t *testing.T) {
	// Projects load before users, users before config, config before work
	// items, work items before PRs, PRs before links.
	order := []EntityKind{KindProject, KindUser, KindWorkflow, KindWorkItem, KindPullRequest, KindLink}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].LoadTier(), order[i].LoadTier(),
			"%s must load before %s", order[i-1], order[i])
	}
	assert.Equal(t, KindWorkflow.LoadTier(), KindStatus.LoadTier())
	assert.Equal(t, KindWorkflow.LoadTier(), KindMapping.LoadTier())
}

func TestDraftTenantID(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
		want  int64
	}{
		{"work item", Draft{Kind: KindWorkItem, WorkItem: &WorkItem{TenantID: 7}}, 7},
		{"project", Draft{Kind: KindProject, Project: &Project{TenantID: 3}}, 3},
		{"pull request", Draft{Kind: KindPullRequest, PullRequest: &PullRequest{TenantID: 9}}, 9},
		{"link", Draft{Kind: KindLink, Link: &Link{TenantID: 4}}, 4},
		{"empty", Draft{Kind: KindWorkItem}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.draft.TenantID())
		})
	}
}

func TestIndexableText(t *testing.T) {
	d := Draft{Kind: KindWorkItem, WorkItem: &WorkItem{
		Summary:     "Fix login",
		Description: "Users cannot log in",
	}}
	assert.Equal(t, "Fix login\nUsers cannot log in", d.IndexableText())

	pr := Draft{Kind: KindPullRequest, PullRequest: &PullRequest{Title: "PROJ-1 fix"}}
	assert.Equal(t, "PROJ-1 fix", pr.IndexableText())

	m := Draft{Kind: KindMapping, Mapping: &Mapping{}}
	assert.Empty(t, m.IndexableText())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("same text")
	b := Fingerprint("same text")
	c := Fingerprint("different text")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Empty(t, Fingerprint(""))
}
