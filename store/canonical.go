package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/tributary-io/tributary/canonical"
)

// maxDeferredPasses bounds how often an entity with a missing referent is
// retried before loading it with a null reference.
const maxDeferredPasses = 3

// VectorizeCandidate names an entity whose indexable text changed during a
// load, so the vectorize stage must re-embed it.
type VectorizeCandidate struct {
	EntityKind  string
	EntityID    int64
	Fingerprint string
}

// LoadResult summarizes one batch load.
type LoadResult struct {
	Loaded     int
	SoftErrors []string
	Vectorize  []VectorizeCandidate
}

// LoadBatch upserts one batch of canonical drafts inside a single
// tenant-scoped transaction. Drafts load in dependency-tier order so
// referents exist before referrers; within a tier, payload order is kept.
// Entities whose referent is missing are deferred up to three passes and
// then loaded with a null reference and a warning.
func (s *Store) LoadBatch(ctx context.Context, tenantID int64, drafts []canonical.Draft) (*LoadResult, error) {
	for i := range drafts {
		if drafts[i].TenantID() != tenantID {
			return nil, fmt.Errorf("draft %d tenant %d does not match batch tenant %d", i, drafts[i].TenantID(), tenantID)
		}
	}

	ordered := make([]canonical.Draft, len(drafts))
	copy(ordered, drafts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind.LoadTier() < ordered[j].Kind.LoadTier()
	})

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin load transaction: %w", err)
	}
	defer tx.Rollback()

	result := &LoadResult{}
	var deferred []canonical.Draft

	for i := range ordered {
		retry, err := s.loadDraft(ctx, tx, &ordered[i], false, result)
		if err != nil {
			return nil, err
		}
		if retry {
			deferred = append(deferred, ordered[i])
		}
	}

	for pass := 1; len(deferred) > 0 && pass <= maxDeferredPasses; pass++ {
		final := pass == maxDeferredPasses
		var still []canonical.Draft
		for i := range deferred {
			retry, err := s.loadDraft(ctx, tx, &deferred[i], final, result)
			if err != nil {
				return nil, err
			}
			if retry {
				still = append(still, deferred[i])
			}
		}
		deferred = still
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit load transaction: %w", err)
	}
	return result, nil
}

// loadDraft upserts one draft. It returns retry=true when a referent is
// missing and the draft should go through another deferred pass. When
// forceNull is set, missing referents load as NULL with a soft error.
func (s *Store) loadDraft(ctx context.Context, tx *sqlx.Tx, d *canonical.Draft, forceNull bool, result *LoadResult) (bool, error) {
	switch d.Kind {
	case canonical.KindProject:
		return false, s.upsertProject(ctx, tx, d.Project, result)
	case canonical.KindUser:
		return false, s.upsertUser(ctx, tx, d.User, result)
	case canonical.KindWorkflow:
		return false, s.upsertWorkflow(ctx, tx, d.Workflow, result)
	case canonical.KindStatus:
		return false, s.upsertStatus(ctx, tx, d.Status, result)
	case canonical.KindMapping:
		return false, s.upsertMapping(ctx, tx, d.Mapping, result)
	case canonical.KindWorkItem:
		return s.upsertWorkItem(ctx, tx, d, forceNull, result)
	case canonical.KindPullRequest:
		return s.upsertPullRequest(ctx, tx, d, forceNull, result)
	case canonical.KindLink:
		return s.upsertLink(ctx, tx, d.Link, forceNull, result)
	}
	return false, fmt.Errorf("unknown entity kind %q", d.Kind)
}

func (s *Store) upsertProject(ctx context.Context, tx *sqlx.Tx, p *canonical.Project, result *LoadResult) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projects (tenant_id, external_key, name, description, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, external_key) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), projects.name),
			description = COALESCE(NULLIF(EXCLUDED.description, ''), projects.description),
			updated_at = NOW()`,
		p.TenantID, p.ExternalKey, p.Name, p.Description)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ExternalKey, err)
	}
	result.Loaded++
	return nil
}

func (s *Store) upsertUser(ctx context.Context, tx *sqlx.Tx, u *canonical.User, result *LoadResult) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (tenant_id, external_id, display_name, email, avatar_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
			avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), users.avatar_url),
			updated_at = NOW()`,
		u.TenantID, u.ExternalID, u.DisplayName, u.Email, u.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ExternalID, err)
	}
	result.Loaded++
	return nil
}

func (s *Store) upsertWorkflow(ctx context.Context, tx *sqlx.Tx, w *canonical.Workflow, result *LoadResult) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (tenant_id, external_key, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, external_key) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), workflows.name)`,
		w.TenantID, w.ExternalKey, w.Name)
	if err != nil {
		return fmt.Errorf("upsert workflow %s: %w", w.ExternalKey, err)
	}
	result.Loaded++
	return nil
}

func (s *Store) upsertStatus(ctx context.Context, tx *sqlx.Tx, st *canonical.Status, result *LoadResult) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO statuses (tenant_id, external_key, name, category)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, external_key) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), statuses.name),
			category = COALESCE(NULLIF(EXCLUDED.category, ''), statuses.category)`,
		st.TenantID, st.ExternalKey, st.Name, st.Category)
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", st.ExternalKey, err)
	}
	result.Loaded++
	return nil
}

func (s *Store) upsertMapping(ctx context.Context, tx *sqlx.Tx, m *canonical.Mapping, result *LoadResult) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mappings (tenant_id, external_status, canonical_state)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, external_status) DO UPDATE SET
			canonical_state = EXCLUDED.canonical_state`,
		m.TenantID, m.ExternalStatus, m.CanonicalState)
	if err != nil {
		return fmt.Errorf("upsert mapping %s: %w", m.ExternalStatus, err)
	}
	result.Loaded++
	return nil
}

func (s *Store) upsertWorkItem(ctx context.Context, tx *sqlx.Tx, d *canonical.Draft, forceNull bool, result *LoadResult) (bool, error) {
	w := d.WorkItem

	var projectID, assigneeID sql.NullInt64
	if w.ProjectKey != "" {
		id, found, err := lookupID(ctx, tx, `SELECT id FROM projects WHERE tenant_id = $1 AND external_key = $2`, w.TenantID, w.ProjectKey)
		if err != nil {
			return false, err
		}
		if !found {
			if !forceNull {
				return true, nil
			}
			result.SoftErrors = append(result.SoftErrors,
				fmt.Sprintf("work item %s: project %s not found, loaded with null reference", w.ExternalKey, w.ProjectKey))
		} else {
			projectID = sql.NullInt64{Int64: id, Valid: true}
		}
	}
	if w.AssigneeExternalID != "" {
		id, found, err := lookupID(ctx, tx, `SELECT id FROM users WHERE tenant_id = $1 AND external_id = $2`, w.TenantID, w.AssigneeExternalID)
		if err != nil {
			return false, err
		}
		if !found {
			if !forceNull {
				return true, nil
			}
			result.SoftErrors = append(result.SoftErrors,
				fmt.Sprintf("work item %s: assignee %s not found, loaded with null reference", w.ExternalKey, w.AssigneeExternalID))
		} else {
			assigneeID = sql.NullInt64{Int64: id, Valid: true}
		}
	}

	oldFingerprint, err := lookupFingerprint(ctx, tx, `SELECT text_fingerprint FROM work_items WHERE tenant_id = $1 AND external_key = $2`, w.TenantID, w.ExternalKey)
	if err != nil {
		return false, err
	}
	fingerprint := canonical.Fingerprint(d.IndexableText())

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO work_items (tenant_id, external_key, project_id, assignee_id, status,
			canonical_state, workflow_key, priority, summary, description, acceptance_criteria,
			lead_time_seconds, work_starts, rework, workflow_complexity, parse_error,
			text_fingerprint, source_updated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		ON CONFLICT (tenant_id, external_key) DO UPDATE SET
			project_id = COALESCE(EXCLUDED.project_id, work_items.project_id),
			assignee_id = COALESCE(EXCLUDED.assignee_id, work_items.assignee_id),
			status = COALESCE(NULLIF(EXCLUDED.status, ''), work_items.status),
			canonical_state = COALESCE(NULLIF(EXCLUDED.canonical_state, ''), work_items.canonical_state),
			workflow_key = COALESCE(NULLIF(EXCLUDED.workflow_key, ''), work_items.workflow_key),
			priority = COALESCE(NULLIF(EXCLUDED.priority, ''), work_items.priority),
			summary = COALESCE(NULLIF(EXCLUDED.summary, ''), work_items.summary),
			description = COALESCE(NULLIF(EXCLUDED.description, ''), work_items.description),
			acceptance_criteria = COALESCE(NULLIF(EXCLUDED.acceptance_criteria, ''), work_items.acceptance_criteria),
			lead_time_seconds = EXCLUDED.lead_time_seconds,
			work_starts = EXCLUDED.work_starts,
			rework = EXCLUDED.rework,
			workflow_complexity = EXCLUDED.workflow_complexity,
			parse_error = EXCLUDED.parse_error,
			text_fingerprint = EXCLUDED.text_fingerprint,
			source_updated_at = EXCLUDED.source_updated_at,
			updated_at = NOW()
		WHERE EXCLUDED.source_updated_at IS NULL
		   OR work_items.source_updated_at IS NULL
		   OR EXCLUDED.source_updated_at >= work_items.source_updated_at
		RETURNING id`,
		w.TenantID, w.ExternalKey, projectID, assigneeID, w.Status,
		w.CanonicalState, w.WorkflowKey, w.Priority, w.Summary, w.Description, w.AcceptanceCriteria,
		w.Metrics.LeadTimeSeconds, w.Metrics.WorkStarts, w.Metrics.Rework, w.Metrics.WorkflowComplexity, w.ParseError,
		fingerprint, w.SourceUpdatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// A newer source revision is already in place; stale payload skipped.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert work item %s: %w", w.ExternalKey, err)
	}

	result.Loaded++
	if fingerprint != "" && fingerprint != oldFingerprint {
		result.Vectorize = append(result.Vectorize, VectorizeCandidate{
			EntityKind:  string(canonical.KindWorkItem),
			EntityID:    id,
			Fingerprint: fingerprint,
		})
	}
	return false, nil
}

func (s *Store) upsertPullRequest(ctx context.Context, tx *sqlx.Tx, d *canonical.Draft, forceNull bool, result *LoadResult) (bool, error) {
	p := d.PullRequest

	var authorID sql.NullInt64
	if p.AuthorExternalID != "" {
		id, found, err := lookupID(ctx, tx, `SELECT id FROM users WHERE tenant_id = $1 AND external_id = $2`, p.TenantID, p.AuthorExternalID)
		if err != nil {
			return false, err
		}
		if !found {
			if !forceNull {
				return true, nil
			}
			result.SoftErrors = append(result.SoftErrors,
				fmt.Sprintf("pull request %s: author %s not found, loaded with null reference", p.ExternalID, p.AuthorExternalID))
		} else {
			authorID = sql.NullInt64{Int64: id, Valid: true}
		}
	}

	oldFingerprint, err := lookupFingerprint(ctx, tx, `SELECT text_fingerprint FROM pull_requests WHERE tenant_id = $1 AND external_id = $2`, p.TenantID, p.ExternalID)
	if err != nil {
		return false, err
	}
	fingerprint := canonical.Fingerprint(d.IndexableText())

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO pull_requests (tenant_id, external_id, repository, author_id, title, state,
			source_created_at, merged_at, closed_at, text_fingerprint, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			repository = COALESCE(NULLIF(EXCLUDED.repository, ''), pull_requests.repository),
			author_id = COALESCE(EXCLUDED.author_id, pull_requests.author_id),
			title = COALESCE(NULLIF(EXCLUDED.title, ''), pull_requests.title),
			state = COALESCE(NULLIF(EXCLUDED.state, ''), pull_requests.state),
			source_created_at = COALESCE(EXCLUDED.source_created_at, pull_requests.source_created_at),
			merged_at = COALESCE(EXCLUDED.merged_at, pull_requests.merged_at),
			closed_at = COALESCE(EXCLUDED.closed_at, pull_requests.closed_at),
			text_fingerprint = EXCLUDED.text_fingerprint,
			updated_at = NOW()
		RETURNING id`,
		p.TenantID, p.ExternalID, p.Repository, authorID, p.Title, p.State,
		p.CreatedAt, p.MergedAt, p.ClosedAt, fingerprint).Scan(&id)
	if err != nil {
		return false, fmt.Errorf("upsert pull request %s: %w", p.ExternalID, err)
	}

	result.Loaded++
	if fingerprint != "" && fingerprint != oldFingerprint {
		result.Vectorize = append(result.Vectorize, VectorizeCandidate{
			EntityKind:  string(canonical.KindPullRequest),
			EntityID:    id,
			Fingerprint: fingerprint,
		})
	}

	// Work-item links parsed from the PR travel with the PR draft.
	for _, key := range p.WorkItemKeys {
		link := &canonical.Link{TenantID: p.TenantID, WorkItemKey: key, PullRequestID: p.ExternalID}
		if _, err := s.upsertLink(ctx, tx, link, forceNull, result); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Store) upsertLink(ctx context.Context, tx *sqlx.Tx, l *canonical.Link, forceNull bool, result *LoadResult) (bool, error) {
	prID, found, err := lookupID(ctx, tx, `SELECT id FROM pull_requests WHERE tenant_id = $1 AND external_id = $2`, l.TenantID, l.PullRequestID)
	if err != nil {
		return false, err
	}
	if !found {
		if !forceNull {
			return true, nil
		}
		result.SoftErrors = append(result.SoftErrors,
			fmt.Sprintf("link %s<->%s: pull request not found, link skipped", l.WorkItemKey, l.PullRequestID))
		return false, nil
	}

	var workItemID sql.NullInt64
	id, found, err := lookupID(ctx, tx, `SELECT id FROM work_items WHERE tenant_id = $1 AND external_key = $2`, l.TenantID, l.WorkItemKey)
	if err != nil {
		return false, err
	}
	if found {
		workItemID = sql.NullInt64{Int64: id, Valid: true}
	} else if !forceNull {
		return true, nil
	} else {
		result.SoftErrors = append(result.SoftErrors,
			fmt.Sprintf("link %s<->%s: work item not found, loaded with null reference", l.WorkItemKey, l.PullRequestID))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_item_pull_requests (tenant_id, work_item_id, pull_request_id, work_item_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, work_item_key, pull_request_id) DO UPDATE SET
			work_item_id = COALESCE(EXCLUDED.work_item_id, work_item_pull_requests.work_item_id)`,
		l.TenantID, workItemID, prID, l.WorkItemKey)
	if err != nil {
		return false, fmt.Errorf("upsert link %s<->%s: %w", l.WorkItemKey, l.PullRequestID, err)
	}
	result.Loaded++
	return false, nil
}

// ListMappings returns the tenant's status mapping configuration as
// external status -> canonical state.
func (s *Store) ListMappings(ctx context.Context, tenantID int64) (map[string]string, error) {
	var rows []canonical.Mapping
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tenant_id, external_status, canonical_state
		FROM mappings WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list mappings for tenant %d: %w", tenantID, err)
	}
	mappings := make(map[string]string, len(rows))
	for _, m := range rows {
		mappings[m.ExternalStatus] = m.CanonicalState
	}
	return mappings, nil
}

// IndexableText loads the current text fields for one entity, for the
// vectorize stage. Returns the text and its stored fingerprint.
func (s *Store) IndexableText(ctx context.Context, tenantID int64, entityKind string, entityID int64) (string, string, error) {
	switch canonical.EntityKind(entityKind) {
	case canonical.KindWorkItem:
		var row struct {
			Summary            string `db:"summary"`
			Description        string `db:"description"`
			AcceptanceCriteria string `db:"acceptance_criteria"`
			Fingerprint        string `db:"text_fingerprint"`
		}
		err := s.db.GetContext(ctx, &row, `
			SELECT summary, description, acceptance_criteria, text_fingerprint
			FROM work_items WHERE tenant_id = $1 AND id = $2`,
			tenantID, entityID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", "", ErrNotFound
			}
			return "", "", fmt.Errorf("load work item %d text: %w", entityID, err)
		}
		d := canonical.Draft{Kind: canonical.KindWorkItem, WorkItem: &canonical.WorkItem{
			Summary: row.Summary, Description: row.Description, AcceptanceCriteria: row.AcceptanceCriteria,
		}}
		return d.IndexableText(), row.Fingerprint, nil

	case canonical.KindPullRequest:
		var row struct {
			Title       string `db:"title"`
			Fingerprint string `db:"text_fingerprint"`
		}
		err := s.db.GetContext(ctx, &row, `
			SELECT title, text_fingerprint
			FROM pull_requests WHERE tenant_id = $1 AND id = $2`,
			tenantID, entityID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", "", ErrNotFound
			}
			return "", "", fmt.Errorf("load pull request %d text: %w", entityID, err)
		}
		return row.Title, row.Fingerprint, nil
	}
	return "", "", fmt.Errorf("entity kind %q carries no indexable text", entityKind)
}

func lookupID(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, bool, error) {
	var id int64
	err := tx.GetContext(ctx, &id, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup referent: %w", err)
	}
	return id, true, nil
}

func lookupFingerprint(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (string, error) {
	var fp string
	err := tx.GetContext(ctx, &fp, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup fingerprint: %w", err)
	}
	return fp, nil
}
