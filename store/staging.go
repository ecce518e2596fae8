package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RawBatch is one durably staged page of source data. Rows are immutable
// after insert; the transform stage only stamps its consumption time.
type RawBatch struct {
	BatchID               string          `db:"batch_id"`
	TenantID              int64           `db:"tenant_id"`
	IntegrationID         int64           `db:"integration_id"`
	Kind                  string          `db:"kind"`
	Payload               json.RawMessage `db:"payload"`
	ReceivedAt            time.Time       `db:"received_at"`
	ConsumedByTransformAt *time.Time      `db:"consumed_by_transform_at"`
}

// StageRawBatch appends one raw page. The insert is idempotent on batch id
// so a replayed extract page does not duplicate staging rows.
func (s *Store) StageRawBatch(ctx context.Context, b *RawBatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_batches (batch_id, tenant_id, integration_id, kind, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id) DO NOTHING`,
		b.BatchID, b.TenantID, b.IntegrationID, b.Kind, b.Payload, b.ReceivedAt)
	if err != nil {
		return fmt.Errorf("stage raw batch %s: %w", b.BatchID, err)
	}
	return nil
}

// GetRawBatch loads a staged batch scoped by tenant. A batch id belonging
// to another tenant reads as not found.
func (s *Store) GetRawBatch(ctx context.Context, tenantID int64, batchID string) (*RawBatch, error) {
	var b RawBatch
	err := s.db.GetContext(ctx, &b, `
		SELECT batch_id, tenant_id, integration_id, kind, payload, received_at, consumed_by_transform_at
		FROM raw_batches
		WHERE tenant_id = $1 AND batch_id = $2`,
		tenantID, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get raw batch %s: %w", batchID, err)
	}
	return &b, nil
}

// MarkBatchConsumed stamps the transform handoff time.
func (s *Store) MarkBatchConsumed(ctx context.Context, tenantID int64, batchID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_batches SET consumed_by_transform_at = $3
		WHERE tenant_id = $1 AND batch_id = $2 AND consumed_by_transform_at IS NULL`,
		tenantID, batchID, at)
	if err != nil {
		return fmt.Errorf("mark batch %s consumed: %w", batchID, err)
	}
	return nil
}

// PurgeExpiredBatches garbage-collects consumed staging rows older than
// the retention window. Returns the number of rows removed.
func (s *Store) PurgeExpiredBatches(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM raw_batches
		WHERE received_at < $1 AND consumed_by_transform_at IS NOT NULL`,
		now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge expired batches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired batches: %w", err)
	}
	return n, nil
}
