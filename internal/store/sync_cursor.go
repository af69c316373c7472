package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/blackshrub/faithtracker/internal/models"
)

// GetSyncCursor returns a tenant's reconciliation cursor, if one exists.
func (s *Store) GetSyncCursor(ctx context.Context, tenantID string) (models.SyncCursor, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, last_run_at, last_success_at, outcome, created, updated, archived, failed
		FROM sync_cursors WHERE tenant_id = $1
	`, tenantID)

	var c models.SyncCursor
	var success pgtype.Timestamptz
	err := row.Scan(&c.TenantID, &c.LastRunAt, &success, &c.Outcome, &c.Created, &c.Updated, &c.Archived, &c.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncCursor{}, false, nil
	}
	if err != nil {
		return models.SyncCursor{}, false, fmt.Errorf("get sync cursor: %w", err)
	}
	c.LastSuccessAt = tsPtr(success)
	return c, true, nil
}

// PutSyncCursor upserts the cursor after a reconciliation pass completes.
// Written once per pass, never incrementally mid-run.
func (s *Store) PutSyncCursor(ctx context.Context, c models.SyncCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (tenant_id, last_run_at, last_success_at, outcome, created, updated, archived, failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id) DO UPDATE
		SET last_run_at = EXCLUDED.last_run_at,
		    last_success_at = EXCLUDED.last_success_at,
		    outcome = EXCLUDED.outcome,
		    created = EXCLUDED.created,
		    updated = EXCLUDED.updated,
		    archived = EXCLUDED.archived,
		    failed = EXCLUDED.failed
	`, c.TenantID, c.LastRunAt, c.LastSuccessAt, c.Outcome, c.Created, c.Updated, c.Archived, c.Failed)
	if err != nil {
		return fmt.Errorf("put sync cursor: %w", err)
	}
	return nil
}
