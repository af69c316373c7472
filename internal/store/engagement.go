package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/blackshrub/faithtracker/internal/models"
)

// Care event categories that count as contact for engagement purposes.
var contactCategories = []string{
	models.CategoryVisit,
	models.CategoryCall,
	models.CategoryMessage,
}

// LastContacts returns every unarchived member of a tenant with the
// timestamp of their most recent logged contact, in one bulk query.
func (s *Store) LastContacts(ctx context.Context, tenantID string) ([]models.MemberContact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, MAX(ce.occurred_at)
		FROM members m
		LEFT JOIN care_events ce
		       ON ce.member_id = m.id
		      AND ce.tenant_id = m.tenant_id
		      AND ce.category = ANY($2)
		WHERE m.tenant_id = $1 AND m.archived = FALSE
		GROUP BY m.id
	`, tenantID, contactCategories)
	if err != nil {
		return nil, fmt.Errorf("query last contacts: %w", err)
	}
	defer rows.Close()

	var out []models.MemberContact
	for rows.Next() {
		var mc models.MemberContact
		var last pgtype.Timestamptz
		if err := rows.Scan(&mc.MemberID, &last); err != nil {
			return nil, fmt.Errorf("scan last contact: %w", err)
		}
		mc.LastContactAt = tsPtr(last)
		out = append(out, mc)
	}
	return out, rows.Err()
}

// ListEngagementSnapshots returns a tenant's current classifications,
// most disconnected first.
func (s *Store) ListEngagementSnapshots(ctx context.Context, tenantID string) ([]models.EngagementSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, member_id, level, days_since_last_contact, recalculated_at
		FROM engagement_snapshots
		WHERE tenant_id = $1
		ORDER BY days_since_last_contact DESC NULLS FIRST, member_id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query engagement snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.EngagementSnapshot
	for rows.Next() {
		var sn models.EngagementSnapshot
		var days pgtype.Int4
		if err := rows.Scan(&sn.TenantID, &sn.MemberID, &sn.Level, &days, &sn.RecalculatedAt); err != nil {
			return nil, fmt.Errorf("scan engagement snapshot: %w", err)
		}
		sn.DaysSinceLastContact = intPtr(days)
		out = append(out, sn)
	}
	return out, rows.Err()
}

// UpsertEngagementSnapshots overwrites a tenant's snapshots in one batch.
// Snapshots are a derived cache: re-running the same input produces the
// same rows, so the write is safe to repeat.
func (s *Store) UpsertEngagementSnapshots(ctx context.Context, tenantID string, snaps []models.EngagementSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sn := range snaps {
		batch.Queue(`
			INSERT INTO engagement_snapshots (tenant_id, member_id, level, days_since_last_contact, recalculated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, member_id) DO UPDATE
			SET level = EXCLUDED.level,
			    days_since_last_contact = EXCLUDED.days_since_last_contact,
			    recalculated_at = EXCLUDED.recalculated_at
		`, tenantID, sn.MemberID, sn.Level, sn.DaysSinceLastContact, sn.RecalculatedAt)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snaps {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert engagement snapshot: %w", err)
		}
	}
	return nil
}
