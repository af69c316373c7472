package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/blackshrub/faithtracker/internal/models"
)

// CreateCareEvent inserts an anchor event together with its follow-up
// stages in one transaction, so a timeline can never exist half-created.
func (s *Store) CreateCareEvent(ctx context.Context, ev models.CareEvent, stages []models.Stage) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO care_events (id, tenant_id, member_id, category, occurred_at, recorded_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.TenantID, ev.MemberID, ev.Category, ev.OccurredAt, ev.RecordedBy, ev.Note, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert care event: %w", err)
	}

	for _, st := range stages {
		_, err = tx.Exec(ctx, `
			INSERT INTO followup_stages (id, tenant_id, event_id, member_id, sequence_index, offset_days, scheduled_at, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, st.ID, st.TenantID, st.EventID, st.MemberID, st.SequenceIndex, st.OffsetDays, st.ScheduledAt, st.Status, st.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert stage %d: %w", st.SequenceIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PendingStagesBetween returns a tenant's pending stages scheduled within
// [from, to), joined with the member details needed to address reminders.
func (s *Store) PendingStagesBetween(ctx context.Context, tenantID string, from, to time.Time) ([]models.DueStage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fs.id, fs.tenant_id, fs.event_id, fs.member_id, fs.sequence_index, fs.offset_days,
		       fs.scheduled_at, fs.status, fs.completed_at, fs.ignored_at, fs.actor_id,
		       fs.dispatched_at, fs.dispatch_status, fs.created_at,
		       m.first_name || ' ' || m.last_name, m.email
		FROM followup_stages fs
		JOIN members m ON m.id = fs.member_id
		WHERE fs.tenant_id = $1 AND fs.status = $2 AND fs.scheduled_at >= $3 AND fs.scheduled_at < $4
		ORDER BY fs.scheduled_at, fs.sequence_index
	`, tenantID, models.StagePending, from, to)
	if err != nil {
		return nil, fmt.Errorf("query pending stages: %w", err)
	}
	defer rows.Close()

	var out []models.DueStage
	for rows.Next() {
		var d models.DueStage
		var completed, ignored, dispatched pgtype.Timestamptz
		var actor, dispatchStatus pgtype.Text
		if err := rows.Scan(&d.ID, &d.TenantID, &d.EventID, &d.MemberID, &d.SequenceIndex, &d.OffsetDays,
			&d.ScheduledAt, &d.Status, &completed, &ignored, &actor,
			&dispatched, &dispatchStatus, &d.CreatedAt,
			&d.MemberName, &d.Recipient); err != nil {
			return nil, fmt.Errorf("scan due stage: %w", err)
		}
		d.CompletedAt = tsPtr(completed)
		d.IgnoredAt = tsPtr(ignored)
		d.ActorID = textPtr(actor)
		d.DispatchedAt = tsPtr(dispatched)
		d.DispatchStatus = textPtr(dispatchStatus)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetStage fetches one stage by id.
func (s *Store) GetStage(ctx context.Context, stageID string) (models.Stage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, event_id, member_id, sequence_index, offset_days, scheduled_at, status,
		       completed_at, ignored_at, actor_id, dispatched_at, dispatch_status, created_at
		FROM followup_stages WHERE id = $1
	`, stageID)

	var st models.Stage
	var completed, ignored, dispatched pgtype.Timestamptz
	var actor, dispatchStatus pgtype.Text
	err := row.Scan(&st.ID, &st.TenantID, &st.EventID, &st.MemberID, &st.SequenceIndex, &st.OffsetDays,
		&st.ScheduledAt, &st.Status, &completed, &ignored, &actor, &dispatched, &dispatchStatus, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stage{}, ErrNotFound
	}
	if err != nil {
		return models.Stage{}, fmt.Errorf("get stage: %w", err)
	}
	st.CompletedAt = tsPtr(completed)
	st.IgnoredAt = tsPtr(ignored)
	st.ActorID = textPtr(actor)
	st.DispatchedAt = tsPtr(dispatched)
	st.DispatchStatus = textPtr(dispatchStatus)
	return st, nil
}

// ApplyStageTransition persists a pending-to-terminal transition. The
// WHERE status = 'pending' guard makes concurrent transitions race-safe:
// whoever commits first wins and the loser observes applied=false.
func (s *Store) ApplyStageTransition(ctx context.Context, st models.Stage) (applied bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE followup_stages
		SET status = $2, completed_at = $3, ignored_at = $4, actor_id = $5
		WHERE id = $1 AND status = $6
	`, st.ID, st.Status, st.CompletedAt, st.IgnoredAt, st.ActorID, models.StagePending)
	if err != nil {
		return false, fmt.Errorf("apply stage transition: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordStageDispatch stores the latest dispatch outcome without touching
// the stage status; pending stays pending either way.
func (s *Store) RecordStageDispatch(ctx context.Context, stageID string, at time.Time, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE followup_stages SET dispatched_at = $2, dispatch_status = $3 WHERE id = $1
	`, stageID, at, status)
	if err != nil {
		return fmt.Errorf("record stage dispatch: %w", err)
	}
	return nil
}
