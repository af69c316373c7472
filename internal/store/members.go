package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/blackshrub/faithtracker/internal/models"
)

// ListTenants returns all tenant scopes known to the deployment.
func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, timezone, sync_enabled FROM tenants ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Timezone, &t.SyncEnabled); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTenant fetches one tenant scope by ID.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, timezone, sync_enabled FROM tenants WHERE id = $1
	`, tenantID)

	var t models.Tenant
	err := row.Scan(&t.ID, &t.Timezone, &t.SyncEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, ErrNotFound
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// ListMembersForSync returns a tenant's unarchived members that carry an
// external directory reference, i.e. the local side of a reconciliation diff.
func (s *Store) ListMembersForSync(ctx context.Context, tenantID string) ([]models.Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, external_ref, first_name, last_name, email, phone, birth_date, archived, dirty, created_at, updated_at
		FROM members
		WHERE tenant_id = $1 AND archived = FALSE AND external_ref IS NOT NULL
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list members for sync: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// BirthdayMembers returns unarchived members with a recorded birth date.
func (s *Store) BirthdayMembers(ctx context.Context, tenantID string) ([]models.Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, external_ref, first_name, last_name, email, phone, birth_date, archived, dirty, created_at, updated_at
		FROM members
		WHERE tenant_id = $1 AND archived = FALSE AND birth_date IS NOT NULL
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list birthday members: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

func scanMembers(rows pgx.Rows) ([]models.Member, error) {
	var out []models.Member
	for rows.Next() {
		var m models.Member
		var ref pgtype.Text
		var birth pgtype.Date
		if err := rows.Scan(&m.ID, &m.TenantID, &ref, &m.FirstName, &m.LastName, &m.Email, &m.Phone,
			&birth, &m.Archived, &m.Dirty, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.ExternalRef = textPtr(ref)
		m.BirthDate = datePtr(birth)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMemberByRef creates or updates a member keyed by its external
// directory reference. Re-applying the same record is an idempotent
// overwrite; a previously archived member that reappears upstream is
// unarchived. Returns whether a row was created and whether anything changed.
func (s *Store) UpsertMemberByRef(ctx context.Context, tenantID string, rec models.DirectoryRecord, now time.Time) (created, changed bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO members (id, tenant_id, external_ref, first_name, last_name, email, phone, birth_date, archived, dirty, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, FALSE, $9, $9)
		ON CONFLICT (tenant_id, external_ref) WHERE external_ref IS NOT NULL DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    birth_date = EXCLUDED.birth_date,
		    archived = FALSE,
		    dirty = FALSE,
		    updated_at = EXCLUDED.updated_at
		WHERE members.first_name IS DISTINCT FROM EXCLUDED.first_name
		   OR members.last_name IS DISTINCT FROM EXCLUDED.last_name
		   OR members.email IS DISTINCT FROM EXCLUDED.email
		   OR members.phone IS DISTINCT FROM EXCLUDED.phone
		   OR members.birth_date IS DISTINCT FROM EXCLUDED.birth_date
		   OR members.archived = TRUE
		   OR members.dirty = TRUE
	`, uuid.New().String(), tenantID, rec.ExternalRef, rec.FirstName, rec.LastName, rec.Email, rec.Phone, rec.BirthDate, now)
	if err != nil {
		return false, false, fmt.Errorf("upsert member %s: %w", rec.ExternalRef, err)
	}
	if tag.RowsAffected() == 0 {
		return false, false, nil
	}
	// Distinguish insert from update without a second round trip.
	var createdAt, updatedAt time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT created_at, updated_at FROM members WHERE tenant_id = $1 AND external_ref = $2
	`, tenantID, rec.ExternalRef).Scan(&createdAt, &updatedAt)
	if err != nil {
		return false, true, fmt.Errorf("reread member %s: %w", rec.ExternalRef, err)
	}
	return createdAt.Equal(updatedAt), true, nil
}

// GetMemberByRef fetches one member by external reference within a tenant.
func (s *Store) GetMemberByRef(ctx context.Context, tenantID, externalRef string) (models.Member, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, external_ref, first_name, last_name, email, phone, birth_date, archived, dirty, created_at, updated_at
		FROM members
		WHERE tenant_id = $1 AND external_ref = $2
	`, tenantID, externalRef)

	var m models.Member
	var ref pgtype.Text
	var birth pgtype.Date
	err := row.Scan(&m.ID, &m.TenantID, &ref, &m.FirstName, &m.LastName, &m.Email, &m.Phone,
		&birth, &m.Archived, &m.Dirty, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Member{}, ErrNotFound
	}
	if err != nil {
		return models.Member{}, fmt.Errorf("get member by ref: %w", err)
	}
	m.ExternalRef = textPtr(ref)
	m.BirthDate = datePtr(birth)
	return m, nil
}

// ArchiveMember soft-deletes a member that vanished from the upstream
// directory. Idempotent.
func (s *Store) ArchiveMember(ctx context.Context, tenantID, memberID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE members SET archived = TRUE, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND archived = FALSE
	`, tenantID, memberID, now)
	if err != nil {
		return fmt.Errorf("archive member %s: %w", memberID, err)
	}
	return nil
}

// MarkMemberDirty flags a member for out-of-band reconciliation after a
// webhook delivery. Unknown refs are not an error: the targeted pass will
// pull the record from the directory either way.
func (s *Store) MarkMemberDirty(ctx context.Context, tenantID, externalRef string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE members SET dirty = TRUE, updated_at = $3
		WHERE tenant_id = $1 AND external_ref = $2
	`, tenantID, externalRef, now)
	if err != nil {
		return fmt.Errorf("mark member dirty: %w", err)
	}
	return nil
}
