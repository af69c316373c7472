package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/models"
	"github.com/blackshrub/faithtracker/internal/scheduler"
	"github.com/blackshrub/faithtracker/internal/store"
	"github.com/blackshrub/faithtracker/internal/telemetry"
)

// Refs drained from the targeted queue in one pass.
const targetedBatchLimit = 256

// Directory is the external member-data source. FetchAll pulls a tenant's
// full roster; Fetch pulls one record, found=false meaning the directory no
// longer knows the ref.
type Directory interface {
	FetchAll(ctx context.Context, tenantID string) ([]models.DirectoryRecord, error)
	Fetch(ctx context.Context, tenantID, externalRef string) (models.DirectoryRecord, bool, error)
}

// MemberStore is the slice of the store the sync job reads and writes.
type MemberStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	ListMembersForSync(ctx context.Context, tenantID string) ([]models.Member, error)
	UpsertMemberByRef(ctx context.Context, tenantID string, rec models.DirectoryRecord, now time.Time) (created, changed bool, err error)
	GetMemberByRef(ctx context.Context, tenantID, externalRef string) (models.Member, error)
	ArchiveMember(ctx context.Context, tenantID, memberID string, now time.Time) error
	GetSyncCursor(ctx context.Context, tenantID string) (models.SyncCursor, bool, error)
	PutSyncCursor(ctx context.Context, c models.SyncCursor) error
}

// TargetedSource yields refs flagged for out-of-band reconciliation.
type TargetedSource interface {
	Pop(ctx context.Context) (tenantID, externalRef string, ok bool, err error)
	Depth(ctx context.Context) (int64, error)
}

// Job reconciles local members against the external directory. RunFull is
// the daily full-pull pass; RunTargeted drains webhook-flagged refs.
type Job struct {
	store MemberStore
	dir   Directory
	queue TargetedSource
	loc   *time.Location
	log   zerolog.Logger

	now func() time.Time
}

func New(st MemberStore, dir Directory, queue TargetedSource, loc *time.Location, log zerolog.Logger) *Job {
	return &Job{
		store: st,
		dir:   dir,
		queue: queue,
		loc:   loc,
		log:   log.With().Str("component", "syncjob").Logger(),
		now:   time.Now,
	}
}

func (j *Job) tenantLocation(tn models.Tenant) *time.Location {
	if tn.Timezone == "" {
		return j.loc
	}
	loc, err := time.LoadLocation(tn.Timezone)
	if err != nil {
		return j.loc
	}
	return loc
}

func sameCivilDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// RunFull pulls each sync-enabled tenant's full roster and diffs it against
// local members by external ref. A tenant whose cursor already shows a
// success today is skipped, so a reclaimed lease does not repeat the pull.
func (j *Job) RunFull(ctx context.Context) (scheduler.Stats, error) {
	stats := scheduler.Stats{}
	tenants, err := j.store.ListTenants(ctx)
	if err != nil {
		return stats, fmt.Errorf("full sync: %w", err)
	}

	for _, tn := range tenants {
		if !tn.SyncEnabled {
			stats.Add("skipped", 1)
			continue
		}
		loc := j.tenantLocation(tn)
		cursor, found, err := j.store.GetSyncCursor(ctx, tn.ID)
		if err != nil {
			return stats, fmt.Errorf("full sync tenant %s: %w", tn.ID, err)
		}
		if found && cursor.LastSuccessAt != nil && sameCivilDay(*cursor.LastSuccessAt, j.now(), loc) {
			stats.Add("skipped", 1)
			continue
		}
		if err := j.syncTenant(ctx, tn, stats); err != nil {
			return stats, err
		}
		stats.Add("tenants", 1)
	}
	return stats, nil
}

// syncTenant runs one tenant's pull-and-diff and writes its cursor exactly
// once at the end. A failed pull records a failed cursor and moves on; only
// store errors abort the whole run.
func (j *Job) syncTenant(ctx context.Context, tn models.Tenant, stats scheduler.Stats) error {
	started := j.now()
	cursor := models.SyncCursor{TenantID: tn.ID, LastRunAt: started}

	// Carry the previous success timestamp forward on failure so staleness
	// reporting keeps measuring from the last good pull.
	if prev, found, err := j.store.GetSyncCursor(ctx, tn.ID); err == nil && found {
		cursor.LastSuccessAt = prev.LastSuccessAt
	}

	upstream, err := j.dir.FetchAll(ctx, tn.ID)
	if err != nil {
		j.log.Warn().Err(err).Str("tenant_id", tn.ID).Msg("directory pull failed")
		cursor.Outcome = models.SyncFailed
		stats.Add("pull_failures", 1)
		if perr := j.store.PutSyncCursor(ctx, cursor); perr != nil {
			return fmt.Errorf("full sync tenant %s: %w", tn.ID, perr)
		}
		return nil
	}

	byRef := make(map[string]models.DirectoryRecord, len(upstream))
	for _, rec := range upstream {
		if rec.ExternalRef == "" {
			j.log.Warn().Str("tenant_id", tn.ID).Msg("directory record without ref skipped")
			cursor.Failed++
			continue
		}
		byRef[rec.ExternalRef] = rec
	}

	for _, rec := range byRef {
		created, changed, err := j.store.UpsertMemberByRef(ctx, tn.ID, rec, j.now())
		if err != nil {
			j.log.Warn().Err(err).Str("tenant_id", tn.ID).Str("external_ref", rec.ExternalRef).Msg("member upsert failed")
			cursor.Failed++
			telemetry.SyncRecordFailures.Inc()
			continue
		}
		switch {
		case created:
			cursor.Created++
			telemetry.SyncRecordsCreated.Inc()
		case changed:
			cursor.Updated++
			telemetry.SyncRecordsUpdated.Inc()
		}
	}

	local, err := j.store.ListMembersForSync(ctx, tn.ID)
	if err != nil {
		return fmt.Errorf("full sync tenant %s: %w", tn.ID, err)
	}
	for _, m := range local {
		if m.ExternalRef == nil {
			continue
		}
		if _, ok := byRef[*m.ExternalRef]; ok {
			continue
		}
		if err := j.store.ArchiveMember(ctx, tn.ID, m.ID, j.now()); err != nil {
			j.log.Warn().Err(err).Str("tenant_id", tn.ID).Str("member_id", m.ID).Msg("member archive failed")
			cursor.Failed++
			telemetry.SyncRecordFailures.Inc()
			continue
		}
		cursor.Archived++
		telemetry.SyncRecordsArchived.Inc()
	}

	if cursor.Failed > 0 {
		cursor.Outcome = models.SyncPartial
	} else {
		cursor.Outcome = models.SyncSuccess
		finished := j.now()
		cursor.LastSuccessAt = &finished
	}
	if err := j.store.PutSyncCursor(ctx, cursor); err != nil {
		return fmt.Errorf("full sync tenant %s: %w", tn.ID, err)
	}

	stats.Add("created", cursor.Created)
	stats.Add("updated", cursor.Updated)
	stats.Add("archived", cursor.Archived)
	stats.Add("failed", cursor.Failed)
	j.log.Info().Str("tenant_id", tn.ID).Str("outcome", cursor.Outcome).
		Int("created", cursor.Created).Int("updated", cursor.Updated).
		Int("archived", cursor.Archived).Int("failed", cursor.Failed).
		Msg("tenant reconciled")
	return nil
}

// RunTargeted drains webhook-flagged refs and reconciles each one against
// the directory: present upstream means upsert (which also clears the dirty
// flag), absent upstream means archive if we have the member locally.
func (j *Job) RunTargeted(ctx context.Context) (scheduler.Stats, error) {
	stats := scheduler.Stats{}
	for i := 0; i < targetedBatchLimit; i++ {
		tenantID, ref, ok, err := j.queue.Pop(ctx)
		if err != nil {
			return stats, fmt.Errorf("targeted sync: %w", err)
		}
		if !ok {
			break
		}
		if err := j.reconcileOne(ctx, tenantID, ref, stats); err != nil {
			j.log.Warn().Err(err).Str("tenant_id", tenantID).Str("external_ref", ref).Msg("targeted reconcile failed")
			stats.Add("failed", 1)
			telemetry.SyncRecordFailures.Inc()
		}
	}
	if depth, err := j.queue.Depth(ctx); err == nil {
		telemetry.TargetedQueueDepth.Set(float64(depth))
	}
	return stats, nil
}

func (j *Job) reconcileOne(ctx context.Context, tenantID, ref string, stats scheduler.Stats) error {
	rec, found, err := j.dir.Fetch(ctx, tenantID, ref)
	if err != nil {
		return err
	}
	if !found {
		m, err := j.store.GetMemberByRef(ctx, tenantID, ref)
		if errors.Is(err, store.ErrNotFound) {
			// Never synced locally and gone upstream: nothing to do.
			stats.Add("skipped", 1)
			return nil
		}
		if err != nil {
			return err
		}
		if err := j.store.ArchiveMember(ctx, tenantID, m.ID, j.now()); err != nil {
			return err
		}
		stats.Add("archived", 1)
		telemetry.SyncRecordsArchived.Inc()
		return nil
	}

	created, changed, err := j.store.UpsertMemberByRef(ctx, tenantID, rec, j.now())
	if err != nil {
		return err
	}
	switch {
	case created:
		stats.Add("created", 1)
		telemetry.SyncRecordsCreated.Inc()
	case changed:
		stats.Add("updated", 1)
		telemetry.SyncRecordsUpdated.Inc()
	default:
		stats.Add("unchanged", 1)
	}
	return nil
}
