package syncjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/models"
	"github.com/blackshrub/faithtracker/internal/queue"
	"github.com/blackshrub/faithtracker/internal/store"
)

type fakeDirectory struct {
	rosters   map[string][]models.DirectoryRecord
	pullErrs  map[string]error
	pullCalls int
}

func (d *fakeDirectory) FetchAll(_ context.Context, tenantID string) ([]models.DirectoryRecord, error) {
	d.pullCalls++
	if err := d.pullErrs[tenantID]; err != nil {
		return nil, err
	}
	return d.rosters[tenantID], nil
}

func (d *fakeDirectory) Fetch(_ context.Context, tenantID, ref string) (models.DirectoryRecord, bool, error) {
	for _, rec := range d.rosters[tenantID] {
		if rec.ExternalRef == ref {
			return rec, true, nil
		}
	}
	return models.DirectoryRecord{}, false, nil
}

type fakeMemberStore struct {
	tenants    []models.Tenant
	members    map[string]*models.Member // keyed tenant|ref
	cursors    map[string]models.SyncCursor
	upsertErrs map[string]error // keyed by external ref
}

func newFakeMemberStore(tenants ...models.Tenant) *fakeMemberStore {
	return &fakeMemberStore{
		tenants:    tenants,
		members:    map[string]*models.Member{},
		cursors:    map[string]models.SyncCursor{},
		upsertErrs: map[string]error{},
	}
}

func (s *fakeMemberStore) addMember(tenantID, ref string, m models.Member) {
	m.TenantID = tenantID
	m.ExternalRef = &ref
	if m.ID == "" {
		m.ID = "m-" + ref
	}
	s.members[tenantID+"|"+ref] = &m
}

func (s *fakeMemberStore) ListTenants(context.Context) ([]models.Tenant, error) {
	return s.tenants, nil
}

func (s *fakeMemberStore) ListMembersForSync(_ context.Context, tenantID string) ([]models.Member, error) {
	var out []models.Member
	for _, m := range s.members {
		if m.TenantID == tenantID && !m.Archived {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeMemberStore) UpsertMemberByRef(_ context.Context, tenantID string, rec models.DirectoryRecord, now time.Time) (bool, bool, error) {
	if err := s.upsertErrs[rec.ExternalRef]; err != nil {
		return false, false, err
	}
	key := tenantID + "|" + rec.ExternalRef
	if m, ok := s.members[key]; ok {
		if m.FirstName == rec.FirstName && m.LastName == rec.LastName && m.Email == rec.Email &&
			m.Phone == rec.Phone && !m.Archived && !m.Dirty {
			return false, false, nil
		}
		m.FirstName, m.LastName, m.Email, m.Phone = rec.FirstName, rec.LastName, rec.Email, rec.Phone
		m.Archived, m.Dirty = false, false
		m.UpdatedAt = now
		return false, true, nil
	}
	s.members[key] = &models.Member{
		ID: "m-" + rec.ExternalRef, TenantID: tenantID, ExternalRef: &rec.ExternalRef,
		FirstName: rec.FirstName, LastName: rec.LastName, Email: rec.Email, Phone: rec.Phone,
		CreatedAt: now, UpdatedAt: now,
	}
	return true, true, nil
}

func (s *fakeMemberStore) GetMemberByRef(_ context.Context, tenantID, ref string) (models.Member, error) {
	if m, ok := s.members[tenantID+"|"+ref]; ok {
		return *m, nil
	}
	return models.Member{}, store.ErrNotFound
}

func (s *fakeMemberStore) ArchiveMember(_ context.Context, tenantID, memberID string, now time.Time) error {
	for _, m := range s.members {
		if m.TenantID == tenantID && m.ID == memberID {
			m.Archived = true
			m.UpdatedAt = now
			return nil
		}
	}
	return nil
}

func (s *fakeMemberStore) GetSyncCursor(_ context.Context, tenantID string) (models.SyncCursor, bool, error) {
	c, ok := s.cursors[tenantID]
	return c, ok, nil
}

func (s *fakeMemberStore) PutSyncCursor(_ context.Context, c models.SyncCursor) error {
	s.cursors[c.TenantID] = c
	return nil
}

func newTestQueue(t *testing.T) *queue.TargetedQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewTargetedQueue(client)
}

func newTestJob(t *testing.T, st *fakeMemberStore, dir *fakeDirectory, q *queue.TargetedQueue) *Job {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	if q == nil {
		q = newTestQueue(t)
	}
	return New(st, dir, q, loc, zerolog.Nop())
}

func TestRunFullCreatesUpdatesArchives(t *testing.T) {
	st := newFakeMemberStore(models.Tenant{ID: "t1", SyncEnabled: true})
	st.addMember("t1", "r1", models.Member{FirstName: "Old", LastName: "Name", Email: "old@example.com"})
	st.addMember("t1", "r2", models.Member{FirstName: "Gone", LastName: "Upstream"})
	dir := &fakeDirectory{rosters: map[string][]models.DirectoryRecord{
		"t1": {
			{ExternalRef: "r1", FirstName: "New", LastName: "Name", Email: "new@example.com"},
			{ExternalRef: "r3", FirstName: "Fresh", LastName: "Member"},
		},
	}}
	j := newTestJob(t, st, dir, nil)

	stats, err := j.RunFull(context.Background())
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if stats["created"] != 1 || stats["updated"] != 1 || stats["archived"] != 1 || stats["failed"] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}

	if m := st.members["t1|r1"]; m.FirstName != "New" || m.Email != "new@example.com" {
		t.Errorf("r1 not updated: %+v", m)
	}
	if m := st.members["t1|r2"]; !m.Archived {
		t.Error("r2 should be archived after vanishing upstream")
	}
	if _, ok := st.members["t1|r3"]; !ok {
		t.Error("r3 should have been created")
	}

	c := st.cursors["t1"]
	if c.Outcome != models.SyncSuccess {
		t.Errorf("expected success cursor, got %q", c.Outcome)
	}
	if c.LastSuccessAt == nil {
		t.Error("success should set last_success_at")
	}
	if c.Created != 1 || c.Updated != 1 || c.Archived != 1 || c.Failed != 0 {
		t.Errorf("unexpected cursor counts: %+v", c)
	}
}

func TestRunFullSkipsSameDaySuccess(t *testing.T) {
	st := newFakeMemberStore(models.Tenant{ID: "t1", SyncEnabled: true})
	dir := &fakeDirectory{rosters: map[string][]models.DirectoryRecord{}}
	j := newTestJob(t, st, dir, nil)

	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	earlier := now.Add(-4 * time.Hour)
	st.cursors["t1"] = models.SyncCursor{TenantID: "t1", LastRunAt: earlier, LastSuccessAt: &earlier, Outcome: models.SyncSuccess}

	stats, err := j.RunFull(context.Background())
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if dir.pullCalls != 0 {
		t.Errorf("expected no directory pull for same-day success, got %d", dir.pullCalls)
	}
	if stats["skipped"] != 1 {
		t.Errorf("expected 1 skipped tenant, got %v", stats)
	}

	// A success from the previous civil day makes the tenant due again.
	yesterday := now.Add(-26 * time.Hour)
	st.cursors["t1"] = models.SyncCursor{TenantID: "t1", LastRunAt: yesterday, LastSuccessAt: &yesterday, Outcome: models.SyncSuccess}
	if _, err := j.RunFull(context.Background()); err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if dir.pullCalls != 1 {
		t.Errorf("expected a directory pull for day-old success, got %d", dir.pullCalls)
	}
}

func TestRunFullSkipsSyncDisabledTenant(t *testing.T) {
	st := newFakeMemberStore(
		models.Tenant{ID: "t1", SyncEnabled: false},
		models.Tenant{ID: "t2", SyncEnabled: true},
	)
	dir := &fakeDirectory{rosters: map[string][]models.DirectoryRecord{
		"t2": {{ExternalRef: "r1", FirstName: "Only", LastName: "Tenant"}},
	}}
	j := newTestJob(t, st, dir, nil)

	stats, err := j.RunFull(context.Background())
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if stats["skipped"] != 1 || stats["tenants"] != 1 || stats["created"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
	if _, ok := st.cursors["t1"]; ok {
		t.Error("disabled tenant should not get a cursor")
	}
}

func TestRunFullPullFailureRecordsFailedCursor(t *testing.T) {
	st := newFakeMemberStore(
		models.Tenant{ID: "t1", SyncEnabled: true},
		models.Tenant{ID: "t2", SyncEnabled: true},
	)
	prevSuccess := time.Date(2025, 3, 9, 3, 0, 0, 0, time.UTC)
	st.cursors["t1"] = models.SyncCursor{TenantID: "t1", LastRunAt: prevSuccess, LastSuccessAt: &prevSuccess, Outcome: models.SyncSuccess}

	dir := &fakeDirectory{
		rosters:  map[string][]models.DirectoryRecord{"t2": {{ExternalRef: "r1", FirstName: "Ok"}}},
		pullErrs: map[string]error{"t1": errors.New("directory timeout")},
	}
	j := newTestJob(t, st, dir, nil)
	j.now = func() time.Time { return time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC) }

	stats, err := j.RunFull(context.Background())
	if err != nil {
		t.Fatalf("pull failure must not abort the run: %v", err)
	}
	if stats["pull_failures"] != 1 {
		t.Errorf("expected 1 pull failure, got %v", stats)
	}

	c := st.cursors["t1"]
	if c.Outcome != models.SyncFailed {
		t.Errorf("expected failed cursor, got %q", c.Outcome)
	}
	if c.LastSuccessAt == nil || !c.LastSuccessAt.Equal(prevSuccess) {
		t.Errorf("failed pass must preserve the previous success timestamp, got %v", c.LastSuccessAt)
	}
	// The healthy tenant still reconciled.
	if st.cursors["t2"].Outcome != models.SyncSuccess {
		t.Errorf("expected t2 success, got %q", st.cursors["t2"].Outcome)
	}
}

func TestRunFullPartialFailure(t *testing.T) {
	st := newFakeMemberStore(models.Tenant{ID: "t1", SyncEnabled: true})
	st.upsertErrs["r2"] = errors.New("constraint violation")
	dir := &fakeDirectory{rosters: map[string][]models.DirectoryRecord{
		"t1": {
			{ExternalRef: "r1", FirstName: "Fine"},
			{ExternalRef: "r2", FirstName: "Broken"},
		},
	}}
	j := newTestJob(t, st, dir, nil)

	stats, err := j.RunFull(context.Background())
	if err != nil {
		t.Fatalf("per-record failure must not abort the run: %v", err)
	}
	if stats["created"] != 1 || stats["failed"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}

	c := st.cursors["t1"]
	if c.Outcome != models.SyncPartial {
		t.Errorf("expected partial cursor, got %q", c.Outcome)
	}
	if c.LastSuccessAt != nil {
		t.Errorf("partial pass must not advance last_success_at, got %v", c.LastSuccessAt)
	}
}

func TestRunTargetedReconcilesQueuedRefs(t *testing.T) {
	ctx := context.Background()
	st := newFakeMemberStore(models.Tenant{ID: "t1", SyncEnabled: true})
	st.addMember("t1", "r-stale", models.Member{FirstName: "Stale", Dirty: true})
	st.addMember("t1", "r-gone", models.Member{FirstName: "Gone", Dirty: true})
	dir := &fakeDirectory{rosters: map[string][]models.DirectoryRecord{
		"t1": {
			{ExternalRef: "r-stale", FirstName: "Refreshed"},
			{ExternalRef: "r-new", FirstName: "Brand", LastName: "New"},
		},
	}}
	q := newTestQueue(t)
	for _, ref := range []string{"r-stale", "r-gone", "r-new", "r-never"} {
		if err := q.Push(ctx, "t1", ref); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	j := newTestJob(t, st, dir, q)

	stats, err := j.RunTargeted(ctx)
	if err != nil {
		t.Fatalf("RunTargeted: %v", err)
	}
	if stats["updated"] != 1 || stats["created"] != 1 || stats["archived"] != 1 || stats["skipped"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}

	if m := st.members["t1|r-stale"]; m.FirstName != "Refreshed" || m.Dirty {
		t.Errorf("r-stale not refreshed: %+v", m)
	}
	if m := st.members["t1|r-gone"]; !m.Archived {
		t.Error("r-gone should be archived")
	}
	if _, ok := st.members["t1|r-new"]; !ok {
		t.Error("r-new should have been created")
	}

	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("queue should be drained, depth=%d", depth)
	}

	// A second pass over the empty queue does nothing.
	stats, err = j.RunTargeted(ctx)
	if err != nil {
		t.Fatalf("RunTargeted: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("expected empty stats on drained queue, got %v", stats)
	}
}
