package engagement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/models"
)

type fakeContacts struct {
	tenants  []models.Tenant
	contacts map[string][]models.MemberContact
	written  map[string][]models.EngagementSnapshot
}

func (f *fakeContacts) ListTenants(context.Context) ([]models.Tenant, error) {
	return f.tenants, nil
}

func (f *fakeContacts) LastContacts(_ context.Context, tenantID string) ([]models.MemberContact, error) {
	return f.contacts[tenantID], nil
}

func (f *fakeContacts) UpsertEngagementSnapshots(_ context.Context, tenantID string, snaps []models.EngagementSnapshot) error {
	if f.written == nil {
		f.written = map[string][]models.EngagementSnapshot{}
	}
	f.written[tenantID] = snaps
	return nil
}

func TestClassifyBoundaries(t *testing.T) {
	const atRisk, disconnected = 30, 90

	cases := []struct {
		days int
		want string
	}{
		{0, models.EngagementActive},
		{29, models.EngagementActive},
		{30, models.EngagementAtRisk}, // exactly the threshold
		{89, models.EngagementAtRisk},
		{90, models.EngagementDisconnected}, // exactly the threshold
		{400, models.EngagementDisconnected},
	}
	for _, tc := range cases {
		got := Classify(tc.days, atRisk, disconnected)
		if got != tc.want {
			t.Errorf("Classify(%d) = %s, want %s", tc.days, got, tc.want)
		}
		// Repeated classification of the same input never flaps.
		for i := 0; i < 5; i++ {
			if again := Classify(tc.days, atRisk, disconnected); again != got {
				t.Errorf("Classify(%d) flapped: %s then %s", tc.days, got, again)
			}
		}
	}
}

func TestCivilDaysSinceAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 2025-03-09 is the spring-forward date: that week has a 23-hour day.
	from := time.Date(2025, 3, 5, 18, 0, 0, 0, loc)
	to := time.Date(2025, 3, 12, 9, 0, 0, 0, loc)
	if got := CivilDaysSince(from, to, loc); got != 7 {
		t.Fatalf("CivilDaysSince across DST = %d, want 7", got)
	}
	// Same calendar day counts as zero regardless of hours elapsed.
	if got := CivilDaysSince(time.Date(2025, 6, 1, 0, 30, 0, 0, loc), time.Date(2025, 6, 1, 23, 0, 0, 0, loc), loc); got != 0 {
		t.Fatalf("same-day distance = %d, want 0", got)
	}
}

func TestRecalcWritesSnapshotsPerTenant(t *testing.T) {
	ctx := context.Background()
	loc, _ := time.LoadLocation("America/Chicago")
	now := time.Date(2025, 6, 10, 2, 30, 0, 0, loc)

	contact := func(daysAgo int) *time.Time {
		ts := now.AddDate(0, 0, -daysAgo)
		return &ts
	}
	fs := &fakeContacts{
		tenants: []models.Tenant{{ID: "t1"}, {ID: "t2"}},
		contacts: map[string][]models.MemberContact{
			"t1": {
				{MemberID: "m1", LastContactAt: contact(3)},
				{MemberID: "m2", LastContactAt: contact(30)},
				{MemberID: "m3", LastContactAt: contact(120)},
				{MemberID: "m4", LastContactAt: nil}, // never contacted
			},
			"t2": {
				{MemberID: "m5", LastContactAt: contact(45)},
			},
		},
	}

	r := New(fs, 30, 90, loc, zerolog.Nop())
	r.now = func() time.Time { return now }

	stats, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats["classified"] != 5 {
		t.Fatalf("classified = %d, want 5", stats["classified"])
	}

	byMember := map[string]models.EngagementSnapshot{}
	for _, sn := range fs.written["t1"] {
		byMember[sn.MemberID] = sn
	}
	for _, sn := range fs.written["t2"] {
		byMember[sn.MemberID] = sn
	}

	expect := map[string]string{
		"m1": models.EngagementActive,
		"m2": models.EngagementAtRisk,
		"m3": models.EngagementDisconnected,
		"m4": models.EngagementDisconnected,
		"m5": models.EngagementAtRisk,
	}
	for id, level := range expect {
		sn, ok := byMember[id]
		if !ok {
			t.Errorf("no snapshot for %s", id)
			continue
		}
		if sn.Level != level {
			t.Errorf("%s level = %s, want %s", id, sn.Level, level)
		}
	}
	if byMember["m4"].DaysSinceLastContact != nil {
		t.Error("never-contacted member should have nil days")
	}
	if d := byMember["m2"].DaysSinceLastContact; d == nil || *d != 30 {
		t.Errorf("m2 days = %v, want 30", d)
	}

	// Re-running produces identical classifications (idempotent overwrite).
	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, sn := range fs.written["t1"] {
		if sn.Level != expect[sn.MemberID] {
			t.Errorf("rerun changed %s to %s", sn.MemberID, sn.Level)
		}
	}
}
