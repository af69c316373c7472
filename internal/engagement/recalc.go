package engagement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/models"
	"github.com/blackshrub/faithtracker/internal/scheduler"
	"github.com/blackshrub/faithtracker/internal/telemetry"
)

// ContactSource is the slice of persistence the recalculation needs.
type ContactSource interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	LastContacts(ctx context.Context, tenantID string) ([]models.MemberContact, error)
	UpsertEngagementSnapshots(ctx context.Context, tenantID string, snaps []models.EngagementSnapshot) error
}

// Recalculator rebuilds every member's engagement snapshot from the
// contact history. The snapshot is a cache: the same inputs always
// produce the same rows, so re-running is harmless.
type Recalculator struct {
	store            ContactSource
	atRiskDays       int
	disconnectedDays int
	loc              *time.Location
	log              zerolog.Logger

	now func() time.Time
}

func New(store ContactSource, atRiskDays, disconnectedDays int, loc *time.Location, log zerolog.Logger) *Recalculator {
	return &Recalculator{
		store:            store,
		atRiskDays:       atRiskDays,
		disconnectedDays: disconnectedDays,
		loc:              loc,
		log:              log.With().Str("component", "engagement").Logger(),
		now:              time.Now,
	}
}

// Run is the job handler: one bulk read and one bulk write per tenant.
func (r *Recalculator) Run(ctx context.Context) (scheduler.Stats, error) {
	stats := scheduler.Stats{}

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return stats, fmt.Errorf("list tenants: %w", err)
	}

	now := r.now().In(r.loc)
	for _, tn := range tenants {
		contacts, err := r.store.LastContacts(ctx, tn.ID)
		if err != nil {
			return stats, fmt.Errorf("tenant %s: load contacts: %w", tn.ID, err)
		}

		snaps := make([]models.EngagementSnapshot, 0, len(contacts))
		for _, c := range contacts {
			snap := models.EngagementSnapshot{
				TenantID:       tn.ID,
				MemberID:       c.MemberID,
				RecalculatedAt: now,
			}
			if c.LastContactAt == nil {
				snap.Level = models.EngagementDisconnected
			} else {
				days := CivilDaysSince(*c.LastContactAt, now, r.loc)
				snap.DaysSinceLastContact = &days
				snap.Level = Classify(days, r.atRiskDays, r.disconnectedDays)
			}
			snaps = append(snaps, snap)
		}

		if err := r.store.UpsertEngagementSnapshots(ctx, tn.ID, snaps); err != nil {
			return stats, fmt.Errorf("tenant %s: write snapshots: %w", tn.ID, err)
		}
		telemetry.EngagementClassified.Add(float64(len(snaps)))
		stats.Add("classified", len(snaps))
	}
	return stats, nil
}

// Classify maps days-since-last-contact onto an engagement level.
// Both thresholds are inclusive on the worse side: exactly atRiskDays is
// at_risk, exactly disconnectedDays is disconnected. Deterministic, so a
// member sitting on a boundary never flaps between runs.
func Classify(days, atRiskDays, disconnectedDays int) string {
	switch {
	case days >= disconnectedDays:
		return models.EngagementDisconnected
	case days >= atRiskDays:
		return models.EngagementAtRisk
	default:
		return models.EngagementActive
	}
}

// CivilDaysSince counts calendar days between two instants in loc.
// Rounding absorbs the odd-length days DST transitions produce.
func CivilDaysSince(from, to time.Time, loc *time.Location) int {
	f := from.In(loc)
	t := to.In(loc)
	fStart := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	tStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return int(math.Round(tStart.Sub(fStart).Hours() / 24))
}
