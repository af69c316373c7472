package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/models"
	"github.com/blackshrub/faithtracker/internal/notify"
	"github.com/blackshrub/faithtracker/internal/scheduler"
	"github.com/blackshrub/faithtracker/internal/store"
	"github.com/blackshrub/faithtracker/internal/telemetry"
)

// Store is the slice of persistence the engine needs.
type Store interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	CreateCareEvent(ctx context.Context, ev models.CareEvent, stages []models.Stage) error
	PendingStagesBetween(ctx context.Context, tenantID string, from, to time.Time) ([]models.DueStage, error)
	GetStage(ctx context.Context, stageID string) (models.Stage, error)
	ApplyStageTransition(ctx context.Context, st models.Stage) (bool, error)
	RecordStageDispatch(ctx context.Context, stageID string, at time.Time, status string) error
	BirthdayMembers(ctx context.Context, tenantID string) ([]models.Member, error)
}

// Guard suppresses duplicate sends within one civil day. Release frees a
// claimed slot after a failed send so the day is not burned on a failure.
type Guard interface {
	FirstToday(ctx context.Context, subject string, day time.Time) (bool, error)
	Release(ctx context.Context, subject string, day time.Time) error
}

// Engine creates follow-up timelines when anchor events are recorded and
// advances them on the daily reminder pass.
type Engine struct {
	store           Store
	guard           Guard
	dispatcher      notify.Dispatcher
	loc             *time.Location // deployment default; tenants may override
	birthdayOffsets []int
	log             zerolog.Logger

	now func() time.Time
}

func New(st Store, guard Guard, dispatcher notify.Dispatcher, loc *time.Location, birthdayOffsets []int, log zerolog.Logger) *Engine {
	return &Engine{
		store:           st,
		guard:           guard,
		dispatcher:      dispatcher,
		loc:             loc,
		birthdayOffsets: birthdayOffsets,
		log:             log.With().Str("component", "timeline").Logger(),
		now:             time.Now,
	}
}

func (e *Engine) tenantLocation(tn models.Tenant) (*time.Location, error) {
	if tn.Timezone == "" {
		return e.loc, nil
	}
	loc, err := time.LoadLocation(tn.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tenant %s timezone %q: %w", tn.ID, tn.Timezone, err)
	}
	return loc, nil
}

// CreateForEvent records an anchor event and, for categories with a
// follow-up schedule, its stages, all in one atomic write. Every stage
// starts pending; count and offsets never change afterwards. The event
// comes back with its generated ID so callers can reference it.
func (e *Engine) CreateForEvent(ctx context.Context, tn models.Tenant, ev models.CareEvent) (models.CareEvent, []models.Stage, error) {
	loc, err := e.tenantLocation(tn)
	if err != nil {
		return models.CareEvent{}, nil, err
	}
	now := e.now()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = now

	var stages []models.Stage
	if offsets, ok := OffsetsForCategory(ev.Category); ok {
		times := stageSchedule(ev.OccurredAt, offsets, loc)
		stages = make([]models.Stage, len(offsets))
		for i, off := range offsets {
			stages[i] = models.Stage{
				ID:            uuid.New().String(),
				TenantID:      ev.TenantID,
				EventID:       ev.ID,
				MemberID:      ev.MemberID,
				SequenceIndex: i,
				OffsetDays:    off.NominalDays(),
				ScheduledAt:   times[i],
				Status:        models.StagePending,
				CreatedAt:     now,
			}
		}
	}

	if err := e.store.CreateCareEvent(ctx, ev, stages); err != nil {
		return models.CareEvent{}, nil, fmt.Errorf("create timeline for event %s: %w", ev.ID, err)
	}
	return ev, stages, nil
}

// Advance is the daily reminder job handler. For each tenant it finds
// pending stages scheduled today (in the tenant's civil day) and
// dispatches their reminders, then fires birthday pre-reminders. A failed
// send never moves a stage out of pending; the guard key keeps
// overlapping retries from double-sending the same day.
func (e *Engine) Advance(ctx context.Context) (scheduler.Stats, error) {
	stats := scheduler.Stats{}

	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		return stats, fmt.Errorf("list tenants: %w", err)
	}

	for _, tn := range tenants {
		loc, err := e.tenantLocation(tn)
		if err != nil {
			e.log.Warn().Err(err).Str("tenant", tn.ID).Msg("skipping tenant with bad timezone")
			stats.Add("failed", 1)
			continue
		}
		now := e.now().In(loc)
		from, to := civilDayWindow(now, loc)

		due, err := e.store.PendingStagesBetween(ctx, tn.ID, from, to)
		if err != nil {
			return stats, fmt.Errorf("tenant %s: load due stages: %w", tn.ID, err)
		}
		for _, d := range due {
			e.dispatchStage(ctx, tn, d, now, stats)
		}

		if err := e.advanceBirthdays(ctx, tn, loc, now, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (e *Engine) dispatchStage(ctx context.Context, tn models.Tenant, d models.DueStage, now time.Time, stats scheduler.Stats) {
	first, err := e.guard.FirstToday(ctx, d.ID, now)
	if err != nil {
		e.log.Warn().Err(err).Str("stage", d.ID).Msg("dispatch guard unavailable; stage left for next run")
		stats.Add("failed", 1)
		return
	}
	if !first {
		telemetry.DuplicatesSuppressed.Inc()
		stats.Add("suppressed", 1)
		return
	}

	delivery, err := e.dispatcher.Send(ctx, tn.ID, d.Recipient, stageMessage(d))
	sentAt := e.now()
	if err != nil || delivery.Status != notify.StatusSent {
		telemetry.ReminderDispatchFailures.Inc()
		stats.Add("failed", 1)
		e.log.Warn().Err(err).Str("stage", d.ID).Str("status", delivery.Status).Msg("reminder send failed; stage stays pending")
		if recErr := e.store.RecordStageDispatch(ctx, d.ID, sentAt, models.DispatchFailed); recErr != nil {
			e.log.Warn().Err(recErr).Str("stage", d.ID).Msg("dispatch outcome not recorded")
		}
		// Give the day's slot back so a later pass today can retry the send.
		if relErr := e.guard.Release(ctx, d.ID, now); relErr != nil {
			e.log.Warn().Err(relErr).Str("stage", d.ID).Msg("dispatch guard not released")
		}
		return
	}

	telemetry.RemindersDispatched.Inc()
	stats.Add("dispatched", 1)
	if err := e.store.RecordStageDispatch(ctx, d.ID, sentAt, models.DispatchSent); err != nil {
		stats.Add("failed", 1)
		e.log.Warn().Err(err).Str("stage", d.ID).Msg("dispatch outcome not recorded")
	}
}

// advanceBirthdays fires pre-reminders for members whose (yearly
// recurring) birthday lands a configured number of days from today.
func (e *Engine) advanceBirthdays(ctx context.Context, tn models.Tenant, loc *time.Location, now time.Time, stats scheduler.Stats) error {
	if len(e.birthdayOffsets) == 0 {
		return nil
	}
	members, err := e.store.BirthdayMembers(ctx, tn.ID)
	if err != nil {
		return fmt.Errorf("tenant %s: load birthday members: %w", tn.ID, err)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	for _, m := range members {
		for _, off := range e.birthdayOffsets {
			target := today.AddDate(0, 0, off)
			occurrence := birthdayInYear(*m.BirthDate, target.Year(), loc)
			if !occurrence.Equal(target) {
				continue
			}

			subject := fmt.Sprintf("bday:%s:%d", m.ID, off)
			first, err := e.guard.FirstToday(ctx, subject, today)
			if err != nil {
				stats.Add("failed", 1)
				continue
			}
			if !first {
				telemetry.DuplicatesSuppressed.Inc()
				stats.Add("suppressed", 1)
				continue
			}

			if _, err := e.dispatcher.Send(ctx, tn.ID, m.Email, birthdayMessage(m, off, occurrence)); err != nil {
				telemetry.ReminderDispatchFailures.Inc()
				stats.Add("failed", 1)
				if relErr := e.guard.Release(ctx, subject, today); relErr != nil {
					e.log.Warn().Err(relErr).Str("member", m.ID).Msg("dispatch guard not released")
				}
				continue
			}
			telemetry.BirthdayReminders.Inc()
			stats.Add("birthday", 1)
		}
	}
	return nil
}

// CompleteStage marks a pending stage completed. Completing a stage that
// is already completed is a no-op success.
func (e *Engine) CompleteStage(ctx context.Context, stageID, actorID string) (models.Stage, error) {
	return e.transition(ctx, stageID, models.StageCompleted, actorID)
}

// IgnoreStage marks a pending stage ignored, with the same idempotency.
func (e *Engine) IgnoreStage(ctx context.Context, stageID, actorID string) (models.Stage, error) {
	return e.transition(ctx, stageID, models.StageIgnored, actorID)
}

func (e *Engine) transition(ctx context.Context, stageID, to, actorID string) (models.Stage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		st, err := e.store.GetStage(ctx, stageID)
		if err != nil {
			return models.Stage{}, err
		}
		changed, err := applyTransition(&st, to, actorID, e.now())
		if err != nil {
			return st, err
		}
		if !changed {
			return st, nil
		}
		applied, err := e.store.ApplyStageTransition(ctx, st)
		if err != nil {
			return models.Stage{}, err
		}
		if applied {
			return st, nil
		}
		// Lost a race with a concurrent transition; reload and re-judge.
	}
	return models.Stage{}, fmt.Errorf("stage %s: transition contention", stageID)
}

// applyTransition enforces the one-way stage lifecycle in memory:
// pending may become completed or ignored; terminal states never change.
func applyTransition(st *models.Stage, to, actorID string, at time.Time) (bool, error) {
	if st.Status == to {
		return false, nil
	}
	if st.Status != models.StagePending {
		return false, store.ErrStageFinal
	}
	switch to {
	case models.StageCompleted:
		st.CompletedAt = &at
	case models.StageIgnored:
		st.IgnoredAt = &at
	default:
		return false, fmt.Errorf("invalid stage transition target %q", to)
	}
	st.Status = to
	if actorID != "" {
		st.ActorID = &actorID
	}
	return true, nil
}

func stageMessage(d models.DueStage) string {
	return fmt.Sprintf("Follow-up %d for %s is due today (%s).",
		d.SequenceIndex+1, d.MemberName, d.ScheduledAt.Format("Mon, Jan 2"))
}

func birthdayMessage(m models.Member, daysBefore int, occurrence time.Time) string {
	name := m.FirstName + " " + m.LastName
	if daysBefore == 0 {
		return fmt.Sprintf("%s has their birthday today.", name)
	}
	return fmt.Sprintf("%s has their birthday in %d day(s), on %s.",
		name, daysBefore, occurrence.Format("Mon, Jan 2"))
}
