package timeline

import (
	"time"

	"github.com/blackshrub/faithtracker/internal/models"
)

// Offset is a stage's distance from its anchor event, in civil calendar
// units. Calendar arithmetic (AddDate) keeps the wall-clock time of the
// anchor across DST, which duration arithmetic would not.
type Offset struct {
	Years int
	Days  int
}

// NominalDays orders stages and is what gets persisted as offset_days.
func (o Offset) NominalDays() int {
	return o.Years*365 + o.Days
}

// Fixed follow-up schedules per anchor category. Count and spacing are
// part of the care program, not per-tenant configuration.
var (
	griefOffsets = []Offset{
		{Days: 0},
		{Days: 3},
		{Days: 7},
		{Days: 40},
		{Days: 100},
		{Years: 1},
	}
	accidentOffsets = []Offset{
		{Days: 3},
		{Days: 7},
		{Days: 14},
	}
)

// OffsetsForCategory returns the follow-up schedule anchored by a care
// event category, or ok=false for categories that start no timeline.
func OffsetsForCategory(category string) ([]Offset, bool) {
	switch category {
	case models.CategoryBereavement:
		return griefOffsets, true
	case models.CategoryAccident:
		return accidentOffsets, true
	default:
		return nil, false
	}
}

// stageSchedule computes every stage's scheduled time: the anchor's civil
// wall-clock moment shifted by each offset in loc.
func stageSchedule(anchor time.Time, offsets []Offset, loc *time.Location) []time.Time {
	local := anchor.In(loc)
	out := make([]time.Time, len(offsets))
	for i, off := range offsets {
		out[i] = local.AddDate(off.Years, 0, off.Days)
	}
	return out
}

// civilDayWindow returns [start, end) of now's calendar day in loc.
func civilDayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// birthdayInYear places a birth date's anniversary in a given year.
// The stored birth date is a plain calendar date; its month and day are
// taken as-is, not shifted through loc. time.Date normalizes Feb 29 to
// Mar 1 on non-leap years, which is the behavior we want for reminders.
func birthdayInYear(birth time.Time, year int, loc *time.Location) time.Time {
	_, month, day := birth.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
