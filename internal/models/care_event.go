package models

import "time"

// Care event categories. Bereavement and accident events anchor follow-up
// timelines; the contact categories feed engagement recalculation.
const (
	CategoryBereavement = "bereavement"
	CategoryAccident    = "accident"
	CategoryVisit       = "visit"
	CategoryCall        = "call"
	CategoryMessage     = "message"
)

// Stage status values. Transitions are one-way: pending to completed, or
// pending to ignored. A dispatched reminder does not change status.
const (
	StagePending   = "pending"
	StageCompleted = "completed"
	StageIgnored   = "ignored"
)

// Dispatch outcomes recorded on a stage after the daily reminder pass.
const (
	DispatchSent   = "sent"
	DispatchFailed = "failed"
)

// CareEvent is a recorded pastoral event. Bereavement and accident events
// act as anchors: their timestamp is the base for follow-up stage dates.
type CareEvent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	MemberID   string    `json:"member_id"`
	Category   string    `json:"category"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedBy string    `json:"recorded_by"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stage is one checkpoint in a follow-up timeline. Count and offsets are
// fixed at creation; only status and dispatch bookkeeping mutate afterwards.
type Stage struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	EventID        string     `json:"event_id"`
	MemberID       string     `json:"member_id"`
	SequenceIndex  int        `json:"sequence_index"`
	OffsetDays     int        `json:"offset_days"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Status         string     `json:"status"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	IgnoredAt      *time.Time `json:"ignored_at,omitempty"`
	ActorID        *string    `json:"actor_id,omitempty"`
	DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
	DispatchStatus *string    `json:"dispatch_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DueStage is a pending stage joined with the member details needed to
// address its reminder.
type DueStage struct {
	Stage
	MemberName string `json:"member_name"`
	Recipient  string `json:"recipient"`
}
