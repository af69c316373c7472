package models

import "time"

// EngagementLevel values persisted in engagement_snapshots.
const (
	EngagementActive       = "active"
	EngagementAtRisk       = "at_risk"
	EngagementDisconnected = "disconnected"
)

// Tenant is a congregation-level scope. Every domain record belongs to
// exactly one tenant and every store query filters by it.
type Tenant struct {
	ID          string `json:"id"`
	Timezone    string `json:"timezone,omitempty"` // IANA name; empty means deployment default
	SyncEnabled bool   `json:"sync_enabled"`
}

// Member is a person under pastoral care.
type Member struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ExternalRef *string    `json:"external_ref,omitempty"` // key in the upstream member directory
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	Archived    bool       `json:"archived"`
	Dirty       bool       `json:"dirty"` // flagged by webhook ingestion, cleared by targeted reconciliation
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MemberContact pairs a member with their most recent logged contact.
// LastContactAt is nil for members with no contact history at all.
type MemberContact struct {
	MemberID      string     `json:"member_id"`
	LastContactAt *time.Time `json:"last_contact_at,omitempty"`
}

// EngagementSnapshot is the derived per-member classification. It is a
// cache recomputed wholesale by the engagement job, never hand-edited.
type EngagementSnapshot struct {
	TenantID             string    `json:"tenant_id"`
	MemberID             string    `json:"member_id"`
	Level                string    `json:"level"`
	DaysSinceLastContact *int      `json:"days_since_last_contact,omitempty"`
	RecalculatedAt       time.Time `json:"recalculated_at"`
}

// DirectoryRecord is one member row as reported by the external directory.
type DirectoryRecord struct {
	ExternalRef string     `json:"external_ref"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
}
