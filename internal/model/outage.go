package model

import "time"

// OutageEvent records one upstream market-data outage. At most one event has
// a nil EndedAt at any time.
type OutageEvent struct {
	ID                string     `json:"id" db:"id"`
	Reason            string     `json:"reason" db:"reason"`
	StartedAt         time.Time  `json:"started_at" db:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationMs        int64      `json:"duration_ms" db:"duration_ms"`
	GraceWindowEndsAt *time.Time `json:"grace_window_ends_at,omitempty" db:"grace_window_ends_at"`
	AccountsExtended  int        `json:"accounts_extended" db:"accounts_extended"`
}

// Open reports whether the outage is still in progress.
func (o *OutageEvent) Open() bool {
	return o.EndedAt == nil
}
