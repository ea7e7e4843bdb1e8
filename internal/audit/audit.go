// Package audit is the append-only sink for rejected attendance claims.
// Rows are inserted once and never updated or deleted; they are the forensic
// trail the pattern engine mines.
package audit

import "time"

// Attempt classes, derived from the failure taxonomy.
const (
	TypeIdentity  = "identity"
	TypeSession   = "session"
	TypeFreshness = "freshness"
	TypeEvidence  = "evidence"
	TypeDuplicate = "duplicate"
)

// Attempt is one rejected claim with full context.
type Attempt struct {
	ID            string    `json:"id"`
	SessionID     *string   `json:"session_id,omitempty"`
	StudentID     *string   `json:"student_id,omitempty"`
	Type          string    `json:"attempt_type"`
	Reason        string    `json:"reason"`
	Fingerprint   string    `json:"device_fingerprint"`
	NetworkOrigin string    `json:"network_origin"`
	Lat           *float64  `json:"lat,omitempty"`
	Lon           *float64  `json:"lon,omitempty"`
	Token         string    `json:"token"`
	CreatedAt     time.Time `json:"created_at"`
}

// Filter narrows an attempt listing. Zero values mean "no constraint".
type Filter struct {
	From        time.Time
	To          time.Time
	AttemptType string
	StudentID   string
	SessionID   string
	Limit       int
}
