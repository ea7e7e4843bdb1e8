// Package claim validates student attendance claims against session state,
// token freshness, geofence, device binding and idempotency, and records the
// outcome: a success creates exactly one attendance record, a rejection
// appends exactly one audit row.
package claim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"presence/internal/audit"
	"presence/internal/geo"
	"presence/internal/qrtoken"
	"presence/internal/session"
)

// ErrAlreadyMarked is returned by record stores when the (session, student)
// uniqueness constraint rejects an insert.
var ErrAlreadyMarked = errors.New("attendance already marked")

// Claim is a student's assertion of presence with supporting evidence.
type Claim struct {
	SessionID      string
	AccountID      string
	PresentedToken string
	Fingerprint    string
	Coordinates    *geo.Coordinate
	SelfieRef      string
	NetworkOrigin  string
}

// Record is a successful attendance mark. Never mutated after creation.
type Record struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	StudentID   string          `json:"student_id"`
	MarkedAt    time.Time       `json:"marked_at"`
	Fingerprint string          `json:"device_fingerprint"`
	Coordinates *geo.Coordinate `json:"coordinates,omitempty"`
	DistanceM   *float64        `json:"distance_m,omitempty"`
	SelfieRef   *string         `json:"selfie_ref,omitempty"`
}

// Result is the synchronous outcome returned to the caller. Rejections carry
// a stable code, never an internal error.
type Result struct {
	OK             bool     `json:"success"`
	RecordID       string   `json:"record_id,omitempty"`
	Code           string   `json:"code,omitempty"`
	Message        string   `json:"message,omitempty"`
	DistanceM      *float64 `json:"distance,omitempty"`
	AllowedRadiusM *float64 `json:"allowed_radius,omitempty"`
}

// SessionDirectory resolves sessions and their classroom locations.
type SessionDirectory interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	GetLocation(ctx context.Context, id string) (*session.Location, error)
}

// Store covers student resolution, device binding and record creation.
// InsertRecord must enforce (session, student) uniqueness atomically and
// return ErrAlreadyMarked when a concurrent or earlier claim won.
type Store interface {
	StudentIDByAccount(ctx context.Context, accountID string) (string, error)
	DeviceFingerprint(ctx context.Context, studentID, courseID string) (string, error)
	RegisterDevice(ctx context.Context, studentID, courseID, fingerprint string) error
	HasRecord(ctx context.Context, sessionID, studentID string) (bool, error)
	InsertRecord(ctx context.Context, rec Record) (Record, error)
}

// Sink receives one audit row per rejected claim.
type Sink interface {
	Append(ctx context.Context, a audit.Attempt) error
}

// Rejected is invoked after a rejection has been persisted, e.g. to bump
// metrics or feed the scanner queue. May be nil.
type Rejected func(code string, attemptID string)

// Validator runs the ordered claim checks.
type Validator struct {
	sessions   SessionDirectory
	store      Store
	sink       Sink
	onRejected Rejected
	now        func() time.Time
}

// NewValidator wires the validator.
func NewValidator(sessions SessionDirectory, store Store, sink Sink, onRejected Rejected) *Validator {
	return &Validator{sessions: sessions, store: store, sink: sink, onRejected: onRejected, now: time.Now}
}

// WithClock overrides the validator's clock. Test hook.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate runs the guarded checks in order, short-circuiting on the first
// failure. Cheap identity/state/time checks run before geofence math and
// device comparison. Every failure is written to the audit sink before the
// result is returned, so a crash after validation cannot erase the trail.
// The returned error reports storage trouble only; policy outcomes are in
// the Result.
func (v *Validator) Validate(ctx context.Context, c Claim) (Result, error) {
	now := v.now().UTC()

	// 1. Identity: the account must map to a student profile.
	studentID, err := v.store.StudentIDByAccount(ctx, c.AccountID)
	if err != nil {
		return Result{}, err
	}
	if studentID == "" {
		return v.reject(ctx, c, nil, nil, CodeNotStudent, now, nil, nil)
	}

	// 2. Session state.
	s, err := v.sessions.GetSession(ctx, c.SessionID)
	if err != nil {
		return Result{}, err
	}
	if s == nil {
		return v.reject(ctx, c, nil, &studentID, CodeInvalidSession, now, nil, nil)
	}
	if s.Status != session.StatusActive {
		return v.reject(ctx, c, &s.ID, &studentID, CodeSessionEnded, now, nil, nil)
	}

	// 3. Time window.
	if now.Before(s.StartedAt) || now.After(s.ExpiresAt) {
		return v.reject(ctx, c, &s.ID, &studentID, CodeTimeExpired, now, nil, nil)
	}

	// 4. Token freshness: current epoch bucket only, constant-time compare.
	if !qrtoken.Verify(s.ID, s.Secret, s.Rotation(), c.PresentedToken, now) {
		return v.reject(ctx, c, &s.ID, &studentID, CodeInvalidQR, now, nil, nil)
	}

	// 5. Geofence.
	var distance *float64
	if s.RequireGPS {
		if c.Coordinates == nil {
			return v.reject(ctx, c, &s.ID, &studentID, CodeGPSRequired, now, nil, nil)
		}
		if s.LocationID == nil {
			// Referenced location is gone; fail closed rather than skip
			// the geofence check.
			return v.reject(ctx, c, &s.ID, &studentID, CodeInvalidSession, now, nil, nil)
		}
		loc, err := v.sessions.GetLocation(ctx, *s.LocationID)
		if err != nil {
			return Result{}, err
		}
		if loc == nil {
			return v.reject(ctx, c, &s.ID, &studentID, CodeInvalidSession, now, nil, nil)
		}
		res := geo.Evaluate(geo.Coordinate{Lat: loc.Lat, Lon: loc.Lon}, s.RadiusM, *c.Coordinates)
		distance = &res.DistanceM
		if !res.Inside {
			radius := s.RadiusM
			return v.reject(ctx, c, &s.ID, &studentID, CodeOutsideRadius, now, distance, &radius)
		}
	}

	// 6. Device binding: first use registers, later uses must match.
	registered, err := v.store.DeviceFingerprint(ctx, studentID, s.CourseID)
	if err != nil {
		return Result{}, err
	}
	if registered == "" {
		if err := v.store.RegisterDevice(ctx, studentID, s.CourseID, c.Fingerprint); err != nil {
			return Result{}, err
		}
	} else if registered != c.Fingerprint {
		return v.reject(ctx, c, &s.ID, &studentID, CodeUnregisteredDevice, now, nil, nil)
	}

	// 7. Selfie evidence.
	if s.RequireSelfie && c.SelfieRef == "" {
		return v.reject(ctx, c, &s.ID, &studentID, CodeSelfieRequired, now, nil, nil)
	}

	// 8. Idempotency pre-check.
	marked, err := v.store.HasRecord(ctx, s.ID, studentID)
	if err != nil {
		return Result{}, err
	}
	if marked {
		return v.reject(ctx, c, &s.ID, &studentID, CodeAlreadyMarked, now, nil, nil)
	}

	// 9. Record attendance. The unique constraint is the real arbiter for
	// two concurrent claims; the loser still sees ALREADY_MARKED.
	rec := Record{
		SessionID:   s.ID,
		StudentID:   studentID,
		MarkedAt:    now,
		Fingerprint: c.Fingerprint,
		Coordinates: c.Coordinates,
		DistanceM:   distance,
	}
	if c.SelfieRef != "" {
		rec.SelfieRef = &c.SelfieRef
	}
	created, err := v.store.InsertRecord(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrAlreadyMarked) {
			return v.reject(ctx, c, &s.ID, &studentID, CodeAlreadyMarked, now, nil, nil)
		}
		return Result{}, err
	}
	return Result{OK: true, RecordID: created.ID}, nil
}

// reject persists the audit row, fires the rejection hook and builds the
// caller-facing result.
func (v *Validator) reject(ctx context.Context, c Claim, sessionID, studentID *string, code string, now time.Time, distance, radius *float64) (Result, error) {
	a := audit.Attempt{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		StudentID:     studentID,
		Type:          attemptType(code),
		Reason:        code,
		Fingerprint:   c.Fingerprint,
		NetworkOrigin: c.NetworkOrigin,
		Token:         c.PresentedToken,
		CreatedAt:     now,
	}
	if c.Coordinates != nil {
		a.Lat = &c.Coordinates.Lat
		a.Lon = &c.Coordinates.Lon
	}
	if err := v.sink.Append(ctx, a); err != nil {
		return Result{}, err
	}
	if v.onRejected != nil {
		v.onRejected(code, a.ID)
	}
	return Result{
		OK:             false,
		Code:           code,
		Message:        messages[code],
		DistanceM:      distance,
		AllowedRadiusM: radius,
	}, nil
}
