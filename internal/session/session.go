package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"presence/internal/qrtoken"
)

// Session status values. Ending is terminal; there is no reactivation.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Allowed geofence radius bounds in meters.
const (
	MinRadiusM = 10
	MaxRadiusM = 500
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrEnded            = errors.New("session ended")
	ErrLocationNotFound = errors.New("classroom location not found")
)

// Location is a classroom center with its allowed radius.
type Location struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Building *string `json:"building,omitempty"`
	Room     *string `json:"room,omitempty"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusM  float64 `json:"radius_m"`
}

// Session is one attendance-taking window for a course.
type Session struct {
	ID              string     `json:"id"`
	CourseID        string     `json:"course_id"`
	TeacherID       string     `json:"teacher_id"`
	LocationID      *string    `json:"location_id,omitempty"`
	RadiusM         float64    `json:"radius_m"`
	RotationSeconds int        `json:"rotation_seconds"`
	RequireGPS      bool       `json:"require_gps"`
	RequireSelfie   bool       `json:"require_selfie"`
	Secret          []byte     `json:"-"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Rotation returns the session's token rotation interval.
func (s *Session) Rotation() time.Duration {
	secs := s.RotationSeconds
	if secs <= 0 {
		secs = qrtoken.DefaultRotationSeconds
	}
	return time.Duration(secs) * time.Second
}

// Store is the persistence needed by the manager. Satisfied by Repository
// and by the in-memory store.
type Store interface {
	CreateLocation(ctx context.Context, loc Location) (Location, error)
	GetLocation(ctx context.Context, id string) (*Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	EndSession(ctx context.Context, id string, endedAt time.Time) error
}

// CreateInput is the teacher-supplied session configuration.
type CreateInput struct {
	CourseID      string  `json:"course_id" binding:"required"`
	TeacherID     string  `json:"-"`
	LocationID    string  `json:"location_id"`
	RadiusM       float64 `json:"radius_m"`
	RotationSecs  int     `json:"rotation_seconds"`
	WindowMinutes int     `json:"window_minutes"`
	RequireGPS    bool    `json:"require_gps"`
	RequireSelfie bool    `json:"require_selfie"`
}

// Manager owns session lifecycle and token issuance.
type Manager struct {
	store           Store
	windowMinutes   int
	rotationSeconds int
	now             func() time.Time
}

// NewManager creates a manager. defaultWindowMinutes bounds how long a
// session accepts claims and defaultRotationSeconds sets the token rotation
// interval, both used when the teacher does not configure their own.
func NewManager(store Store, defaultWindowMinutes, defaultRotationSeconds int) *Manager {
	if defaultWindowMinutes <= 0 {
		defaultWindowMinutes = 60
	}
	if defaultRotationSeconds <= 0 {
		defaultRotationSeconds = qrtoken.DefaultRotationSeconds
	}
	return &Manager{
		store:           store,
		windowMinutes:   defaultWindowMinutes,
		rotationSeconds: defaultRotationSeconds,
		now:             time.Now,
	}
}

// Create validates configuration, generates the signing secret and opens the
// session. The secret is generated exactly once here and never changes.
func (m *Manager) Create(ctx context.Context, in CreateInput) (Session, error) {
	if in.CourseID == "" {
		return Session{}, errors.New("course id required")
	}
	rotation := in.RotationSecs
	if rotation <= 0 {
		rotation = m.rotationSeconds
	}
	window := in.WindowMinutes
	if window <= 0 {
		window = m.windowMinutes
	}

	s := Session{
		CourseID:        in.CourseID,
		TeacherID:       in.TeacherID,
		RadiusM:         in.RadiusM,
		RotationSeconds: rotation,
		RequireGPS:      in.RequireGPS,
		RequireSelfie:   in.RequireSelfie,
		Status:          StatusActive,
	}

	if in.RequireGPS {
		if in.LocationID == "" {
			return Session{}, errors.New("gps sessions need a classroom location")
		}
		loc, err := m.store.GetLocation(ctx, in.LocationID)
		if err != nil {
			return Session{}, err
		}
		if loc == nil {
			return Session{}, ErrLocationNotFound
		}
		s.LocationID = &loc.ID
		if s.RadiusM == 0 {
			s.RadiusM = loc.RadiusM
		}
		if s.RadiusM < MinRadiusM || s.RadiusM > MaxRadiusM {
			return Session{}, fmt.Errorf("geofence radius must be %d-%dm, got %.0f", MinRadiusM, MaxRadiusM, s.RadiusM)
		}
	} else if in.LocationID != "" {
		s.LocationID = &in.LocationID
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Session{}, err
	}
	s.Secret = secret

	now := m.now().UTC()
	s.StartedAt = now
	s.ExpiresAt = now.Add(time.Duration(window) * time.Minute)
	return m.store.CreateSession(ctx, s)
}

// End marks a session ended. Ending an already-ended session is a no-op.
func (m *Manager) End(ctx context.Context, id string) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNotFound
	}
	if s.Status == StatusEnded {
		return nil
	}
	return m.store.EndSession(ctx, id, m.now().UTC())
}

// IssueToken mints the rotating token for the session's current epoch bucket.
func (m *Manager) IssueToken(ctx context.Context, id string) (qrtoken.Token, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return qrtoken.Token{}, err
	}
	if s == nil {
		return qrtoken.Token{}, ErrNotFound
	}
	if s.Status != StatusActive {
		return qrtoken.Token{}, ErrEnded
	}
	return qrtoken.Issue(s.ID, s.Secret, s.Rotation(), m.now()), nil
}

// AddLocation registers a classroom location after bounds-checking its radius.
func (m *Manager) AddLocation(ctx context.Context, loc Location) (Location, error) {
	if loc.Name == "" {
		return Location{}, errors.New("location name required")
	}
	if loc.RadiusM < MinRadiusM || loc.RadiusM > MaxRadiusM {
		return Location{}, fmt.Errorf("allowed radius must be %d-%dm, got %.0f", MinRadiusM, MaxRadiusM, loc.RadiusM)
	}
	return m.store.CreateLocation(ctx, loc)
}

// Locations lists registered classroom locations.
func (m *Manager) Locations(ctx context.Context) ([]Location, error) {
	return m.store.ListLocations(ctx)
}

// WithClock overrides the manager's clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}
