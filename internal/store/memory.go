package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence/internal/audit"
	"presence/internal/claim"
	"presence/internal/session"
)

// Memory is an in-process store backend for dev and tests, mirroring the
// memory queue backend. It satisfies session.Store, claim.Store, claim.Sink
// and the audit listing the API exposes.
type Memory struct {
	mu        sync.Mutex
	locations map[string]session.Location
	sessions  map[string]session.Session
	students  map[string]string // account id -> student id
	devices   map[string]string // student id + "\x00" + course id -> fingerprint
	records   map[string]claim.Record
	marked    map[string]string // session id + "\x00" + student id -> record id
	attempts  []audit.Attempt
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		locations: map[string]session.Location{},
		sessions:  map[string]session.Session{},
		students:  map[string]string{},
		devices:   map[string]string{},
		records:   map[string]claim.Record{},
		marked:    map[string]string{},
	}
}

func key(a, b string) string { return a + "\x00" + b }

// CreateLocation stores a classroom location.
func (m *Memory) CreateLocation(_ context.Context, loc session.Location) (session.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	m.locations[loc.ID] = loc
	return loc, nil
}

// GetLocation returns a location or nil.
func (m *Memory) GetLocation(_ context.Context, id string) (*session.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[id]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

// ListLocations returns all locations.
func (m *Memory) ListLocations(_ context.Context) ([]session.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []session.Location
	for _, loc := range m.locations {
		res = append(res, loc)
	}
	return res, nil
}

// DeleteLocation removes a location. Exists so tests can exercise the
// fail-closed path for dangling session references.
func (m *Memory) DeleteLocation(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locations, id)
}

// CreateSession stores a session.
func (m *Memory) CreateSession(_ context.Context, s session.Session) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = s
	return s, nil
}

// GetSession returns a session or nil.
func (m *Memory) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// EndSession transitions an active session to ended; no-op otherwise.
func (m *Memory) EndSession(_ context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != session.StatusActive {
		return nil
	}
	s.Status = session.StatusEnded
	s.EndedAt = &endedAt
	m.sessions[id] = s
	return nil
}

// UpsertStudent links an account to a student profile.
func (m *Memory) UpsertStudent(_ context.Context, accountID, studentID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[accountID] = studentID
	return nil
}

// StudentIDByAccount resolves a student profile, "" when absent.
func (m *Memory) StudentIDByAccount(_ context.Context, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.students[accountID], nil
}

// DeviceFingerprint returns the bound fingerprint, "" when none.
func (m *Memory) DeviceFingerprint(_ context.Context, studentID, courseID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[key(studentID, courseID)], nil
}

// RegisterDevice binds a fingerprint on first use.
func (m *Memory) RegisterDevice(_ context.Context, studentID, courseID, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(studentID, courseID)
	if _, ok := m.devices[k]; !ok {
		m.devices[k] = fingerprint
	}
	return nil
}

// HasRecord reports whether attendance is marked.
func (m *Memory) HasRecord(_ context.Context, sessionID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[key(sessionID, studentID)]
	return ok, nil
}

// InsertRecord writes a record, enforcing (session, student) uniqueness
// under the store lock the way the unique constraint does in Postgres.
func (m *Memory) InsertRecord(_ context.Context, rec claim.Record) (claim.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(rec.SessionID, rec.StudentID)
	if _, ok := m.marked[k]; ok {
		return claim.Record{}, claim.ErrAlreadyMarked
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.records[rec.ID] = rec
	m.marked[k] = rec.ID
	return rec, nil
}

// Append stores an attempt row. Nothing ever removes one.
func (m *Memory) Append(_ context.Context, a audit.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.attempts = append(m.attempts, a)
	return nil
}

// List returns attempts matching the filter, newest first.
func (m *Memory) List(_ context.Context, f audit.Filter) ([]audit.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []audit.Attempt
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.CreatedAt.Before(f.To) {
			continue
		}
		if f.AttemptType != "" && a.Type != f.AttemptType {
			continue
		}
		if f.StudentID != "" && (a.StudentID == nil || *a.StudentID != f.StudentID) {
			continue
		}
		if f.SessionID != "" && (a.SessionID == nil || *a.SessionID != f.SessionID) {
			continue
		}
		res = append(res, a)
		if f.Limit > 0 && len(res) >= f.Limit {
			break
		}
	}
	return res, nil
}
