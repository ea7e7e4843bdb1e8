package session_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"presence/internal/qrtoken"
	"presence/internal/session"
	"presence/internal/store"
)

func newManager(t *testing.T) (*session.Manager, *store.Memory, session.Location) {
	t.Helper()
	mem := store.NewMemory()
	m := session.NewManager(mem, 60, 30)
	loc, err := m.AddLocation(context.Background(), session.Location{
		Name: "Amphi C", Lat: 48.8, Lon: 2.35, RadiusM: 80,
	})
	if err != nil {
		t.Fatalf("add location: %v", err)
	}
	return m, mem, loc
}

func TestCreateGeneratesSecretOnce(t *testing.T) {
	m, mem, loc := newManager(t)
	s, err := m.Create(context.Background(), session.CreateInput{
		CourseID: "c1", TeacherID: "t1", LocationID: loc.ID, RequireGPS: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(s.Secret) != 32 {
		t.Fatalf("expected a 32-byte secret, got %d", len(s.Secret))
	}
	if s.Status != session.StatusActive {
		t.Fatalf("new session must be active")
	}
	if s.RotationSeconds != qrtoken.DefaultRotationSeconds {
		t.Fatalf("rotation must default to %ds", qrtoken.DefaultRotationSeconds)
	}
	if s.RadiusM != 80 {
		t.Fatalf("radius must default from the location, got %f", s.RadiusM)
	}

	stored, err := mem.GetSession(context.Background(), s.ID)
	if err != nil || stored == nil {
		t.Fatalf("stored session missing: %v", err)
	}
	if !bytes.Equal(stored.Secret, s.Secret) {
		t.Fatalf("stored secret must match the created one")
	}
}

func TestCreateValidatesGeofence(t *testing.T) {
	m, _, loc := newManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, session.CreateInput{CourseID: "c1", RequireGPS: true}); err == nil {
		t.Fatalf("gps session without location must fail")
	}
	if _, err := m.Create(ctx, session.CreateInput{CourseID: "c1", LocationID: "ghost", RequireGPS: true}); err != session.ErrLocationNotFound {
		t.Fatalf("unknown location expected ErrLocationNotFound, got %v", err)
	}
	for _, radius := range []float64{5, 900} {
		if _, err := m.Create(ctx, session.CreateInput{CourseID: "c1", LocationID: loc.ID, RadiusM: radius, RequireGPS: true}); err == nil {
			t.Fatalf("radius %f must be rejected", radius)
		}
	}
}

func TestEndIsTerminalAndIdempotent(t *testing.T) {
	m, mem, loc := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, session.CreateInput{CourseID: "c1", LocationID: loc.ID, RequireGPS: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.End(ctx, s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	ended, _ := mem.GetSession(ctx, s.ID)
	if ended.Status != session.StatusEnded || ended.EndedAt == nil {
		t.Fatalf("session not marked ended")
	}
	first := *ended.EndedAt

	// Ending again is a no-op, not an error, and does not move the stamp.
	if err := m.End(ctx, s.ID); err != nil {
		t.Fatalf("second end must be a no-op, got %v", err)
	}
	again, _ := mem.GetSession(ctx, s.ID)
	if !again.EndedAt.Equal(first) {
		t.Fatalf("end stamp must not move on repeat ends")
	}

	if err := m.End(ctx, "ghost"); err != session.ErrNotFound {
		t.Fatalf("ending an unknown session expected ErrNotFound, got %v", err)
	}
}

func TestIssueTokenLifecycleErrors(t *testing.T) {
	m, _, loc := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, session.CreateInput{CourseID: "c1", LocationID: loc.ID, RequireGPS: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	frozen := time.Date(2026, 3, 9, 10, 0, 5, 0, time.UTC)
	m.WithClock(func() time.Time { return frozen })

	if _, err := m.IssueToken(ctx, "ghost"); err != session.ErrNotFound {
		t.Fatalf("unknown session expected ErrNotFound, got %v", err)
	}
	tok, err := m.IssueToken(ctx, s.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Value == "" || tok.ExpiresAt.IsZero() {
		t.Fatalf("issued token incomplete: %+v", tok)
	}
	if !qrtoken.Verify(s.ID, s.Secret, s.Rotation(), tok.Value, frozen) {
		t.Fatalf("issued token must verify for the current bucket")
	}

	if err := m.End(ctx, s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := m.IssueToken(ctx, s.ID); err != session.ErrEnded {
		t.Fatalf("ended session expected ErrEnded, got %v", err)
	}
}

func TestIssueTokenStableWithinBucket(t *testing.T) {
	m, _, loc := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, session.CreateInput{CourseID: "c1", LocationID: loc.ID, RequireGPS: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	frozen := time.Date(2026, 3, 9, 10, 0, 5, 0, time.UTC)
	m.WithClock(func() time.Time { return frozen })

	first, err := m.IssueToken(ctx, s.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, _ := m.IssueToken(ctx, s.ID)
	if first.Value != second.Value {
		t.Fatalf("token changed within one bucket")
	}

	frozen = frozen.Add(30 * time.Second)
	third, _ := m.IssueToken(ctx, s.ID)
	if third.Value == first.Value {
		t.Fatalf("token must change when the bucket does")
	}
}
