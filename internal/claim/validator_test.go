package claim_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"presence/internal/audit"
	"presence/internal/claim"
	"presence/internal/geo"
	"presence/internal/qrtoken"
	"presence/internal/session"
	"presence/internal/store"
)

// fixture wires a validator against the memory store with one gps session,
// one classroom and one enrolled student.
type fixture struct {
	mem       *store.Memory
	manager   *session.Manager
	validator *claim.Validator
	session   session.Session
	location  session.Location
	now       time.Time
}

func newFixture(t *testing.T, requireGPS, requireSelfie bool) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	manager := session.NewManager(mem, 60, 30).WithClock(clock)
	loc, err := manager.AddLocation(ctx, session.Location{
		Name: "B-204", Lat: 48.7891, Lon: 2.3637, RadiusM: 50,
	})
	if err != nil {
		t.Fatalf("add location: %v", err)
	}
	s, err := manager.Create(ctx, session.CreateInput{
		CourseID:      "course-algo",
		TeacherID:     "teacher-1",
		LocationID:    loc.ID,
		RotationSecs:  30,
		RequireGPS:    requireGPS,
		RequireSelfie: requireSelfie,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := mem.UpsertStudent(ctx, "acct-a", "student-a", "A"); err != nil {
		t.Fatalf("upsert student: %v", err)
	}

	f := &fixture{mem: mem, manager: manager, session: s, location: loc, now: now}
	f.validator = claim.NewValidator(mem, mem, mem, nil).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	return qrtoken.Issue(f.session.ID, f.session.Secret, f.session.Rotation(), f.now).Value
}

func (f *fixture) goodClaim(t *testing.T) claim.Claim {
	t.Helper()
	return claim.Claim{
		SessionID:      f.session.ID,
		AccountID:      "acct-a",
		PresentedToken: f.token(t),
		Fingerprint:    "device-a",
		Coordinates:    &geo.Coordinate{Lat: f.location.Lat, Lon: f.location.Lon},
		NetworkOrigin:  "10.0.0.1",
	}
}

func (f *fixture) attempts(t *testing.T) []audit.Attempt {
	t.Helper()
	rows, err := f.mem.List(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	return rows
}

func mustValidate(t *testing.T, f *fixture, c claim.Claim) claim.Result {
	t.Helper()
	res, err := f.validator.Validate(context.Background(), c)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return res
}

func TestValidClaimSucceedsWithoutLogRow(t *testing.T) {
	f := newFixture(t, true, false)
	res := mustValidate(t, f, f.goodClaim(t))
	if !res.OK || res.RecordID == "" {
		t.Fatalf("expected success with record id, got %+v", res)
	}
	if n := len(f.attempts(t)); n != 0 {
		t.Fatalf("success must write no audit rows, found %d", n)
	}
}

func TestSecondClaimAlreadyMarked(t *testing.T) {
	f := newFixture(t, true, false)
	mustValidate(t, f, f.goodClaim(t))

	res := mustValidate(t, f, f.goodClaim(t))
	if res.OK || res.Code != claim.CodeAlreadyMarked {
		t.Fatalf("expected ALREADY_MARKED, got %+v", res)
	}
	rows := f.attempts(t)
	if len(rows) != 1 {
		t.Fatalf("expected exactly one audit row, got %d", len(rows))
	}
	if rows[0].Type != audit.TypeDuplicate {
		t.Fatalf("ALREADY_MARKED must log as duplicate, got %s", rows[0].Type)
	}
}

func TestNotStudent(t *testing.T) {
	f := newFixture(t, true, false)
	c := f.goodClaim(t)
	c.AccountID = "acct-unknown"
	res := mustValidate(t, f, c)
	if res.Code != claim.CodeNotStudent {
		t.Fatalf("expected NOT_STUDENT, got %s", res.Code)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].StudentID != nil {
		t.Fatalf("identity failures log with nil student id")
	}
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, true, false)
	c := f.goodClaim(t)
	c.SessionID = "nope"
	if res := mustValidate(t, f, c); res.Code != claim.CodeInvalidSession {
		t.Fatalf("expected INVALID_SESSION, got %s", res.Code)
	}
}

func TestEndedSession(t *testing.T) {
	f := newFixture(t, true, false)
	if err := f.manager.End(context.Background(), f.session.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if res := mustValidate(t, f, f.goodClaim(t)); res.Code != claim.CodeSessionEnded {
		t.Fatalf("expected SESSION_ENDED, got %s", res.Code)
	}
}

func TestTimeExpired(t *testing.T) {
	f := newFixture(t, true, false)
	f.now = f.now.Add(61 * time.Minute)
	c := f.goodClaim(t) // token recomputed for the shifted clock
	if res := mustValidate(t, f, c); res.Code != claim.CodeTimeExpired {
		t.Fatalf("expected TIME_EXPIRED, got %s", res.Code)
	}
}

func TestStaleTokenInvalidQR(t *testing.T) {
	f := newFixture(t, true, false)
	stale := f.token(t)
	f.now = f.now.Add(31 * time.Second) // next bucket, still inside the window
	c := f.goodClaim(t)
	c.PresentedToken = stale
	res := mustValidate(t, f, c)
	if res.Code != claim.CodeInvalidQR {
		t.Fatalf("token from a previous bucket must fail INVALID_QR, got %s", res.Code)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].Type != audit.TypeFreshness {
		t.Fatalf("INVALID_QR must log one freshness row")
	}
}

func TestFutureTokenInvalidQR(t *testing.T) {
	f := newFixture(t, true, false)
	future := qrtoken.Issue(f.session.ID, f.session.Secret, f.session.Rotation(), f.now.Add(30*time.Second)).Value
	c := f.goodClaim(t)
	c.PresentedToken = future
	if res := mustValidate(t, f, c); res.Code != claim.CodeInvalidQR {
		t.Fatalf("future-bucket token must fail INVALID_QR, got %s", res.Code)
	}
}

func TestGPSRequired(t *testing.T) {
	f := newFixture(t, true, false)
	c := f.goodClaim(t)
	c.Coordinates = nil
	if res := mustValidate(t, f, c); res.Code != claim.CodeGPSRequired {
		t.Fatalf("expected GPS_REQUIRED, got %s", res.Code)
	}
}

func TestOutsideRadiusCarriesDistance(t *testing.T) {
	f := newFixture(t, true, false)
	c := f.goodClaim(t)
	// Roughly 600m north of the classroom.
	c.Coordinates = &geo.Coordinate{Lat: f.location.Lat + 0.0054, Lon: f.location.Lon}
	res := mustValidate(t, f, c)
	if res.Code != claim.CodeOutsideRadius {
		t.Fatalf("expected OUTSIDE_RADIUS, got %s", res.Code)
	}
	if res.DistanceM == nil || res.AllowedRadiusM == nil {
		t.Fatalf("OUTSIDE_RADIUS must include distance and allowed radius")
	}
	if *res.AllowedRadiusM != 50 {
		t.Fatalf("allowed radius expected 50, got %f", *res.AllowedRadiusM)
	}
	if *res.DistanceM < 500 || *res.DistanceM > 700 {
		t.Fatalf("distance out of expected range: %f", *res.DistanceM)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].Lat == nil {
		t.Fatalf("rejection must log the reported coordinates")
	}
}

func TestDeletedLocationFailsClosed(t *testing.T) {
	f := newFixture(t, true, false)
	f.mem.DeleteLocation(context.Background(), f.location.ID)
	if res := mustValidate(t, f, f.goodClaim(t)); res.Code != claim.CodeInvalidSession {
		t.Fatalf("dangling location must fail closed, got %s", res.Code)
	}
}

func TestDeviceBinding(t *testing.T) {
	f := newFixture(t, true, false)
	mustValidate(t, f, f.goodClaim(t)) // registers device-a

	// Same course, different device: a second session in the course still
	// sees the binding.
	s2, err := f.manager.Create(context.Background(), session.CreateInput{
		CourseID: "course-algo", TeacherID: "teacher-1", LocationID: f.location.ID,
		RotationSecs: 30, RequireGPS: true,
	})
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	c := claim.Claim{
		SessionID:      s2.ID,
		AccountID:      "acct-a",
		PresentedToken: qrtoken.Issue(s2.ID, s2.Secret, s2.Rotation(), f.now).Value,
		Fingerprint:    "device-b",
		Coordinates:    &geo.Coordinate{Lat: f.location.Lat, Lon: f.location.Lon},
		NetworkOrigin:  "10.0.0.1",
	}
	res := mustValidate(t, f, c)
	if res.Code != claim.CodeUnregisteredDevice {
		t.Fatalf("expected UNREGISTERED_DEVICE, got %s", res.Code)
	}
}

func TestSelfieRequired(t *testing.T) {
	f := newFixture(t, true, true)
	c := f.goodClaim(t)
	if res := mustValidate(t, f, c); res.Code != claim.CodeSelfieRequired {
		t.Fatalf("expected SELFIE_REQUIRED, got %s", res.Code)
	}
	c.SelfieRef = "selfies/abc123"
	if res := mustValidate(t, f, c); !res.OK {
		t.Fatalf("claim with selfie ref must pass, got %s", res.Code)
	}
}

func TestGPSNotRequiredSkipsGeofence(t *testing.T) {
	f := newFixture(t, false, false)
	c := f.goodClaim(t)
	c.Coordinates = nil
	if res := mustValidate(t, f, c); !res.OK {
		t.Fatalf("gps-free session must accept claims without coordinates, got %s", res.Code)
	}
}

func TestOrderingReportsFirstFailure(t *testing.T) {
	// A claim that is simultaneously not-a-student, stale and out of range
	// must report NOT_STUDENT: the checks run in order.
	f := newFixture(t, true, false)
	c := claim.Claim{
		SessionID:      f.session.ID,
		AccountID:      "acct-unknown",
		PresentedToken: "0.bogus",
		Fingerprint:    "device-x",
		NetworkOrigin:  "10.0.0.9",
	}
	res := mustValidate(t, f, c)
	if res.Code != claim.CodeNotStudent {
		t.Fatalf("expected first failing check to win, got %s", res.Code)
	}
	if n := len(f.attempts(t)); n != 1 {
		t.Fatalf("multi-violation claim still logs exactly one row, got %d", n)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	f := newFixture(t, true, false)
	c := f.goodClaim(t)

	const n = 8
	results := make([]claim.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.validator.Validate(context.Background(), c)
			if err != nil {
				t.Errorf("validate: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.OK {
			wins++
		} else if res.Code != claim.CodeAlreadyMarked {
			t.Fatalf("loser must observe ALREADY_MARKED, got %s", res.Code)
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one concurrent claim may win, got %d", wins)
	}
}

// End-to-end scenario: rotation 30s, gps on, selfie off.
func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()
	for acct, student := range map[string]string{"acct-b": "student-b", "acct-c": "student-c"} {
		if err := f.mem.UpsertStudent(ctx, acct, student, ""); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	// Student A: correct token, inside radius, no selfie.
	if res := mustValidate(t, f, f.goodClaim(t)); !res.OK {
		t.Fatalf("student A expected success, got %s", res.Code)
	}
	// Student A again with a fresh token.
	if res := mustValidate(t, f, f.goodClaim(t)); res.Code != claim.CodeAlreadyMarked {
		t.Fatalf("student A resubmit expected ALREADY_MARKED, got %s", res.Code)
	}
	// Student B with a token from 31 seconds ago.
	old := f.token(t)
	f.now = f.now.Add(31 * time.Second)
	b := f.goodClaim(t)
	b.AccountID = "acct-b"
	b.Fingerprint = "device-b"
	b.PresentedToken = old
	if res := mustValidate(t, f, b); res.Code != claim.CodeInvalidQR {
		t.Fatalf("student B expected INVALID_QR, got %s", res.Code)
	}
	// Student C with a correct token, 600m out of a 50m fence.
	cc := f.goodClaim(t)
	cc.AccountID = "acct-c"
	cc.Fingerprint = "device-c"
	cc.Coordinates = &geo.Coordinate{Lat: f.location.Lat + 0.0054, Lon: f.location.Lon}
	res := mustValidate(t, f, cc)
	if res.Code != claim.CodeOutsideRadius {
		t.Fatalf("student C expected OUTSIDE_RADIUS, got %s", res.Code)
	}
	if res.DistanceM == nil || res.AllowedRadiusM == nil {
		t.Fatalf("student C response must carry distance and radius")
	}
}
