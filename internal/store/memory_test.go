package store

import (
	"context"
	"testing"
	"time"

	"presence/internal/audit"
	"presence/internal/claim"
)

func strptr(s string) *string { return &s }

func TestMemoryAttemptFiltering(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	base := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	rows := []audit.Attempt{
		{StudentID: strptr("s1"), SessionID: strptr("sess-1"), Type: audit.TypeFreshness, Reason: "INVALID_QR", CreatedAt: base},
		{StudentID: strptr("s2"), SessionID: strptr("sess-1"), Type: audit.TypeEvidence, Reason: "OUTSIDE_RADIUS", CreatedAt: base.Add(time.Hour)},
		{StudentID: strptr("s1"), SessionID: strptr("sess-2"), Type: audit.TypeEvidence, Reason: "GPS_REQUIRED", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, a := range rows {
		if err := mem.Append(ctx, a); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, _ := mem.List(ctx, audit.Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	if !all[0].CreatedAt.After(all[1].CreatedAt) {
		t.Fatalf("listing must be newest first")
	}

	byStudent, _ := mem.List(ctx, audit.Filter{StudentID: "s1"})
	if len(byStudent) != 2 {
		t.Fatalf("student filter expected 2, got %d", len(byStudent))
	}
	byType, _ := mem.List(ctx, audit.Filter{AttemptType: audit.TypeEvidence})
	if len(byType) != 2 {
		t.Fatalf("type filter expected 2, got %d", len(byType))
	}
	windowed, _ := mem.List(ctx, audit.Filter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	if len(windowed) != 1 || windowed[0].Reason != "OUTSIDE_RADIUS" {
		t.Fatalf("date window filter wrong: %+v", windowed)
	}
	limited, _ := mem.List(ctx, audit.Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit not applied")
	}
}

func TestMemoryRecordUniqueness(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	rec := claim.Record{SessionID: "sess-1", StudentID: "s1", MarkedAt: time.Now()}

	first, err := mem.InsertRecord(ctx, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.ID == "" {
		t.Fatalf("insert must assign an id")
	}
	if _, err := mem.InsertRecord(ctx, rec); err != claim.ErrAlreadyMarked {
		t.Fatalf("duplicate insert expected ErrAlreadyMarked, got %v", err)
	}
	marked, _ := mem.HasRecord(ctx, "sess-1", "s1")
	if !marked {
		t.Fatalf("record not visible via HasRecord")
	}
}

func TestMemoryDeviceBindingFirstWins(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	if err := mem.RegisterDevice(ctx, "s1", "c1", "device-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mem.RegisterDevice(ctx, "s1", "c1", "device-b"); err != nil {
		t.Fatalf("register: %v", err)
	}
	fp, _ := mem.DeviceFingerprint(ctx, "s1", "c1")
	if fp != "device-a" {
		t.Fatalf("first registration must win, got %s", fp)
	}
}
