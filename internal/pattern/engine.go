// Package pattern mines the proxy-attempt log for coordinated-cheating
// signals. Detection is pure and read-only: it never mutates logs or flags
// records, it only ranks what the audit trail already shows.
package pattern

import (
	"fmt"
	"sort"
	"time"

	"presence/internal/audit"
	"presence/internal/claim"
)

// Pattern kinds, in rule evaluation order.
const (
	KindHighFrequency    = "high_frequency"
	KindMultipleDevices  = "multiple_devices"
	KindIPSharing        = "ip_sharing"
	KindDeviceSharing    = "device_sharing"
	KindLocationMismatch = "location_mismatch"
)

// Severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Thresholds tune rule sensitivity. Real deployments calibrate these; the
// defaults mirror the shipped policy.
type Thresholds struct {
	FreqMedium   int // attempts per student in the trailing day
	FreqHigh     int
	FreqCritical int

	DevicesMedium int // distinct devices per student
	DevicesHigh   int

	IPMedium   int // distinct students per network origin
	IPHigh     int
	IPCritical int

	SharedDeviceCritical int // distinct students per device

	MismatchMedium int // OUTSIDE_RADIUS rejections per student
	MismatchHigh   int
}

// DefaultThresholds returns the shipped detection policy. A shared device is
// critical at two students while an IP needs three for even medium, because
// a device is physical and campus Wi-Fi is not.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FreqMedium:   5,
		FreqHigh:     7,
		FreqCritical: 10,

		DevicesMedium: 3,
		DevicesHigh:   5,

		IPMedium:   3,
		IPHigh:     4,
		IPCritical: 5,

		SharedDeviceCritical: 2,

		MismatchMedium: 3,
		MismatchHigh:   5,
	}
}

// Pattern is one suspicious signal with its supporting evidence.
type Pattern struct {
	Kind        string          `json:"kind"`
	Severity    string          `json:"severity"`
	StudentID   string          `json:"student_id,omitempty"`
	SharedKey   string          `json:"shared_key,omitempty"`
	Description string          `json:"description"`
	Evidence    []audit.Attempt `json:"evidence"`
}

// Engine evaluates detection rules over attempt slices.
type Engine struct {
	thresholds Thresholds
}

// NewEngine creates an engine with the given thresholds; zero-value
// thresholds fall back to the defaults.
func NewEngine(t Thresholds) *Engine {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	return &Engine{thresholds: t}
}

var severityRank = map[string]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

var kindRank = map[string]int{
	KindHighFrequency:    0,
	KindMultipleDevices:  1,
	KindIPSharing:        2,
	KindDeviceSharing:    3,
	KindLocationMismatch: 4,
}

// Detect runs every rule over the attempts and returns patterns most severe
// first, ties broken by rule evaluation order. A single attempt may support
// several patterns. now anchors the trailing-24h frequency window.
func (e *Engine) Detect(attempts []audit.Attempt, now time.Time) []Pattern {
	var out []Pattern
	out = append(out, e.highFrequency(attempts, now)...)
	out = append(out, e.multipleDevices(attempts)...)
	out = append(out, e.ipSharing(attempts)...)
	out = append(out, e.deviceSharing(attempts)...)
	out = append(out, e.locationMismatch(attempts)...)

	sort.SliceStable(out, func(i, j int) bool {
		if severityRank[out[i].Severity] != severityRank[out[j].Severity] {
			return severityRank[out[i].Severity] < severityRank[out[j].Severity]
		}
		return kindRank[out[i].Kind] < kindRank[out[j].Kind]
	})
	return out
}

func (e *Engine) highFrequency(attempts []audit.Attempt, now time.Time) []Pattern {
	cutoff := now.Add(-24 * time.Hour)
	byStudent := map[string][]audit.Attempt{}
	for _, a := range attempts {
		if a.StudentID == nil || a.CreatedAt.Before(cutoff) {
			continue
		}
		byStudent[*a.StudentID] = append(byStudent[*a.StudentID], a)
	}
	var out []Pattern
	for student, evidence := range byStudent {
		severity := tier(len(evidence), e.thresholds.FreqMedium, e.thresholds.FreqHigh, e.thresholds.FreqCritical)
		if severity == "" {
			continue
		}
		out = append(out, Pattern{
			Kind:        KindHighFrequency,
			Severity:    severity,
			StudentID:   student,
			Description: fmt.Sprintf("%d failed attempts in 24h", len(evidence)),
			Evidence:    evidence,
		})
	}
	sortByStudent(out)
	return out
}

func (e *Engine) multipleDevices(attempts []audit.Attempt) []Pattern {
	byStudent := map[string][]audit.Attempt{}
	devices := map[string]map[string]bool{}
	for _, a := range attempts {
		if a.StudentID == nil || a.Fingerprint == "" {
			continue
		}
		byStudent[*a.StudentID] = append(byStudent[*a.StudentID], a)
		if devices[*a.StudentID] == nil {
			devices[*a.StudentID] = map[string]bool{}
		}
		devices[*a.StudentID][a.Fingerprint] = true
	}
	var out []Pattern
	for student, evidence := range byStudent {
		n := len(devices[student])
		severity := tier(n, e.thresholds.DevicesMedium, e.thresholds.DevicesHigh, 0)
		if severity == "" {
			continue
		}
		out = append(out, Pattern{
			Kind:        KindMultipleDevices,
			Severity:    severity,
			StudentID:   student,
			Description: fmt.Sprintf("attempts from %d distinct devices", n),
			Evidence:    evidence,
		})
	}
	sortByStudent(out)
	return out
}

func (e *Engine) ipSharing(attempts []audit.Attempt) []Pattern {
	byOrigin := map[string][]audit.Attempt{}
	students := map[string]map[string]bool{}
	for _, a := range attempts {
		if a.NetworkOrigin == "" || a.StudentID == nil {
			continue
		}
		byOrigin[a.NetworkOrigin] = append(byOrigin[a.NetworkOrigin], a)
		if students[a.NetworkOrigin] == nil {
			students[a.NetworkOrigin] = map[string]bool{}
		}
		students[a.NetworkOrigin][*a.StudentID] = true
	}
	var out []Pattern
	for origin, evidence := range byOrigin {
		n := len(students[origin])
		severity := tier(n, e.thresholds.IPMedium, e.thresholds.IPHigh, e.thresholds.IPCritical)
		if severity == "" {
			continue
		}
		out = append(out, Pattern{
			Kind:        KindIPSharing,
			Severity:    severity,
			SharedKey:   origin,
			Description: fmt.Sprintf("%d students attempting from one network origin", n),
			Evidence:    evidence,
		})
	}
	sortBySharedKey(out)
	return out
}

func (e *Engine) deviceSharing(attempts []audit.Attempt) []Pattern {
	byDevice := map[string][]audit.Attempt{}
	students := map[string]map[string]bool{}
	for _, a := range attempts {
		if a.Fingerprint == "" || a.StudentID == nil {
			continue
		}
		byDevice[a.Fingerprint] = append(byDevice[a.Fingerprint], a)
		if students[a.Fingerprint] == nil {
			students[a.Fingerprint] = map[string]bool{}
		}
		students[a.Fingerprint][*a.StudentID] = true
	}
	var out []Pattern
	for device, evidence := range byDevice {
		n := len(students[device])
		if n < e.thresholds.SharedDeviceCritical {
			continue
		}
		out = append(out, Pattern{
			Kind:        KindDeviceSharing,
			Severity:    SeverityCritical,
			SharedKey:   device,
			Description: fmt.Sprintf("%d students sharing one device", n),
			Evidence:    evidence,
		})
	}
	sortBySharedKey(out)
	return out
}

func (e *Engine) locationMismatch(attempts []audit.Attempt) []Pattern {
	byStudent := map[string][]audit.Attempt{}
	for _, a := range attempts {
		if a.StudentID == nil || a.Reason != claim.CodeOutsideRadius {
			continue
		}
		byStudent[*a.StudentID] = append(byStudent[*a.StudentID], a)
	}
	var out []Pattern
	for student, evidence := range byStudent {
		severity := tier(len(evidence), e.thresholds.MismatchMedium, e.thresholds.MismatchHigh, 0)
		if severity == "" {
			continue
		}
		out = append(out, Pattern{
			Kind:        KindLocationMismatch,
			Severity:    severity,
			StudentID:   student,
			Description: fmt.Sprintf("%d attempts from outside the classroom area", len(evidence)),
			Evidence:    evidence,
		})
	}
	sortByStudent(out)
	return out
}

// tier maps a count onto the medium/high/critical ladder; critical of 0
// means the rule has no critical tier.
func tier(n, medium, high, critical int) string {
	switch {
	case critical > 0 && n >= critical:
		return SeverityCritical
	case n >= high:
		return SeverityHigh
	case n >= medium:
		return SeverityMedium
	}
	return ""
}

// Map iteration order is random; keep reports stable for equal severity.
func sortByStudent(ps []Pattern) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].StudentID < ps[j].StudentID })
}

func sortBySharedKey(ps []Pattern) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].SharedKey < ps[j].SharedKey })
}
