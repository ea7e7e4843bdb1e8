package pattern

import (
	"time"

	"presence/internal/audit"
)

// DayCount is one day of the rolling trend.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Stats are dashboard aggregates over a slice of attempts. They carry no
// pass/fail semantics.
type Stats struct {
	TotalAttempts  int            `json:"total_attempts"`
	UniqueStudents int            `json:"unique_students"`
	UniqueOrigins  int            `json:"unique_origins"`
	UniqueDevices  int            `json:"unique_devices"`
	ByType         map[string]int `json:"by_type"`
	ByReason       map[string]int `json:"by_reason"`
	Hourly         [24]int        `json:"hourly"`
	DailyTrend     []DayCount     `json:"daily_trend"`
}

// Aggregate computes attempt statistics. The daily trend covers the seven
// days ending at now, oldest first.
func Aggregate(attempts []audit.Attempt, now time.Time) Stats {
	s := Stats{
		ByType:   map[string]int{},
		ByReason: map[string]int{},
	}
	students := map[string]bool{}
	origins := map[string]bool{}
	devices := map[string]bool{}
	daily := map[string]int{}

	for _, a := range attempts {
		s.TotalAttempts++
		if a.StudentID != nil {
			students[*a.StudentID] = true
		}
		if a.NetworkOrigin != "" {
			origins[a.NetworkOrigin] = true
		}
		if a.Fingerprint != "" {
			devices[a.Fingerprint] = true
		}
		s.ByType[a.Type]++
		s.ByReason[a.Reason]++
		s.Hourly[a.CreatedAt.UTC().Hour()]++
		daily[a.CreatedAt.UTC().Format("2006-01-02")]++
	}
	s.UniqueStudents = len(students)
	s.UniqueOrigins = len(origins)
	s.UniqueDevices = len(devices)

	for i := 6; i >= 0; i-- {
		day := now.UTC().AddDate(0, 0, -i).Format("2006-01-02")
		s.DailyTrend = append(s.DailyTrend, DayCount{Day: day, Count: daily[day]})
	}
	return s
}
