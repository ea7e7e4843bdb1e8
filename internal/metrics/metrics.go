package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Claim outcome counters, labelled with the stable rejection code (or "ok").
var (
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_claims_total",
		Help: "Attendance claims processed, by outcome code.",
	}, []string{"code"})

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_tokens_issued_total",
		Help: "Rotating attendance tokens issued.",
	})

	PatternsDetected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_patterns_detected",
		Help: "Suspicious patterns found by the last scan, by severity.",
	}, []string{"severity"})
)

// OutcomeOK labels a successful claim in ClaimsTotal.
const OutcomeOK = "ok"
