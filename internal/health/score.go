// Package health probes carrier gateways and maintains their health status.
package health

import (
	"time"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// Scorer turns metrics into a 0-100 score and bucket.
type Scorer struct {
	LatencyCritical time.Duration
	LatencyWarning  time.Duration
	HealthyMin      int
	DegradedMin     int
}

func DefaultScorer() Scorer {
	return Scorer{
		LatencyCritical: 500 * time.Millisecond,
		LatencyWarning:  200 * time.Millisecond,
		HealthyMin:      70,
		DegradedMin:     40,
	}
}

type penalty struct {
	critical, warning      float64
	criticalCost, warnCost int
	above                  bool // exceeding the threshold is bad
}

var (
	asrPenalty         = penalty{critical: 50, warning: 70, criticalCost: 30, warnCost: 15}
	failureRatePenalty = penalty{critical: 20, warning: 10, criticalCost: 25, warnCost: 10, above: true}
	utilizationPenalty = penalty{critical: 95, warning: 85, criticalCost: 20, warnCost: 10, above: true}
)

func (p penalty) cost(v float64) int {
	if p.above {
		switch {
		case v > p.critical:
			return p.criticalCost
		case v > p.warning:
			return p.warnCost
		}
		return 0
	}
	switch {
	case v < p.critical:
		return p.criticalCost
	case v < p.warning:
		return p.warnCost
	}
	return 0
}

// Score computes the health score. A failed probe is scored as the worst case
// for latency, answer ratio and failure rate.
func (s Scorer) Score(m models.HealthMetrics) int {
	score := 100

	switch {
	case !m.ProbeOK || m.ProbeLatency > s.LatencyCritical:
		score -= 20
	case m.ProbeLatency > s.LatencyWarning:
		score -= 10
	}

	asr, failureRate := m.ASR, m.FailureRate
	if !m.ProbeOK {
		asr, failureRate = 0, 100
	}
	score -= asrPenalty.cost(asr)
	score -= failureRatePenalty.cost(failureRate)
	score -= utilizationPenalty.cost(m.Utilization)

	if score < 0 {
		score = 0
	}
	return score
}

// Bucket classifies a score.
func (s Scorer) Bucket(score int) models.HealthBucket {
	switch {
	case score >= s.HealthyMin:
		return models.HealthHealthy
	case score >= s.DegradedMin:
		return models.HealthDegraded
	default:
		return models.HealthUnhealthy
	}
}

// BucketForStatus is the bucket a persisted gateway status implies, used as
// the starting point before any probe has run.
func BucketForStatus(s models.GatewayStatus) models.HealthBucket {
	switch s {
	case models.GatewayActive:
		return models.HealthHealthy
	case models.GatewayDegraded:
		return models.HealthDegraded
	default:
		return models.HealthUnhealthy
	}
}
