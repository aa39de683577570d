package service

import (
	"time"

	"github.com/stojanov/flowline/pkg/models"
)

// SLAStatus is the derived service-level classification of a work item.
// It is recomputed on demand and never persisted as the source of truth.
type SLAStatus string

const (
	NoSLAStatus    SLAStatus = "no_sla"
	MetSLAStatus   SLAStatus = "met"
	BreachedStatus SLAStatus = "breached"
	OnTrackStatus  SLAStatus = "on_track"
	AtRiskStatus   SLAStatus = "at_risk"
)

// atRiskFraction is the share of the SLA window after which an unresolved
// item is flagged at risk.
const atRiskFraction = 0.8

// TargetResolution derives a work item's resolution deadline: the workflow's
// SLA window for the ticket's priority tier, split across steps by relative
// weight. A zero weight sum gives every step the full window instead of
// dividing by zero.
func TargetResolution(wf models.Workflow, step models.Step, priority models.Priority, sumWeights float64, assignedOn time.Time) time.Time {
	total := time.Duration(wf.SLAHours(priority) * float64(time.Hour))
	if sumWeights <= 0 {
		return assignedOn.Add(total)
	}
	share := time.Duration(float64(total) * (step.Weight / sumWeights))
	return assignedOn.Add(share)
}

// ClassifySLA reports where a work item stands against its target. resolvedAt
// is nil for still-open items.
func ClassifySLA(assignedOn time.Time, target *time.Time, resolvedAt *time.Time, now time.Time) SLAStatus {
	if target == nil {
		return NoSLAStatus
	}
	if resolvedAt != nil {
		if resolvedAt.After(*target) {
			return BreachedStatus
		}
		return MetSLAStatus
	}
	if now.After(*target) {
		return BreachedStatus
	}
	window := target.Sub(assignedOn)
	if window > 0 && now.Sub(assignedOn) >= time.Duration(float64(window)*atRiskFraction) {
		return AtRiskStatus
	}
	return OnTrackStatus
}
