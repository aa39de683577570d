package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/service"
)

func TestTargetResolution(t *testing.T) {
	wf := models.Workflow{
		SLAUrgentHours: 4,
		SLAHighHours:   8,
		SLAMediumHours: 24,
		SLALowHours:    72,
	}
	assignedOn := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("WeightedSplit", func(t *testing.T) {
		// Steps weighted [1, 2, 1] against an urgent 4h SLA get 1h, 2h, 1h.
		weights := []float64{1, 2, 1}
		expected := []time.Duration{time.Hour, 2 * time.Hour, time.Hour}
		for i, w := range weights {
			step := models.Step{Weight: w}
			target := service.TargetResolution(wf, step, models.UrgentPriority, 4, assignedOn)
			assert.Equal(t, assignedOn.Add(expected[i]), target)
		}
	})

	t.Run("SplitsSumToFullWindow", func(t *testing.T) {
		weights := []float64{1, 2, 1}
		var total time.Duration
		for _, w := range weights {
			step := models.Step{Weight: w}
			target := service.TargetResolution(wf, step, models.UrgentPriority, 4, assignedOn)
			total += target.Sub(assignedOn)
		}
		assert.InDelta(t, float64(4*time.Hour), float64(total), float64(time.Second))
	})

	t.Run("ZeroWeightSumGetsFullWindow", func(t *testing.T) {
		step := models.Step{Weight: 1}
		target := service.TargetResolution(wf, step, models.UrgentPriority, 0, assignedOn)
		assert.Equal(t, assignedOn.Add(4*time.Hour), target)
	})

	t.Run("UnknownPriorityFallsBackToMedium", func(t *testing.T) {
		step := models.Step{Weight: 1}
		target := service.TargetResolution(wf, step, models.ParsePriority("bogus"), 1, assignedOn)
		assert.Equal(t, assignedOn.Add(24*time.Hour), target)
	})

	t.Run("TierSelection", func(t *testing.T) {
		step := models.Step{Weight: 1}
		cases := map[models.Priority]time.Duration{
			models.UrgentPriority: 4 * time.Hour,
			models.HighPriority:   8 * time.Hour,
			models.MediumPriority: 24 * time.Hour,
			models.LowPriority:    72 * time.Hour,
		}
		for priority, want := range cases {
			target := service.TargetResolution(wf, step, priority, 1, assignedOn)
			assert.Equal(t, assignedOn.Add(want), target, "priority %s", priority)
		}
	})
}

func TestClassifySLA(t *testing.T) {
	assignedOn := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	target := assignedOn.Add(4 * time.Hour)
	resolvedEarly := assignedOn.Add(time.Hour)
	resolvedLate := target.Add(time.Minute)

	t.Run("NoTarget", func(t *testing.T) {
		assert.Equal(t, service.NoSLAStatus, service.ClassifySLA(assignedOn, nil, nil, assignedOn))
	})

	t.Run("MetWhenResolvedBeforeTarget", func(t *testing.T) {
		assert.Equal(t, service.MetSLAStatus, service.ClassifySLA(assignedOn, &target, &resolvedEarly, resolvedLate))
	})

	t.Run("BreachedWhenResolvedAfterTarget", func(t *testing.T) {
		assert.Equal(t, service.BreachedStatus, service.ClassifySLA(assignedOn, &target, &resolvedLate, resolvedLate))
	})

	t.Run("BreachedWhenOpenPastTarget", func(t *testing.T) {
		now := target.Add(time.Minute)
		assert.Equal(t, service.BreachedStatus, service.ClassifySLA(assignedOn, &target, nil, now))
	})

	t.Run("OnTrackEarlyInWindow", func(t *testing.T) {
		now := assignedOn.Add(time.Hour)
		assert.Equal(t, service.OnTrackStatus, service.ClassifySLA(assignedOn, &target, nil, now))
	})

	t.Run("AtRiskLateInWindow", func(t *testing.T) {
		now := assignedOn.Add(3*time.Hour + 30*time.Minute)
		assert.Equal(t, service.AtRiskStatus, service.ClassifySLA(assignedOn, &target, nil, now))
	})
}
