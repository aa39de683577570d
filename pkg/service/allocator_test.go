package service_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stojanov/flowline/pkg/models"
)

func TestAllocator_RoundRobin(t *testing.T) {
	t.Run("FairAcrossSequentialTasks", func(t *testing.T) {
		f := newFixture()
		f.seedRole(1, "agent", 101, 102, 103)
		wfID, stepIDs := f.seedWorkflow()
		wf, err := f.store.GetWorkflow(wfID)
		assert.NoError(t, err)
		step, err := f.store.GetStep(stepIDs[0])
		assert.NoError(t, err)

		// N members, N sequential single-user allocations: each member is
		// selected exactly once before any repeats.
		seen := make(map[int64]int)
		for i := 0; i < 3; i++ {
			task := models.Task{TicketRef: fmt.Sprintf("TCK-%d", i), WorkflowID: wfID, TicketPriority: models.UrgentPriority}
			id, err := f.store.SaveTask(task)
			assert.NoError(t, err)
			task.ID = id

			items, err := f.allocator.AssignUsersForStep(f.store, task, wf, step)
			assert.NoError(t, err)
			assert.Len(t, items, 1)
			seen[items[0].UserID]++
		}
		assert.Len(t, seen, 3)
		for userID, count := range seen {
			assert.Equal(t, 1, count, "user %d assigned %d times", userID, count)
		}
	})

	t.Run("WrapsAroundAfterFullRotation", func(t *testing.T) {
		f := newFixture()
		f.seedRole(1, "agent", 101, 102)
		wfID, stepIDs := f.seedWorkflow()
		wf, _ := f.store.GetWorkflow(wfID)
		step, _ := f.store.GetStep(stepIDs[0])

		var order []int64
		for i := 0; i < 4; i++ {
			task := models.Task{TicketRef: fmt.Sprintf("TCK-%d", i), WorkflowID: wfID}
			id, _ := f.store.SaveTask(task)
			task.ID = id
			items, err := f.allocator.AssignUsersForStep(f.store, task, wf, step)
			assert.NoError(t, err)
			order = append(order, items[0].UserID)
		}
		assert.Equal(t, order[0], order[2])
		assert.Equal(t, order[1], order[3])
		assert.NotEqual(t, order[0], order[1])
	})

	t.Run("EmptyRoleLeavesStepUnstaffed", func(t *testing.T) {
		f := newFixture()
		wfID, stepIDs := f.seedWorkflow()
		wf, _ := f.store.GetWorkflow(wfID)
		step, _ := f.store.GetStep(stepIDs[0])

		task := models.Task{TicketRef: "TCK-0", WorkflowID: wfID}
		id, _ := f.store.SaveTask(task)
		task.ID = id

		items, err := f.allocator.AssignUsersForStep(f.store, task, wf, step)
		assert.NoError(t, err)
		assert.Empty(t, items)
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("NewItemGetsHistoryAndSLATarget", func(t *testing.T) {
		f := newFixture()
		f.seedRole(1, "agent", 101)
		wfID, stepIDs := f.seedWorkflow()
		wf, _ := f.store.GetWorkflow(wfID)
		step, _ := f.store.GetStep(stepIDs[0])

		task := models.Task{TicketRef: "TCK-0", WorkflowID: wfID, TicketPriority: models.UrgentPriority}
		id, _ := f.store.SaveTask(task)
		task.ID = id

		items, err := f.allocator.AssignUsersForStep(f.store, task, wf, step)
		assert.NoError(t, err)
		assert.Len(t, items, 1)

		item := items[0]
		assert.NotNil(t, item.TargetResolution)
		// Weight 1 of 4 against the 4h urgent window gives a 1h share.
		assert.Equal(t, item.AssignedOn.Add(time.Hour), *item.TargetResolution)

		last, err := f.store.LatestTaskItemHistory(item.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.NewItemStatus, last.Status)
		assert.Equal(t, []int64{101}, f.notifier.sent)
	})
}

func TestAllocator_TicketOwner(t *testing.T) {
	t.Run("DrawsFromCoordinatorRole", func(t *testing.T) {
		f := newFixture()
		f.seedRole(1, "agent", 101)
		f.seedRole(2, "coordinator", 201, 202)
		wfID, stepIDs := f.seedWorkflow()

		task := models.Task{TicketRef: "TCK-0", WorkflowID: wfID}
		id, _ := f.store.SaveTask(task)
		task.ID = id

		owner, err := f.allocator.AssignTicketOwner(f.store, task, stepIDs[0])
		assert.NoError(t, err)
		assert.NotNil(t, owner)
		assert.Equal(t, "coordinator", owner.RoleName)

		saved, err := f.store.GetTask(id)
		assert.NoError(t, err)
		assert.NotNil(t, saved.OwnerItemID)
		assert.Equal(t, owner.ID, *saved.OwnerItemID)
	})

	t.Run("NoCoordinatorsIsNotAnError", func(t *testing.T) {
		f := newFixture()
		wfID, stepIDs := f.seedWorkflow()
		task := models.Task{TicketRef: "TCK-0", WorkflowID: wfID}
		id, _ := f.store.SaveTask(task)
		task.ID = id

		owner, err := f.allocator.AssignTicketOwner(f.store, task, stepIDs[0])
		assert.NoError(t, err)
		assert.Nil(t, owner)
	})

	t.Run("OwnerRotationIndependentOfStepRotation", func(t *testing.T) {
		f := newFixture()
		f.seedRole(1, "agent", 101, 102)
		f.seedRole(2, "coordinator", 201, 202)
		wfID, stepIDs := f.seedWorkflow()
		wf, _ := f.store.GetWorkflow(wfID)
		step, _ := f.store.GetStep(stepIDs[0])

		var owners []int64
		for i := 0; i < 2; i++ {
			task := models.Task{TicketRef: fmt.Sprintf("TCK-%d", i), WorkflowID: wfID}
			id, _ := f.store.SaveTask(task)
			task.ID = id
			_, err := f.allocator.AssignUsersForStep(f.store, task, wf, step)
			assert.NoError(t, err)
			owner, err := f.allocator.AssignTicketOwner(f.store, task, stepIDs[0])
			assert.NoError(t, err)
			owners = append(owners, owner.UserID)
		}
		// Coordinator cursor rotates on its own, unaffected by agent staffing.
		assert.ElementsMatch(t, []int64{201, 202}, owners)
	})
}
