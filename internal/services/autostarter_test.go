package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drospect/internal/engine"
	"drospect/internal/models"
)

func TestTick_EmptyQueue(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.starter.Tick(context.Background()))
}

func TestTick_StartsOldestQueuedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putBundle(t)
	first := h.seedTask(t, models.TaskStatusQueued, 3)
	time.Sleep(2 * time.Millisecond)
	second := h.seedTask(t, models.TaskStatusQueued, 3)

	require.NoError(t, h.starter.Tick(ctx))
	assert.Equal(t, models.TaskStatusPending, h.task(t, first.ID).Status)
	assert.Equal(t, models.TaskStatusQueued, h.task(t, second.ID).Status)
	assert.True(t, h.rec.Watching(first.ID))

	require.NoError(t, h.starter.Tick(ctx))
	assert.Equal(t, models.TaskStatusPending, h.task(t, second.ID).Status)
}

func TestTick_BlockedProjectDoesNotHoldUpQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addProject(t, "proj-2")
	blocked := h.seedTask(t, models.TaskStatusQueued, 3)
	time.Sleep(2 * time.Millisecond)
	h.putProjectBundle(t, "proj-2")
	ready := h.seedProjectTask(t, "proj-2", models.TaskStatusQueued, 3)

	require.NoError(t, h.starter.Tick(ctx))
	assert.Equal(t, models.TaskStatusQueued, h.task(t, blocked.ID).Status)
	assert.Equal(t, []string{testProject}, h.jobs.zipBuilds)

	require.NoError(t, h.starter.Tick(ctx))
	assert.Equal(t, models.TaskStatusPending, h.task(t, ready.ID).Status)
	_, ok := h.engine.startedWith(ready.ID)
	assert.True(t, ok)

	// the blocked task keeps waiting without another build being triggered
	require.NoError(t, h.starter.Tick(ctx))
	assert.Equal(t, models.TaskStatusQueued, h.task(t, blocked.ID).Status)
	assert.Len(t, h.jobs.zipBuilds, 1)
}

func TestTick_ConcurrentStartersClaimOnce(t *testing.T) {
	h := newHarness(t)
	h.putBundle(t)
	task := h.seedTask(t, models.TaskStatusQueued, 3)
	other := NewAutoStarter(time.Second, h.store, h.zips, h.launcher, h.refunds)

	var wg sync.WaitGroup
	for i := range 8 {
		starter := h.starter
		if i%2 == 1 {
			starter = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, starter.Tick(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.engine.startCount())
	assert.Equal(t, models.TaskStatusPending, h.task(t, task.ID).Status)
}

func TestTick_ConcurrentStartersDrainMixedQueue(t *testing.T) {
	h := newHarness(t)
	other := NewAutoStarter(time.Second, h.store, h.zips, h.launcher, h.refunds)

	blocked := h.seedTask(t, models.TaskStatusQueued, 3)
	var ready []*models.Task
	for _, project := range []string{"proj-2", "proj-3", "proj-4"} {
		time.Sleep(2 * time.Millisecond)
		h.addProject(t, project)
		h.putProjectBundle(t, project)
		ready = append(ready, h.seedProjectTask(t, project, models.TaskStatusQueued, 3))
	}

	allPending := func() bool {
		for _, task := range ready {
			if h.task(t, task.ID).Status != models.TaskStatusPending {
				return false
			}
		}
		return true
	}
	for round := 0; round < 20 && !allPending(); round++ {
		var wg sync.WaitGroup
		for _, starter := range []*AutoStarter{h.starter, other} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, starter.Tick(context.Background()))
			}()
		}
		wg.Wait()
	}

	assert.True(t, allPending())
	assert.Equal(t, len(ready), h.engine.startCount())
	assert.Equal(t, models.TaskStatusQueued, h.task(t, blocked.ID).Status)
}

func TestTick_EngineRejectionFailsAndRefunds(t *testing.T) {
	h := newHarness(t)
	h.putBundle(t)
	task := h.seedTask(t, models.TaskStatusQueued, 3)
	h.engine.startErr = &engine.APIError{Op: "commit", StatusCode: 500, Message: "disk full"}

	require.NoError(t, h.starter.Tick(context.Background()))
	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "disk full")
	assert.Equal(t, startingBalance, h.balance(t))
}

func TestTick_CancelledWhileStartingCancelsEngineTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putBundle(t)
	task := h.seedTask(t, models.TaskStatusStarting, 3)

	_, err := h.store.UpdateTask(ctx, task.ID, models.Transition(models.TaskStatusCancelled))
	require.NoError(t, err)
	require.NoError(t, h.launcher.FromBundle(ctx, task))

	assert.Equal(t, models.TaskStatusCancelled, h.task(t, task.ID).Status)
	assert.Equal(t, []string{task.ID}, h.engine.cancelled)
	assert.False(t, h.rec.Watching(task.ID))
}

func TestAutoStarter_StartStop(t *testing.T) {
	h := newHarness(t)
	h.putBundle(t)
	task := h.seedTask(t, models.TaskStatusQueued, 3)

	starter := NewAutoStarter(time.Second, h.store, h.zips, h.launcher, h.refunds)
	require.NoError(t, starter.Start())
	assert.Eventually(t, func() bool {
		got, err := h.store.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == models.TaskStatusPending
	}, 3*time.Second, 20*time.Millisecond)
	starter.Stop()
}
