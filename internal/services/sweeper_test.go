package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drospect/internal/engine"
	"drospect/internal/models"
)

func newTestSweeper(h *harness) *Sweeper {
	return NewSweeper(SweeperConfig{Interval: time.Hour, StaleStartAfter: time.Millisecond}, h.store, h.engine, h.rec, h.refunds)
}

func TestSweep_RequeuesStartTheEngineNeverSaw(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusStarting, 3)
	h.engine.setInfo(func(string) (*engine.TaskInfo, error) {
		return nil, fmt.Errorf("info: %w", engine.ErrTaskNotFound)
	})
	time.Sleep(5 * time.Millisecond)

	report, err := newTestSweeper(h).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, models.TaskStatusQueued, h.task(t, task.ID).Status)
	assert.Equal(t, startingBalance-h.refunds.Charge(3), h.balance(t))
}

func TestSweep_FailsHalfStartedTask(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusStarting, 3)
	time.Sleep(5 * time.Millisecond)

	report, err := newTestSweeper(h).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "interrupted")
	assert.Equal(t, []string{task.ID}, h.engine.cancelled)
	assert.Equal(t, startingBalance, h.balance(t))
}

func TestSweep_LeavesStartsAloneWhileEngineIsDown(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusStarting, 3)
	h.engine.setInfo(unreachable)
	time.Sleep(5 * time.Millisecond)

	report, err := newTestSweeper(h).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Requeued+report.Failed)
	assert.Equal(t, models.TaskStatusStarting, h.task(t, task.ID).Status)
}

func TestSweep_IgnoresFreshStarts(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusStarting, 3)

	sweeper := NewSweeper(SweeperConfig{StaleStartAfter: time.Hour}, h.store, h.engine, h.rec, h.refunds)
	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Requeued+report.Failed)
	assert.Equal(t, models.TaskStatusStarting, h.task(t, task.ID).Status)
	assert.Zero(t, h.engine.infoCalls)
}

func TestSweep_WatchesActiveTasks(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusProcessing, 3)

	report, err := newTestSweeper(h).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Watched)
	assert.True(t, h.rec.Watching(task.ID))
}

func TestSweep_RecoversLostResultJob(t *testing.T) {
	h := newHarness(t, func(_ *TaskServiceConfig, c *ReconcilerConfig) {
		c.ResultClaimTTL = time.Millisecond
	})
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusProcessing, 3)
	h.engine.reportCode(engine.StatusCompleted, 100, "")

	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	require.Equal(t, 1, h.jobs.resultCount())

	// the job never runs; a sweep re-attaches the task and the stale claim is retaken
	time.Sleep(5 * time.Millisecond)
	_, err := newTestSweeper(h).Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, h.rec.Watching(task.ID))
	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	assert.Equal(t, 2, h.jobs.resultCount())

	require.NoError(t, h.results.Process(ctx, task.ID))
	assert.Equal(t, models.TaskStatusCompleted, h.task(t, task.ID).Status)
	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	assert.Equal(t, 2, h.jobs.resultCount())
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	sweeper := NewSweeper(SweeperConfig{Interval: time.Second}, h.store, h.engine, h.rec, h.refunds)
	require.NoError(t, sweeper.Start())
	sweeper.Stop()
}
