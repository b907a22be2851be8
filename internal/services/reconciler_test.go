package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drospect/internal/engine"
	"drospect/internal/models"
	"drospect/internal/store"
)

func unreachable(string) (*engine.TaskInfo, error) {
	return nil, &engine.TransientError{Op: "info", StatusCode: 502, Err: errors.New("bad gateway")}
}

func TestPoll_FailsAfterConsecutiveErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusProcessing, 10)
	h.engine.setInfo(unreachable)

	for i := 1; i < 5; i++ {
		assert.False(t, h.rec.PollOnce(ctx, task.ID), "attempt %d", i)
		assert.Equal(t, i, h.rec.ConsecutiveErrors(task.ID))
	}
	assert.Equal(t, models.TaskStatusProcessing, h.task(t, task.ID).Status)

	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "5 consecutive errors")
	assert.Equal(t, startingBalance, h.balance(t))
}

func TestPoll_SuccessResetsErrorStreak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusPending, 10)

	h.engine.setInfo(unreachable)
	for range 4 {
		h.rec.PollOnce(ctx, task.ID)
	}
	h.engine.reportCode(engine.StatusRunning, 10, "")
	assert.False(t, h.rec.PollOnce(ctx, task.ID))
	assert.Zero(t, h.rec.ConsecutiveErrors(task.ID))

	h.engine.setInfo(unreachable)
	for range 4 {
		assert.False(t, h.rec.PollOnce(ctx, task.ID))
	}
	assert.Equal(t, models.TaskStatusProcessing, h.task(t, task.ID).Status)
}

func TestPoll_UnknownEngineTaskFailsImmediately(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusPending, 10)
	h.engine.setInfo(func(string) (*engine.TaskInfo, error) {
		return nil, fmt.Errorf("info: %w", engine.ErrTaskNotFound)
	})

	assert.True(t, h.rec.PollOnce(context.Background(), task.ID))
	assert.Equal(t, models.TaskStatusFailed, h.task(t, task.ID).Status)
	assert.Equal(t, startingBalance, h.balance(t))
}

func TestPoll_ProgressNeverGoesBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusPending, 10)

	h.engine.reportCode(engine.StatusRunning, 50, "")
	h.rec.PollOnce(ctx, task.ID)
	h.engine.reportCode(engine.StatusRunning, 30, "")
	h.rec.PollOnce(ctx, task.ID)
	assert.Equal(t, 50, h.task(t, task.ID).Progress)

	// a late queued code cannot move a processing task back
	h.engine.reportCode(engine.StatusQueued, 0, "")
	assert.False(t, h.rec.PollOnce(ctx, task.ID))
	assert.Equal(t, models.TaskStatusProcessing, h.task(t, task.ID).Status)
}

func TestPoll_UnknownCodeKeepsStatus(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusPending, 10)
	h.engine.reportCode(engine.StatusCode(99), 37, "")

	assert.False(t, h.rec.PollOnce(context.Background(), task.ID))
	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, 37, got.Progress)
}

func TestPoll_EngineCancelMapsToFailed(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusProcessing, 10)
	h.engine.reportCode(engine.StatusCanceled, 0, "")

	assert.True(t, h.rec.PollOnce(context.Background(), task.ID))
	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "CANCELED")
}

func TestPoll_StopsForInactiveTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.True(t, h.rec.PollOnce(ctx, "missing"))

	task := h.seedTask(t, models.TaskStatusQueued, 1)
	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	assert.Zero(t, h.engine.infoCalls)
}

func TestWebhook_TerminalStatesAreSticky(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusPending, 10)
	_, err := h.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)

	body := []byte(`{"uuid":"` + task.ID + `","status":{"code":40},"progress":100}`)
	require.NoError(t, h.svc.HandleWebhook(ctx, task.ID, body))
	assert.Equal(t, models.TaskStatusCancelled, h.task(t, task.ID).Status)
	assert.Empty(t, h.jobs.results)
	assert.Zero(t, h.engine.infoCalls)
}

func TestWebhook_UnknownTask(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleWebhook(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWebhook_UsesPayloadStatus(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusProcessing, 10)
	h.rec.Watch(task.ID)

	body := []byte(`{"uuid":"` + task.ID + `","status":{"code":40},"progress":100}`)
	require.NoError(t, h.svc.HandleWebhook(context.Background(), task.ID, body))

	assert.Zero(t, h.engine.infoCalls)
	assert.Equal(t, []string{task.ID}, h.jobs.results)
	assert.False(t, h.rec.Watching(task.ID))
	got := h.task(t, task.ID)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.ResultClaimedAt)
}

func TestWebhook_QueriesEngineWithoutUsablePayload(t *testing.T) {
	for name, body := range map[string]string{
		"empty":      "",
		"no status":  `{"uuid":"x"}`,
		"other task": `{"uuid":"someone-else","status":{"code":30}}`,
		"not json":   "<html>",
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			task := h.seedTask(t, models.TaskStatusPending, 10)
			h.engine.reportCode(engine.StatusRunning, 20, "")

			require.NoError(t, h.svc.HandleWebhook(context.Background(), task.ID, []byte(body)))
			assert.Equal(t, 1, h.engine.infoCalls)
			assert.Equal(t, models.TaskStatusProcessing, h.task(t, task.ID).Status)
		})
	}
}

func TestWebhook_EngineErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusPending, 10)

	h.engine.setInfo(unreachable)
	require.NoError(t, h.svc.HandleWebhook(ctx, task.ID, nil))
	assert.Equal(t, models.TaskStatusPending, h.task(t, task.ID).Status)
	assert.Equal(t, 1, h.rec.ConsecutiveErrors(task.ID))

	h.engine.setInfo(func(string) (*engine.TaskInfo, error) {
		return nil, &engine.APIError{Op: "info", StatusCode: 403, Message: "forbidden"}
	})
	require.NoError(t, h.svc.HandleWebhook(ctx, task.ID, nil))
	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "webhook handling failed")
	assert.Equal(t, startingBalance, h.balance(t))
}

func TestCompletion_BothChannelsEnqueueOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusProcessing, 10)
	h.engine.reportCode(engine.StatusCompleted, 100, "")
	body := []byte(`{"uuid":"` + task.ID + `","status":{"code":40}}`)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				h.rec.PollOnce(ctx, task.ID)
				return
			}
			_ = h.rec.HandleWebhook(ctx, task.ID, body)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.jobs.resultCount())
}

func TestCompletion_EnqueueFailureFailsTask(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask(t, models.TaskStatusProcessing, 10)
	h.jobs.resultErr = errors.New("redis unavailable")
	h.engine.reportCode(engine.StatusCompleted, 100, "")

	assert.True(t, h.rec.PollOnce(context.Background(), task.ID))
	got := h.task(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "could not schedule result processing")
	assert.Equal(t, startingBalance, h.balance(t))
}

func TestCompletion_FreshClaimIsKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusProcessing, 10)
	h.engine.reportCode(engine.StatusCompleted, 100, "")

	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	assert.Equal(t, 1, h.jobs.resultCount())
}

func TestCompletion_LostResultJobIsRescheduledAfterResume(t *testing.T) {
	h := newHarness(t, func(_ *TaskServiceConfig, c *ReconcilerConfig) {
		c.ResultClaimTTL = time.Millisecond
	})
	ctx := context.Background()
	task := h.seedTask(t, models.TaskStatusProcessing, 10)
	h.engine.reportCode(engine.StatusCompleted, 100, "")

	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	require.Equal(t, 1, h.jobs.resultCount())

	time.Sleep(5 * time.Millisecond)
	n, err := h.rec.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.rec.PollOnce(ctx, task.ID))
	assert.Equal(t, 2, h.jobs.resultCount())
	assert.Equal(t, models.TaskStatusProcessing, h.task(t, task.ID).Status)
}

func TestWatch_LoopRunsUntilDone(t *testing.T) {
	h := newHarness(t, func(_ *TaskServiceConfig, c *ReconcilerConfig) {
		c.Interval = 5 * time.Millisecond
		c.ErrorInterval = 5 * time.Millisecond
	})
	task := h.seedTask(t, models.TaskStatusPending, 10)
	h.engine.reportCode(engine.StatusCompleted, 100, "")

	h.rec.Watch(task.ID)
	h.rec.Watch(task.ID)
	assert.Eventually(t, func() bool {
		return h.jobs.resultCount() == 1 && !h.rec.Watching(task.ID)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatch_IgnoredAfterShutdown(t *testing.T) {
	h := newHarness(t)
	h.rec.Shutdown()
	h.rec.Watch("task-x")
	assert.False(t, h.rec.Watching("task-x"))
}

func TestResume_WatchesActiveTasks(t *testing.T) {
	h := newHarness(t)
	pending := h.seedTask(t, models.TaskStatusPending, 1)
	processing := h.seedTask(t, models.TaskStatusProcessing, 1)
	queued := h.seedTask(t, models.TaskStatusQueued, 1)

	n, err := h.rec.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, h.rec.Watching(pending.ID))
	assert.True(t, h.rec.Watching(processing.ID))
	assert.False(t, h.rec.Watching(queued.ID))
}
