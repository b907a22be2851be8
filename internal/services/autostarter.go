package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"drospect/internal/models"
	"drospect/internal/store"
)

// AutoStarter promotes queued tasks once their project bundle is ready.
// Instances coordinate through the queued -> starting claim only.
type AutoStarter struct {
	interval time.Duration
	timeout  time.Duration
	tasks    store.TaskStore
	zips     *ZipCoordinator
	launcher *Launcher
	refunds  *RefundCoordinator
	cron     *cron.Cron
}

func NewAutoStarter(interval time.Duration, taskStore store.TaskStore, zips *ZipCoordinator, launcher *Launcher, refunds *RefundCoordinator) *AutoStarter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cron.PrintfLogger(log.WithField("component", "autostarter"))
	return &AutoStarter{
		interval: interval,
		timeout:  5 * time.Minute,
		tasks:    taskStore,
		zips:     zips,
		launcher: launcher,
		refunds:  refunds,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start schedules Tick every interval.
func (a *AutoStarter) Start() error {
	_, err := a.cron.AddFunc("@every "+a.interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.Tick(ctx); err != nil {
			log.WithError(err).WithField("component", "autostarter").Warn("scheduler tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule auto-starter: %w", err)
	}
	a.cron.Start()
	log.WithField("interval", a.interval).Info("auto-starter started")
	return nil
}

// Stop waits for a running tick to finish.
func (a *AutoStarter) Stop() {
	<-a.cron.Stop().Done()
}

// Tick claims the oldest queued task and either starts it on the engine or
// releases it after making sure its bundle is being built.
func (a *AutoStarter) Tick(ctx context.Context) error {
	task, err := a.tasks.NextQueuedTask(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"component": "autostarter", "task_id": task.ID, "project_id": task.ProjectID})

	claimed, err := a.tasks.UpdateTask(ctx, task.ID, models.Transition(models.TaskStatusStarting))
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("task claimed elsewhere")
		return nil
	}

	state, err := a.zips.State(ctx, task.ProjectID)
	if err != nil {
		a.release(ctx, task.ID, false)
		return err
	}
	if state == ZipCompleted {
		if err := a.launcher.FromBundle(ctx, task); err != nil {
			failTask(ctx, a.tasks, a.refunds, task, err.Error())
		}
		return nil
	}

	if _, err := a.zips.EnsureBundle(ctx, task.ProjectID); err != nil {
		logger.WithError(err).Warn("bundle build not triggered")
	}
	a.release(ctx, task.ID, true)
	logger.WithField("bundle", state).Debug("bundle not ready, task released")
	return nil
}

// release returns a claimed task to the queue, through zipping when a bundle
// is outstanding.
func (a *AutoStarter) release(ctx context.Context, taskID string, zipping bool) {
	ctx = context.WithoutCancel(ctx)
	if zipping {
		if _, err := a.tasks.UpdateTask(ctx, taskID, models.Transition(models.TaskStatusZipping)); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("failed to mark task zipping")
		}
	}
	if _, err := a.tasks.UpdateTask(ctx, taskID, models.Transition(models.TaskStatusQueued)); err != nil {
		log.WithError(err).WithField("task_id", taskID).Error("failed to release task claim")
	}
}
