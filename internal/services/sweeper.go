package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"drospect/internal/engine"
	"drospect/internal/models"
	"drospect/internal/store"
)

type SweeperConfig struct {
	Interval time.Duration
	// StaleStartAfter is how long a task may sit in starting before it is
	// treated as abandoned by a crashed process.
	StaleStartAfter time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.StaleStartAfter <= 0 {
		c.StaleStartAfter = 2 * time.Hour
	}
	return c
}

// SweepReport counts what one sweep recovered.
type SweepReport struct {
	Watched  int
	Requeued int
	Failed   int
}

// Sweeper recovers tasks that no running process is driving: active tasks
// without a poll loop and tasks stuck in starting.
type Sweeper struct {
	cfg        SweeperConfig
	tasks      store.TaskStore
	engine     Engine
	reconciler *Reconciler
	refunds    *RefundCoordinator
	cron       *cron.Cron
}

func NewSweeper(cfg SweeperConfig, taskStore store.TaskStore, eng Engine, rec *Reconciler, refunds *RefundCoordinator) *Sweeper {
	logger := cron.PrintfLogger(log.WithField("component", "sweeper"))
	return &Sweeper{
		cfg:        cfg.withDefaults(),
		tasks:      taskStore,
		engine:     eng,
		reconciler: rec,
		refunds:    refunds,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start schedules Sweep every interval.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc("@every "+s.cfg.Interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			log.WithError(err).WithField("component", "sweeper").Warn("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	log.WithField("interval", s.cfg.Interval).Info("sweeper started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep re-attaches poll loops and settles abandoned starts.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	watched, err := s.reconciler.Resume(ctx)
	if err != nil {
		return report, err
	}
	report.Watched = watched

	stale, err := s.tasks.ListStaleTasks(ctx, models.TaskStatusStarting, time.Now().Add(-s.cfg.StaleStartAfter))
	if err != nil {
		return report, err
	}
	for _, task := range stale {
		switch s.settleStart(ctx, task) {
		case models.TaskStatusQueued:
			report.Requeued++
		case models.TaskStatusFailed:
			report.Failed++
		}
	}
	if report.Requeued > 0 || report.Failed > 0 {
		log.WithFields(log.Fields{
			"component": "sweeper",
			"requeued":  report.Requeued,
			"failed":    report.Failed,
		}).Info("abandoned starts settled")
	}
	return report, nil
}

// settleStart requeues a stale starting task the engine never saw. One the
// engine knows may be half uploaded, so it is cancelled there and failed.
// The returned status is the one written, or empty when nothing was.
func (s *Sweeper) settleStart(ctx context.Context, task *models.Task) models.TaskStatus {
	logger := log.WithFields(log.Fields{"component": "sweeper", "task_id": task.ID, "project_id": task.ProjectID})

	_, err := s.engine.TaskInfo(ctx, task.ID)
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		written, err := s.tasks.UpdateTask(ctx, task.ID, models.Transition(models.TaskStatusQueued))
		if err != nil {
			logger.WithError(err).Warn("failed to requeue abandoned start")
			return ""
		}
		if !written {
			return ""
		}
		logger.Info("abandoned start requeued")
		return models.TaskStatusQueued
	case err != nil:
		logger.WithError(err).Warn("engine unavailable, abandoned start left for the next sweep")
		return ""
	}

	if err := s.engine.Cancel(context.WithoutCancel(ctx), task.ID); err != nil {
		logger.WithError(err).Debug("engine cancel failed")
	}
	if failTask(ctx, s.tasks, s.refunds, task, "task start was interrupted") {
		return models.TaskStatusFailed
	}
	return ""
}
