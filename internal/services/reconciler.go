package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"drospect/internal/engine"
	"drospect/internal/metrics"
	"drospect/internal/models"
	"drospect/internal/store"
)

type ReconcilerConfig struct {
	Interval             time.Duration
	ErrorInterval        time.Duration
	MaxConsecutiveErrors int
	// PollTimeout bounds one poll attempt.
	PollTimeout time.Duration
	// LiveTimeout bounds the engine refresh done for a status query.
	LiveTimeout time.Duration
	// ResultClaimTTL is how long a result claim holds before another
	// completion observation may take it over. It must outlive a result job.
	ResultClaimTTL time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 20 * time.Second
	}
	if c.ErrorInterval <= 0 {
		c.ErrorInterval = 40 * time.Second
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 90 * time.Second
	}
	if c.LiveTimeout <= 0 {
		c.LiveTimeout = 5 * time.Second
	}
	if c.ResultClaimTTL <= 0 {
		c.ResultClaimTTL = 90 * time.Minute
	}
	return c
}

// Reconciler merges the two completion channels, the per-task poll loop and
// the engine webhook, into guarded Task Store writes.
type Reconciler struct {
	cfg     ReconcilerConfig
	tasks   store.TaskStore
	engine  Engine
	jobs    store.JobClient
	refunds *RefundCoordinator

	mu      sync.Mutex
	loops   map[string]*pollLoop
	errs    map[string]int
	stopped bool
}

type pollLoop struct {
	timer *time.Timer
}

func NewReconciler(cfg ReconcilerConfig, tasks store.TaskStore, eng Engine, jobs store.JobClient, refunds *RefundCoordinator) *Reconciler {
	return &Reconciler{
		cfg:     cfg.withDefaults(),
		tasks:   tasks,
		engine:  eng,
		jobs:    jobs,
		refunds: refunds,
		loops:   make(map[string]*pollLoop),
		errs:    make(map[string]int),
	}
}

// Watch starts the poll loop for taskID unless one is running.
func (r *Reconciler) Watch(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if _, ok := r.loops[taskID]; ok {
		return
	}
	loop := &pollLoop{}
	r.loops[taskID] = loop
	metrics.PollLoops.Set(float64(len(r.loops)))
	loop.timer = time.AfterFunc(r.cfg.Interval, func() { r.tick(taskID, loop) })
}

// Watching reports whether a poll loop is active for taskID.
func (r *Reconciler) Watching(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[taskID]
	return ok
}

// Stop ends the poll loop for taskID.
func (r *Reconciler) Stop(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loop, ok := r.loops[taskID]; ok {
		loop.timer.Stop()
		delete(r.loops, taskID)
		metrics.PollLoops.Set(float64(len(r.loops)))
	}
	delete(r.errs, taskID)
}

// Shutdown stops every loop; later Watch calls are ignored.
func (r *Reconciler) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, loop := range r.loops {
		loop.timer.Stop()
		delete(r.loops, id)
	}
	metrics.PollLoops.Set(0)
}

// Resume restarts loops for every task the engine is working on. Tasks whose
// result job was lost are picked up again once their claim goes stale.
func (r *Reconciler) Resume(ctx context.Context) (int, error) {
	active, err := r.tasks.ListActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	for _, t := range active {
		r.Watch(t.ID)
	}
	return len(active), nil
}

func (r *Reconciler) tick(taskID string, loop *pollLoop) {
	next := r.cfg.Interval
	done := false
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{"task_id": taskID, "panic": p}).Error("poll tick panicked")
				next = r.cfg.ErrorInterval
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PollTimeout)
		defer cancel()
		var failed bool
		done, failed = r.poll(ctx, taskID)
		if failed {
			next = r.cfg.ErrorInterval
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops[taskID] != loop {
		// stopped or replaced while polling
		return
	}
	if done || r.stopped {
		delete(r.loops, taskID)
		delete(r.errs, taskID)
		metrics.PollLoops.Set(float64(len(r.loops)))
		return
	}
	loop.timer = time.AfterFunc(next, func() { r.tick(taskID, loop) })
}

// PollOnce runs one poll attempt and reports whether the task needs no more
// polling.
func (r *Reconciler) PollOnce(ctx context.Context, taskID string) bool {
	done, _ := r.poll(ctx, taskID)
	return done
}

func (r *Reconciler) poll(ctx context.Context, taskID string) (done, failed bool) {
	logger := log.WithFields(log.Fields{"component": "poller", "task_id": taskID})
	task, err := r.tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return true, false
	}
	if err != nil {
		logger.WithError(err).Warn("failed to load task")
		return false, true
	}
	if !watchable(task.Status) {
		return true, false
	}

	info, err := r.engine.TaskInfo(ctx, taskID)
	if err != nil {
		return r.engineError(ctx, task, err), true
	}
	r.clearErrors(taskID)
	return r.apply(ctx, task, info), false
}

// HandleWebhook applies an engine push for taskID. A body that carries a
// status code is used as is; otherwise the engine is asked.
func (r *Reconciler) HandleWebhook(ctx context.Context, taskID string, body []byte) error {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"component": "webhook", "task_id": taskID})
	if task.Status.IsTerminal() {
		logger.WithField("status", task.Status).Debug("webhook for terminal task ignored")
		return nil
	}

	info, ok := engine.ParseTaskInfo(body)
	if ok && info.UUID != "" && info.UUID != taskID {
		logger.WithField("uuid", info.UUID).Warn("webhook payload names another task, querying engine")
		ok = false
	}
	if !ok {
		info, err = r.engine.TaskInfo(ctx, taskID)
		if err != nil {
			if engine.IsTransient(err) {
				r.engineError(ctx, task, err)
				return nil
			}
			failTask(ctx, r.tasks, r.refunds, task, fmt.Sprintf("webhook handling failed: %v", err))
			r.Stop(taskID)
			return nil
		}
	}
	r.clearErrors(taskID)
	if r.apply(ctx, task, info) {
		r.Stop(taskID)
	}
	return nil
}

// Refresh asks the engine for a live status of an active task. On any engine
// error the stored snapshot is returned. Only an engine that no longer knows
// the task fails it here; other errors are left to the poll loop's streak.
func (r *Reconciler) Refresh(ctx context.Context, task *models.Task) *models.Task {
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusProcessing {
		return task
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.LiveTimeout)
	defer cancel()

	info, err := r.engine.TaskInfo(ctx, task.ID)
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		if r.engineError(ctx, task, err) {
			r.Stop(task.ID)
		}
	case err != nil:
		log.WithError(err).WithField("task_id", task.ID).Debug("live status unavailable, serving snapshot")
	default:
		r.clearErrors(task.ID)
		if r.apply(ctx, task, info) {
			r.Stop(task.ID)
		}
	}
	fresh, err := r.tasks.GetTask(context.WithoutCancel(ctx), task.ID)
	if err != nil {
		log.WithError(err).WithField("task_id", task.ID).Warn("failed to reload task, serving snapshot")
		return task
	}
	return fresh
}

// engineError counts a failed status query and fails the task once the
// threshold is reached or the engine no longer knows it. It reports whether
// the task is finished.
func (r *Reconciler) engineError(ctx context.Context, task *models.Task, err error) bool {
	logger := log.WithFields(log.Fields{"task_id": task.ID, "project_id": task.ProjectID})
	if errors.Is(err, engine.ErrTaskNotFound) {
		failTask(ctx, r.tasks, r.refunds, task, "engine no longer knows this task")
		return true
	}
	metrics.EnginePollErrors.Inc()
	n := r.recordError(task.ID)
	if n >= r.cfg.MaxConsecutiveErrors {
		failTask(ctx, r.tasks, r.refunds, task, fmt.Sprintf("lost contact with engine after %d consecutive errors: %v", n, err))
		return true
	}
	logger.WithError(err).WithField("consecutive_errors", n).Warn("engine status query failed")
	return false
}

// apply merges an engine status into the store. It reports whether the task
// needs no more polling.
func (r *Reconciler) apply(ctx context.Context, task *models.Task, info *engine.TaskInfo) bool {
	status, known := info.Status.TaskStatus()
	if !known {
		log.WithFields(log.Fields{"task_id": task.ID, "code": int(info.Status)}).Warn("unknown engine status code, keeping current status")
		if _, err := r.tasks.UpdateTask(ctx, task.ID, models.TaskUpdate{}.WithProgress(info.ProgressPercent())); err != nil {
			log.WithError(err).WithField("task_id", task.ID).Warn("failed to record progress")
		}
		return false
	}

	switch status {
	case models.TaskStatusFailed:
		failure := &engine.FailureError{Code: info.Status, Message: info.ErrorMessage}
		failTask(ctx, r.tasks, r.refunds, task, failure.Error())
		return true
	case models.TaskStatusCompleted:
		return r.complete(ctx, task)
	default:
		written, err := r.tasks.UpdateTask(ctx, task.ID, models.Transition(status).WithProgress(info.ProgressPercent()))
		if err != nil {
			log.WithError(err).WithField("task_id", task.ID).Warn("failed to record engine status")
			return false
		}
		if written {
			if status != task.Status {
				log.WithFields(log.Fields{"task_id": task.ID, "from": task.Status, "to": status}).Info("task status changed")
			}
			return false
		}
		// the write was refused: either a late code or a terminal row
		current, err := r.tasks.GetTask(ctx, task.ID)
		return err == nil && !watchable(current.Status)
	}
}

// complete hands a finished engine task to the result pipeline. Both channels
// may observe completion; only the one that claims the result enqueues it.
func (r *Reconciler) complete(ctx context.Context, task *models.Task) bool {
	logger := log.WithFields(log.Fields{"task_id": task.ID, "project_id": task.ProjectID})
	if _, err := r.tasks.UpdateTask(ctx, task.ID, models.Transition(models.TaskStatusProcessing).WithProgress(100)); err != nil {
		logger.WithError(err).Warn("failed to record engine completion")
	}
	claimed, err := r.tasks.ClaimResult(ctx, task.ID, r.cfg.ResultClaimTTL)
	if err != nil {
		logger.WithError(err).Warn("failed to claim result processing")
		return false
	}
	if !claimed {
		return true
	}
	if err := r.jobs.EnqueueResultProcessing(ctx, task.ID); err != nil {
		failTask(ctx, r.tasks, r.refunds, task, fmt.Sprintf("could not schedule result processing: %v", err))
		return true
	}
	logger.Info("engine finished, result processing scheduled")
	return true
}

func (r *Reconciler) recordError(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[taskID]++
	return r.errs[taskID]
}

func (r *Reconciler) clearErrors(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.errs, taskID)
}

// ConsecutiveErrors is the current error streak for taskID.
func (r *Reconciler) ConsecutiveErrors(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[taskID]
}

func watchable(s models.TaskStatus) bool {
	return s == models.TaskStatusPending || s == models.TaskStatusProcessing
}
