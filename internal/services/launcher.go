package services

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"drospect/internal/models"
	"drospect/internal/objectstore"
	"drospect/internal/store"
)

// Launcher creates engine tasks for tasks in the starting state and hands
// them to the Reconciler.
type Launcher struct {
	tasks      store.TaskStore
	projects   store.ProjectStore
	engine     Engine
	objects    objectstore.Store
	zips       *ZipCoordinator
	reconciler *Reconciler
}

func NewLauncher(taskStore store.TaskStore, projects store.ProjectStore, eng Engine, objects objectstore.Store, zips *ZipCoordinator, rec *Reconciler) *Launcher {
	return &Launcher{tasks: taskStore, projects: projects, engine: eng, objects: objects, zips: zips, reconciler: rec}
}

// FromBundle points the engine at the project's ready bundle.
func (l *Launcher) FromBundle(ctx context.Context, task *models.Task) error {
	if err := l.engine.StartFromArchive(ctx, task.ID, initRequest(task), l.zips.BundleURL(task.ProjectID)); err != nil {
		return fmt.Errorf("start engine task from bundle: %w", err)
	}
	return l.started(ctx, task)
}

// Stream uploads the project's live image set in batches.
func (l *Launcher) Stream(ctx context.Context, task *models.Task) error {
	images, err := l.projects.ListImages(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("list project images: %w", err)
	}
	sources, err := imageSources(l.objects, l.engine, images)
	if err != nil {
		return err
	}
	if err := l.engine.Upload(ctx, task.ID, initRequest(task), sources); err != nil {
		return err
	}
	return l.started(ctx, task)
}

func (l *Launcher) started(ctx context.Context, task *models.Task) error {
	written, err := l.tasks.UpdateTask(ctx, task.ID, models.Transition(models.TaskStatusPending))
	if err != nil {
		return fmt.Errorf("mark task pending: %w", err)
	}
	logger := log.WithFields(log.Fields{"task_id": task.ID, "project_id": task.ProjectID})
	if !written {
		// cancelled while the engine task was being created
		logger.Info("task left starting before the engine accepted it, cancelling engine task")
		if err := l.engine.Cancel(context.WithoutCancel(ctx), task.ID); err != nil {
			logger.WithError(err).Debug("engine cancel failed")
		}
		return nil
	}
	logger.Info("engine task started")
	l.reconciler.Watch(task.ID)
	return nil
}
