// Package worker holds the asynq handlers for background jobs.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"drospect/internal/inspection"
	"drospect/internal/tasks"
)

type BundleBuilder interface {
	BuildBundle(ctx context.Context, projectID string) error
}

type ResultProcessor interface {
	Process(ctx context.Context, taskID string) error
}

type Inspector interface {
	Submit(ctx context.Context, req inspection.Request) (*inspection.Response, error)
}

// Deps are the services the handlers drive. A nil Inspector leaves the
// inspection type unregistered.
type Deps struct {
	Bundles   BundleBuilder
	Results   ResultProcessor
	Inspector Inspector
}

// RegisterHandlers registers every job type on mux.
func RegisterHandlers(mux *asynq.ServeMux, deps Deps) {
	mux.HandleFunc(tasks.TypeZipBuild, HandleZipBuild(deps.Bundles))
	mux.HandleFunc(tasks.TypeResultProcessing, HandleResultProcessing(deps.Results))
	if deps.Inspector != nil {
		mux.HandleFunc(tasks.TypeInspection, HandleInspection(deps.Inspector))
	}
	log.WithField("inspection", deps.Inspector != nil).Info("job handlers registered")
}

// HandleZipBuild builds the project's bundle. Failures are retried by asynq.
func HandleZipBuild(b BundleBuilder) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p tasks.ZipBuildPayload
		if err := tasks.Decode(t.Payload(), &p); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if p.ProjectID == "" {
			return fmt.Errorf("zip build without project id: %w", asynq.SkipRetry)
		}
		return b.BuildBundle(ctx, p.ProjectID)
	}
}

// HandleResultProcessing runs the result pipeline. The pipeline has already
// failed and refunded the task when it returns an error, so it is never retried.
func HandleResultProcessing(r ResultProcessor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p tasks.ResultPayload
		if err := tasks.Decode(t.Payload(), &p); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if err := r.Process(ctx, p.TaskID); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

// HandleInspection submits the raster to the inspection service.
func HandleInspection(i Inspector) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p tasks.InspectionPayload
		if err := tasks.Decode(t.Payload(), &p); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		resp, err := i.Submit(ctx, inspection.Request{TaskID: p.TaskID, ProjectID: p.ProjectID, RasterURL: p.RasterURL})
		if errors.Is(err, inspection.ErrDisabled) {
			return nil
		}
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"task_id": p.TaskID, "inspection_id": resp.ID, "status": resp.Status}).Info("inspection submitted")
		return nil
	}
}
