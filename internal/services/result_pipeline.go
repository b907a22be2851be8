package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"drospect/internal/engine"
	"drospect/internal/metrics"
	"drospect/internal/models"
	"drospect/internal/objectstore"
	"drospect/internal/raster"
	"drospect/internal/store"
	"drospect/internal/tasks"
	"drospect/pkg/retry"
)

// Converter turns the engine's GeoTIFF into a tiled raster and describes it.
type Converter interface {
	ToCOG(ctx context.Context, src, dst string) error
	Inspect(ctx context.Context, path string) (*raster.Metadata, error)
}

var _ Converter = (*raster.GDAL)(nil)

type ResultConfig struct {
	WorkDir string
	// TileURLTemplate builds tileServiceUrl; {url} is the escaped COG URL and
	// {taskId} the task ID. Empty serves the COG URL directly.
	TileURLTemplate    string
	DownloadAttempts int
	// DownloadRetryDelay is the base of the quadratic wait between attempts.
	DownloadRetryDelay time.Duration
	Inspection         bool
}

// ResultPipeline publishes a completed engine task's artifacts.
type ResultPipeline struct {
	cfg       ResultConfig
	tasks     store.TaskStore
	engine    Engine
	objects   objectstore.Store
	converter Converter
	jobs      store.JobClient
	refunds   *RefundCoordinator
}

func NewResultPipeline(cfg ResultConfig, taskStore store.TaskStore, eng Engine, objects objectstore.Store, conv Converter, jobs store.JobClient, refunds *RefundCoordinator) *ResultPipeline {
	if cfg.DownloadAttempts <= 0 {
		cfg.DownloadAttempts = 3
	}
	if cfg.DownloadRetryDelay <= 0 {
		cfg.DownloadRetryDelay = 10 * time.Second
	}
	return &ResultPipeline{cfg: cfg, tasks: taskStore, engine: eng, objects: objects, converter: conv, jobs: jobs, refunds: refunds}
}

// Process runs the pipeline for taskID. Failures before the preview is
// published fail the task and refund; later failures only add a warning.
func (p *ResultPipeline) Process(ctx context.Context, taskID string) error {
	started := time.Now()
	task, err := p.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	logger := log.WithFields(log.Fields{"component": "results", "task_id": taskID, "project_id": task.ProjectID})
	if !watchable(task.Status) {
		logger.WithField("status", task.Status).Info("task no longer active, skipping result processing")
		return nil
	}

	if p.cfg.WorkDir != "" {
		if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
			return p.fail(ctx, task, "prepare work dir", err)
		}
	}
	dir, err := os.MkdirTemp(p.cfg.WorkDir, "task-"+taskID+"-")
	if err != nil {
		return p.fail(ctx, task, "prepare work dir", err)
	}
	defer os.RemoveAll(dir)

	archive := filepath.Join(dir, "all.zip")
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: p.cfg.DownloadAttempts,
		Backoff:     retry.Quadratic(p.cfg.DownloadRetryDelay),
		OnRetry: func(attempt int, err error) {
			logger.WithError(err).WithField("attempt", attempt).Warn("result download failed, retrying")
		},
	}, func(int) error {
		err := p.engine.DownloadAll(ctx, taskID, archive)
		if errors.Is(err, engine.ErrTaskNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return p.fail(ctx, task, "download results", err)
	}

	artifacts, err := raster.ExtractArtifacts(archive, dir)
	if err != nil {
		return p.fail(ctx, task, "extract results", err)
	}
	// the archive can be large; drop it before the conversion step
	_ = os.Remove(archive)

	previewURL, err := p.publish(ctx, p.key(taskID, "preview"+path.Ext(artifacts.PreviewPath)), artifacts.PreviewPath, artifacts.PreviewType)
	if err != nil {
		return p.fail(ctx, task, "upload preview", err)
	}
	written, err := p.tasks.UpdateTask(ctx, taskID,
		models.Transition(models.TaskStatusCompleted).WithProgress(100).WithResultURL(previewURL))
	if err != nil {
		return p.fail(ctx, task, "mark task completed", err)
	}
	if !written {
		logger.Info("task became terminal during result processing, discarding results")
		return nil
	}
	metrics.TasksFinished.WithLabelValues(string(models.TaskStatusCompleted)).Inc()
	logger.WithField("result_url", previewURL).Info("task completed")

	results := p.publishRaster(ctx, task, dir, artifacts.GeoRasterPath)
	if err := p.tasks.SaveResults(ctx, taskID, results); err != nil {
		return fmt.Errorf("save results for task %s: %w", taskID, err)
	}
	metrics.ResultDurationSeconds.Observe(time.Since(started).Seconds())
	if results.Warning != "" {
		metrics.TasksPartial.Inc()
		logger.WithField("warning", results.Warning).Warn("task completed with partial results")
	}

	if p.cfg.Inspection && results.RasterURL != "" {
		payload := tasks.InspectionPayload{TaskID: taskID, ProjectID: task.ProjectID, RasterURL: results.RasterURL}
		if err := p.jobs.EnqueueInspection(ctx, payload); err != nil {
			logger.WithError(err).Warn("inspection hand-off not scheduled")
		}
	}
	return nil
}

// publishRaster uploads the geo raster and its COG rendition side by side.
// Each failure becomes part of the warning; nothing here fails the task.
func (p *ResultPipeline) publishRaster(ctx context.Context, task *models.Task, dir, geoRaster string) models.TaskResults {
	var results models.TaskResults
	if geoRaster == "" {
		results.Warning = "result archive has no geo-referenced raster"
		return results
	}

	var (
		mu       sync.Mutex
		warnings []string
		g        errgroup.Group
	)
	warn := func(step string, err error) {
		mu.Lock()
		defer mu.Unlock()
		warnings = append(warnings, fmt.Sprintf("%s: %v", step, err))
	}

	g.Go(func() error {
		u, err := p.publish(ctx, p.key(task.ID, "orthophoto.tif"), geoRaster, "image/tiff")
		if err != nil {
			warn("upload raster", err)
			return nil
		}
		results.RasterURL = u
		return nil
	})
	g.Go(func() error {
		cog := filepath.Join(dir, "orthophoto_cog.tif")
		if err := p.converter.ToCOG(ctx, geoRaster, cog); err != nil {
			warn("convert raster", err)
			return nil
		}
		u, err := p.publish(ctx, p.key(task.ID, "orthophoto_cog.tif"), cog, "image/tiff")
		if err != nil {
			warn("upload tiled raster", err)
			return nil
		}
		results.TileServiceURL = p.tileURL(task.ID, u)

		meta, err := p.converter.Inspect(ctx, cog)
		if err != nil {
			warn("inspect raster", err)
			return nil
		}
		bounds := meta.Bounds
		zoom := raster.ZoomRange(*meta)
		results.Bounds = &bounds
		results.ZoomRange = &zoom
		return nil
	})
	_ = g.Wait()

	results.Warning = strings.Join(warnings, "; ")
	return results
}

func (p *ResultPipeline) publish(ctx context.Context, key, file, contentType string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	if err := p.objects.Put(ctx, key, f, st.Size(), contentType); err != nil {
		return "", err
	}
	return p.objects.URL(key), nil
}

func (p *ResultPipeline) key(taskID, name string) string {
	return path.Join("orthomosaics", taskID, name)
}

func (p *ResultPipeline) tileURL(taskID, cogURL string) string {
	if p.cfg.TileURLTemplate == "" {
		return cogURL
	}
	r := strings.NewReplacer("{url}", url.QueryEscape(cogURL), "{taskId}", taskID)
	return r.Replace(p.cfg.TileURLTemplate)
}

func (p *ResultPipeline) fail(ctx context.Context, task *models.Task, step string, err error) error {
	failTask(ctx, p.tasks, p.refunds, task, fmt.Sprintf("%s: %v", step, err))
	return fmt.Errorf("%s for task %s: %w", step, task.ID, err)
}
