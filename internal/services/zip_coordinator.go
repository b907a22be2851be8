package services

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"drospect/internal/engine"
	"drospect/internal/objectstore"
	"drospect/internal/store"
)

// ZipState is the readiness of a project's source-image bundle.
type ZipState string

const (
	ZipPending    ZipState = "pending"
	ZipInProgress ZipState = "in_progress"
	ZipCompleted  ZipState = "completed"
)

type ZipConfig struct {
	// LockTTL bounds how long a crashed build can hold the in_progress marker.
	LockTTL    time.Duration
	BundleName string
}

// ZipCoordinator derives bundle readiness from the object store and the build
// lock, and triggers builds.
type ZipCoordinator struct {
	cfg      ZipConfig
	objects  objectstore.Store
	locker   store.ZipLocker
	jobs     store.JobClient
	projects store.ProjectStore
	engine   Engine
}

func NewZipCoordinator(cfg ZipConfig, objects objectstore.Store, locker store.ZipLocker, jobs store.JobClient, projects store.ProjectStore, eng Engine) *ZipCoordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	if cfg.BundleName == "" {
		cfg.BundleName = "images.zip"
	}
	return &ZipCoordinator{cfg: cfg, objects: objects, locker: locker, jobs: jobs, projects: projects, engine: eng}
}

// BundleKey is the object key of the project's bundle.
func (z *ZipCoordinator) BundleKey(projectID string) string {
	return path.Join("projects", projectID, z.cfg.BundleName)
}

// BundleURL is the URL the engine downloads the bundle from.
func (z *ZipCoordinator) BundleURL(projectID string) string {
	return z.objects.URL(z.BundleKey(projectID))
}

// State reports the bundle's readiness without blocking on a build.
func (z *ZipCoordinator) State(ctx context.Context, projectID string) (ZipState, error) {
	exists, err := z.objects.Exists(ctx, z.BundleKey(projectID))
	if err != nil {
		return "", fmt.Errorf("check bundle for project %s: %w", projectID, err)
	}
	if exists {
		return ZipCompleted, nil
	}
	held, err := z.locker.Held(ctx, projectID)
	if err != nil {
		return "", err
	}
	if held {
		return ZipInProgress, nil
	}
	return ZipPending, nil
}

// EnsureBundle triggers a build unless the bundle exists or one is running.
// The lock is taken before the job is enqueued, so concurrent callers cannot
// both start a build.
func (z *ZipCoordinator) EnsureBundle(ctx context.Context, projectID string) (ZipState, error) {
	state, err := z.State(ctx, projectID)
	if err != nil || state != ZipPending {
		return state, err
	}
	acquired, err := z.locker.Acquire(ctx, projectID, z.cfg.LockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		return ZipInProgress, nil
	}
	if err := z.jobs.EnqueueZipBuild(ctx, projectID); err != nil {
		if rerr := z.locker.Release(context.WithoutCancel(ctx), projectID); rerr != nil {
			log.WithError(rerr).WithField("project_id", projectID).Warn("failed to release zip lock")
		}
		return "", err
	}
	log.WithFields(log.Fields{"component": "zip", "project_id": projectID}).Info("bundle build triggered")
	return ZipInProgress, nil
}

// BuildBundle streams every project image into a zip archive written straight
// to the object store. It runs in the worker.
func (z *ZipCoordinator) BuildBundle(ctx context.Context, projectID string) error {
	logger := log.WithFields(log.Fields{"component": "zip", "project_id": projectID})
	key := z.BundleKey(projectID)

	exists, err := z.objects.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check bundle for project %s: %w", projectID, err)
	}
	if exists {
		return z.locker.Release(ctx, projectID)
	}

	// retries run without the trigger's lock; refresh it for the build
	if _, err := z.locker.Acquire(ctx, projectID, z.cfg.LockTTL); err != nil {
		return err
	}
	defer func() {
		if err := z.locker.Release(context.WithoutCancel(ctx), projectID); err != nil {
			logger.WithError(err).Warn("failed to release zip lock")
		}
	}()

	images, err := z.projects.ListImages(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list images for project %s: %w", projectID, err)
	}
	if len(images) == 0 {
		return fmt.Errorf("project %s has no images to bundle", projectID)
	}
	sources, err := imageSources(z.objects, z.engine, images)
	if err != nil {
		return err
	}

	started := time.Now()
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := writeBundle(gctx, pw, sources)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := z.objects.Put(gctx, key, pr, -1, "application/zip")
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("build bundle for project %s: %w", projectID, err)
	}
	logger.WithFields(log.Fields{"images": len(sources), "elapsed": time.Since(started).Round(time.Second)}).Info("bundle built")
	return nil
}

func writeBundle(ctx context.Context, w io.Writer, sources []engine.ImageSource) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]int, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := uniqueName(seen, src.Name())
		// images are already compressed
		part, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: time.Now()})
		if err != nil {
			return err
		}
		rc, err := src.Open(ctx)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		_, err = io.Copy(part, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return zw.Close()
}

func uniqueName(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
}
