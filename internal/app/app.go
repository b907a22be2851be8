package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"drospect/internal/config"
	"drospect/internal/engine"
	"drospect/internal/inspection"
	"drospect/internal/objectstore"
	"drospect/internal/raster"
	"drospect/internal/services"
	"drospect/internal/split"
	"drospect/internal/store"
	"drospect/internal/store/gormstore"
	"drospect/internal/store/primary"
)

type App struct {
	Config *config.Config

	Store     store.Store
	Redis     redis.UniversalClient
	JobClient store.JobClient
	ZipLocker store.ZipLocker
	Objects   objectstore.Store

	Engine     *engine.Client
	Raster     *raster.GDAL
	Inspection *inspection.Client

	// --- Initialized Services ---
	Refunds     *services.RefundCoordinator
	Zips        *services.ZipCoordinator
	Reconciler  *services.Reconciler
	Launcher    *services.Launcher
	Results     *services.ResultPipeline
	AutoStarter *services.AutoStarter
	Sweeper     *services.Sweeper
	TaskService *services.TaskService
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	if err := app.initPrimaryStore(ctx); err != nil {
		return nil, err
	}
	app.initRedis()
	if err := app.initObjectStore(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	app.initClients()
	app.initServices()

	log.WithFields(log.Fields{
		"store":   app.storeKind(),
		"storage": cfg.Storage.Driver,
		"engine":  cfg.Engine.BaseURL,
	}).Info("application initialization complete")
	return app, nil
}

// --- Private Helper Methods ---

func (a *App) initPrimaryStore(ctx context.Context) error {
	dsn := a.Config.Database.Primary.DSN
	if a.Config.UsesPGX() {
		ps, err := primary.NewPrimaryStore(ctx, dsn)
		if err != nil {
			return fmt.Errorf("init primary store: %w", err)
		}
		a.Store = ps
		return nil
	}
	gs, err := gormstore.Open(dsn)
	if err != nil {
		return fmt.Errorf("init gorm store: %w", err)
	}
	a.Store = gs
	return nil
}

// initRedis builds lazy clients; doctor and the worker surface connection errors.
func (a *App) initRedis() {
	opt := a.RedisOpt()
	a.Redis = redis.NewClient(&redis.Options{Addr: opt.Addr, Password: opt.Password, DB: opt.DB})
	a.ZipLocker = store.NewRedisZipLocker(a.Redis)
	// result jobs may download and convert multi-gigabyte rasters
	a.JobClient = store.NewAsynqJobClient(opt, a.Config.Engine.TransferTimeout+a.Config.Raster.Timeout)
}

func (a *App) initObjectStore() error {
	cfg := a.Config.Storage
	if cfg.Driver == "memory" {
		a.Objects = objectstore.NewMemoryStore(cfg.PublicBaseURL)
		return nil
	}
	ms, err := objectstore.NewMinioStore(objectstore.Config{
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		UseSSL:          cfg.UseSSL,
		PublicBaseURL:   cfg.PublicBaseURL,
	})
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	a.Objects = ms
	return nil
}

func (a *App) initClients() {
	cfg := a.Config
	a.Engine = engine.NewClient(engine.Config{
		BaseURL:         cfg.Engine.BaseURL,
		Token:           cfg.Engine.Token,
		Timeout:         cfg.Engine.Timeout,
		TransferTimeout: cfg.Engine.TransferTimeout,
		BatchSize:       cfg.Engine.BatchSize,
		BatchAttempts:   cfg.Engine.BatchAttempts,
		BatchRetryDelay: cfg.Engine.BatchRetryDelay,
	})
	a.Raster = raster.NewGDAL(raster.GDALConfig{
		TranslatePath: cfg.Raster.GDALTranslate,
		InfoPath:      cfg.Raster.GDALInfo,
		BlockSize:     cfg.Raster.BlockSize,
		Compression:   cfg.Raster.Compression,
		Resampling:    cfg.Raster.Resampling,
		Timeout:       cfg.Raster.Timeout,
	})
	a.Inspection = inspection.NewClient(inspection.Config{
		Enabled: cfg.Inspection.Enabled,
		BaseURL: cfg.Inspection.BaseURL,
		APIKey:  cfg.Inspection.APIKey,
		Timeout: cfg.Inspection.Timeout,
	})
}

func (a *App) initServices() {
	cfg := a.Config
	a.Refunds = services.NewRefundCoordinator(a.Store, cfg.Credits.PerImage)
	a.Zips = services.NewZipCoordinator(services.ZipConfig{
		LockTTL:    cfg.Zip.LockTTL,
		BundleName: cfg.Zip.BundleName,
	}, a.Objects, a.ZipLocker, a.JobClient, a.Store, a.Engine)
	a.Reconciler = services.NewReconciler(services.ReconcilerConfig{
		Interval:             cfg.Poller.Interval,
		ErrorInterval:        cfg.Poller.ErrorInterval,
		MaxConsecutiveErrors: cfg.Poller.MaxConsecutiveErrors,
		ResultClaimTTL:       cfg.Poller.ResultClaimTTL,
	}, a.Store, a.Engine, a.JobClient, a.Refunds)
	a.Sweeper = services.NewSweeper(services.SweeperConfig{
		Interval:        cfg.Poller.SweepInterval,
		StaleStartAfter: cfg.Poller.StaleStartAfter,
	}, a.Store, a.Engine, a.Reconciler, a.Refunds)
	a.Launcher = services.NewLauncher(a.Store, a.Store, a.Engine, a.Objects, a.Zips, a.Reconciler)
	a.Results = services.NewResultPipeline(services.ResultConfig{
		WorkDir:         cfg.Raster.WorkDir,
		TileURLTemplate: cfg.Raster.TileURLTemplate,
		Inspection:      a.Inspection.Enabled(),
	}, a.Store, a.Engine, a.Objects, a.Raster, a.JobClient, a.Refunds)
	a.AutoStarter = services.NewAutoStarter(cfg.Scheduler.Interval, a.Store, a.Zips, a.Launcher, a.Refunds)
	a.TaskService = services.NewTaskService(services.TaskServiceConfig{
		StreamMaxImages: cfg.Orchestrator.StreamMaxImages,
		PublicBaseURL:   cfg.Server.PublicBaseURL,
		Split: split.Options{
			AvailableRAMMB:    cfg.Split.AvailableRAMMB,
			RAMPerImageMB:     cfg.Split.RAMPerImageMB,
			MaxImagesPerChunk: cfg.Split.MaxImagesPerChunk,
			OverlapRatio:      cfg.Split.OverlapRatio,
			FootprintFactor:   cfg.Split.FootprintFactor,
			MaxOverlapMeters:  cfg.Split.MaxOverlapMeters,
		},
	}, a.Store, a.Engine, a.Zips, a.Launcher, a.Reconciler, a.Refunds)
}

// RedisOpt is the asynq connection shared by the job client and the worker.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Address,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

// HealthChecks pings every backing service.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"database": a.Store.Ping,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		"storage":  a.Objects.Ping,
		"engine": func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_, err := a.Engine.Info(ctx)
			return err
		},
	}
}

func (a *App) storeKind() string {
	if a.Config.UsesPGX() {
		return "pgx"
	}
	return "gorm"
}

// Close stops the poll loops and releases every connection.
func (a *App) Close() error {
	if a.Reconciler != nil {
		a.Reconciler.Shutdown()
	}
	if a.TaskService != nil {
		a.TaskService.Wait()
	}
	var errs []error
	if a.JobClient != nil {
		errs = append(errs, a.JobClient.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func (a *App) cleanupPartialInit() {
	if a.JobClient != nil {
		a.JobClient.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.WithError(err).Warn("error closing store")
		}
	}
}
