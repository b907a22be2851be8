package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"drospect/internal/app"
	"drospect/internal/worker"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	Long:  `Starts the Asynq worker that builds zip bundles, publishes orthomosaic results and submits inspections.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runWorker(ctx, appInstance); err != nil {
			log.WithError(err).Error("worker exited with error")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// newWorkerServer builds the asynq server and its handler mux from the app.
func newWorkerServer(appInstance *app.App) (*asynq.Server, *asynq.ServeMux) {
	cfg := appInstance.Config

	srv := asynq.NewServer(
		appInstance.RedisOpt(),
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      cfg.Worker.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				fields := log.Fields{"type": task.Type(), "payload": string(task.Payload())}
				if rw := task.ResultWriter(); rw != nil {
					fields["task_id"] = rw.TaskID()
				}
				log.WithFields(fields).WithError(err).Error("job failed")
			}),
			Logger: log.StandardLogger(),
		},
	)

	deps := worker.Deps{
		Bundles: appInstance.Zips,
		Results: appInstance.Results,
	}
	if appInstance.Inspection.Enabled() {
		deps.Inspector = appInstance.Inspection
	} else {
		log.Info("inspection disabled, skipping registration of inspection handler")
	}

	mux := asynq.NewServeMux()
	worker.RegisterHandlers(mux, deps)
	return srv, mux
}

// runWorker blocks until ctx is cancelled, then drains in-flight jobs.
func runWorker(ctx context.Context, appInstance *app.App) error {
	cfg := appInstance.Config
	srv, mux := newWorkerServer(appInstance)

	log.WithFields(log.Fields{
		"concurrency": cfg.Worker.Concurrency,
		"queues":      cfg.Worker.Queues,
	}).Info("starting asynq worker")
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}

	<-ctx.Done()

	log.Info("shutdown signal received, draining worker")
	srv.Stop()
	srv.Shutdown()
	log.Info("worker shutdown complete")
	return nil
}
