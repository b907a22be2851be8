package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"drospect/internal/apihandlers"
	"drospect/internal/app"
	"drospect/internal/metrics"
)

var (
	serveAddr      string
	servePort      int
	embeddedWorker bool
	skipMigrate    bool
)

const shutdownTimeout = 15 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP API",
	Long: `Starts the HTTP API for starting, inspecting and cancelling orthomosaic tasks and
the engine completion webhook. Poll loops for in-flight tasks are resumed on start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		cfg := appInstance.Config

		addr := cfg.ListenAddr()
		if cmd.Flags().Changed("addr") || cmd.Flags().Changed("port") {
			host, port := cfg.Server.Addr, cfg.Server.Port
			if cmd.Flags().Changed("addr") {
				host = serveAddr
			}
			if cmd.Flags().Changed("port") {
				port = servePort
			}
			addr = net.JoinHostPort(host, strconv.Itoa(port))
		}
		embedded := cfg.Worker.Embedded
		if cmd.Flags().Changed("embedded-worker") {
			embedded = embeddedWorker
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !skipMigrate {
			if err := appInstance.Store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		resumed, err := appInstance.Reconciler.Resume(ctx)
		if err != nil {
			return fmt.Errorf("failed to resume poll loops: %w", err)
		}
		log.WithField("tasks", resumed).Info("resumed poll loops")

		if err := appInstance.Sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
		defer appInstance.Sweeper.Stop()

		if cfg.Scheduler.Enabled {
			if err := appInstance.AutoStarter.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer appInstance.AutoStarter.Stop()
		}

		return runServer(ctx, appInstance, addr, embedded)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "0.0.0.0", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&embeddedWorker, "embedded-worker", false, "Run the job worker in this process (overrides worker.embedded)")
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply the schema on start")
}

// newRouter builds the gin engine with every API route mounted.
func newRouter(appInstance *app.App) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	checks := make(map[string]apihandlers.HealthCheck)
	for name, fn := range appInstance.HealthChecks() {
		checks[name] = fn
	}
	apihandlers.NewAPIHandler(appInstance.TaskService, checks).Register(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestDurationSeconds.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		entry := log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     route,
			"status":   status,
			"duration": elapsed.String(),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

// runServer serves HTTP, and optionally the job worker, until ctx is done.
func runServer(ctx context.Context, appInstance *app.App, addr string, embedded bool) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(appInstance),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", addr).Info("starting drospect API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to run API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down API server")
		return srv.Shutdown(shutdownCtx)
	})
	if embedded {
		g.Go(func() error {
			return runWorker(gctx, appInstance)
		})
	}
	return g.Wait()
}
