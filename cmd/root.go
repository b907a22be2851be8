package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"drospect/internal/app"
	"drospect/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "drospect",
	Short: "Drospect orthomosaic orchestrator",
	Long: `Drospect drives thermal orthomosaic processing: it charges credits, hands image
sets to the processing engine, follows progress and publishes the resulting rasters.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	// PersistentPreRunE runs before any subcommand's RunE
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipInit(cmd) {
			return nil
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
			return err
		}

		appInstance, err := app.NewApp(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return nil
		}
		return appInstance.Close()
	},
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type contextKey string

const appKey contextKey = "app"

// GetAppFromContext retrieves the app stored by PersistentPreRunE.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func skipInit(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "version", "completion":
		return true
	}
	return cmd.Annotations["skipInit"] == "true"
}

func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (defaults to ./config.yaml or /etc/drospect)")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the database, Redis, storage and the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}

		failed := runChecks(ctx, appInstance.HealthChecks(), cmd.OutOrStdout())
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func runChecks(ctx context.Context, checks map[string]func(context.Context) error, w io.Writer) int {
	failed := 0
	for _, name := range slices.Sorted(maps.Keys(checks)) {
		if err := checks[name](ctx); err != nil {
			failed++
			fmt.Fprintf(w, "  %-10s %s: %v\n", name, color.RedString("FAIL"), err)
			continue
		}
		fmt.Fprintf(w, "  %-10s %s\n", name, color.GreenString("OK"))
	}
	return failed
}
