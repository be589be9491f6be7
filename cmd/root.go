// Package cmd defines and implements the CLI commands for the scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mystery000/sainsburys-scraper/internal/app"
	"github.com/mystery000/sainsburys-scraper/internal/config"
	"github.com/mystery000/sainsburys-scraper/internal/pipeline"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 10 * time.Second

// App is what the commands need from the application container. Tests swap
// in a fake through newApp.
type App interface {
	Logger() *zap.Logger
	NewRunID() (string, error)
	RunLinks(ctx context.Context, runID string) (pipeline.StageResult, error)
	RunProducts(ctx context.Context, runID string) (pipeline.StageResult, error)
	Close(ctx context.Context)
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.New(ctx, cfg, app.Options{})
}

// loadConfig reads the configuration file and environment.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var (
		cfgFile   string
		logToFile bool
	)
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Scrapes the Sainsbury's grocery catalog into CSV files.",
		Long: `scraper walks every category listing of the Sainsbury's groceries site to
collect product links, then resolves each link through the product API into
one normalized CSV row per product.`,
		SilenceUsage: true,

		// Builds the App once the flags are parsed; subcommands read it from
		// the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logToFile {
				cfg.Logging.ToFile = true
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "write logs to the rotating log file instead of stderr")

	cmd.AddCommand(newLinksCmd(), newProductsCmd(), newRunCmd())
	return cmd
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp resolves the App, runs fn with a fresh run id, and closes the App
// afterwards whatever fn returns.
func withApp(fn func(ctx context.Context, a App, runID string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, ok := cmd.Context().Value(appKey).(App)
		if !ok || appInstance == nil {
			return errors.New("application services not initialized")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			appInstance.Close(ctx)
		}()

		runID, err := appInstance.NewRunID()
		if err != nil {
			return fmt.Errorf("run id: %w", err)
		}
		return fn(cmd.Context(), appInstance, runID)
	}
}

// stageErr turns an interrupted stage into a clean exit; the partial output
// stays on disk.
func stageErr(logger *zap.Logger, res pipeline.StageResult, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn("stage interrupted, partial output kept",
			zap.String("stage", string(res.Stage)),
			zap.String("file", res.File),
			zap.Int("rows", res.Rows),
		)
		return nil
	}
	return fmt.Errorf("%s stage: %w", res.Stage, err)
}
