// Package cli is the datacore command line. Every command loads the
// configuration, builds the application and tears it down when done;
// queued jobs are drained before the process exits.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"datacore/internal/app"
	"datacore/internal/config"
	"datacore/internal/logging"
)

// drainTimeout bounds how long a command waits for queued jobs on exit.
const drainTimeout = 3 * time.Hour

// Runtime carries what the commands need from outside the package.
type Runtime struct {
	Version string
	// LoadConfig defaults to config.Load.
	LoadConfig func() (*config.Config, error)
	// NewLogger defaults to logging.New with the configured level and format.
	NewLogger  func(*config.Config) (*zap.Logger, error)
	AppOptions []app.Option
}

// Execute runs the root command against os.Args and exits non-zero on error.
func Execute(version string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand(Runtime{Version: version}).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand(rt Runtime) *cobra.Command {
	if rt.LoadConfig == nil {
		rt.LoadConfig = config.Load
	}
	if rt.NewLogger == nil {
		rt.NewLogger = func(cfg *config.Config) (*zap.Logger, error) {
			return logging.New(cfg.Log.Level, cfg.Log.Format)
		}
	}

	root := &cobra.Command{
		Use:          "datacore",
		Short:        "Clinical research data platform: ingest, REDCap pulls and exports",
		Version:      rt.Version,
		SilenceUsage: true,
	}
	root.AddCommand(
		newLoadCatalogCmd(rt),
		newLoadModelDataCmd(rt),
		newPullCmd(rt),
		newMigrateCmd(rt),
		newExportCmd(rt),
		newDictionaryCmd(rt),
		newServeCmd(rt),
		newMCPCmd(rt),
	)
	return root
}

// withApp builds the application, runs fn and closes the application,
// draining the job queue.
func withApp(cmd *cobra.Command, rt Runtime, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := rt.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := rt.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, log, rt.AppOptions...)
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := a.Close(drainCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return runErr
}
