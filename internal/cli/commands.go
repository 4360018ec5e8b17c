package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"datacore/internal/app"
	"datacore/internal/service"
)

// ── Catalog and data loads ─────────────────────────────────

func newLoadCatalogCmd(rt Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "load-catalog",
		Short: "Seed projects and instruments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(ctx context.Context, a *app.App) error {
				res, err := a.Catalogs.LoadCatalog(ctx, a.Catalog.SeedProjects())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "projects: %d, instruments added: %d\n", res.Projects, res.InstrumentsAdded)
				return nil
			})
		},
	}
}

func newLoadModelDataCmd(rt Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "load-model-data",
		Short: "Ingest every CSV file of the ingest manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(ctx context.Context, a *app.App) error {
				results, err := a.Ingest.LoadModelData(ctx)
				for i, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: read %d, written %d, skipped %d\n",
						a.Catalog.Ingest[i].File, r.RowsRead, r.RowsWritten, r.Skipped)
				}
				return err
			})
		},
	}
}

func newMigrateCmd(rt Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-data",
		Short: "Copy per-project models into the unified models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(ctx context.Context, a *app.App) error {
				results, err := a.Migrations.Migrate(ctx)
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s): read %d, written %d, skipped %d\n",
						r.Source, r.Target, r.Project, r.Read, r.Written, r.Skipped)
				}
				return err
			})
		},
	}
}

// ── Pulls and exports ──────────────────────────────────────

func newPullCmd(rt Runtime) *cobra.Command {
	var projects, emails []string
	cmd := &cobra.Command{
		Use:   "pull-project-data",
		Short: "Pull REDCap projects into their models",
		Long: "Queues one pull per project and waits for the queue to drain. " +
			"Completion and failure are reported by email only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(ctx context.Context, a *app.App) error {
				if len(projects) == 0 {
					projects = a.Catalog.PullProjects()
				}
				var errs []error
				for _, p := range projects {
					ack, err := a.Pulls.Pull(ctx, service.PullRequest{Project: p, Emails: emails})
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", p, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %v\n", ack.Project, ack.Status, ack.Models)
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringSliceVar(&projects, "project_names", nil, "projects to pull (default: every project with a pull plan)")
	cmd.Flags().StringSliceVar(&emails, "emails", nil, "recipients of the completion email")
	_ = cmd.MarkFlagRequired("emails")
	return cmd
}

func newExportCmd(rt Runtime) *cobra.Command {
	var req service.ExportRequest
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Merge models into one CSV or Excel file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(ctx context.Context, a *app.App) error {
				req.Requester = "cli"
				job, err := a.Exports.Submit(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "export %s queued as %s\n", job.ID, job.FileName)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "export name, used in the file name")
	f.StringVar(&req.Format, "format", "csv", "csv or xlsx")
	f.StringSliceVar(&req.Models, "models", nil, "models to merge")
	f.StringSliceVar(&req.Projects, "projects", nil, "projects whose instruments are merged")
	f.StringSliceVar(&req.Fields, "fields", nil, "columns to keep (default: all)")
	f.StringSliceVar(&req.RecordIDs, "record_ids", nil, "record ids to keep (default: all)")
	f.StringSliceVar(&req.Emails, "emails", nil, "recipients of the completion email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newDictionaryCmd(rt Runtime) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "data-dictionary",
		Short: "Print the data dictionary of a model as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(_ context.Context, a *app.App) error {
				return a.Exports.Dictionary(model, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// ── Servers ────────────────────────────────────────────────

func newServeCmd(rt Runtime) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the pull schedule and the ingest watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.HTTPAddr
				}
				if err := a.StartScheduler(ctx); err != nil {
					return err
				}

				srv := a.API()
				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start(addr) }()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				a.Log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.Log.Warn("http shutdown", zap.Error(err))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: HTTP_ADDR)")
	return cmd
}

func newMCPCmd(rt Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, rt, func(_ context.Context, a *app.App) error {
				a.Log.Info("mcp stdio server starting")
				return a.MCP(rt.Version).ServeStdio()
			})
		},
	}
}
