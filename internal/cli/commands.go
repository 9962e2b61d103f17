package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/flagx"
)

// NewListCommand lists the form's local records.
func NewListCommand(cfg *config.Config, opts *RootOptions) *cobra.Command {
	var finalOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List locally stored records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, opts.Verbose)
			if err != nil {
				return err
			}
			defer app.Close()

			list, err := app.Records.List(ctx, cfg.FormID, finalOnly)
			if err != nil {
				return err
			}
			for _, r := range list {
				state := "final"
				if r.Draft {
					state = "draft"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					r.InstanceID, state, r.Updated.Format("2006-01-02 15:04:05"), r.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&finalOnly, "final", false, "exclude drafts")
	return cmd
}

// NewSubmitCommand drains the submission queue once.
func NewSubmitCommand(cfg *config.Config, opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "Upload all queued final records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, opts.Verbose)
			if err != nil {
				return err
			}
			defer app.Close()

			app.Bus.OnUploadProgress(func(p events.UploadProgress) {
				fmt.Fprintf(cmd.OutOrStdout(), "[%d/%d] %s: %s\n", p.Index, p.Total, p.InstanceID, p.Status)
			})
			return app.Queue.UploadQueue(ctx)
		},
	}
}

// NewSyncCommand refreshes the cached form definition.
func NewSyncCommand(cfg *config.Config, opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the cached form definition and media",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, opts.Verbose)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.Cache.Init(ctx); err != nil {
				return err
			}
			return app.Cache.Update(ctx)
		},
	}
}

// NewRunCommand runs the background client: periodic queue drains and
// form staleness checks until interrupted.
func NewRunCommand(cfg *config.Config, opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, opts.Verbose)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.Cache.Init(ctx); err != nil {
				app.Log.Warn(ctx, "initial form fetch failed, continuing offline", "error", err)
			}

			go app.Queue.Run(ctx)
			go app.Cache.Run(ctx)

			app.Log.Info(ctx, "fieldsync running", "form_id", cfg.FormID, "collector", cfg.CollectorURL)
			<-ctx.Done()
			return nil
		},
	}
}

// NewFlushCommand empties the local store.
func NewFlushCommand(cfg *config.Config, opts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Remove all locally stored surveys, records and files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to flush without --yes")
			}
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, opts.Verbose)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Store.Flush(ctx)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the flush")
	return cmd
}

// Execute parses configuration and runs the command tree. Flags owned by
// the configuration layer are stripped before cobra parses the rest.
func Execute() error {
	cfg := config.LoadConfig()

	cmd := NewRootCommand(cfg)
	cmd.SetArgs(flagx.StripArgs(os.Args[1:], []string{"-u", "-f", "-d", "-t", "-c", "-config"}))
	return cmd.ExecuteContext(context.Background())
}
