package cli

import (
	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
)

// RootOptions holds flags shared by all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand builds the fieldsync command tree. Configuration is
// assembled from defaults, an optional JSON config file and environment
// flags before cobra parses its own.
func NewRootCommand(cfg *config.Config) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline form-filling client for an OpenRosa collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		NewListCommand(cfg, opts),
		NewSubmitCommand(cfg, opts),
		NewSyncCommand(cfg, opts),
		NewRunCommand(cfg, opts),
		NewFlushCommand(cfg, opts),
	)
	return cmd
}
