package root

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/cmd/conduit/plugins"
	"github.com/flarebyte/conduit/cmd/conduit/run"
	"github.com/flarebyte/conduit/cmd/conduit/serve"
	"github.com/flarebyte/conduit/cmd/conduit/validate"
	"github.com/flarebyte/conduit/cmd/conduit/version"
	"github.com/flarebyte/conduit/internal/logger"
)

// NewRootCmd creates the root command for conduit.
func NewRootCmd() *cobra.Command {
	opts := &app.Options{}
	cmd := &cobra.Command{
		Use:   "conduit",
		Short: "Streaming data pipelines built from pluggable stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Show help when no subcommand is provided.
			return cmd.Help()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Sync()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.Bind(cmd.PersistentFlags())

	// Subcommands
	cmd.AddCommand(version.NewCmd())
	cmd.AddCommand(run.NewCmd(opts))
	cmd.AddCommand(serve.NewCmd(opts))
	cmd.AddCommand(validate.NewCmd(opts))
	cmd.AddCommand(plugins.NewCmd(opts))

	return cmd
}

// Execute runs the root command with provided args.
func Execute(ctx context.Context, args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
