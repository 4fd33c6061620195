// Package validate implements `conduit validate`: every pipeline of the
// document is built, then released, without pulling a single item.
package validate

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/internal/errors"
)

type report struct {
	Pipeline string   `json:"pipeline"`
	OK       bool     `json:"ok"`
	Stages   []string `json:"stages,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NewCmd creates the `conduit validate` command.
func NewCmd(global *app.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [PIPELINE...]",
		Short: "Build pipelines without running them (default: all, disabled included)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), cmd, global, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func execute(ctx context.Context, cmd *cobra.Command, global *app.Options, names []string) error {
	env, err := app.Setup(ctx, cmd, global, true)
	if err != nil {
		return err
	}
	pipelines := env.Doc.Pipelines
	if len(names) > 0 {
		if pipelines, err = env.Doc.Select(names...); err != nil {
			return app.ConfigError(err)
		}
	}

	b := env.Builder()
	enc := json.NewEncoder(cmd.OutOrStdout())
	var errs error
	for _, p := range pipelines {
		r := report{Pipeline: p.Name}
		c, err := b.Build(p)
		if err != nil {
			r.Error = err.Error()
			errs = errors.CombineErrors(errs, err)
		} else {
			r.OK = true
			r.Stages = c.Keys()
			if err := c.Release(ctx); err != nil {
				env.Log.Warnw("Release after validation failed", "pipeline", p.Name, "error", err)
			}
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if errs != nil {
		return app.ConfigError(errs)
	}
	return nil
}
