// Package plugins implements `conduit plugins`, which lists the registry.
package plugins

import (
	"encoding/json"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/internal/stage"
)

// NewCmd creates the `conduit plugins` command.
func NewCmd(global *app.Options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the stages pipelines can refer to",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Setup(cmd.Context(), cmd, global, false)
			if err != nil {
				return err
			}
			defs := env.Registry.List()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), defs)
			}
			return writeTable(cmd.OutOrStdout(), defs)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the definitions as a JSON array")
	return cmd
}

func writeJSON(w io.Writer, defs []stage.Definition) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(defs)
}

func writeTable(w io.Writer, defs []stage.Definition) error {
	data := pterm.TableData{{"KEY", "ROLE", "SOURCE", "VERSION", "DESCRIPTION"}}
	for _, d := range defs {
		source := d.Source
		if d.Revision != "" {
			source += "@" + shortRevision(d.Revision)
		}
		data = append(data, []string{d.Key, string(d.Role), source, d.Version, d.Description})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
