package version

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flarebyte/conduit/internal/buildinfo"
)

// NewCmd creates the `conduit version` command.
func NewCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !asJSON {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "conduit %s\n", buildinfo.Summary())
				return err
			}
			out := struct {
				buildinfo.Info
				Timestamp string `json:"timestamp"`
			}{buildinfo.Current(), time.Now().UTC().Format(time.RFC3339Nano)}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print detailed JSON version info")
	return cmd
}
