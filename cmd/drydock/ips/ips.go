package ipscmd

import (
	"github.com/spf13/cobra"

	"drydock/cmd/drydock/cmdutil"
)

// Cmd returns the parent "drydock ips" command.
func Cmd(g *cmdutil.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ips",
		Short: "Inspect and release reserved addresses",
	}
	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(releaseCmd(g))
	return cmd
}
