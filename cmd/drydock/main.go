package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"drydock/cmd/drydock/cmdutil"
	deploycmd "drydock/cmd/drydock/deploy"
	ipscmd "drydock/cmd/drydock/ips"
	schedulecmd "drydock/cmd/drydock/schedule"
	"drydock/cmd/drydock/ui"
	"drydock/internal/buildinfo"
	"drydock/internal/logging"
)

func main() {
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	var globals cmdutil.Globals
	root := &cobra.Command{
		Use:           "drydock",
		Short:         "Converge deployment instances onto docker VMs",
		Version:       buildinfo.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return globals.Load()
		},
	}
	globals.Bind(root)

	root.AddCommand(deploycmd.Cmd(&globals))
	root.AddCommand(ipscmd.Cmd(&globals))
	root.AddCommand(schedulecmd.Cmd(&globals))
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the drydock version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println(ui.KeyValues("  ",
				ui.KV("Version", buildinfo.Version),
				ui.KV("Commit", ui.OrDash(buildinfo.Commit)),
			))
			return nil
		},
	}
}
