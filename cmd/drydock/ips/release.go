package ipscmd

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"drydock/cmd/drydock/cmdutil"
	"drydock/cmd/drydock/ui"
)

func releaseCmd(g *cmdutil.Globals) *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "release <address>",
		Short: "Release a reservation regardless of its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("parse address: %w", err)
			}
			store, err := cmdutil.OpenStore(g.Config())
			if err != nil {
				return err
			}
			defer store.Close()

			released, err := store.IPRepo().Release(cmd.Context(), network, addr)
			if err != nil {
				return err
			}
			if !released {
				fmt.Println(ui.WarnMsg("%s was not reserved on %s.", ui.Bold(addr.String()), network))
				return nil
			}
			fmt.Println(ui.SuccessMsg("Released %s on %s.", ui.Bold(addr.String()), network))
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "Network the address is reserved on")
	_ = cmd.MarkFlagRequired("network")
	return cmd
}
