package ipscmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"drydock/cmd/drydock/cmdutil"
	"drydock/cmd/drydock/ui"
	"drydock/internal/adapter/sqlite"
)

func listCmd(g *cmdutil.Globals) *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List reserved addresses",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := cmdutil.OpenStore(g.Config())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.IPRepo().List(cmd.Context(), network)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(ui.Muted("no addresses reserved"))
				return nil
			}
			fmt.Println(ui.Table([]string{"Address", "Network", "Kind", "Static", "Owner"}, addressRows(records)))
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "Only list addresses of this network")
	return cmd
}

func addressRows(records []sqlite.AddressRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Addr.String(),
			rec.Network,
			rec.Kind.String(),
			strconv.FormatBool(rec.Static),
			rec.Owner.String(),
		})
	}
	return rows
}
