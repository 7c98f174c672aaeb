package schedulecmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"drydock/cmd/drydock/cmdutil"
	"drydock/cmd/drydock/ui"
	"drydock/internal/deploy"
)

// Cmd returns the "drydock schedule" command. Without an argument it shows
// the configured update watch time.
func Cmd(g *cmdutil.Globals) *cobra.Command {
	var canary bool
	cmd := &cobra.Command{
		Use:   "schedule [min-max]",
		Short: "Show how a watch time is split into state checks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := g.Config().UpdateConfig().WatchTimeFor(canary)
			if len(args) > 0 {
				parsed, err := deploy.ParseWatchTime(args[0])
				if err != nil {
					return err
				}
				w = parsed
			}

			fmt.Println(ui.KeyValues("  ",
				ui.KV("Watch time", w.String()),
				ui.KV("Checks", strconv.Itoa(len(deploy.WatchSchedule(w)))),
			))
			fmt.Println(ui.Table([]string{"Check", "Wait", "Elapsed"}, scheduleRows(deploy.WatchSchedule(w))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&canary, "canary", false, "Use the canary watch time")
	return cmd
}

func scheduleRows(steps []time.Duration) [][]string {
	rows := make([][]string, 0, len(steps))
	var elapsed time.Duration
	for i, d := range steps {
		elapsed += d
		rows = append(rows, []string{strconv.Itoa(i + 1), d.String(), elapsed.String()})
	}
	return rows
}
