package cmd

import (
	"fmt"

	"github.com/fizous/gcaas/internal/watch"
	"github.com/spf13/cobra"
)

var watchInterval int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show a live view of a shared heap",
	Long: `Watch maps a mutator's heap read-only and shows, refreshed every interval:
- the collector's phase, the last cycle's counters and a history of cycles
- each space's address translation, usage, mark count and dirty cards
- the request ring slot by slot

Examples:
  gcsvc watch --pid 4242 --fd 7
  gcsvc watch --pid 4242 --fd 7 -i 250`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Interval = watchInterval
		source, err := watch.Attach(cfg.PID, cfg.FD)
		if err != nil {
			return err
		}
		defer source.Close()

		if err := watch.StartTUI(source, cfg.GetInterval()); err != nil {
			return fmt.Errorf("unable to start TUI: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addTargetFlags(watchCmd, true)
	watchCmd.Flags().IntVarP(&watchInterval, "interval", "i", 1000, "Update interval in ms")
}
