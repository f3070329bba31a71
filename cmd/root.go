package cmd

import (
	"fmt"
	"os"

	"github.com/fizous/gcaas/internal/config"
	"github.com/fizous/gcaas/internal/debuglog"
	"github.com/fizous/gcaas/utils"
	"github.com/spf13/cobra"
)

// cfg is filled by the flags of whichever command runs.
var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "gcsvc",
	Short: "Garbage collection as a service over shared memory",
	Long: `gcsvc runs a mark-sweep collector in a separate process from the program
whose heap it collects. The mutator places its heap in a shared memory region;
the daemon maps the same pages and traces, marks and sweeps them.

  gcsvc mutator              create a heap and ask for collections
  gcsvc daemon --pid --fd    collect a running mutator's heap
  gcsvc demo                 both sides in one process
  gcsvc watch --pid --fd     live view of a shared heap`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		autoInstallCompletions(cmd)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDebugLog opens the debug log when --debug is set and returns a nil
// logger otherwise.
func openDebugLog(component string) (*debuglog.Logger, error) {
	if !cfg.Debug {
		return nil, nil
	}
	log, err := debuglog.Open(cfg.DebugLogFile, component)
	if err != nil {
		return nil, err
	}
	fmt.Printf("🐛 Debug log: %s\n", log.Path())
	return log, nil
}

func init() {
	f := rootCmd.PersistentFlags()
	f.BoolVarP(&cfg.Debug, "debug", "d", false, "Enable debug mode")
	f.StringVar(&cfg.DebugLogFile, "debug-log", "", "Debug log path (default: timestamped file in the working directory)")
	rootCmd.RegisterFlagCompletionFunc("debug-log", utils.CompleteFilesByExtension(".log"))
}
