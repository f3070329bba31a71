package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fizous/gcaas/internal/collector"
	"github.com/fizous/gcaas/internal/debuglog"
	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Collect the heaps of other processes",
	Long: `Runs the collector daemon. With --pid and --fd it maps that mutator's heap
through /proc/<pid>/fd/<fd> and serves its requests; other mutators can
register through the daemon's control region, whose handle is printed on start.

Examples:
  gcsvc daemon --pid 4242 --fd 7
  gcsvc daemon --policy sticky --scheduler pressure`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := openDebugLog("daemon")
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := newDaemon(log, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	control := d.ControlHandle()
	fmt.Printf("🚀 %s\n", d)
	fmt.Printf("📡 Register mutators with: gcsvc mutator --control-pid %d --control-fd %d\n", control.PID, control.FD)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	if cfg.PID != 0 {
		h := shm.Handle{Name: "meta", PID: cfg.PID, FD: cfg.FD, Perms: shm.PermReadWrite}
		a, err := d.Attach(request.NewRegistration(h, heap.DescriptorOffset, objmodel.DefaultLayout().Fingerprint()))
		if err != nil {
			stop()
			<-done
			return err
		}
		fmt.Printf("🔗 Attached %s (%s pressure)\n", a.Name, a.Pressure())
	}

	if err := <-done; err != nil {
		return err
	}
	fmt.Println("\n🛑 Daemon stopped")
	printSummaries(d)
	return nil
}

// newDaemon builds a daemon from cfg. attacher, when set, maps registering
// heaps instead of procfs.
func newDaemon(log *debuglog.Logger, attacher func(request.Registration) heap.Attacher) (*collector.Daemon, error) {
	policy, err := cfg.CollectionPolicy()
	if err != nil {
		return nil, err
	}
	scheduler, err := collector.NewScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	opts := collector.DefaultDaemonOptions()
	opts.Name = cfg.HeapName + "-daemon"
	opts.Policy = policy
	opts.Scheduler = scheduler
	opts.Workers = cfg.Workers
	opts.AckTimeout = cfg.GetAckTimeout()
	opts.Log = log
	opts.Attacher = attacher
	opts.OnRequest = printRequest

	d, err := collector.NewDaemon(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start daemon: %w", err)
	}
	return d, nil
}

// printRequest reports collections and failures; housekeeping requests only
// go to the debug log.
func printRequest(a *collector.Agent, req request.Request, result uint64, err error) {
	switch {
	case err != nil:
		fmt.Printf("❌ %s: %s failed: %v\n", a.Name, req.Type, err)
	case req.Type == request.REGISTER:
		fmt.Printf("🔗 Agent %d registered by pid %d\n", result, req.ProcessID)
	case req.Type.IsCollection() && a.Engine() != nil:
		cycles := a.Engine().History().Cycles()
		if len(cycles) > 0 {
			fmt.Printf("♻️  %s: %s\n", a.Name, cycles[len(cycles)-1])
		}
	}
}

func printSummaries(d *collector.Daemon) {
	for _, a := range d.Agents() {
		if a.Engine() == nil {
			continue
		}
		fmt.Printf("📊 %s: %d requests, %s\n", a.Name, a.Served(), a.Engine().History().Summary())
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	addTargetFlags(daemonCmd, false)
	addCollectionFlags(daemonCmd)
	daemonCmd.Flags().StringVar(&cfg.HeapName, "name", cfg.HeapName, "Control region name prefix")
}
