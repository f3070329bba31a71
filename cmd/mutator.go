package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fizous/gcaas/internal/mutator"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
	"github.com/fizous/gcaas/utils"
	"github.com/spf13/cobra"
)

var (
	controlPID int
	controlFD  int
	churnLists int
	workload   = mutator.DefaultWorkloadSpec()
)

var mutatorCmd = &cobra.Command{
	Use:   "mutator",
	Short: "Run a program whose heap lives in shared memory",
	Long: `Creates a shared heap, builds a synthetic object graph in it and keeps
replacing parts of the graph, asking for a concurrent collection every interval.

The heap's attach handle is printed on start. Either hand it to a daemon:
  gcsvc daemon --pid <PID> --fd <FD>
or register with a daemon that is already running:
  gcsvc mutator --control-pid <PID> --control-fd <FD>`,
	Args: cobra.NoArgs,
	RunE: runMutator,
}

func runMutator(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := openDebugLog("mutator")
	if err != nil {
		return err
	}
	defer log.Close()

	opts := mutator.DefaultOptions()
	if opts.Heap, err = cfg.HeapOptions(); err != nil {
		return err
	}
	opts.Log = log
	// Requests may wait for a daemon that has not attached yet.
	opts.RequestTimeout = 0

	m, err := mutator.Create(opts)
	if err != nil {
		return fmt.Errorf("failed to create heap: %w", err)
	}
	defer m.Close()

	w, err := mutator.NewWorkload(m, workload)
	if err != nil {
		return err
	}
	if err := w.Build(); err != nil {
		return fmt.Errorf("failed to build object graph: %w", err)
	}
	fmt.Printf("🧪 Mutator %d: %d reachable objects, %s\n", m.PID(), w.Reachable(), cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	if controlPID != 0 {
		control := shm.Handle{Name: "control", PID: controlPID, FD: controlFD}
		id, err := m.Register(ctx, control)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Registered with daemon %d as agent %d\n", controlPID, id)
	} else {
		h := m.Heap().Handle()
		fmt.Printf("📎 Attach a collector with: gcsvc daemon --pid %d --fd %d\n", h.PID, h.FD)
		fmt.Println("⏳ Requests wait until a daemon attaches")
	}

	err = mutate(ctx, m, w)
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Println("\n🛑 Interrupted")
	case err != nil:
		return err
	}

	n, paused := m.Pauses()
	fmt.Printf("⏸️  Paused %d times, %s in total\n", n, utils.FormatDuration(paused))
	live, err := w.Verify()
	if err != nil {
		fmt.Printf("❌ Object graph damaged: %v\n", err)
		return err
	}
	fmt.Printf("✅ Object graph intact: %d live objects\n", live)
	return nil
}

// mutate churns the graph and requests a collection every interval, for
// cfg.Cycles rounds or until ctx is done.
func mutate(ctx context.Context, m *mutator.Mutator, w *mutator.Workload) error {
	ticker := time.NewTicker(cfg.GetInterval())
	defer ticker.Stop()

	for i := 0; cfg.Cycles == 0 || i < cfg.Cycles; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := w.Churn(ctx, churnLists); err != nil {
			return fmt.Errorf("churn: %w", err)
		}
		start := time.Now()
		cycle, err := m.RequestGC(ctx, request.CONCURRENT_GC)
		if err != nil {
			return err
		}
		allocated := m.Heap().Space(space.KindAlloc).Allocated()
		fmt.Printf("♻️  Cycle %d finished after %s, %s allocated\n",
			cycle, utils.FormatDuration(time.Since(start)), utils.MemorySize(allocated))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(mutatorCmd)
	addHeapFlags(mutatorCmd)

	f := mutatorCmd.Flags()
	f.IntVarP(&cfg.Interval, "interval", "i", cfg.Interval, "Time between collection requests in ms")
	f.IntVarP(&cfg.Cycles, "cycles", "n", cfg.Cycles, "Collections to request, 0 to run until interrupted")
	f.IntVar(&controlPID, "control-pid", 0, "Register with the daemon running as this process")
	f.IntVar(&controlFD, "control-fd", -1, "Control region fd in the daemon")
	f.IntVar(&churnLists, "churn", 4, "Lists replaced before every request")
	f.IntVar(&workload.Lists, "lists", workload.Lists, "Rooted lists in the graph")
	f.IntVar(&workload.Length, "length", workload.Length, "Nodes per list")
	f.IntVar(&workload.Garbage, "garbage", workload.Garbage, "Unreachable nodes allocated up front")
	f.Uint64Var(&workload.Seed, "seed", workload.Seed, "Seed for the choice of replaced lists")
}
