package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fizous/gcaas/internal/collector"
	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/mutator"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/space"
	"github.com/fizous/gcaas/utils"
	"github.com/spf13/cobra"
)

var plotCycles bool

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a mutator and its collector in one process",
	Long: `Runs the mutator and the daemon in one process. The daemon maps the heap a
second time, at different addresses, and collects it exactly as it would from
another process. After the last cycle the collection history is printed.

Examples:
  gcsvc demo
  gcsvc demo -n 10 --policy sticky --alloc-size 4M
  gcsvc demo -n 20 --plot`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	if cfg.Cycles == 0 {
		return fmt.Errorf("demo needs a cycle count")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := openDebugLog("demo")
	if err != nil {
		return err
	}
	defer log.Close()

	opts := mutator.DefaultOptions()
	if opts.Heap, err = cfg.HeapOptions(); err != nil {
		return err
	}
	opts.Log = log
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
	fmt.Printf("🧪 %s\n", m)
	fmt.Printf("🌱 Object graph: %d reachable objects, %d garbage\n", w.Reachable(), workload.Garbage)

	// The image space keeps its address in both views, so the daemon borrows
	// the mutator's mapping of it.
	d, err := newDaemon(log, func(request.Registration) heap.Attacher { return m.Attacher() })
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()
	// The daemon's views must be unmapped before the mutator's.
	defer func() {
		cancel()
		<-done
		d.Close()
	}()

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	id, err := m.Register(ctx, d.ControlHandle())
	if err != nil {
		return err
	}
	agent, _ := d.Agent(id)
	fmt.Printf("🔗 Registered as agent %d\n", id)
	for _, e := range agent.Entries() {
		fmt.Printf("   %s\n", e)
	}

	for i := 0; i < cfg.Cycles; i++ {
		if err := w.Churn(ctx, churnLists); err != nil {
			return fmt.Errorf("churn: %w", err)
		}
		cause := request.CONCURRENT_GC
		if i == 0 {
			cause = request.EXPLICIT_GC
		}
		if _, err := m.RequestGC(ctx, cause); err != nil {
			return err
		}
	}

	released, err := m.Trim(ctx)
	if err != nil {
		return err
	}
	live, err := w.Verify()
	if err != nil {
		fmt.Printf("❌ Object graph damaged: %v\n", err)
		return err
	}

	n, paused := m.Pauses()
	counters := m.Heap().Descriptor().Stats().Snapshot()
	fmt.Println()
	fmt.Printf("✅ Object graph intact: %d live objects\n", live)
	fmt.Printf("⏸️  Mutator paused %d times, %s in total\n", n, utils.FormatDuration(paused))
	fmt.Printf("🗑️  Freed %d objects / %s, trimmed %s, %s still allocated\n",
		counters.ObjectsFreed, utils.MemorySize(counters.BytesFreed), utils.MemorySize(released),
		utils.MemorySize(m.Heap().Space(space.KindAlloc).Allocated()))
	history := agent.Engine().History()
	fmt.Printf("📊 %s\n", history.Summary())
	if plotCycles {
		fmt.Println()
		fmt.Println(utils.TitleStyle.Render("Cycle duration"))
		fmt.Println(plotDurations(history.Cycles()))
	}
	return nil
}

func plotDurations(cycles []collector.CycleStats) string {
	points := make([]utils.PlotPoint, len(cycles))
	for i, c := range cycles {
		points[i] = utils.PlotPoint{Cycle: c.Cycle, Value: float64(c.Duration)}
	}
	return utils.CreatePlot(points, 72, 10, func(v float64) string {
		return utils.FormatDuration(time.Duration(v))
	})
}

func init() {
	rootCmd.AddCommand(demoCmd)
	addHeapFlags(demoCmd)
	addCollectionFlags(demoCmd)

	f := demoCmd.Flags()
	f.IntVarP(&cfg.Cycles, "cycles", "n", cfg.Cycles, "Collections to run")
	f.BoolVar(&plotCycles, "plot", false, "Chart the duration of every cycle at the end")
	f.IntVar(&churnLists, "churn", 4, "Lists replaced before every collection")
	f.IntVar(&workload.Lists, "lists", workload.Lists, "Rooted lists in the graph")
	f.IntVar(&workload.Length, "length", workload.Length, "Nodes per list")
	f.IntVar(&workload.Garbage, "garbage", workload.Garbage, "Unreachable nodes allocated up front")
	f.Uint64Var(&workload.Seed, "seed", workload.Seed, "Seed for the choice of replaced lists")
}
