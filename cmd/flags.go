package cmd

import (
	"github.com/spf13/cobra"
)

// addHeapFlags registers the flags that shape a newly created heap.
func addHeapFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cfg.HeapName, "name", cfg.HeapName, "Heap region name")
	f.StringVar(&cfg.HeapSize, "heap-size", cfg.HeapSize, "Upper bound for all spaces together (e.g. 64M, 1G)")
	f.StringVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "Image space size")
	f.StringVar(&cfg.ZygoteSize, "zygote-size", cfg.ZygoteSize, "Zygote space size")
	f.StringVar(&cfg.AllocSize, "alloc-size", cfg.AllocSize, "Allocation space size")
	f.IntVar(&cfg.MarkStackCapacity, "mark-stack", cfg.MarkStackCapacity, "Mark stack capacity in entries")
	f.IntVar(&cfg.RingCapacity, "ring", cfg.RingCapacity, "Request ring capacity")
	f.IntVar(&cfg.RootCapacity, "roots", cfg.RootCapacity, "Root slots published to the collector")
}

// addCollectionFlags registers the flags that drive the collector.
func addCollectionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Concurrent marking workers")
	f.StringVarP(&cfg.Policy, "policy", "p", cfg.Policy, "Collection policy: full, partial or sticky")
	f.StringVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "Daemon scheduling: fifo or pressure")
	f.IntVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "How long the collector waits for a mutator to stop, in ms")

	cmd.RegisterFlagCompletionFunc("policy", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"full", "partial", "sticky"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("scheduler", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"fifo", "pressure"}, cobra.ShellCompDirectiveNoFileComp
	})
}

// addTargetFlags registers the attach handle of a running mutator.
func addTargetFlags(cmd *cobra.Command, required bool) {
	f := cmd.Flags()
	f.IntVar(&cfg.PID, "pid", 0, "Mutator process ID")
	f.IntVar(&cfg.FD, "fd", -1, "Heap metadata region fd in the mutator")
	if required {
		cmd.MarkFlagRequired("pid")
		cmd.MarkFlagRequired("fd")
	}
}
