package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fizous/gcaas/internal/collector"
	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/space"
	"github.com/fizous/gcaas/utils"
)

type Config struct {
	// Target configuration
	PID int // Mutator process whose heap the daemon or watcher attaches
	FD  int // Metadata region fd in that process

	// Heap layout
	HeapName   string
	HeapSize   string // Upper bound for the three spaces together, e.g. "64M"
	ImageSize  string
	ZygoteSize string
	AllocSize  string

	MarkStackCapacity int
	RingCapacity      int
	RootCapacity      int

	// Collection
	Workers   int
	Policy    string // full | partial | sticky
	Scheduler string // fifo | pressure
	Cycles    int    // Cycles the mutator or demo requests; 0 runs until interrupted

	Interval   int // ms
	AckTimeout int // ms

	// Debug configuration
	Debug        bool   // Enable debug mode
	DebugLogFile string // Path to debug log file
}

// Default returns the configuration the commands start from before flags
// are applied.
func Default() *Config {
	return &Config{
		HeapName:          "gcsvc",
		HeapSize:          "64M",
		ImageSize:         "1M",
		ZygoteSize:        "4M",
		AllocSize:         "16M",
		MarkStackCapacity: 64 * 1024,
		RingCapacity:      16,
		RootCapacity:      1024,
		Workers:           4,
		Policy:            "full",
		Scheduler:         "fifo",
		Cycles:            3,
		Interval:          500,
		AckTimeout:        5000,
	}
}

func (c *Config) GetInterval() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

func (c *Config) GetAckTimeout() time.Duration {
	return time.Duration(c.AckTimeout) * time.Millisecond
}

// Sizes returns the parsed image, zygote and alloc space sizes.
func (c *Config) Sizes() (image, zygote, alloc utils.MemorySize, err error) {
	fields := []struct {
		name string
		raw  string
		dst  *utils.MemorySize
	}{
		{"image size", c.ImageSize, &image},
		{"zygote size", c.ZygoteSize, &zygote},
		{"alloc size", c.AllocSize, &alloc},
	}
	for _, f := range fields {
		size, err := utils.ParseMemorySize(f.raw)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%s: %w", f.name, err)
		}
		if size <= 0 {
			return 0, 0, 0, fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = size
	}
	return image, zygote, alloc, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	image, zygote, alloc, err := c.Sizes()
	if err != nil {
		errs = append(errs, err)
	} else if c.HeapSize != "" {
		total, err := utils.ParseMemorySize(c.HeapSize)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("heap size: %w", err))
		case image+zygote+alloc > total:
			errs = append(errs, fmt.Errorf("spaces need %s but heap size is %s", image+zygote+alloc, total))
		}
	}

	if c.MarkStackCapacity <= 0 {
		errs = append(errs, fmt.Errorf("mark stack capacity must be positive, got %d", c.MarkStackCapacity))
	}
	if c.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("ring capacity must be positive, got %d", c.RingCapacity))
	}
	if c.RootCapacity <= 0 {
		errs = append(errs, fmt.Errorf("root capacity must be positive, got %d", c.RootCapacity))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %dms", c.Interval))
	}
	if c.AckTimeout < 0 {
		errs = append(errs, fmt.Errorf("ack timeout must not be negative, got %dms", c.AckTimeout))
	}
	if c.Cycles < 0 {
		errs = append(errs, fmt.Errorf("cycles must not be negative, got %d", c.Cycles))
	}
	if _, err := collector.PolicyByName(c.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := collector.NewScheduler(c.Scheduler); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// HeapOptions converts the layout fields into options for heap.Create.
func (c *Config) HeapOptions() (heap.Options, error) {
	image, zygote, alloc, err := c.Sizes()
	if err != nil {
		return heap.Options{}, err
	}
	opts := heap.DefaultOptions()
	opts.Name = c.HeapName
	opts.ImageSize = uint64(image)
	opts.ZygoteSize = uint64(zygote)
	opts.AllocSize = uint64(alloc)
	opts.MarkStackCapacity = c.MarkStackCapacity
	opts.RingCapacity = c.RingCapacity
	opts.RootCapacity = c.RootCapacity
	opts.Alignment = space.DefaultAlignment
	opts.Fingerprint = objmodel.DefaultLayout().Fingerprint()
	return opts, nil
}

// CollectionPolicy resolves the policy name.
func (c *Config) CollectionPolicy() (collector.CollectionPolicy, error) {
	return collector.PolicyByName(c.Policy)
}

func (c *Config) String() string {
	if c.PID != 0 {
		return fmt.Sprintf("PID %d fd %d", c.PID, c.FD)
	}
	return fmt.Sprintf("heap %s (image %s, zygote %s, alloc %s), %s policy, %d workers",
		c.HeapName, c.ImageSize, c.ZygoteSize, c.AllocSize, c.Policy, c.Workers)
}
