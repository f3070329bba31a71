package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := c.GetInterval(); got != 500*time.Millisecond {
		t.Errorf("GetInterval() = %v, want 500ms", got)
	}
	if got := c.GetAckTimeout(); got != 5*time.Second {
		t.Errorf("GetAckTimeout() = %v, want 5s", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad size", func(c *Config) { c.AllocSize = "lots" }, "alloc size"},
		{"zero size", func(c *Config) { c.ImageSize = "0" }, "image size must be positive"},
		{"spaces exceed heap", func(c *Config) { c.HeapSize = "8M" }, "heap size is 8M"},
		{"unknown policy", func(c *Config) { c.Policy = "generational" }, "generational"},
		{"unknown scheduler", func(c *Config) { c.Scheduler = "random" }, "random"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers must be positive"},
		{"no ring", func(c *Config) { c.RingCapacity = 0 }, "ring capacity"},
		{"zero interval", func(c *Config) { c.Interval = 0 }, "interval must be positive"},
		{"negative cycles", func(c *Config) { c.Cycles = -1 }, "cycles must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatalf("Validate() succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Default()
	c.Workers = 0
	c.Policy = "nope"
	err := c.Validate()
	if err == nil {
		t.Fatal("Validate() succeeded")
	}
	for _, want := range []string{"workers", "nope"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %v, missing %q", err, want)
		}
	}
}

func TestHeapOptions(t *testing.T) {
	c := Default()
	c.ImageSize = "512K"
	c.ZygoteSize = "1M"
	c.AllocSize = "2M"
	c.RingCapacity = 8

	opts, err := c.HeapOptions()
	if err != nil {
		t.Fatalf("HeapOptions() error: %v", err)
	}
	if opts.ImageSize != 512<<10 || opts.ZygoteSize != 1<<20 || opts.AllocSize != 2<<20 {
		t.Errorf("sizes = %d/%d/%d", opts.ImageSize, opts.ZygoteSize, opts.AllocSize)
	}
	if opts.RingCapacity != 8 {
		t.Errorf("RingCapacity = %d, want 8", opts.RingCapacity)
	}
	if opts.Fingerprint == 0 {
		t.Error("Fingerprint not set")
	}
	if !opts.Shared {
		t.Error("heap options should default to shared")
	}
}

func TestString(t *testing.T) {
	c := Default()
	if s := c.String(); !strings.Contains(s, "full policy") {
		t.Errorf("String() = %q", s)
	}
	c.PID, c.FD = 42, 7
	if s := c.String(); s != "PID 42 fd 7" {
		t.Errorf("String() = %q", s)
	}
}
