package utils

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		in   string
		want MemorySize
	}{
		{"4096", 4096},
		{"64K", 64 * KB},
		{"64kb", 64 * KB},
		{"1.5M", 3 * MB / 2},
		{" 2G ", 2 * GB},
		{"512B", 512},
	}
	for _, tt := range tests {
		got, err := ParseMemorySize(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMemorySize(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "M", "-1K", "12Q"} {
		if _, err := ParseMemorySize(bad); err == nil {
			t.Errorf("ParseMemorySize(%q) accepted", bad)
		}
	}
}

func TestMemorySizeString(t *testing.T) {
	tests := map[MemorySize]string{
		0:          "0B",
		100:        "100B",
		64 * KB:    "64K",
		3 * MB / 2: "1.50M",
		2 * GB:     "2G",
		KB + KB/4:  "1.25K",
	}
	for in, want := range tests {
		if got := in.String(); got != want {
			t.Errorf("MemorySize(%d) = %q, want %q", int64(in), got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		0:                         "0s",
		250:                       "250ns",
		1500 * time.Nanosecond:    "1.5μs",
		12 * time.Millisecond:     "12.0ms",
		90 * time.Second:          "1m 30s",
		2*time.Hour + time.Minute: "2h 1m",
	}
	for in, want := range tests {
		if got := FormatDuration(in); got != want {
			t.Errorf("FormatDuration(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestCycleEnum(t *testing.T) {
	type tab int
	if got := GetNextEnum(tab(2), 2); got != 0 {
		t.Errorf("next of last = %d", got)
	}
	if got := GetPrevEnum(tab(0), 2); got != 2 {
		t.Errorf("prev of first = %d", got)
	}
	if got := CycleEnum(tab(1), -4, 2); got != 0 {
		t.Errorf("CycleEnum(1, -4) = %d", got)
	}
}

func TestStatistics(t *testing.T) {
	if got := CalculateMean([]int{1, 2, 3, 6}); got != 3 {
		t.Errorf("mean = %f", got)
	}
	durations := []time.Duration{time.Millisecond, 3 * time.Millisecond}
	if got := CalculateDurationVariance(durations, 2*time.Millisecond); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("normalized variance = %f, want 0.25", got)
	}
	if got := Percentile([]int{5, 1, 4, 2, 3}, 0.8); got != 4 {
		t.Errorf("p80 = %d", got)
	}
	if got := Percentile([]int{}, 0.5); got != 0 {
		t.Errorf("empty percentile = %d", got)
	}
}

func TestTrend(t *testing.T) {
	slope, corr := LinearRegression([]float64{0, 1, 2, 3}, []float64{1, 3, 5, 7})
	if slope != 2 || math.Abs(corr-1) > 1e-9 {
		t.Errorf("slope %f, correlation %f", slope, corr)
	}
	if got := Trend([]float64{10, 11, 12, 13, 14}); math.Abs(got-0.1/1.2) > 1e-9 {
		t.Errorf("rising trend = %f", got)
	}
	if got := Trend([]float64{5, 5, 5}); got != 0 {
		t.Errorf("flat trend = %f", got)
	}
	if TrendIcon(0.2) != "📈" || TrendIcon(-0.2) != "📉" || TrendIcon(0) != "➡️" {
		t.Errorf("trend icons")
	}
}

func TestCreatePlot(t *testing.T) {
	points := []PlotPoint{{Cycle: 1, Value: 1}, {Cycle: 2, Value: 4}, {Cycle: 3, Value: 2}}
	out := CreatePlot(points, 60, 5, nil)
	lines := strings.Split(out, "\n")
	if len(lines) != 7 {
		t.Fatalf("%d lines, want 5 rows and two axis lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "4.00") || !strings.Contains(lines[4], "0.00") {
		t.Errorf("y axis:\n%s", out)
	}
	if !strings.Contains(lines[6], "#1") || !strings.Contains(lines[6], "#3") {
		t.Errorf("x axis: %q", lines[6])
	}
	if strings.Count(out, "●") != 3 {
		t.Errorf("want a marker per point:\n%s", out)
	}
	if got := CreatePlot(nil, 60, 5, nil); !strings.Contains(got, "No data") {
		t.Errorf("empty plot = %q", got)
	}
}

func TestProgressBar(t *testing.T) {
	bar := CreateProgressBar(0.5, 10, "")
	if asciiBars {
		if bar != "#####-----" {
			t.Errorf("bar = %q", bar)
		}
	} else if bar != "█████░░░░░" {
		t.Errorf("bar = %q", bar)
	}
	if got := CreateProgressBar(2, 4, ""); strings.ContainsAny(got, "░-") {
		t.Errorf("overfull bar = %q", got)
	}
	if got := CreateProgressBarWithLabel(0.5, 8, "", "x"); got != "50%" {
		t.Errorf("narrow bar = %q", got)
	}
}
