package utils

import (
	"slices"
	"time"
)

type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func CalculateMean[T Numeric](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

// CalculateVariance is the population variance around mean.
func CalculateVariance[T Numeric](values []T, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		diff := float64(v) - mean
		variance += diff * diff
	}
	return variance / float64(len(values))
}

// CalculateDurationVariance returns variance / mean², which compares the
// spread of short and long cycles on the same scale.
func CalculateDurationVariance(durations []time.Duration, mean time.Duration) float64 {
	if len(durations) < 2 || mean <= 0 {
		return 0
	}
	m := float64(mean)
	return CalculateVariance(durations, m) / (m * m)
}

// Percentile uses nearest rank; p is in [0, 1].
func Percentile[T Numeric](values []T, p float64) T {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	rank := int(p*float64(len(sorted))+0.5) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}
