package utils

import "math"

// LinearRegression fits y = a + slope*x and returns the slope and the
// Pearson correlation of the fit.
func LinearRegression(x, y []float64) (slope, correlation float64) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, 0
	}

	n := float64(len(x))
	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumXX += x[i] * x[i]
		sumYY += y[i] * y[i]
	}

	covariance := n*sumXY - sumX*sumY
	varianceX := n*sumXX - sumX*sumX
	if varianceX == 0 {
		return 0, 0
	}
	slope = covariance / varianceX

	if d := math.Sqrt(varianceX * (n*sumYY - sumY*sumY)); d != 0 {
		correlation = covariance / d
	}
	return slope, correlation
}

// Trend fits a line over evenly spaced samples and returns its slope per
// sample as a fraction of the mean, so 0.1 means the series grows by a
// tenth of its mean every sample.
func Trend(values []float64) float64 {
	mean := CalculateMean(values)
	if len(values) < 2 || mean == 0 {
		return 0
	}
	x := make([]float64, len(values))
	for i := range x {
		x[i] = float64(i)
	}
	slope, _ := LinearRegression(x, values)
	return slope / math.Abs(mean)
}
