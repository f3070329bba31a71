package utils

import (
	"fmt"
	"slices"
	"strings"
)

const (
	yAxisLabelWidth = 10
	minLabelSpacing = 8
)

// PlotPoint is one sample of a per-cycle series.
type PlotPoint struct {
	Cycle uint32
	Value float64
}

// CreatePlot draws points as a dotted line chart with a cycle-number x axis.
// Height is the number of rows; width includes the y axis labels. format
// renders axis values.
func CreatePlot(points []PlotPoint, width, height int, format func(float64) string) string {
	if len(points) == 0 {
		return MutedStyle.Render("No data")
	}
	if format == nil {
		format = func(v float64) string { return fmt.Sprintf("%.2f", v) }
	}
	height = max(height, 2)
	width = max(width-yAxisLabelWidth-2, len(points), 2)

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	hi, lo := slices.Max(values), min(slices.Min(values), 0)
	if hi == lo {
		hi = lo + 1
	}

	grid := make([][]string, height)
	for i := range grid {
		grid[i] = slices.Repeat([]string{" "}, width)
	}

	xs := make([]int, len(points))
	ys := make([]int, len(points))
	for i, p := range points {
		xs[i] = width / 2
		if len(points) > 1 {
			xs[i] = i * (width - 1) / (len(points) - 1)
		}
		ys[i] = min(max(int((hi-p.Value)/(hi-lo)*float64(height-1)+0.5), 0), height-1)
	}
	for i := 1; i < len(points); i++ {
		drawLine(grid, xs[i-1], ys[i-1], xs[i], ys[i])
	}
	for i := range points {
		grid[ys[i]][xs[i]] = GoodStyle.Render("●")
	}

	lines := make([]string, 0, height+2)
	for row := range height {
		level := hi - (hi-lo)*float64(row)/float64(height-1)
		label := fmt.Sprintf("%*s ┤", yAxisLabelWidth, format(level))
		lines = append(lines, MutedStyle.Render(label)+strings.Join(grid[row], ""))
	}
	lines = append(lines, MutedStyle.Render(strings.Repeat(" ", yAxisLabelWidth+1)+"└"+strings.Repeat("─", width)))
	lines = append(lines, MutedStyle.Render(cycleAxis(points, xs, width)))
	return strings.Join(lines, "\n")
}

// cycleAxis labels as many points as fit without overlapping.
func cycleAxis(points []PlotPoint, xs []int, width int) string {
	axis := []byte(strings.Repeat(" ", width+8))
	next := 0
	for i, p := range points {
		if xs[i] < next {
			continue
		}
		label := fmt.Sprintf("#%d", p.Cycle)
		if xs[i]+len(label) > len(axis) {
			break
		}
		copy(axis[xs[i]:], label)
		next = xs[i] + max(len(label)+1, minLabelSpacing)
	}
	return strings.Repeat(" ", yAxisLabelWidth+2) + strings.TrimRight(string(axis), " ")
}

// drawLine connects two grid cells with dots (Bresenham).
func drawLine(grid [][]string, x1, y1, x2, y2 int) {
	dx, dy := abs(x2-x1), abs(y2-y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx - dy
	for x, y := x1, y1; ; {
		if grid[y][x] == " " {
			grid[y][x] = MutedStyle.Render("·")
		}
		if x == x2 && y == y2 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x += sx
		}
		if e2 < dx {
			err += dx
			y += sy
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
