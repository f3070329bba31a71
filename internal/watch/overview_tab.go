package watch

import (
	"fmt"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/lipgloss"
	"github.com/fizous/gcaas/internal/collector"
	"github.com/fizous/gcaas/internal/phase"
	"github.com/fizous/gcaas/utils"
)

const keyWidth = 18

func RenderOverviewTab(s Snapshot, tracker *Tracker, width int) string {
	sections := []string{
		lipgloss.JoinHorizontal(lipgloss.Top,
			renderPhaseSection(s, width/2),
			renderCountersSection(s, width/2),
		),
		"",
		renderHistorySection(tracker, width),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func phaseStyle(p phase.Phase) lipgloss.Style {
	switch {
	case p == phase.PostFinish:
		return utils.CriticalStyle
	case p.InCycle():
		return utils.WarningStyle
	default:
		return utils.GoodStyle
	}
}

func renderPhaseSection(s Snapshot, width int) string {
	lines := []string{
		utils.TitleStyle.Render("Collector"),
		utils.FormatKeyValue("Phase", phaseStyle(s.Phase).Render(s.Phase.String()), keyWidth),
		utils.FormatKeyValue("Acknowledged", s.Acked.String(), keyWidth),
		utils.FormatKeyValue("Cycles", fmt.Sprintf("%d started, %d completed", s.Started, s.Completed), keyWidth),
		utils.FormatKeyValue("Policy", s.Policy, keyWidth),
		utils.FormatKeyValue("Immune range", fmt.Sprintf("[%s, %s)", s.ImmuneBegin, s.ImmuneEnd), keyWidth),
		utils.FormatKeyValue("Concurrent req.", yesNo(s.ConcurrentRequested), keyWidth),
		utils.FormatKeyValue("Roots", fmt.Sprintf("%d / %d", s.Roots, s.RootCapacity), keyWidth),
	}

	barWidth := max(width-keyWidth-12, 10)
	stackUse := 0.0
	if s.StackCapacity > 0 {
		stackUse = float64(s.StackSize) / float64(s.StackCapacity)
	}
	lines = append(lines, utils.FormatKeyValue("Mark stack",
		utils.CreateProgressBarWithLabel(stackUse, barWidth, usageColor(stackUse),
			fmt.Sprintf("%d/%d", s.StackSize, s.StackCapacity)), keyWidth))

	return lipgloss.NewStyle().Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderCountersSection(s Snapshot, width int) string {
	c := s.Counters
	lines := []string{
		utils.TitleStyle.Render("Last cycle"),
		utils.FormatKeyValue("Duration", utils.FormatDuration(s.LastDuration), keyWidth),
		utils.FormatKeyValue("Marked", fmt.Sprintf("%d", c.ObjectsMarked), keyWidth),
		utils.FormatKeyValue("Scanned", fmt.Sprintf("%d", c.ObjectsScanned), keyWidth),
		utils.FormatKeyValue("Refs visited", fmt.Sprintf("%d", c.RefsVisited), keyWidth),
		utils.FormatKeyValue("Cards scanned", fmt.Sprintf("%d", c.CardsScanned), keyWidth),
		utils.FormatKeyValue("Freed", fmt.Sprintf("%d objects / %s", c.ObjectsFreed, utils.MemorySize(c.BytesFreed)), keyWidth),
		utils.FormatKeyValue("Total freed", utils.MemorySize(c.TotalBytesFreed).String(), keyWidth),
	}
	if c.Overflows > 0 {
		lines = append(lines, utils.FormatKeyValue("Stack overflows", utils.WarningStyle.Render(fmt.Sprintf("%d", c.Overflows)), keyWidth))
	}
	return lipgloss.NewStyle().Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderHistorySection(tracker *Tracker, width int) string {
	samples := tracker.Samples()
	if len(samples) == 0 {
		return utils.MutedStyle.Render("No finished cycles seen yet")
	}

	chartWidth := max(width-keyWidth-4, 20)
	lines := []string{
		utils.TitleStyle.Render(fmt.Sprintf("History (%d cycles, mean %s)",
			len(samples), utils.FormatDuration(tracker.MeanDuration()))),
		utils.FormatKeyValue("Freed KB", renderSparkline(tracker.FreedSeries(), chartWidth, utils.GoodColor), keyWidth),
		utils.FormatKeyValue("Marked", renderSparkline(tracker.MarkedSeries(), chartWidth, utils.InfoColor), keyWidth),
		utils.FormatKeyValue("Live set trend", fmt.Sprintf("%s %+.1f%% per cycle",
			utils.TrendIcon(tracker.MarkedTrend()), tracker.MarkedTrend()*100), keyWidth),
	}
	if missed := tracker.Missed(); missed > 0 {
		lines = append(lines, utils.MutedStyle.Render(fmt.Sprintf("%d cycles finished between refreshes", missed)))
	}

	lines = append(lines, "")
	for _, c := range tracker.Recent(5) {
		lines = append(lines, fmt.Sprintf("  #%-5d %8s  marked %-8d freed %d / %s",
			c.Cycle, utils.FormatDuration(c.Duration), c.Marked, c.Freed, utils.MemorySize(c.BytesFreed)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderSparkline draws the newest values that fit in width.
func renderSparkline(values []float64, width int, color lipgloss.Color) string {
	if len(values) > width {
		values = values[len(values)-width:]
	}
	sl := sparkline.New(width, 1, sparkline.WithStyle(lipgloss.NewStyle().Foreground(color)))
	sl.PushAll(values)
	sl.Draw()
	return sl.View()
}

func usageColor(ratio float64) lipgloss.Color {
	return utils.PressureColor(collector.ClassifyPressure(uint64(ratio*1000), 1000).String())
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
