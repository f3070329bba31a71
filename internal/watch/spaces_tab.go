package watch

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/fizous/gcaas/internal/collector"
	"github.com/fizous/gcaas/internal/space"
	"github.com/fizous/gcaas/utils"
)

func RenderSpacesTab(s Snapshot, width int) string {
	if len(s.Spaces) == 0 {
		return utils.MutedStyle.Render("No spaces mapped")
	}

	sections := []string{renderTranslationTable(s)}
	barWidth := max(width-keyWidth-20, 20)
	for _, sp := range s.Spaces {
		sections = append(sections, "", renderSpace(sp, barWidth))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderTranslationTable lists where each space lives in the mutator and in
// this process.
func renderTranslationTable(s Snapshot) string {
	lines := []string{
		utils.TitleStyle.Render("Address translation"),
		utils.MutedStyle.Render(fmt.Sprintf("  %-8s %-20s %-20s %-10s %s", "SPACE", "MUTATOR", "WATCHER", "SIZE", "OFFSET")),
	}
	for _, sp := range s.Spaces {
		e := sp.Entry
		offset := "same"
		if e.Offset() != 0 {
			offset = fmt.Sprintf("%+#x", e.Offset())
		}
		lines = append(lines, fmt.Sprintf("  %-8s %-20s %-20s %-10s %s",
			e.Kind, e.MutatorBegin, e.CollectorBegin, utils.MemorySize(e.Size()), offset))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSpace(sp SpaceSnapshot, barWidth int) string {
	usage := sp.Usage()
	lines := []string{
		utils.InfoStyle.Bold(true).Render(fmt.Sprintf("%s space", sp.Entry.Kind)),
		utils.FormatKeyValue("Allocated", utils.CreateProgressBarWithLabel(usage, barWidth, usageColor(usage),
			fmt.Sprintf("%s / %s", utils.MemorySize(sp.Allocated), utils.MemorySize(sp.Capacity))), keyWidth),
		utils.FormatKeyValue("Footprint", utils.MemorySize(sp.Footprint).String(), keyWidth),
		utils.FormatKeyValue("Objects", fmt.Sprintf("%d live, %d marked", sp.Objects, sp.Marked), keyWidth),
		utils.FormatKeyValue("Free chunks", fmt.Sprintf("%d", sp.FreeChunks), keyWidth),
		utils.FormatKeyValue("Dirty cards", fmt.Sprintf("%d", sp.DirtyCards), keyWidth),
	}
	if sp.Entry.Kind == space.KindAlloc {
		lines = append(lines, utils.FormatKeyValue("Pressure", renderPressure(sp), keyWidth))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Only the alloc space grows; the others are full by construction.
func renderPressure(sp SpaceSnapshot) string {
	level := collector.ClassifyPressure(sp.Allocated, sp.Capacity).String()
	return utils.PressureIcon(level) + " " + utils.PressureStyle(level).Render(level)
}
