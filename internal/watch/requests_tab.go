package watch

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/utils"
)

func RenderRequestsTab(s Snapshot, width int) string {
	state := utils.GoodStyle.Render("open")
	if s.RingClosed {
		state = utils.CriticalStyle.Render("closed")
	}
	lines := []string{
		utils.TitleStyle.Render("Request ring"),
		utils.FormatKeyValue("State", state, keyWidth),
		utils.FormatKeyValue("Queued", fmt.Sprintf("%d / %d", s.RingQueued, len(s.Slots)), keyWidth),
		"",
		utils.MutedStyle.Render(fmt.Sprintf("  %-4s %-9s %-14s %-8s %-6s %-10s %s", "SLOT", "STATUS", "TYPE", "PID", "SEQ", "DATA", "RESULT")),
	}
	for i, slot := range s.Slots {
		lines = append(lines, renderSlot(i, slot))
	}
	return lipgloss.NewStyle().MaxWidth(max(width, 1)).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func slotStyle(st request.Status) lipgloss.Style {
	switch st {
	case request.StatusNew:
		return utils.InfoStyle
	case request.StatusStarted:
		return utils.WarningStyle
	case request.StatusComplete:
		return utils.GoodStyle
	default:
		return utils.MutedStyle
	}
}

func renderSlot(i int, slot request.Slot) string {
	if slot.Status == request.StatusNone && slot.Seq == 0 {
		return utils.MutedStyle.Render(fmt.Sprintf("  %-4d %-9s", i, "-"))
	}

	result := "-"
	switch {
	case slot.Status != request.StatusComplete:
	case slot.Result == request.ResultFailed:
		result = utils.CriticalStyle.Render("failed")
	default:
		result = fmt.Sprintf("%d", slot.Result)
	}
	status := slotStyle(slot.Status).Render(fmt.Sprintf("%-9s", slot.Status))
	return fmt.Sprintf("  %-4d %s %-14s %-8d %-6d %-10d %s",
		i, status, slot.Type, slot.ProcessID, slot.Seq, slot.Data, result)
}
