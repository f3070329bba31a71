// Package watch is a read-only terminal view of a live shared heap: the
// collector's phase and counters, the translation table and the request
// ring.
package watch

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fizous/gcaas/utils"
)

func StartTUI(source Source, interval time.Duration) error {
	model := NewModel(source, interval)

	program := tea.NewProgram(
		model,
		tea.WithAltScreen(), // Use alternate screen buffer
	)

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	header := m.renderHeader()
	tabBar := m.renderTabBar()
	helpView := m.help.View(keys)

	contentHeight := m.height - lipgloss.Height(header) - lipgloss.Height(tabBar) - lipgloss.Height(helpView)
	contentHeight = max(contentHeight, 1)

	scrolled := m.applyScrolling(m.renderActiveTab(), contentHeight)
	content := lipgloss.NewStyle().Height(contentHeight).Render(scrolled)

	return lipgloss.JoinVertical(lipgloss.Left, header, tabBar, content, helpView)
}

func (m *Model) renderActiveTab() string {
	if m.updateCount == 0 {
		if m.errorMessage != "" {
			return utils.CriticalStyle.Render(m.errorMessage)
		}
		return utils.MutedStyle.Render("Waiting for the first snapshot...")
	}

	switch m.activeTab {
	case TabOverview:
		return RenderOverviewTab(m.snapshot, m.tracker, m.width)
	case TabSpaces:
		return RenderSpacesTab(m.snapshot, m.width)
	case TabRequests:
		return RenderRequestsTab(m.snapshot, m.width)
	default:
		return utils.CriticalStyle.Render("Unknown tab")
	}
}

func (m *Model) renderHeader() string {
	title := "🔍 gcsvc watch"
	if m.snapshot.Name != "" {
		title = fmt.Sprintf("🔍 gcsvc watch - %s (PID: %d)", m.snapshot.Name, m.snapshot.MutatorPID)
	}

	var status string
	switch {
	case m.connected:
		status = utils.GoodStyle.Render(fmt.Sprintf("🟢 Attached • %s", utils.FormatDuration(time.Since(m.startTime))))
	case m.updateCount > 0:
		status = utils.WarningStyle.Render("⚠️ Stale")
	default:
		status = utils.CriticalStyle.Render("🔴 Detached")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		utils.HeaderStyle.Width(m.width).Render(title+" • "+status),
		utils.MutedStyle.Render(strings.Repeat("─", m.width)),
	)
}

func (m *Model) renderTabBar() string {
	var tabs []string
	for _, tab := range GetAllTabs() {
		if tab == m.activeTab {
			tabs = append(tabs, utils.TabActiveStyle.Render(tab.String()))
		} else {
			tabs = append(tabs, utils.TabInactiveStyle.Render(tab.String()))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}
