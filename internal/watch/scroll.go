package watch

import (
	"fmt"
	"strings"

	"github.com/fizous/gcaas/utils"
)

func (m *Model) applyScrolling(content string, viewportHeight int) string {
	lines := strings.Split(content, "\n")
	totalLines := len(lines)

	if totalLines <= viewportHeight {
		return content
	}

	scrollPos := m.scrollPositions[m.activeTab]

	// Clamp here because scrollDown does not know the content height.
	maxScroll := totalLines - viewportHeight
	scrollPos = min(max(scrollPos, 0), maxScroll)
	m.scrollPositions[m.activeTab] = scrollPos

	endPos := scrollPos + viewportHeight
	visibleLines := lines[scrollPos:endPos]

	if scrollPos > 0 || endPos < totalLines {
		scrollInfo := fmt.Sprintf("%s (Line %d-%d of %d) %s",
			utils.MutedStyle.Render("▲"),
			scrollPos+1,
			endPos,
			totalLines,
			utils.MutedStyle.Render("▼"))
		visibleLines[len(visibleLines)-1] = scrollInfo
	}

	return strings.Join(visibleLines, "\n")
}

func (m *Model) scrollUp(lines int) {
	m.scrollPositions[m.activeTab] = max(m.scrollPositions[m.activeTab]-lines, 0)
}

func (m *Model) scrollDown(lines int) {
	m.scrollPositions[m.activeTab] += lines
}
