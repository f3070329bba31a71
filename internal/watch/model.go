package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fizous/gcaas/utils"
)

type TabType int

const (
	TabOverview TabType = iota
	TabSpaces
	TabRequests
)

func (t TabType) String() string {
	switch t {
	case TabOverview:
		return "Overview"
	case TabSpaces:
		return "Spaces"
	case TabRequests:
		return "Requests"
	default:
		return "Unknown"
	}
}

func GetAllTabs() []TabType {
	return []TabType{TabOverview, TabSpaces, TabRequests}
}

const historyLimit = 120

type Model struct {
	source   Source
	tracker  *Tracker
	interval time.Duration
	help     help.Model

	// UI state
	width  int
	height int

	activeTab       TabType
	scrollPositions map[TabType]int // Per-tab scroll positions

	snapshot     Snapshot
	connected    bool
	errorMessage string

	lastUpdate  time.Time
	updateCount int64
	startTime   time.Time
}

func NewModel(source Source, interval time.Duration) *Model {
	if interval <= 0 {
		interval = time.Second
	}
	return &Model{
		source:          source,
		tracker:         NewTracker(historyLimit),
		interval:        interval,
		help:            help.New(),
		activeTab:       TabOverview,
		scrollPositions: make(map[TabType]int),
		startTime:       time.Now(),
	}
}

type TickMsg time.Time

func (m *Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func triggerImmediateTick() tea.Cmd {
	return func() tea.Msg { return TickMsg(time.Now()) }
}

func (m *Model) Init() tea.Cmd {
	return triggerImmediateTick()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case TickMsg:
		m.refresh()
		return m, m.scheduleTick()

	case tea.KeyMsg:
		return m.handleKeys(msg)
	}
	return m, nil
}

// refresh takes a new snapshot. A failed snapshot keeps the last good one on
// screen.
func (m *Model) refresh() {
	snap, err := m.source.Snapshot()
	if err != nil {
		m.connected = false
		m.errorMessage = fmt.Sprintf("snapshot failed: %v", err)
		return
	}
	m.snapshot = snap
	m.connected = true
	m.errorMessage = ""
	m.tracker.Observe(snap)
	m.lastUpdate = snap.Time
	m.updateCount++
}

func (m *Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Tab), key.Matches(msg, keys.Right):
		m.activeTab = utils.GetNextEnum(m.activeTab, TabRequests)

	case key.Matches(msg, keys.Left):
		m.activeTab = utils.GetPrevEnum(m.activeTab, TabRequests)

	case key.Matches(msg, keys.Up):
		m.scrollUp(1)

	case key.Matches(msg, keys.Down):
		m.scrollDown(1)

	case key.Matches(msg, keys.PageUp):
		m.scrollUp(10)

	case key.Matches(msg, keys.PageDown):
		m.scrollDown(10)

	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, keys.Refresh):
		m.refresh()
	}
	return m, nil
}
