// Package tui implements the engine's live-status view: open positions,
// their percent change from entry, and price-cache interest count.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"signaltrader/internal/domain"
	"signaltrader/internal/store"
)

// keyMap holds this view's two bindings.
type keyMap struct {
	Quit, TogglePause key.Binding
}

var keys = keyMap{
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c")),
	TogglePause: key.NewBinding(key.WithKeys("p")),
}

var (
	colorBorder = lipgloss.Color("#2e7de9")
	colorText   = lipgloss.Color("#a9b1d6")
	colorActive = lipgloss.Color("#7aa2f7")
	colorProfit = lipgloss.Color("#9ece6a")
	colorLoss   = lipgloss.Color("#f7768e")

	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorActive)
	styleFooter = lipgloss.NewStyle().Foreground(colorText).Italic(true)
	styleProfit = lipgloss.NewStyle().Foreground(colorProfit)
	styleLoss   = lipgloss.NewStyle().Foreground(colorLoss)
	styleFrame  = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(colorBorder).Padding(0, 1)
)

// TickMsg drives the 500ms refresh loop.
type TickMsg time.Time

// Model is the bubbletea model for the engine's status view.
type Model struct {
	store         *store.Store
	interestCount func() int
	width, height int
	startedAt     time.Time
	paused        bool
	onTogglePause func(paused bool)
}

// New constructs a Model. interestCount, if non-nil, is polled each tick
// to display the price cache's current watch-list size.
func New(st *store.Store, interestCount func() int, onTogglePause func(paused bool)) Model {
	return Model{
		store:         st,
		interestCount: interestCount,
		startedAt:     time.Now(),
		onTogglePause: onTogglePause,
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.SetWindowTitle("signaltrader"), tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.TogglePause):
			m.paused = !m.paused
			if m.onTogglePause != nil {
				m.onTogglePause(m.paused)
			}
		}
		return m, nil
	case TickMsg:
		return m, tickCmd()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	status := "running"
	if m.paused {
		status = "paused"
	}
	b.WriteString(styleHeader.Render(fmt.Sprintf("signaltrader — %s — uptime %s", status, time.Since(m.startedAt).Round(time.Second))))
	b.WriteString("\n\n")

	if m.store == nil {
		b.WriteString("no store attached\n")
		return styleFrame.Render(b.String())
	}

	open := m.store.ListOpen()
	sort.Slice(open, func(i, j int) bool { return open[i].OpenedAt.After(open[j].OpenedAt) })

	b.WriteString(styleHeader.Render(fmt.Sprintf("open positions (%d)", len(open))))
	b.WriteString("\n")
	for _, pos := range open {
		b.WriteString(renderPositionRow(pos))
		b.WriteString("\n")
	}

	if m.interestCount != nil {
		b.WriteString(fmt.Sprintf("\nprice cache interest: %d tokens\n", m.interestCount()))
	}

	b.WriteString("\n")
	b.WriteString(styleFooter.Render("[q] quit  [p] pause/resume"))

	return styleFrame.Render(b.String())
}

func renderPositionRow(pos *domain.Position) string {
	pct := pos.PctChange(pos.CurrentPrice)
	pctStyle := styleProfit
	if pct < 0 {
		pctStyle = styleLoss
	}
	return fmt.Sprintf("%-12s entry=%.6f current=%.6f %s held=%s",
		pos.TokenMint, pos.EntryPrice, pos.CurrentPrice,
		pctStyle.Render(fmt.Sprintf("%+.1f%%", pct)),
		time.Since(pos.OpenedAt).Round(time.Second))
}
