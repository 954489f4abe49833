// Package dashboard is a terminal roster view for a running daemon: one
// row per known agent/user, its last-seen age and send/receive counts,
// plus a one-line summary of pending deliveries and processing agents.
// Adapted from the fleet status dashboard's Bubble Tea model, narrowed
// from nodes-with-health-status to agents-with-activity-counters.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/freitascorp/agentrelayd/pkg/registry"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00C2FF")).
			PaddingLeft(1).
			PaddingRight(1)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF88"))

	staleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999"))

	processingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB347"))

	cellStyle = lipgloss.NewStyle().
			PaddingLeft(1).
			PaddingRight(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#555555")).
			Padding(0, 1)
)

type tickMsg time.Time
type rosterMsg []registry.Info
type pendingMsg int

// Model is the Bubble Tea model for the roster dashboard. The table body
// is rendered into a bubbles/viewport so a roster longer than the
// terminal scrolls instead of tearing the frame.
type Model struct {
	reg *registry.Registry
	rt  *router.Router

	roster   []registry.Info
	pending  int
	width    int
	quitting bool
	ready    bool
	viewport viewport.Model
}

// New creates a dashboard model over reg (for roster state) and rt (for
// pending-delivery count).
func New(reg *registry.Registry, rt *router.Router) Model {
	return Model{reg: reg, rt: rt, width: 80}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchRoster, m.fetchPending, tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.fetchRoster, m.fetchPending)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		headerHeight := 5
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight
		}
		m.viewport.SetContent(m.renderTable())
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetchRoster, m.fetchPending, tickCmd())
	case rosterMsg:
		m.roster = []registry.Info(msg)
		m.viewport.SetContent(m.renderTable())
		return m, nil
	case pendingMsg:
		m.pending = int(msg)
		return m, nil
	}
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("agentrelayd roster"))
	b.WriteString("\n")

	b.WriteString(boxStyle.Render(fmt.Sprintf("Agents: %d  │  Pending deliveries: %d",
		len(m.roster), m.pending)))
	b.WriteString("\n\n")

	if m.ready {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(m.renderTable())
	}

	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("  [r] refresh  [↑/↓] scroll  [q] quit  │  %s", time.Now().Format("15:04:05"))))
	return b.String()
}

// renderTable builds the roster body, the content the viewport scrolls.
func (m Model) renderTable() string {
	if len(m.roster) == 0 {
		return footerStyle.Render("  No agents registered yet.")
	}

	var b strings.Builder
	sorted := append([]registry.Info(nil), m.roster...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := fmt.Sprintf("%-20s %-12s %-10s %-10s %s",
		headerStyle.Render("AGENT"), headerStyle.Render("LAST SEEN"),
		headerStyle.Render("SENT"), headerStyle.Render("RECV"), headerStyle.Render("STATE"))
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("─", clampInt(m.width, 70)))
	b.WriteString("\n")

	for _, info := range sorted {
		state := activeStyle.Render("● idle")
		if m.rt != nil && m.rt.IsProcessing(info.Name) {
			state = processingStyle.Render("◐ processing")
		}
		lastSeen := renderLastSeen(info.LastSeen)
		if time.Since(info.LastSeen) > 5*time.Minute {
			lastSeen = staleStyle.Render(lastSeen)
		}
		row := fmt.Sprintf("%-20s %-12s %-10d %-10d %s",
			cellStyle.Render(info.Name), cellStyle.Render(lastSeen),
			info.SendCount, info.ReceiveCount, state)
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}

func renderLastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func clampInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchRoster() tea.Msg {
	return rosterMsg(m.reg.List())
}

func (m Model) fetchPending() tea.Msg {
	if m.rt == nil {
		return pendingMsg(0)
	}
	return pendingMsg(m.rt.PendingCount())
}

// Run starts the roster dashboard and blocks until the user quits.
func Run(ctx context.Context, reg *registry.Registry, rt *router.Router) error {
	p := tea.NewProgram(New(reg, rt), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
