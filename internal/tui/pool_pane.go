package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentpool/internal/events"
)

const maxActivity = 8

// PoolPaneModel shows pool progress, agent states and recent recovery activity.
type PoolPaneModel struct {
	progress events.PoolProgressEvent
	agents   map[string]string // agent ID -> state
	activity []string
	width    int
	height   int
	focused  bool
}

// NewPoolPaneModel creates an empty pool pane.
func NewPoolPaneModel() PoolPaneModel {
	return PoolPaneModel{agents: make(map[string]string)}
}

// Update handles messages for the pool pane.
func (m PoolPaneModel) Update(msg tea.Msg) (PoolPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.PoolProgressEvent:
		m.progress = msg

	case events.AgentStateEvent:
		m.agents[msg.AgentID] = msg.State

	case events.RecoveryEvent:
		outcome := "unrecovered"
		if msg.Recovered {
			outcome = "recovered"
		}
		strategy := msg.Strategy
		if strategy == "" {
			strategy = "no strategy"
		}
		m.log(fmt.Sprintf("%s %s: %s", msg.Timestamp.Format("15:04:05"), outcome, strategy))

	case events.SnapshotEvent:
		verb := "snapshot"
		if msg.RolledBack {
			verb = "rollback to"
		}
		m.log(fmt.Sprintf("%s %s %s", msg.Timestamp.Format("15:04:05"), verb, msg.SnapshotID))

	case events.RebalanceEvent:
		m.log(fmt.Sprintf("%s rebalanced %d pair(s), balance %.2f", msg.Timestamp.Format("15:04:05"), msg.Actions, msg.LoadBalance))
	}
	return m, nil
}

func (m *PoolPaneModel) log(line string) {
	m.activity = append(m.activity, line)
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
}

// View renders the pool pane.
func (m PoolPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Pool")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	p := m.progress
	b.WriteString(fmt.Sprintf("Total:     %d\n", p.Total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", p.Completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", p.Failed))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", p.Pending))))
	b.WriteString(fmt.Sprintf("Agents:    %d (%d working)\n", p.Agents, p.Working))

	if p.Total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (p.Completed * barWidth) / p.Total
		failedWidth := (p.Failed * barWidth) / p.Total
		runningWidth := (p.Running * barWidth) / p.Total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		b.WriteString(fmt.Sprintf("\n[%s]  %d/%d\n", bar, p.Completed+p.Failed+p.Cancelled, p.Total))
	}

	if len(m.agents) > 0 {
		b.WriteString("\n")
		ids := make([]string, 0, len(m.agents))
		for id := range m.agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			b.WriteString(fmt.Sprintf("%s %s\n", agentIcon(m.agents[id]), id))
		}
	}

	if len(m.activity) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Recovery"))
		b.WriteString("\n")
		for _, line := range m.activity {
			b.WriteString(StyleStatusPending.Render(line))
			b.WriteString("\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func agentIcon(state string) string {
	switch state {
	case "working":
		return StyleStatusRunning.Render("●")
	case "idle":
		return StyleStatusComplete.Render("○")
	case "suspended":
		return StyleStatusSuspended.Render("◌")
	case "error":
		return StyleStatusFailed.Render("!")
	default:
		return StyleStatusPending.Render("x")
	}
}

// SetSize updates the pane dimensions.
func (m *PoolPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *PoolPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
