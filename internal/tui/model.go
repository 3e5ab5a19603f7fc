// Package tui is a terminal monitor for a running pool, driven by the event
// bus. The only action it takes is cancelling the selected task.
package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentpool/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PanePool
)

const paneCount = 2

// CancelFunc cancels a task by ID. The monitor calls it for the selected
// task when the cancel key is pressed.
type CancelFunc func(taskID string) error

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	poolPane    PoolPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	cancel      CancelFunc
	status      string
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every topic of the bus.
// cancel may be nil, which disables the cancel key.
func New(bus *events.Bus, cancel CancelFunc) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		poolPane:    NewPoolPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    bus.SubscribeAll(256),
		cancel:      cancel,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Next):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Prev):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Tasks):
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case key.Matches(msg, keys.Pool):
			m.focusedPane = PanePool
			m.updateFocusStates()

		case key.Matches(msg, keys.Cancel):
			m.cancelSelected()

		case m.focusedPane == PaneTasks:
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.TaskSubmittedEvent, events.TaskStartedEvent, events.TaskCompletedEvent,
		events.TaskFailedEvent, events.TaskCancelledEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Agent, pool and recovery events.
		var cmd tea.Cmd
		m.poolPane, cmd = m.poolPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) cancelSelected() {
	tv := m.taskPane.Selected()
	if m.cancel == nil || tv == nil {
		return
	}
	if err := m.cancel(tv.TaskID); err != nil {
		m.status = "cancel failed: " + err.Error()
		return
	}
	m.status = "cancelling " + tv.Title
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.poolPane.View())
	help := HelpView()
	if m.status != "" {
		help = StyleHelp.Render(m.status) + "  " + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, help)
}

// computeLayout splits the width 65/35 between the task and pool panes.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.poolPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.poolPane.SetFocused(m.focusedPane == PanePool)
}
