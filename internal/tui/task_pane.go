package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentpool/internal/events"
)

// TaskView is the pane's record of one task.
type TaskView struct {
	TaskID    string
	Title     string
	Priority  int
	AgentID   string
	Status    string // "pending", "running", "completed", "failed", "cancelled"
	Output    []string
	Submitted time.Time
	Duration  time.Duration
}

// TaskPaneModel lists tasks and shows the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskView
	taskOrder   []string // submission order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskView),
		viewport: viewport.New(0, 0),
	}
}

// task returns the view for id, adding it if the submission was missed.
func (m *TaskPaneModel) task(id string) *TaskView {
	if tv, ok := m.tasks[id]; ok {
		return tv
	}
	tv := &TaskView{TaskID: id, Title: id, Status: "pending"}
	m.tasks[id] = tv
	m.taskOrder = append(m.taskOrder, id)
	return tv
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskSubmittedEvent:
		tv := m.task(msg.ID)
		tv.Title = msg.Title
		tv.Priority = msg.Priority
		tv.Submitted = msg.Timestamp
		if len(m.taskOrder) == 1 {
			m.updateViewportContent()
		}

	case events.TaskStartedEvent:
		tv := m.task(msg.ID)
		tv.Status = "running"
		tv.AgentID = msg.AgentID
		tv.Output = append(tv.Output, fmt.Sprintf("[Started on %s]", msg.AgentID))
		m.refresh(msg.ID)

	case events.TaskCompletedEvent:
		tv := m.task(msg.ID)
		tv.Status = "completed"
		tv.Duration = msg.Duration
		if out := strings.TrimRight(msg.Output, "\n"); out != "" {
			tv.Output = append(tv.Output, out)
		}
		tv.Output = append(tv.Output, fmt.Sprintf("[Completed in %v]", msg.Duration.Round(time.Millisecond)))
		m.refresh(msg.ID)

	case events.TaskFailedEvent:
		tv := m.task(msg.ID)
		tv.Status = "failed"
		tv.Duration = msg.Duration
		tv.Output = append(tv.Output, fmt.Sprintf("[Failed: %s]", strings.TrimSpace(msg.Error)))
		m.refresh(msg.ID)

	case events.TaskCancelledEvent:
		tv := m.task(msg.ID)
		tv.Status = "cancelled"
		tv.Output = append(tv.Output, "[Cancelled]")
		m.refresh(msg.ID)
	}

	return m, cmd
}

func (m *TaskPaneModel) refresh(id string) {
	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		tv := m.tasks[id]
		name := tv.Title
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(tv.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleStatusPending.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, or nil.
func (m TaskPaneModel) Selected() *TaskView {
	return m.tasks[m.selectedTaskID()]
}

func (m *TaskPaneModel) updateViewportContent() {
	tv, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := fmt.Sprintf("%s  (priority %d)", tv.Title, tv.Priority)
	if tv.AgentID != "" {
		header += "  agent " + tv.AgentID
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(tv.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-30-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
