// Package tui implements the live trace viewer behind cmd/emulate's
// --trace flag: a bubbletea program that streams internal/trace events
// (syscalls, JNI calls, mmap activity) as the guest runs, scrolled through
// a bubbles viewport and styled with lipgloss.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/arm64sandbox/emulator/internal/trace"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	tagStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// eventMsg wraps a trace.Event as a tea.Msg.
type eventMsg *trace.Event

// doneMsg signals the guest run finished; detail is the final status line.
type doneMsg struct{ detail string }

// Model is the bubbletea model driving the trace view. Feed it through
// Run, which owns the tea.Program's lifetime.
type Model struct {
	events   chan *trace.Event
	done     chan string
	viewport viewport.Model
	lines    []string
	title    string
	finished bool
	status   string
	ready    bool
}

// New builds a Model that reads events off events until done fires. title
// is shown in the header (typically the binary path being traced).
func New(title string, events chan *trace.Event, done chan string) Model {
	return Model{
		events: events,
		done:   done,
		title:  title,
	}
}

// Run starts the tea.Program and blocks until the user quits or done fires.
func Run(title string, events chan *trace.Event, done chan string) error {
	m := New(title, events, done)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func waitForEvent(events chan *trace.Event, done chan string) tea.Cmd {
	return func() tea.Msg {
		select {
		case e, ok := <-events:
			if !ok {
				return doneMsg{detail: "trace closed"}
			}
			return eventMsg(e)
		case detail := <-done:
			return doneMsg{detail: detail}
		}
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events, m.done)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case eventMsg:
		m.lines = append(m.lines, formatEvent(msg))
		if m.ready {
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.viewport.GotoBottom()
		}
		return m, waitForEvent(m.events, m.done)

	case doneMsg:
		m.finished = true
		m.status = msg.detail
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func formatEvent(e *trace.Event) string {
	ts := e.Timestamp.Format("15:04:05.000")
	tag := tagStyle.Render(e.PrimaryTag())
	line := fmt.Sprintf("%s  %s  %08x  %s", detailStyle.Render(ts), tag, e.PC, e.Name)
	if e.Detail != "" {
		line += "  " + detailStyle.Render(e.Detail)
	}
	return line
}

func (m Model) View() string {
	if !m.ready {
		return "initializing…"
	}

	header := headerStyle.Render(fmt.Sprintf("▶ %s — live trace", m.title))

	footer := fmt.Sprintf("%d events", len(m.lines))
	if m.finished {
		footer += "  " + m.status + "  (press q to quit)"
	} else {
		footer += "  running…  (q to quit)"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		footerStyle.Render(footer),
	)
}
