// Package chat is the interactive "luma chat" prompt. Every line is an
// independent agent request.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"luma/internal/agent"
)

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D4FF")).Bold(true)
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))
)

// Asker is the agent entry point.
type Asker interface {
	Ask(ctx context.Context, req agent.Request) (*agent.Answer, error)
}

// Formatter renders an answer for the transcript.
type Formatter func(ans *agent.Answer) (string, error)

type answerMsg struct {
	out string
	err error
}

type Model struct {
	ctx     context.Context
	cancel  context.CancelFunc
	ask     Asker
	format  Formatter
	now     func() time.Time
	input   textinput.Model
	spinner spinner.Model

	busy       bool
	transcript []string
	quitting   bool
}

func New(ctx context.Context, ask Asker, format Formatter) Model {
	in := textinput.New()
	in.Placeholder = "events this weekend with 100+ guests"
	in.Prompt = promptStyle.Render("luma> ")
	in.CharLimit = 1000
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	ctx, cancel := context.WithCancel(ctx)
	return Model{
		ctx:     ctx,
		cancel:  cancel,
		ask:     ask,
		format:  format,
		now:     time.Now,
		input:   in,
		spinner: s,
		transcript: []string{
			mutedStyle.Render("Ask about your events. /quit, esc or ctrl+c to exit."),
		},
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m.quit()
		case "enter":
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			switch text {
			case "":
				return m, nil
			case "/quit", "/exit":
				return m.quit()
			}
			m.transcript = append(m.transcript, userStyle.Render("> "+text))
			m.busy = true
			return m, tea.Batch(m.spinner.Tick, m.askCmd(text))
		}

	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.transcript = append(m.transcript, errorStyle.Render("error: "+msg.err.Error()))
		} else {
			m.transcript = append(m.transcript, strings.TrimRight(msg.out, "\n"))
		}
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	m.cancel()
	return m, tea.Quit
}

func (m Model) askCmd(text string) tea.Cmd {
	ctx, ask, format, now := m.ctx, m.ask, m.format, m.now
	return func() tea.Msg {
		ans, err := ask.Ask(ctx, agent.Request{Text: text, Now: now()})
		if err != nil {
			return answerMsg{err: err}
		}
		out, err := format(ans)
		return answerMsg{out: out, err: err}
	}
}

func (m Model) View() string {
	var b strings.Builder
	for _, line := range m.transcript {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.quitting {
		return b.String()
	}
	if m.busy {
		b.WriteString(m.spinner.View() + mutedStyle.Render(" thinking..."))
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")
	return b.String()
}

// Run starts the prompt and blocks until the user exits.
func Run(ctx context.Context, ask Asker, format Formatter) error {
	p := tea.NewProgram(New(ctx, ask, format), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}
