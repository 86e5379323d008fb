// Package tui is a terminal chat client for a running KhetSense server.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const requestTimeout = 90 * time.Second

// ChatPort is the TUI-facing subset of the chat API.
type ChatPort interface {
	Ask(ctx context.Context, sessionID, message, location string) (answer, newSessionID string, err error)
	Reset(ctx context.Context, sessionID string) error
}

type speaker int

const (
	speakerUser speaker = iota
	speakerAgent
	speakerNotice
)

type line struct {
	who  speaker
	text string
}

type answerMsg struct {
	answer    string
	sessionID string
	err       error
}

type resetMsg struct{ err error }

// Model is the Bubble Tea model for the chat client.
type Model struct {
	port      ChatPort
	location  string
	sessionID string

	input    textinput.Model
	viewport viewport.Model
	lines    []line
	status   string
	waiting  bool
	ready    bool
}

// New creates a chat model. location may be empty.
func New(port ChatPort, location string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about crops, pests, fertilizers... (/reset, /quit)"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	status := "Connected."
	if location != "" {
		status = "Connected. Location: " + location
	}
	return Model{port: port, location: location, input: ti, viewport: vp, status: status}
}

// SessionID returns the server-side session the conversation is bound to.
func (m Model) SessionID() string { return m.sessionID }

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and response events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, bh := transcriptBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 1 + 1 + ih + 1 // header, status, spacer
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-bh)
		m.refresh()
		return m, nil

	case answerMsg:
		m.waiting = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.lines = append(m.lines, line{who: speakerNotice, text: "Request failed, please try again."})
		} else {
			m.sessionID = msg.sessionID
			m.status = "Session " + shortID(m.sessionID)
			m.lines = append(m.lines, line{who: speakerAgent, text: msg.answer})
		}
		m.refresh()
		return m, nil

	case resetMsg:
		if msg.err != nil {
			m.status = "Reset failed: " + msg.err.Error()
		} else {
			m.sessionID = ""
			m.lines = nil
			m.status = "Conversation cleared."
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.Type {
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	q := strings.TrimSpace(m.input.Value())
	if q == "" || m.waiting {
		return m, nil
	}
	m.input.Reset()

	switch q {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/reset":
		if m.sessionID == "" {
			m.lines = nil
			m.status = "Conversation cleared."
			m.refresh()
			return m, nil
		}
		return m, m.reset(m.sessionID)
	}

	m.lines = append(m.lines, line{who: speakerUser, text: q})
	m.waiting = true
	m.status = "Thinking..."
	m.refresh()
	return m, m.ask(q)
}

func (m Model) ask(q string) tea.Cmd {
	port, sessionID, location := m.port, m.sessionID, m.location
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		answer, id, err := port.Ask(ctx, sessionID, q, location)
		return answerMsg{answer: answer, sessionID: id, err: err}
	}
}

func (m Model) reset(sessionID string) tea.Cmd {
	port := m.port
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return resetMsg{err: port.Reset(ctx, sessionID)}
	}
}

// View renders the header, transcript, input box and status line.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("KhetSense")
	transcript := transcriptBoxStyle.Render(m.viewport.View())
	input := inputBoxStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + transcript + "\n" + input + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) renderTranscript() string {
	if len(m.lines) == 0 {
		return noticeStyle.Render("Namaste! Ask a farming question to get started.")
	}
	wrap := lipgloss.NewStyle().Width(max(10, m.viewport.Width-2))
	var b strings.Builder
	for i, l := range m.lines {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch l.who {
		case speakerUser:
			b.WriteString(userStyle.Render("You: "))
		case speakerAgent:
			b.WriteString(agentStyle.Render("KhetSense: "))
		case speakerNotice:
			b.WriteString(noticeStyle.Render(wrap.Render(l.text)))
			continue
		}
		b.WriteString(wrap.Render(l.text))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	headerStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	userStyle          = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	agentStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	noticeStyle        = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
)
