package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/espctl/internal/engine"
)

// DefaultPollInterval is how often the console drains results for the
// current device.
const DefaultPollInterval = 250 * time.Millisecond

// maxHistory caps the number of lines kept in the scrollback.
const maxHistory = 500

// Router is the part of the registry the console drives.
type Router interface {
	AddRequestInts(command string, id byte, values ...int32)
	ReadResult(id byte) (engine.Result, bool)
	HasHandler(id byte) bool
	Devices() []engine.Info
}

type lineKind int

const (
	lineEcho lineKind = iota
	lineInfo
	lineResponse
	lineError
)

type line struct {
	kind lineKind
	text string
}

type tickMsg time.Time

// Model is the bubbletea model of the operator console.
type Model struct {
	router       Router
	input        textinput.Model
	history      []line
	current      byte
	hasCurrent   bool
	pollInterval time.Duration
	width        int
	height       int
	quitting     bool
}

// New creates a console model driving router.
func New(router Router) Model {
	ti := textinput.New()
	ti.Placeholder = "help"
	ti.Prompt = ""
	ti.CharLimit = 512
	ti.Focus()

	m := Model{
		router:       router,
		input:        ti,
		pollInterval: DefaultPollInterval,
		width:        GetTerminalWidth(),
	}
	m.appendLine(lineInfo, "Type 'help' for commands, 'use <id>' to select a device.")
	return m
}

// Run starts the console on the terminal and blocks until the user quits.
func Run(router Router) error {
	_, err := tea.NewProgram(New(router)).Run()
	return err
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := m.input.Value()
			m.input.Reset()
			if m.execute(text) {
				m.quitting = true
				return m, tea.Quit
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		if m.hasCurrent {
			m.drainResults(m.current)
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// execute runs one console line and reports whether the console should quit.
func (m *Model) execute(text string) bool {
	in, err := Parse(text)
	if err != nil {
		m.appendLine(lineEcho, "> "+text)
		m.appendLine(lineError, err.Error())
		return false
	}
	if in.Kind != KindEmpty {
		m.appendLine(lineEcho, "> "+text)
	}

	switch in.Kind {
	case KindQuit:
		return true

	case KindHelp:
		for _, h := range helpText {
			m.appendLine(lineInfo, h)
		}

	case KindList:
		devices := m.router.Devices()
		if len(devices) == 0 {
			m.appendLine(lineInfo, "no devices connected")
		}
		for _, d := range devices {
			m.appendLine(lineInfo, formatDevice(d))
		}

	case KindUse:
		if !m.router.HasHandler(in.ID) {
			m.appendLine(lineError, fmt.Sprintf("device 0x%02x is not connected", in.ID))
			return false
		}
		m.current, m.hasCurrent = in.ID, true
		m.appendLine(lineInfo, fmt.Sprintf("using device 0x%02x", in.ID))

	case KindResult:
		id, ok := m.target(in)
		if !ok {
			return false
		}
		if res, ok := m.router.ReadResult(id); ok {
			m.appendResult(id, res)
		} else {
			m.appendLine(lineInfo, "no result")
		}

	case KindCommand:
		id, ok := m.target(in)
		if !ok {
			return false
		}
		if !m.router.HasHandler(id) {
			m.appendLine(lineError, fmt.Sprintf("device 0x%02x is not connected", id))
			return false
		}
		m.router.AddRequestInts(in.Command, id, in.Values...)
	}
	return false
}

// target picks the explicit id or the current device.
func (m *Model) target(in Input) (byte, bool) {
	if in.HasID {
		return in.ID, true
	}
	if m.hasCurrent {
		return m.current, true
	}
	m.appendLine(lineError, "no device selected: use <id> or id=<n>")
	return 0, false
}

func (m *Model) drainResults(id byte) {
	for {
		res, ok := m.router.ReadResult(id)
		if !ok {
			return
		}
		m.appendResult(id, res)
	}
}

func (m *Model) appendResult(id byte, res engine.Result) {
	m.appendLine(lineResponse, fmt.Sprintf("[0x%02x] %s %s", id, res.Command, res.Response))
}

func (m *Model) appendLine(kind lineKind, text string) {
	m.history = append(m.history, line{kind: kind, text: text})
	if over := len(m.history) - maxHistory; over > 0 {
		m.history = m.history[over:]
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("espctl console"))
	b.WriteString("  ")
	if m.hasCurrent {
		b.WriteString(statusStyle.Render(fmt.Sprintf("device 0x%02x", m.current)))
	} else {
		b.WriteString(statusStyle.Render("no device selected"))
	}
	b.WriteString("\n\n")

	history := m.history
	if m.height > 4 && len(history) > m.height-4 {
		history = history[len(history)-(m.height-4):]
	}
	for _, l := range history {
		b.WriteString(renderLine(l, m.width))
		b.WriteString("\n")
	}

	b.WriteString(promptStyle.Render("> "))
	b.WriteString(m.input.View())
	return b.String()
}

// renderLine styles a history line, cut to width terminal cells.
func renderLine(l line, width int) string {
	var style lipgloss.Style
	switch l.kind {
	case lineEcho:
		style = echoStyle
	case lineResponse:
		style = responseStyle
	case lineError:
		style = errorStyle
	default:
		style = infoStyle
	}
	if width > 0 {
		style = style.MaxWidth(width)
	}
	return style.Render(l.text)
}

func formatDevice(d engine.Info) string {
	mode := "request"
	if d.Streaming {
		mode = "streaming"
	}
	return fmt.Sprintf("0x%02x  %-21s  %-9s  pending=%d results=%d  %s",
		d.ID, d.RemoteAddr, mode, d.PendingRequests, d.PendingResults,
		strings.Join(d.Commands, " "))
}

var helpText = []string{
	"use <id>                     select the current device",
	"<command> [id=<n>] [int...]  queue a command, ints sent as 32-bit little-endian",
	"result [id]                  take the next stored result",
	"list                         show connected devices",
	"quit                         leave the console",
	"Reserved commands: disconnect, refresh, stream",
}
