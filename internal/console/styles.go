package console

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color palette
var (
	PrimaryColor = lipgloss.Color("#7D56F4") // Purple - prompt, headers
	SuccessColor = lipgloss.Color("#43BF6D") // Green - device responses
	ErrorColor   = lipgloss.Color("#FF5555") // Red - errors
	MutedColor   = lipgloss.Color("#626262") // Gray - echoed input, hints
	TextColor    = lipgloss.Color("#FFFFFF") // White - main content
)

// Layout constants
const (
	MinTerminalWidth = 60
	MaxContentWidth  = 120
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			Background(PrimaryColor).
			Bold(true).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	echoStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	infoStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	responseStyle = lipgloss.NewStyle().
			Foreground(SuccessColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor)

	statusStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)
)

// IsTerminal reports whether stdin and stdout are both terminals.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// GetTerminalWidth returns the current terminal width, with fallback
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width < MinTerminalWidth {
		return MinTerminalWidth
	}
	if width > MaxContentWidth {
		return MaxContentWidth
	}
	return width
}
