package display

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/NotHydra/smart-med-guard/internal/device"
)

// Nop discards everything. It stands in when no display is attached.
type Nop struct{}

// Show does nothing.
func (Nop) Show(string) {}

// Log does nothing.
func (Nop) Log(string) {}

// LogSink mirrors the display to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a display that logs frames.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Show logs the frame with its lines joined by " | ".
func (l *LogSink) Show(text string) {
	l.logger.Debug("display", "screen", strings.ReplaceAll(text, "\n", " | "))
}

// Log logs a boot message.
func (l *LogSink) Log(text string) {
	l.logger.Debug("display message", "text", strings.ReplaceAll(text, "\n", " "))
}

var (
	colorBorder = lipgloss.Color("62")
	colorTitle  = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWarn   = lipgloss.Color("220")
)

// Panel draws frames as a bordered box on a terminal, in place of the
// unit's OLED panel.
type Panel struct {
	w     io.Writer
	width int
}

// NewPanel creates a panel writing to w. width is the inner width in
// columns; values below 20 are raised to 20.
func NewPanel(w io.Writer, width int) *Panel {
	if width < 20 {
		width = 20
	}
	return &Panel{w: w, width: width}
}

// Show draws the frame. The first line is the title and an "[OFFLINE]"
// line is highlighted.
func (p *Panel) Show(text string) {
	lines := strings.Split(text, "\n")
	title := lipgloss.NewStyle().Bold(true).Foreground(colorTitle)
	warn := lipgloss.NewStyle().Bold(true).Foreground(colorWarn)
	dim := lipgloss.NewStyle().Foreground(colorDim)

	for i, line := range lines {
		switch {
		case i == 0:
			lines[i] = title.Render(line)
		case line == "[OFFLINE]" || line == "Sensor Error!":
			lines[i] = warn.Render(line)
		case line == Separator:
			lines[i] = dim.Render(line)
		}
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Width(p.width).
		Padding(0, 1).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	fmt.Fprintln(p.w, box)
}

// Log prints a boot message on one dimmed line.
func (p *Panel) Log(text string) {
	fmt.Fprintln(p.w, lipgloss.NewStyle().Foreground(colorDim).Render("> "+strings.ReplaceAll(text, "\n", " ")))
}

// Multi fans frames out to several displays.
type Multi []device.Display

// Show forwards to every display.
func (m Multi) Show(text string) {
	for _, d := range m {
		d.Show(text)
	}
}

// Log forwards to every display.
func (m Multi) Log(text string) {
	for _, d := range m {
		d.Log(text)
	}
}

// New builds the display for a mode: "none", "log", or "panel". The
// panel mode also mirrors to the log.
func New(mode string, w io.Writer, width int, logger *slog.Logger) (device.Display, error) {
	switch mode {
	case "", "none":
		return Nop{}, nil
	case "log":
		return NewLogSink(logger), nil
	case "panel":
		return Multi{NewPanel(w, width), NewLogSink(logger)}, nil
	default:
		return nil, fmt.Errorf("unknown display mode %q", mode)
	}
}
