package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// TerminalNotifier prints notifications as single colored lines.
type TerminalNotifier struct {
	mu           sync.Mutex
	out          io.Writer
	bellEnabled  bool
	colorEnabled bool
}

// NewTerminalNotifier creates a terminal channel writing to out.
func NewTerminalNotifier(out io.Writer, bell, colorEnabled bool) *TerminalNotifier {
	return &TerminalNotifier{
		out:          out,
		bellEnabled:  bell,
		colorEnabled: colorEnabled && !color.NoColor,
	}
}

// Name returns the channel name.
func (tn *TerminalNotifier) Name() string { return "terminal" }

// IsEnabled always reports true.
func (tn *TerminalNotifier) IsEnabled() bool { return true }

// Send prints n.
func (tn *TerminalNotifier) Send(_ context.Context, n Notification) error {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	if tn.bellEnabled && n.Important() {
		fmt.Fprint(tn.out, "\a")
	}
	line := fmt.Sprintf("[%s] %s: %s", n.Timestamp.Format("15:04:05"), n.Title, n.Message)
	if n.OrderID != "" {
		line += " (" + n.OrderID + ")"
	}
	_, err := fmt.Fprintln(tn.out, tn.paint(n.Type, line))
	return err
}

func (tn *TerminalNotifier) paint(t NotificationType, text string) string {
	if !tn.colorEnabled {
		return text
	}
	var c *color.Color
	switch t {
	case NotificationFilled:
		c = color.New(color.FgGreen, color.Bold)
	case NotificationRejected, NotificationRefused:
		c = color.New(color.FgRed, color.Bold)
	default:
		c = color.New(color.FgYellow)
	}
	c.EnableColor()
	return c.Sprint(text)
}
