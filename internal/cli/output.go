package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance. Color is on only when stdout is a
// terminal, JSON mode is off, and the config allows it.
func NewOutput(cmd *cobra.Command, colorAllowed bool) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: colorAllowed && !jsonMode && !color.NoColor,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.line(color.FgGreen, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.line(color.FgRed, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.line(color.FgYellow, format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.line(color.FgCyan, format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.line(color.Bold, format, args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.line(color.Faint, format, args...)
}

func (o *Output) line(attr color.Attribute, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, o.paint(fmt.Sprintf(format, args...), attr))
}

// paint wraps text in the given attributes when color is enabled.
func (o *Output) paint(text string, attrs ...color.Attribute) string {
	if !o.colorEnabled {
		return text
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(text)
}

// Green returns green colored text.
func (o *Output) Green(text string) string { return o.paint(text, color.FgGreen) }

// Red returns red colored text.
func (o *Output) Red(text string) string { return o.paint(text, color.FgRed) }

// Yellow returns yellow colored text.
func (o *Output) Yellow(text string) string { return o.paint(text, color.FgYellow) }

// Cyan returns cyan colored text.
func (o *Output) Cyan(text string) string { return o.paint(text, color.FgCyan) }

// DimText returns dimmed text.
func (o *Output) DimText(text string) string { return o.paint(text, color.Faint) }

// PnL formats P&L in green, red or plain by sign.
func (o *Output) PnL(pnl decimal.Decimal) string {
	formatted := FormatPnL(pnl)
	switch pnl.Round(2).Sign() {
	case 1:
		return o.Green(formatted)
	case -1:
		return o.Red(formatted)
	}
	return formatted
}

// Side colors an order side.
func (o *Output) Side(side string) string {
	switch side {
	case "BUY":
		return o.Green(side)
	case "SELL":
		return o.Red(side)
	}
	return side
}

// Status colors an order or workflow status.
func (o *Output) Status(status string) string {
	switch strings.ToUpper(status) {
	case "COMPLETE":
		return o.Green(status)
	case "REJECTED", "CANCELLED":
		return o.Red(status)
	case "PENDING", "OPEN", "SUBMITTING", "AWAITING_RESULT", "POLLING":
		return o.Yellow(status)
	}
	return status
}

// Table represents a simple table for output.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{
		headers: headers,
		rows:    make([][]string, 0),
		output:  output,
	}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = displayWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				if w := displayWidth(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	t.printRow(t.headers, widths, true)
	t.printSeparator(widths)
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, isHeader bool) {
	var parts []string
	for i, cell := range cells {
		if i < len(widths) {
			padding := widths[i] - displayWidth(cell)
			if padding < 0 {
				padding = 0
			}
			padded := cell + strings.Repeat(" ", padding)
			if isHeader {
				padded = t.output.paint(padded, color.Bold)
			}
			parts = append(parts, padded)
		}
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

func (t *Table) printSeparator(widths []int) {
	var parts []string
	for _, w := range widths {
		parts = append(parts, strings.Repeat("─", w))
	}
	t.output.Println(t.output.DimText(strings.Join(parts, "──")))
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

// Box draws a box around content.
func (o *Output) Box(title string, content []string) {
	maxLen := displayWidth(title)
	for _, line := range content {
		if w := displayWidth(line); w > maxLen {
			maxLen = w
		}
	}

	width := maxLen + 4
	border := strings.Repeat("─", width-2)

	o.Println(o.DimText("┌" + border + "┐"))
	o.Printf("%s %s%s %s\n", o.DimText("│"), o.paint(title, color.Bold), strings.Repeat(" ", width-4-displayWidth(title)), o.DimText("│"))
	o.Println(o.DimText("├" + border + "┤"))
	for _, line := range content {
		padding := width - 4 - displayWidth(line)
		o.Printf("%s %s%s %s\n", o.DimText("│"), line, strings.Repeat(" ", padding), o.DimText("│"))
	}
	o.Println(o.DimText("└" + border + "┘"))
}
