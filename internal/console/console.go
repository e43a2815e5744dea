// Package console provides operator-facing terminal output for the CLI:
// status lines, loop summaries, and the `loops list` table.
//
// Grounded on the teacher's internal/repl package's ad-hoc
// color.New(...).SprintFunc() usage (approval.go, repl.go, continue.go),
// collected here into a small set of named printers instead of scattering
// color.New calls through the CLI commands.
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Console wraps an output writer with the loop's color conventions.
type Console struct {
	Out io.Writer
}

// New returns a Console writing to os.Stdout.
func New() *Console {
	return &Console{Out: os.Stdout}
}

// Heading prints a bold section heading.
func (c *Console) Heading(text string) {
	fmt.Fprintln(c.Out, bold(text))
}

// Info prints a plain informational line.
func (c *Console) Info(format string, args ...any) {
	fmt.Fprintln(c.Out, fmt.Sprintf(format, args...))
}

// Success prints a green line, used for CompletionPromise and other
// successful terminations.
func (c *Console) Success(format string, args ...any) {
	fmt.Fprintln(c.Out, green(fmt.Sprintf(format, args...)))
}

// Warn prints a yellow line, used for soft failures and validation
// rejections that do not stop the loop.
func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintln(c.Out, yellow(fmt.Sprintf(format, args...)))
}

// Fail prints a red line, used for fatal termination reasons.
func (c *Console) Fail(format string, args ...any) {
	fmt.Fprintln(c.Out, red(fmt.Sprintf(format, args...)))
}

// Dim prints a gray, de-emphasized line — timestamps, loop ids.
func (c *Console) Dim(format string, args ...any) {
	fmt.Fprintln(c.Out, gray(fmt.Sprintf(format, args...)))
}

// Label formats a cyan bold label followed by plain text on the same
// line, e.g. "Loop ID: loop-1234".
func (c *Console) Label(label, value string) {
	fmt.Fprintf(c.Out, "%s %s\n", cyan(label+":"), value)
}
