// Package output formats human-readable CLI messages and progress lines.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Writer prints status lines for the command-line surface. Write errors
// are ignored; losing a console line is not actionable.
type Writer struct {
	w io.Writer
}

// New returns a Writer emitting to w.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Status prints a line prefixed with an icon, or indented when the icon
// is empty so grouped detail lines align under their parent.
func (o *Writer) Status(icon, msg string) {
	if icon == "" {
		_, _ = fmt.Fprintf(o.w, "   %s\n", msg)
		return
	}
	_, _ = fmt.Fprintf(o.w, "%s %s\n", icon, msg)
}

// Statusf is Status with formatting.
func (o *Writer) Statusf(icon, format string, args ...any) {
	o.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a checkmarked line.
func (o *Writer) Success(msg string) { o.Status("✅", msg) }

// Successf is Success with formatting.
func (o *Writer) Successf(format string, args ...any) {
	o.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (o *Writer) Warning(msg string) { o.Status("⚠️ ", msg) }

// Warningf is Warning with formatting.
func (o *Writer) Warningf(format string, args ...any) {
	o.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (o *Writer) Error(msg string) { o.Status("❌", msg) }

// Errorf is Error with formatting.
func (o *Writer) Errorf(format string, args ...any) {
	o.Error(fmt.Sprintf(format, args...))
}

// Progress redraws an in-place progress bar. Completed and total are
// counts of work items; the line gains a trailing newline once done.
func (o *Writer) Progress(completed, total int, msg string) {
	if total <= 0 {
		return
	}
	pct := 100 * float64(completed) / float64(total)
	_, _ = fmt.Fprintf(o.w, "\r[%s] %3.0f%% %s", bar(completed, total, 30), pct, msg)
	if completed >= total {
		_, _ = fmt.Fprintln(o.w)
	}
}

// ProgressDone terminates an in-flight progress line.
func (o *Writer) ProgressDone() {
	_, _ = fmt.Fprintln(o.w)
}

func bar(completed, total, width int) string {
	filled := completed * width / total
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
