// Package traceback renders an uncaught *luaerr.LuaError the way the
// CLI reports a failing script, per spec §6's "error: <message>" plus
// traceback contract, grounded in the teacher's cmd/sentra formatter
// that colorizes only when stderr is a real terminal.
package traceback

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/moonquakes/moonquakes/internal/luaerr"
)

var (
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	frameStyle = lipgloss.NewStyle().Faint(true)
)

// Print writes e's message and (if present) traceback to w, colorizing
// the output only when w is a terminal — the same go-isatty gate the
// teacher's REPL/error paths use before emitting ANSI codes.
func Print(w io.Writer, e *luaerr.LuaError) {
	colored := false
	if f, ok := w.(*os.File); ok {
		colored = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	msg := "error: " + e.Error()
	if colored {
		msg = errorStyle.Render(msg)
	}
	fmt.Fprintln(w, msg)

	if len(e.Traceback) > 0 {
		tb := e.TracebackString()
		if colored {
			tb = frameStyle.Render(tb)
		}
		fmt.Fprintln(w, tb)
	}
}
