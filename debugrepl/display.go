// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/luthersystems/clrdbg/debugger"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/afero"
)

const (
	sourceContextLines = 5
	helpWidth          = 72
)

// showSourceContext prints a window of source lines around the given line,
// with a --> marker on the current line.
func showSourceContext(w io.Writer, fs afero.Fs, file string, line int) {
	f, err := fs.Open(file)
	if err != nil {
		fmt.Fprintf(w, "  at %s:%d (source not available)\n", file, line) //nolint:errcheck
		return
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	lineNum := 0
	start := line - sourceContextLines
	if start < 1 {
		start = 1
	}
	end := line + sourceContextLines

	for scanner.Scan() {
		lineNum++
		if lineNum < start {
			continue
		}
		if lineNum > end {
			break
		}
		marker := "   "
		if lineNum == line {
			marker = "-->"
		}
		fmt.Fprintf(w, "%s %4d  %s\n", marker, lineNum, scanner.Text()) //nolint:errcheck
	}
}

// showBacktrace prints the call stack, most recent first, marking the
// selected frame.
func showBacktrace(w io.Writer, frames []debugger.StackFrame, selected int) {
	if len(frames) == 0 {
		fmt.Fprintln(w, "  (empty stack)") //nolint:errcheck
		return
	}
	for i, f := range frames {
		marker := " "
		if i == selected {
			marker = "*"
		}
		loc := "[external code]"
		if f.Path != "" {
			loc = fmt.Sprintf("%s:%d", f.Path, f.Line)
		}
		fmt.Fprintf(w, "%s #%d  %s  at %s\n", marker, i, f.Name, loc) //nolint:errcheck
	}
}

// showLocals prints variables in a tabular format.
func showLocals(w io.Writer, vars []debugger.Variable) {
	if len(vars) == 0 {
		fmt.Fprintln(w, "  (no locals)") //nolint:errcheck
		return
	}
	for _, v := range vars {
		if v.Type == "" {
			fmt.Fprintf(w, "  %-20s   %s\n", v.Name, v.Value) //nolint:errcheck
			continue
		}
		fmt.Fprintf(w, "  %-20s = %s (%s)\n", v.Name, v.Value, v.Type) //nolint:errcheck
	}
}

// showBreakpoints prints breakpoints in id order.
func showBreakpoints(w io.Writer, bps []debugger.Breakpoint) {
	if len(bps) == 0 {
		fmt.Fprintln(w, "  (no breakpoints)") //nolint:errcheck
		return
	}
	for _, bp := range bps {
		if bp.Path == "" {
			continue
		}
		if bp.Verified {
			fmt.Fprintf(w, "  #%d  %s:%d  bound at line %d\n", bp.ID, bp.Path, bp.Line, bp.ResolvedLine) //nolint:errcheck
			continue
		}
		fmt.Fprintf(w, "  #%d  %s:%d  pending: %s\n", bp.ID, bp.Path, bp.Line, bp.Message) //nolint:errcheck
	}
}

func showThreads(w io.Writer, threads []debugger.Thread, current int) {
	if len(threads) == 0 {
		fmt.Fprintln(w, "  (no threads)") //nolint:errcheck
		return
	}
	for _, t := range threads {
		marker := " "
		if t.ID == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %d  %s\n", marker, t.ID, t.Name) //nolint:errcheck
	}
}

type helpEntry struct {
	usage string
	doc   string
}

var helpEntries = []helpEntry{
	{"continue (c)", "Resume every thread of the debuggee."},
	{"step (s)", "Step into the call on the current line, or over the line when it makes no call."},
	{"next (n)", "Step over the current line."},
	{"out (o)", "Run until the current method returns."},
	{"pause", "Suspend the running debuggee. Ctrl+C does the same."},
	{"break (b) FILE:LINE", "Set a breakpoint. Breakpoints in files no loaded module contains stay pending until one loads."},
	{"delete (d) N", "Remove breakpoint N."},
	{"breakpoints (bl)", "List breakpoints."},
	{"catch all|unhandled|none", "Choose which exceptions stop the debuggee."},
	{"backtrace (bt)", "Show the call stack of the selected thread."},
	{"frame (f) N", "Select frame N of the call stack for locals, print and where."},
	{"threads (t)", "List threads."},
	{"thread ID", "Select a thread."},
	{"locals (l)", "Show the locals of the selected frame."},
	{"print (p) EXPR", "Evaluate an expression in the selected frame. Method calls run on the debuggee."},
	{"modules", "List loaded modules."},
	{"where (w)", "Show source around the selected frame."},
	{"quit (q)", "End the debug session. A launched program is killed, an attached one is left running."},
	{"help (h)", "Show this help."},
}

func showHelp(w io.Writer) {
	var b strings.Builder
	b.WriteString("Debug commands:\n")
	for _, e := range helpEntries {
		b.WriteString("  " + e.usage + "\n")
		b.WriteString(indent.String(wordwrap.String(e.doc, helpWidth-6), 6))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(wordwrap.String("Other input is evaluated as an expression in the selected frame. Empty input repeats the last execution command.", helpWidth))
	fmt.Fprintln(w, b.String()) //nolint:errcheck
}
