// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"context"
	"sort"
	"strings"
)

// debugCommands lists all debug command names for tab completion.
var debugCommands = []string{
	"backtrace",
	"break",
	"breakpoints",
	"catch",
	"continue",
	"delete",
	"frame",
	"help",
	"locals",
	"modules",
	"next",
	"out",
	"pause",
	"print",
	"quit",
	"step",
	"thread",
	"threads",
	"where",
}

// debugCompleter implements readline.AutoCompleter for the console. It
// merges command names with the names of the selected frame's locals.
type debugCompleter struct {
	h *debugHandler
}

func (c *debugCompleter) Do(line []rune, pos int) ([][]rune, int) {
	// Extract prefix (word being typed).
	start := pos
	for start > 0 {
		ch := line[start-1]
		if ch == ' ' || ch == '\t' || ch == '(' || ch == ',' {
			break
		}
		start--
	}
	prefix := string(line[start:pos])
	if prefix == "" {
		return nil, 0
	}

	firstWord := strings.TrimSpace(string(line[:start])) == ""

	var candidates []string
	seen := make(map[string]bool)
	add := func(name string) {
		if strings.HasPrefix(name, prefix) && !seen[name] {
			seen[name] = true
			candidates = append(candidates, name)
		}
	}

	// Debug commands only for first word.
	if firstWord {
		for _, cmd := range debugCommands {
			add(cmd)
		}
	}
	for _, name := range c.localNames() {
		add(name)
	}

	sort.Strings(candidates)

	result := make([][]rune, 0, len(candidates))
	for _, sym := range candidates {
		result = append(result, []rune(sym[len(prefix):]))
	}
	return result, len(prefix)
}

// localNames returns the variable names of the selected frame, or nothing
// while the debuggee runs.
func (c *debugCompleter) localNames() []string {
	h := c.h
	h.mu.Lock()
	paused, thread, idx := h.paused, h.thread, h.frame
	h.mu.Unlock()
	if !paused {
		return nil
	}
	frames, _, err := h.engine.StackTrace(thread, idx, 1)
	if err != nil || len(frames) == 0 {
		return nil
	}
	scopes, err := h.engine.Scopes(frames[0].ID)
	if err != nil {
		return nil
	}
	var names []string
	for _, sc := range scopes {
		vars, err := h.engine.Variables(context.Background(), sc.VariablesReference)
		if err != nil {
			continue
		}
		for _, v := range vars {
			if v.Type != "" {
				names = append(names, v.Name)
			}
		}
	}
	return names
}
