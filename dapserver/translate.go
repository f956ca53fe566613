// Copyright © 2018 The ELPS authors

package dapserver

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"

	"github.com/google/go-dap"
	"github.com/luthersystems/clrdbg/debugger"
	"github.com/tidwall/gjson"
)

// translateStackFrames converts engine frames to DAP StackFrame objects.
// Frames stay in engine order, most recent first, matching DAP convention.
func translateStackFrames(frames []debugger.StackFrame) []dap.StackFrame {
	out := make([]dap.StackFrame, 0, len(frames))
	for _, f := range frames {
		sf := dap.StackFrame{
			Id:     f.ID,
			Name:   f.Name,
			Line:   f.Line,
			Column: f.Column,
		}
		if f.Path != "" {
			sf.Source = &dap.Source{
				Name: filepath.Base(f.Path),
				Path: f.Path,
			}
		} else {
			sf.PresentationHint = "subtle"
		}
		out = append(out, sf)
	}
	return out
}

func translateScopes(scopes []debugger.Scope) []dap.Scope {
	out := make([]dap.Scope, len(scopes))
	for i, sc := range scopes {
		out[i] = dap.Scope{
			Name:               sc.Name,
			PresentationHint:   "locals",
			VariablesReference: sc.VariablesReference,
			Expensive:          sc.Expensive,
		}
	}
	return out
}

func translateVariables(vars []debugger.Variable) []dap.Variable {
	out := make([]dap.Variable, len(vars))
	for i, v := range vars {
		out[i] = dap.Variable{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			VariablesReference: v.VariablesReference,
		}
	}
	return out
}

// translateBreakpoints converts engine breakpoints to DAP breakpoints. A
// verified breakpoint reports the line it was bound to.
func translateBreakpoints(bps []debugger.Breakpoint) []dap.Breakpoint {
	out := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = translateBreakpoint(bp)
	}
	return out
}

func translateBreakpoint(bp debugger.Breakpoint) dap.Breakpoint {
	d := dap.Breakpoint{
		Id:       bp.ID,
		Verified: bp.Verified,
		Message:  bp.Message,
		Line:     bp.Line,
	}
	if bp.Verified && bp.ResolvedLine > 0 {
		d.Line = bp.ResolvedLine
	}
	if bp.Path != "" {
		d.Source = &dap.Source{Name: filepath.Base(bp.Path), Path: bp.Path}
	}
	return d
}

var errNoProgram = errors.New(`launch: "program" is required`)

// launchConfig reads the launch request arguments. Unknown keys are
// ignored so clients may pass their own settings alongside.
func launchConfig(raw json.RawMessage) (debugger.LaunchConfig, error) {
	args := gjson.ParseBytes(raw)
	cfg := debugger.LaunchConfig{
		Program:     args.Get("program").String(),
		Cwd:         args.Get("cwd").String(),
		StopAtEntry: args.Get("stopAtEntry").Bool(),
	}
	if cfg.Program == "" {
		return cfg, errNoProgram
	}
	for _, a := range args.Get("args").Array() {
		cfg.Args = append(cfg.Args, a.String())
	}
	if env := args.Get("env"); env.IsObject() {
		cfg.Env = make(map[string]string)
		env.ForEach(func(k, v gjson.Result) bool {
			cfg.Env[k.String()] = v.String()
			return true
		})
	}
	return cfg, nil
}

var errNoProcessID = errors.New(`attach: "processId" is required`)

func attachPID(raw json.RawMessage) (int, error) {
	pid := gjson.GetBytes(raw, "processId")
	if !pid.Exists() || pid.Int() <= 0 {
		return 0, errNoProcessID
	}
	return int(pid.Int()), nil
}

// exceptionFilters are advertised in the initialize response.
func exceptionFilters() []dap.ExceptionBreakpointsFilter {
	return []dap.ExceptionBreakpointsFilter{
		{
			Filter: debugger.ExceptionFilterAll,
			Label:  "All Exceptions",
		},
		{
			Filter:  debugger.ExceptionFilterUnhandled,
			Label:   "Unhandled Exceptions",
			Default: true,
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
