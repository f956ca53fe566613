// Copyright © 2024 The ELPS authors

package debugger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luthersystems/clrdbg/native"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// LaunchConfig describes a program to start under the debugger.
type LaunchConfig struct {
	Program     string
	Args        []string
	Cwd         string
	Env         map[string]string
	StopAtEntry bool
}

// pendingLaunch is a spawned, still suspended process waiting for
// ConfigurationDone.
type pendingLaunch struct {
	pid     int
	resume  native.ResumeHandle
	reg     native.Registration
	started chan error
}

// Launch spawns cfg.Program suspended and arranges to attach as soon as
// its runtime starts. The process runs once ConfigurationDone is called,
// so breakpoints set in between are in place before any managed code
// executes.
func (e *Engine) Launch(ctx context.Context, cfg LaunchConfig) (err error) {
	_, span := e.startSpan(ctx, "Launch", attribute.String("program", cfg.Program))
	defer func() { endSpan(span, err) }()

	if err := e.checkProgram(cfg.Program); err != nil {
		return err
	}
	s, err := e.begin("launch")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	s.stopAtEntry = cfg.StopAtEntry

	pid, resume, err := e.shim.CreateProcessForLaunch(native.LaunchCommand{
		Program:   cfg.Program,
		Args:      cfg.Args,
		Cwd:       cfg.Cwd,
		Env:       cfg.Env,
		Suspended: true,
	})
	if err != nil {
		s.abandon()
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	span.SetAttributes(attribute.Int("pid", pid))

	pl := &pendingLaunch{pid: pid, resume: resume, started: make(chan error, 1)}
	reg, err := e.shim.RegisterForRuntimeStartup(pid, func(dbg native.Debugging, status native.Status) {
		var err error
		if !status.OK() || dbg == nil {
			s.bind(nil, nil)
			err = fmt.Errorf("%w: runtime startup: %w", ErrAttach, &native.StatusError{Op: "RuntimeStartup", Status: status})
		} else {
			_, err = s.open(dbg, pid)
		}
		select {
		case pl.started <- err:
		default:
		}
	})
	if err != nil {
		if cerr := e.shim.CloseResumeHandle(resume); cerr != nil {
			s.log.WithError(cerr).Debug("close resume handle")
		}
		s.abandon()
		return fmt.Errorf("%w: register for runtime startup: %w", ErrLaunch, err)
	}
	pl.reg = reg

	s.launchMu.Lock()
	s.launch = pl
	s.launchMu.Unlock()
	s.log.WithFields(logrus.Fields{"program": cfg.Program, "pid": pid}).Info("process created")
	return nil
}

// checkProgram validates a launch target.
func (e *Engine) checkProgram(program string) error {
	if program == "" {
		return fmt.Errorf("%w: no program specified", ErrLaunch)
	}
	info, err := e.fs.Stat(program)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrLaunch, program)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrLaunch, program)
	}
	return nil
}

// ConfigurationDone resumes a launched process and waits until the
// debugger is attached to its runtime. For attach sessions it does
// nothing.
func (e *Engine) ConfigurationDone(ctx context.Context) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	s.launchMu.Lock()
	pl := s.launch
	s.launch = nil
	s.launchMu.Unlock()
	if pl == nil {
		return nil
	}
	defer e.releaseLaunch(s, pl)

	if err := e.shim.ResumeProcess(pl.resume); err != nil {
		s.abandon()
		return fmt.Errorf("%w: resume: %w", ErrLaunch, err)
	}
	timer := time.NewTimer(e.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case err := <-pl.started:
		if err != nil {
			return errors.Join(fmt.Errorf("%w: %w", ErrLaunch, err), s.shutdown(true))
		}
		return nil
	case <-timer.C:
		err := fmt.Errorf("%w: runtime did not start within %v", ErrLaunch, e.cfg.StartupTimeout)
		return errors.Join(err, s.shutdown(true))
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("%w: %w", ErrLaunch, ctx.Err()), s.shutdown(true))
	}
}

func (e *Engine) releaseLaunch(s *session, pl *pendingLaunch) {
	if err := e.shim.UnregisterForRuntimeStartup(pl.reg); err != nil {
		s.log.WithError(err).Debug("unregister runtime startup")
	}
	if err := e.shim.CloseResumeHandle(pl.resume); err != nil {
		s.log.WithError(err).Debug("close resume handle")
	}
}

// closeLaunch drops a launch that was never configured.
func (s *session) closeLaunch() {
	s.launchMu.Lock()
	pl := s.launch
	s.launch = nil
	s.launchMu.Unlock()
	if pl != nil {
		s.e.releaseLaunch(s, pl)
	}
}

// Attach connects to a running process hosting exactly one runtime.
func (e *Engine) Attach(ctx context.Context, pid int) (err error) {
	_, span := e.startSpan(ctx, "Attach", attribute.Int("pid", pid))
	defer func() { endSpan(span, err) }()

	if pid <= 0 {
		return fmt.Errorf("%w: invalid process id %d", ErrAttach, pid)
	}
	insts, err := e.shim.EnumerateRuntimes(pid)
	if err != nil {
		return fmt.Errorf("%w: enumerate runtimes: %w", ErrAttach, err)
	}
	switch len(insts) {
	case 0:
		return fmt.Errorf("%w: no runtime loaded in process %d", ErrAttach, pid)
	case 1:
	default:
		return fmt.Errorf("%w: process %d hosts %d runtimes", ErrAttach, pid, len(insts))
	}
	version, err := e.shim.VersionString(pid, insts[0])
	if err != nil {
		return fmt.Errorf("%w: runtime version: %w", ErrAttach, err)
	}
	span.SetAttributes(attribute.String("runtime.version", version))
	dbg, err := e.shim.CreateDebuggingInterface(version)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAttach, err)
	}
	s, err := e.begin("attach")
	if err != nil {
		if terr := dbg.Terminate(); terr != nil {
			e.log.WithError(terr).Debug("release debugging interface")
		}
		return fmt.Errorf("%w: %w", ErrAttach, err)
	}
	if _, err := s.open(dbg, pid); err != nil {
		s.abandon()
		return err
	}
	return nil
}

// Disconnect ends the session, killing the debuggee if terminate is set
// and detaching from it otherwise. It is safe to call in any state.
func (e *Engine) Disconnect(terminate bool) error {
	s, err := e.current()
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return s.shutdown(terminate)
}

// Terminate kills the debuggee and ends the session.
func (e *Engine) Terminate() error {
	return e.Disconnect(true)
}
