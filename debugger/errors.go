// Copyright © 2024 The ELPS authors

package debugger

import "errors"

var (
	// ErrAttach reports a failure to negotiate a debugging interface with a
	// running process.
	ErrAttach = errors.New("attach failed")
	// ErrLaunch reports a failure to start the debuggee.
	ErrLaunch = errors.New("launch failed")
	// ErrStaleHandle reports a frame id or variables reference minted in a
	// stopped episode that has since ended.
	ErrStaleHandle = errors.New("stale handle")
	// ErrSessionTerminated reports a request against a session that has
	// ended.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrSessionFatal reports an internal failure that ended the session.
	ErrSessionFatal = errors.New("session fatal error")
	// ErrNotStopped reports an execution-control or inspection request that
	// needs a stopped debuggee.
	ErrNotStopped = errors.New("debuggee is not stopped")
	// ErrUnknownThread reports a thread id the session does not know.
	ErrUnknownThread = errors.New("unknown thread")
	// ErrNoSession reports a request made before Launch or Attach.
	ErrNoSession = errors.New("no debug session")
)
