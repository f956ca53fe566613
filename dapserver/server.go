// Copyright © 2018 The ELPS authors

// Package dapserver implements a DAP (Debug Adapter Protocol) server for
// the managed-runtime debug engine. It translates between the DAP wire
// protocol and the debugger.Engine call surface.
//
// The server reads requests from a single client, typically an editor
// that starts the adapter as a child process and talks to it over
// stdin and stdout.
package dapserver

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/google/go-dap"
	"github.com/luthersystems/clrdbg/debugger"
	"github.com/sirupsen/logrus"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. The default is the standard logrus
// logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// Server is a DAP protocol server that wraps a debugger Engine.
type Server struct {
	engine *debugger.Engine
	log    logrus.FieldLogger

	mu     sync.Mutex
	seq    int
	writer io.Writer

	// done is closed when the server should stop processing messages.
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new DAP server wrapping the given debugger engine. The
// server installs itself as the engine's event callback.
func New(engine *debugger.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		log:    logrus.StandardLogger(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeConn serves DAP messages on a single connection. It blocks until
// the connection is closed or a disconnect request is received.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	return s.serve(conn, conn)
}

// ServeStdio serves DAP messages on the given reader and writer,
// typically os.Stdin and os.Stdout.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	return s.serve(r, w)
}

func (s *Server) serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
	reader := bufio.NewReader(r)

	h := newHandler(s, s.engine)
	defer h.wait()

	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		msg, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				h.abort()
				return nil
			}
			var derr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &derr) {
				// The message framing is intact; reject just this request.
				s.log.WithError(err).Warn("dap: undecodable message")
				h.reject(derr)
				continue
			}
			h.abort()
			return err
		}

		h.handle(msg)
	}
}

// send stamps msg with the next sequence number and writes it to the
// client. Numbering under the write lock keeps seq increasing on the wire.
func (s *Server) send(msg dap.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m := msg.(type) {
	case dap.ResponseMessage:
		s.seq++
		m.GetResponse().Seq = s.seq
	case dap.EventMessage:
		s.seq++
		m.GetEvent().Seq = s.seq
	}
	return dap.WriteProtocolMessage(s.writer, msg)
}

// close signals the server to stop processing messages.
func (s *Server) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
