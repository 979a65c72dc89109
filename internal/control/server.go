package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Message is one line of the control protocol. Requests carry a "type"
// and optionally "wait", which doubles as the session id; replies echo
// it back as "for".
type Message map[string]any

// Type returns the message type.
func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// Wait reports whether the client asked to block on completion: any
// wait value except null and false means yes.
func (m Message) Wait() bool {
	v, ok := m["wait"]
	if !ok || v == nil {
		return false
	}
	b, isBool := v.(bool)
	return !isBool || b
}

func (m Message) waitID() (any, bool) {
	v, ok := m["wait"]
	return v, ok && v != nil
}

// Handler answers one control request. The returned message is sent
// back tagged with the request's session.
type Handler func(ctx context.Context, msg Message) (Message, error)

// Server serves the control protocol on a unix socket: one JSON
// message per line, multiple concurrent clients, multiple requests per
// connection.
type Server struct {
	path     string
	logger   *logrus.Entry
	handlers map[string]Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer builds a server for the given socket path with the ping
// handler preinstalled.
func NewServer(path string, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.WithField("subsystem", "control")
	}
	s := &Server{
		path:     path,
		logger:   logger.WithField("socket", path),
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}
	s.Handle("ping", func(ctx context.Context, msg Message) (Message, error) {
		return Message{"type": "pong", "pid": os.Getpid()}, nil
	})
	return s
}

// Handle installs a handler for one message type.
func (s *Server) Handle(msgType string, h Handler) {
	s.handlers[msgType] = h
}

// HandleLoop installs the start/stop/poll handlers for a loop.
func (s *Server) HandleLoop(loop *Loop) {
	s.Handle("start", func(ctx context.Context, msg Message) (Message, error) {
		loop.Start()
		return Message{"type": "ok", "running": true}, nil
	})
	s.Handle("stop", func(ctx context.Context, msg Message) (Message, error) {
		loop.Stop()
		return Message{"type": "ok", "running": false}, nil
	})
	s.Handle("poll", func(ctx context.Context, msg Message) (Message, error) {
		if err := loop.Poll(ctx, msg.Wait()); err != nil {
			return nil, err
		}
		return Message{"type": "ok", "running": loop.Running()}, nil
	})
}

// Run listens on the socket until the context ends. A stale socket
// file from a previous run is removed first.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("control socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("control socket listening")

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.logger.WithError(err).Warn("accept failed")
			continue
		}
		s.track(conn, true)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.track(conn, false)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.WithError(err).Warn("malformed control message")
			return
		}
		reply := s.dispatch(ctx, msg)
		if waitID, ok := msg.waitID(); ok {
			reply["for"] = waitID
		}
		if err := enc.Encode(reply); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Warn("control reply failed")
			}
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message) Message {
	h, ok := s.handlers[msg.Type()]
	if !ok {
		return Message{"type": "error", "message": fmt.Sprintf("unknown message type %q", msg.Type())}
	}
	reply, err := h(ctx, msg)
	if err != nil {
		return Message{"type": "error", "message": err.Error()}
	}
	if reply == nil {
		reply = Message{"type": "ok"}
	}
	return reply
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	os.Remove(s.path)
}
