package sidecar

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/crewhall/crewhall/internal/driver"
	"github.com/crewhall/crewhall/internal/orcerr"
)

// outputQueueCap bounds the per-attachment output channel. A viewer that
// stops draining loses chunks rather than stalling the shared read loop.
const outputQueueCap = 32

// Attachment is one viewer's handle on a shared console session. Output
// chunks arrive on Output; writes go to the agent's PTY. Detach must be
// called exactly once.
type Attachment struct {
	sess  *ptySession
	subID string
	out   chan []byte
}

// Output streams raw terminal bytes. The channel closes when the session
// ends (agent side hung up or last viewer detached).
func (a *Attachment) Output() <-chan []byte { return a.out }

// Write sends input bytes to the agent's PTY.
func (a *Attachment) Write(p []byte) (int, error) { return a.sess.write(p) }

// Detach removes this viewer. The underlying PTY closes when the last
// viewer detaches.
func (a *Attachment) Detach() { a.sess.detach(a.subID) }

// ptyManager shares one interactive exec per (project, service) across any
// number of viewers.
type ptyManager struct {
	drv driver.Driver
	cmd []string

	mu       sync.Mutex
	sessions map[ptyKey]*ptySession
}

type ptyKey struct {
	project string
	service string
}

func newPTYManager(drv driver.Driver, cmd []string) *ptyManager {
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh", "-c", "exec crew-console"}
	}
	return &ptyManager{drv: drv, cmd: cmd, sessions: make(map[ptyKey]*ptySession)}
}

// AttachConsole joins subID to the agent's console, opening the PTY on first
// attach. A subscription may hold at most one attachment per agent.
func (c *Control) AttachConsole(ctx context.Context, project, service, subID string) (*Attachment, error) {
	return c.ptys.attach(ctx, project, service, subID)
}

func (m *ptyManager) attach(ctx context.Context, project, service, subID string) (*Attachment, error) {
	key := ptyKey{project, service}

	m.mu.Lock()
	sess, ok := m.sessions[key]
	if !ok {
		stream, err := m.drv.AttachInteractive(ctx, project, service, m.cmd)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		sess = &ptySession{
			key:    key,
			mgr:    m,
			stream: stream,
			subs:   make(map[string]chan []byte),
		}
		m.sessions[key] = sess
		go sess.readLoop()
	}
	m.mu.Unlock()

	return sess.add(subID)
}

func (m *ptyManager) drop(key ptyKey, sess *ptySession) {
	m.mu.Lock()
	if m.sessions[key] == sess {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
}

// ptySession fans one PTY stream out to its viewers.
type ptySession struct {
	key    ptyKey
	mgr    *ptyManager
	stream io.ReadWriteCloser

	mu     sync.Mutex
	subs   map[string]chan []byte
	closed bool
}

func (s *ptySession) add(subID string) (*Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, orcerr.New(orcerr.KindDriverFailure, "console session for %s/%s ended", s.key.project, s.key.service)
	}
	if _, dup := s.subs[subID]; dup {
		return nil, orcerr.New(orcerr.KindConflict, "subscription already attached to %s/%s", s.key.project, s.key.service)
	}
	out := make(chan []byte, outputQueueCap)
	s.subs[subID] = out
	return &Attachment{sess: s, subID: subID, out: out}, nil
}

func (s *ptySession) write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, orcerr.New(orcerr.KindDriverFailure, "console session for %s/%s ended", s.key.project, s.key.service)
	}
	return s.stream.Write(p)
}

func (s *ptySession) detach(subID string) {
	s.mu.Lock()
	out, ok := s.subs[subID]
	if ok {
		delete(s.subs, subID)
		close(out)
	}
	last := len(s.subs) == 0 && !s.closed
	if last {
		s.closed = true
	}
	s.mu.Unlock()

	if last {
		s.stream.Close()
		s.mgr.drop(s.key, s)
	}
}

// readLoop pumps PTY output to every viewer. Chunks are copied because the
// read buffer is reused; a full viewer queue drops the chunk for that viewer
// only.
func (s *ptySession) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.mu.Lock()
			for id, out := range s.subs {
				select {
				case out <- chunk:
				default:
					slog.Debug("sidecar.console_drop", "project", s.key.project,
						"service", s.key.service, "sub", id)
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]chan []byte)
	s.mu.Unlock()

	for _, out := range subs {
		close(out)
	}
	if !alreadyClosed {
		s.stream.Close()
		s.mgr.drop(s.key, s)
	}
}
