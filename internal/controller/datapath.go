package controller

import (
	"io"
	"sync"

	"github.com/babelcloud/tunerbridge/internal/controldev"
	"github.com/babelcloud/tunerbridge/internal/util"
)

// dataPath hands out data streams bound to whatever host connection is
// current. Pumps keep running across reconnects; data written while no host
// is connected is dropped.
type dataPath struct {
	mu   sync.RWMutex
	conn *controldev.Conn
}

func (p *dataPath) set(conn *controldev.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
}

func (p *dataPath) current() *controldev.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// Open implements tuner.DataPath.
func (p *dataPath) Open(sessionID int32) (io.WriteCloser, error) {
	s := &dataStream{path: p, sessionID: sessionID}
	if conn := p.current(); conn != nil {
		// surface a broken connection to the caller right away
		if err := s.bind(conn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type dataStream struct {
	path      *dataPath
	sessionID int32

	mu      sync.Mutex
	conn    *controldev.Conn
	w       io.WriteCloser
	dropped uint64
}

func (s *dataStream) bind(conn *controldev.Conn) error {
	w, err := conn.Open(s.sessionID)
	if err != nil {
		return err
	}
	s.conn = conn
	s.w = w
	return nil
}

func (s *dataStream) unbind() {
	if s.w != nil {
		s.w.Close()
	}
	s.w = nil
	s.conn = nil
}

func (s *dataStream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.path.current()
	if conn != s.conn {
		s.unbind()
		if conn != nil {
			if err := s.bind(conn); err != nil {
				util.GetLogger().Debug("Data stream reopen failed", "session", s.sessionID, "error", err)
			} else if s.dropped > 0 {
				util.GetLogger().Info("Data stream resumed", "session", s.sessionID, "dropped_bytes", s.dropped)
				s.dropped = 0
			}
		}
	}
	if s.w == nil {
		s.dropped += uint64(len(b))
		return len(b), nil
	}
	if _, err := s.w.Write(b); err != nil {
		util.GetLogger().Debug("Data stream write failed, dropping until reconnect", "session", s.sessionID, "error", err)
		s.w.Close()
		s.w = nil
		s.dropped += uint64(len(b))
	}
	return len(b), nil
}

func (s *dataStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbind()
	return nil
}
