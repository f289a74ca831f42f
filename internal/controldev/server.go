// Package controldev exposes the control channel to the controller process
// over a unix socket. Each connection is an smux session: one control
// stream carrying records and one data stream per streaming tuner.
package controldev

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/babelcloud/tunerbridge/internal/channel"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
	"github.com/xtaci/smux"
)

const (
	streamControl byte = 'C'
	streamData    byte = 'D'
	readyMarker   byte = 0x01

	dataChunkSize = 32 * 1024
)

// Feeder receives transport stream bytes of a session.
type Feeder interface {
	Feed(sessionID int32, data []byte)
}

// Server attaches one controller at a time to the channel.
type Server struct {
	ch     *channel.Channel
	feeder Feeder

	mu       sync.Mutex
	onAttach []func()
	listener net.Listener
	sessions map[*smux.Session]struct{}
}

func NewServer(ch *channel.Channel, feeder Feeder) *Server {
	return &Server{
		ch:       ch,
		feeder:   feeder,
		sessions: map[*smux.Session]struct{}{},
	}
}

// OnAttach registers fn to run each time a controller becomes ready.
func (s *Server) OnAttach(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAttach = append(s.onAttach, fn)
}

// Listen binds the unix socket at path, replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create socket directory for %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to remove stale socket %s", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", path)
	}
	return ln, nil
}

// Serve accepts controller connections until ctx ends or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept controller connection")
		}
		go s.serveConn(ctx, conn)
	}
}

// Close stops listening and drops every controller connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
	for sess := range s.sessions {
		sess.Close()
	}
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := util.GetLogger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from controller connection goroutine", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	sess, err := smux.Server(conn, nil)
	if err != nil {
		logger.Error("Failed to create smux session", "error", err)
		conn.Close()
		return
	}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.Close()
	}()

	var consumer *channel.Consumer
	defer func() {
		if consumer != nil {
			consumer.Close()
		}
	}()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			logger.Info("Controller connection closed", "error", err)
			return
		}

		kind := make([]byte, 1)
		if _, err := io.ReadFull(stream, kind); err != nil {
			stream.Close()
			continue
		}

		switch kind[0] {
		case streamControl:
			if consumer != nil {
				logger.Warn("Second control stream on one connection, closing it", "stream", stream.ID())
				stream.Close()
				continue
			}
			consumer, err = s.ch.Attach()
			if err != nil {
				logger.Warn("Rejecting controller", "error", err)
				stream.Close()
				return
			}
			go s.serveControl(ctx, sess, stream, consumer)

		case streamData:
			go s.serveData(stream)

		default:
			logger.Warn("Unknown stream kind", "stream", stream.ID(), "kind", kind[0])
			stream.Close()
		}
	}
}

func (s *Server) serveControl(ctx context.Context, sess *smux.Session, stream *smux.Stream, consumer *channel.Consumer) {
	logger := util.GetLogger()
	defer sess.Close()
	defer stream.Close()

	marker := make([]byte, 1)
	if _, err := io.ReadFull(stream, marker); err != nil || marker[0] != readyMarker {
		logger.Warn("Controller did not signal ready", "error", err)
		return
	}
	consumer.Ready()
	logger.Info("Controller ready", "stream", stream.ID())

	s.mu.Lock()
	hooks := append([]func(){}, s.onAttach...)
	s.mu.Unlock()
	for _, fn := range hooks {
		go fn()
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	// requests: channel -> controller
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stream.Close()
		buf := make([]byte, protocol.RecordSize*16)
		for {
			n, err := consumer.Read(ctx, buf, channel.Blocking)
			if err != nil {
				logger.Debug("Request forwarding stopped", "error", err)
				return
			}
			if _, err := stream.Write(buf[:n]); err != nil {
				logger.Warn("Failed to forward request", "error", err)
				return
			}
		}
	}()

	// replies: controller -> channel
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer consumer.Close()
		record := make([]byte, protocol.RecordSize)
		for {
			if _, err := io.ReadFull(stream, record); err != nil {
				logger.Debug("Reply forwarding stopped", "error", err)
				return
			}
			if _, err := consumer.Write(ctx, record, channel.Blocking); err != nil {
				logger.Warn("Failed to store reply", "error", err)
				return
			}
		}
	}()
}

func (s *Server) serveData(stream *smux.Stream) {
	logger := util.GetLogger()
	defer stream.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(stream, header); err != nil {
		return
	}
	sessionID := int32(binary.LittleEndian.Uint32(header))
	logger.Info("Data stream opened", "session", sessionID, "stream", stream.ID())
	defer logger.Info("Data stream closed", "session", sessionID, "stream", stream.ID())

	buf := make([]byte, dataChunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 && s.feeder != nil {
			s.feeder.Feed(sessionID, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}
