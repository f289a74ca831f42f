// Package dispatcher executes control records on the controller side.
package dispatcher

import (
	"context"
	"io"

	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/tuner"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
)

var ErrUnknownSession = errors.New("unknown session")

// Sessions resolves a session id to the tuner session that owns it.
type Sessions interface {
	Get(id int32) (*tuner.Session, bool)
}

// Dispatcher reads one record at a time, runs it against the addressed
// session and writes the reply. Every record gets exactly one reply.
type Dispatcher struct {
	sessions Sessions
}

func New(sessions Sessions) *Dispatcher {
	return &Dispatcher{sessions: sessions}
}

// Serve processes records from rw until it is closed or ctx ends.
func (d *Dispatcher) Serve(ctx context.Context, rw io.ReadWriter) error {
	buf := make([]byte, protocol.RecordSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(rw, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read control record")
		}

		reply := d.Handle(ctx, buf)
		if _, err := rw.Write(reply); err != nil {
			return errors.Wrap(err, "write control reply")
		}
	}
}

// Handle executes one record and returns the reply record.
func (d *Dispatcher) Handle(ctx context.Context, record []byte) []byte {
	logger := util.GetLogger()

	msg, err := protocol.Decode(record)
	if err != nil {
		op, session, _ := protocol.PeekHeader(record)
		logger.Warn("Echoing undecodable record", "op", op, "session", session, "error", err)
		return append([]byte(nil), record...)
	}

	if err := d.execute(ctx, msg); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			logger.Warn("Request for unknown session, acknowledging", "op", msg.Op.String(), "session", msg.SessionID)
		} else {
			logger.Error("Request failed", "op", msg.Op.String(), "session", msg.SessionID, "error", err)
			msg.Result = protocol.ResultDeviceError
		}
	}

	out, err := msg.MarshalBinary()
	if err != nil {
		return append([]byte(nil), record...)
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, msg *protocol.Message) error {
	logger := util.GetLogger()

	if msg.Op == protocol.OpRegisterTuner {
		logger.Debug("Registration on the control channel is acknowledged only", "session", msg.SessionID)
		return nil
	}

	s, ok := d.sessions.Get(msg.SessionID)
	if !ok {
		return errors.Wrapf(ErrUnknownSession, "session %d", msg.SessionID)
	}

	switch p := msg.Payload.(type) {
	case *protocol.TunePayload:
		_, err := s.Tune(ctx, p.Frequency)
		return err

	case *protocol.StatusPayload:
		flags, err := s.ReadStatus(ctx)
		if err != nil {
			return err
		}
		p.Flags = flags
		logger.Debug("Status read", "session", s.ID, "status", flags.String())

	case *protocol.SignalPayload:
		strength, err := s.ReadSignalStrength(ctx)
		if err != nil {
			return err
		}
		p.Strength = int16(strength)

	case *protocol.CounterPayload:
		p.Value = 0

	case *protocol.FeedPayload:
		if msg.Op == protocol.OpStartFeed {
			return s.StartFeed(ctx, p.PID)
		}
		return s.StopFeed(ctx, p.PID)

	case *protocol.FilterPayload:
		s.SetFilter(*p)
	}
	return nil
}
