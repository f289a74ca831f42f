package controldev

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"
)

// Conn is the controller's connection to the host control socket.
type Conn struct {
	sess    *smux.Session
	control *smux.Stream
}

// Dial connects to the control socket at path and opens the control stream.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial control socket %s", path)
	}

	sess, err := smux.Client(raw, nil)
	if err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "failed to create smux session on control socket")
	}

	control, err := sess.OpenStream()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "failed to open control stream")
	}
	if _, err := control.Write([]byte{streamControl}); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "failed to announce control stream")
	}
	return &Conn{sess: sess, control: control}, nil
}

// Control is the record stream the dispatcher serves.
func (c *Conn) Control() io.ReadWriter {
	return c.control
}

// Ready tells the host the dispatcher is about to process requests.
func (c *Conn) Ready() error {
	_, err := c.control.Write([]byte{readyMarker})
	return errors.Wrap(err, "failed to signal ready")
}

// Open starts a data stream for sessionID.
func (c *Conn) Open(sessionID int32) (io.WriteCloser, error) {
	stream, err := c.sess.OpenStream()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open data stream for session %d", sessionID)
	}
	header := make([]byte, 5)
	header[0] = streamData
	binary.LittleEndian.PutUint32(header[1:], uint32(sessionID))
	if _, err := stream.Write(header); err != nil {
		stream.Close()
		return nil, errors.Wrapf(err, "failed to announce data stream for session %d", sessionID)
	}
	return stream, nil
}

// CloseChan is closed when the connection ends.
func (c *Conn) CloseChan() <-chan struct{} {
	return c.sess.CloseChan()
}

func (c *Conn) IsClosed() bool {
	return c.sess.IsClosed()
}

func (c *Conn) Close() error {
	return c.sess.Close()
}
