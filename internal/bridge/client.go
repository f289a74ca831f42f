// Package bridge is the privileged side of the control channel: it posts
// request records and blocks until the controller has replied.
package bridge

import (
	"context"

	"github.com/babelcloud/tunerbridge/internal/channel"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
)

var ErrDevice = errors.New("device error")

// Client serializes requests over a channel. Records carry no correlation
// id, so at most one request is outstanding at any time.
type Client struct {
	ch       *channel.Channel
	inflight chan struct{}
}

func NewClient(ch *channel.Channel) *Client {
	return &Client{
		ch:       ch,
		inflight: make(chan struct{}, 1),
	}
}

// Channel returns the underlying control channel.
func (c *Client) Channel() *channel.Channel {
	return c.ch
}

// Post queues msg without waiting for a reply.
func (c *Client) Post(msg *protocol.Message) error {
	record, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.ch.Post(record); err != nil {
		return errors.Wrapf(err, "post %s", msg)
	}
	return nil
}

// PostAndWait posts msg and returns the consumer's reply. It fails at once
// with channel.ErrNoConsumer when no consumer is attached. Replies that do
// not answer msg are discarded.
func (c *Client) PostAndWait(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if !c.ch.Attached() {
		return nil, errors.Wrapf(channel.ErrNoConsumer, "post %s", msg)
	}
	record, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}

	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(channel.ErrInterrupted, "waiting to post %s", msg)
	}
	defer func() { <-c.inflight }()

	wait := c.ch.ExpectReply()
	defer wait.Done()

	if err := c.ch.Post(record); err != nil {
		return nil, errors.Wrapf(err, "post %s", msg)
	}

	buf := make([]byte, protocol.RecordSize)
	for {
		if err := wait.Await(ctx, buf); err != nil {
			return nil, errors.Wrapf(err, "wait for reply to %s", msg)
		}
		reply, err := protocol.Decode(buf)
		if err != nil {
			util.GetLogger().Warn("Discarding undecodable reply", "request", msg.String(), "error", err)
			continue
		}
		if reply.Op != msg.Op || reply.SessionID != msg.SessionID {
			util.GetLogger().Warn("Discarding reply to another request", "request", msg.String(), "reply", reply.String())
			continue
		}
		return reply, nil
	}
}
