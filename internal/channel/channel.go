// Package channel implements the bounded, bidirectional control channel
// between the privileged host and a single unprivileged consumer.
package channel

import (
	"context"
	"sync"

	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
)

const DefaultCapacity = 32 * 1024

// Channel carries request records to the consumer and reply records back.
type Channel struct {
	requests *Queue
	replies  *Queue

	mu       sync.Mutex
	consumer *Consumer
	draining bool
	awaiting bool
	detached chan struct{}
}

// Readiness is the poll result seen by the consumer.
type Readiness struct {
	Readable bool
	Writable bool
}

// Stats is a point-in-time view of the channel.
type Stats struct {
	Attached bool   `json:"attached"`
	Draining bool   `json:"draining"`
	Awaiting bool   `json:"awaiting_reply"`
	Requests int    `json:"requests_buffered"`
	Replies  int    `json:"replies_buffered"`
	Capacity int    `json:"capacity"`
	Consumer string `json:"consumer,omitempty"`
}

// New creates a channel whose queues each hold capacity bytes.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		requests: NewQueue(capacity),
		replies:  NewQueue(capacity),
		detached: make(chan struct{}),
	}
}

// Attach registers the consumer. Only one consumer may hold the channel.
func (c *Channel) Attach() (*Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumer != nil {
		return nil, ErrConsumerBusy
	}
	c.consumer = &Consumer{
		ch:     c,
		token:  uniuri.NewLen(32),
		closed: make(chan struct{}),
	}
	util.GetLogger().Info("Control channel consumer attached", "consumer", c.consumer.token[:8])
	return c.consumer, nil
}

// Post queues one request record without waiting for a reply. It fails
// with ErrNoConsumer unless a consumer is attached and draining, and with
// ErrWouldBlock if the whole record does not fit.
func (c *Channel) Post(record []byte) error {
	c.mu.Lock()
	ready := c.consumer != nil && c.draining
	c.mu.Unlock()
	if !ready {
		return ErrNoConsumer
	}
	return c.requests.writeAll(record)
}

// ExpectReply marks that a caller is about to wait for a reply. Replies the
// consumer writes while nobody waits are dropped, and anything left over
// from an earlier wait is discarded before the new one starts.
func (c *Channel) ExpectReply() *ReplyWait {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies.Reset()
	c.awaiting = true
	return &ReplyWait{ch: c, detached: c.detached}
}

// Reset drains both queues, clears every flag and releases blocked callers.
func (c *Channel) Reset() {
	c.mu.Lock()
	consumer := c.consumer
	c.consumer = nil
	c.draining = false
	c.awaiting = false
	close(c.detached)
	c.detached = make(chan struct{})
	if consumer != nil {
		close(consumer.closed)
	}
	c.mu.Unlock()

	c.requests.Reset()
	c.replies.Reset()
}

// Attached reports whether a consumer currently holds the channel.
func (c *Channel) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumer != nil
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Attached: c.consumer != nil,
		Draining: c.draining,
		Awaiting: c.awaiting,
		Capacity: c.requests.Cap(),
	}
	if c.consumer != nil {
		s.Consumer = c.consumer.token[:8]
	}
	c.mu.Unlock()
	s.Requests = c.requests.Len()
	s.Replies = c.replies.Len()
	return s
}

// ReplyWait is one pending wait for a reply record.
type ReplyWait struct {
	ch       *Channel
	detached <-chan struct{}
}

// Await blocks until a whole record of len(p) bytes is available. A consumer
// detach returns ErrNoConsumer; context cancellation returns ErrInterrupted.
func (w *ReplyWait) Await(ctx context.Context, p []byte) error {
	return w.ch.replies.readFull(ctx, p, w.detached)
}

// Done clears the waiting flag and discards any unread reply bytes. Late
// replies are dropped from now on.
func (w *ReplyWait) Done() {
	w.ch.mu.Lock()
	defer w.ch.mu.Unlock()
	select {
	case <-w.detached:
	default:
		w.ch.awaiting = false
		w.ch.replies.Reset()
	}
}

// Consumer is the attached unprivileged side of a channel.
type Consumer struct {
	ch     *Channel
	token  string
	closed chan struct{}
}

func (c *Consumer) Token() string {
	return c.token
}

// Ready signals that the consumer is processing requests. Until then the
// host side treats the channel as having no consumer.
func (c *Consumer) Ready() {
	c.ch.mu.Lock()
	defer c.ch.mu.Unlock()
	if c.ch.consumer == c {
		c.ch.draining = true
	}
}

// Read takes request bytes.
func (c *Consumer) Read(ctx context.Context, p []byte, mode Mode) (int, error) {
	if c.isClosed() {
		return 0, ErrNoConsumer
	}
	return c.ch.requests.read(ctx, p, mode, c.closed)
}

// Write stores reply bytes. When no host caller waits for a reply the bytes
// are discarded and reported as written.
//
// The accept decision and the store happen under the channel lock, so a reply
// can never land in the queue after a detach or after its waiter gave up.
func (c *Consumer) Write(ctx context.Context, p []byte, mode Mode) (int, error) {
	for {
		c.ch.mu.Lock()
		if c.ch.consumer != c {
			c.ch.mu.Unlock()
			return 0, ErrNoConsumer
		}
		if !c.ch.awaiting {
			c.ch.mu.Unlock()
			util.GetLogger().Debug("Dropping reply, no caller waiting", "bytes", len(p))
			return len(p), nil
		}
		n, err := c.ch.replies.write(ctx, p, NonBlocking, nil)
		c.ch.mu.Unlock()

		if !errors.Is(err, ErrWouldBlock) || mode == NonBlocking {
			return n, err
		}
		if err := wait(ctx, c.ch.replies.writable, c.closed); err != nil {
			return 0, err
		}
	}
}

// Poll reports readiness. Writability is optimistic: it only requires the
// consumer to still be attached.
func (c *Consumer) Poll() Readiness {
	if c.isClosed() {
		return Readiness{}
	}
	return Readiness{
		Readable: c.ch.requests.Len() > 0,
		Writable: true,
	}
}

// Close detaches the consumer and resets the channel.
func (c *Consumer) Close() error {
	c.ch.mu.Lock()
	current := c.ch.consumer == c
	c.ch.mu.Unlock()
	if !current {
		return nil
	}
	util.GetLogger().Info("Control channel consumer detached, resetting queues", "consumer", c.token[:8])
	c.ch.Reset()
	return nil
}

func (c *Consumer) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
