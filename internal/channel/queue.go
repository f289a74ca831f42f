package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrWouldBlock   = errors.New("operation would block")
	ErrInterrupted  = errors.New("interrupted, retry")
	ErrTimeout      = errors.New("timed out")
	ErrNoConsumer   = errors.New("no consumer attached")
	ErrConsumerBusy = errors.New("a consumer is already attached")
)

// Mode selects blocking or non-blocking queue IO.
type Mode int

const (
	Blocking Mode = iota
	NonBlocking
)

// Queue is a bounded byte FIFO. Each successful write wakes exactly one
// blocked reader and each successful read wakes exactly one blocked writer.
type Queue struct {
	mu   sync.Mutex
	buf  []byte
	head int
	size int

	readable chan struct{}
	writable chan struct{}
}

// NewQueue returns an empty queue holding at most capacity bytes.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		buf:      make([]byte, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return len(q.buf)
}

// Reset discards all buffered bytes.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.head, q.size = 0, 0
	q.mu.Unlock()
	notify(q.writable)
}

// Write stores as many bytes of p as fit and returns how many were stored.
// In Blocking mode it waits while the queue is full.
func (q *Queue) Write(ctx context.Context, p []byte, mode Mode) (int, error) {
	return q.write(ctx, p, mode, nil)
}

// Read moves up to len(p) buffered bytes into p. In Blocking mode it waits
// while the queue is empty.
func (q *Queue) Read(ctx context.Context, p []byte, mode Mode) (int, error) {
	return q.read(ctx, p, mode, nil)
}

func (q *Queue) write(ctx context.Context, p []byte, mode Mode, abort <-chan struct{}) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		q.mu.Lock()
		n := q.put(p)
		free := len(q.buf) - q.size
		q.mu.Unlock()

		if n > 0 {
			notify(q.readable)
			if free > 0 {
				notify(q.writable)
			}
			return n, nil
		}
		if mode == NonBlocking {
			return 0, ErrWouldBlock
		}
		if err := wait(ctx, q.writable, abort); err != nil {
			return 0, err
		}
	}
}

func (q *Queue) read(ctx context.Context, p []byte, mode Mode, abort <-chan struct{}) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		q.mu.Lock()
		n := q.take(p)
		left := q.size
		q.mu.Unlock()

		if n > 0 {
			notify(q.writable)
			if left > 0 {
				notify(q.readable)
			}
			return n, nil
		}
		if mode == NonBlocking {
			return 0, ErrWouldBlock
		}
		if err := wait(ctx, q.readable, abort); err != nil {
			return 0, err
		}
	}
}

// readFull waits until len(p) bytes are buffered and takes them at once.
func (q *Queue) readFull(ctx context.Context, p []byte, abort <-chan struct{}) error {
	for {
		q.mu.Lock()
		if q.size >= len(p) {
			q.take(p)
			left := q.size
			q.mu.Unlock()
			notify(q.writable)
			if left > 0 {
				notify(q.readable)
			}
			return nil
		}
		q.mu.Unlock()

		if err := wait(ctx, q.readable, abort); err != nil {
			return err
		}
	}
}

// writeAll stores p only if it fits entirely.
func (q *Queue) writeAll(p []byte) error {
	q.mu.Lock()
	if len(q.buf)-q.size < len(p) {
		q.mu.Unlock()
		return errors.Wrapf(ErrWouldBlock, "no buffer space for %d bytes", len(p))
	}
	q.put(p)
	q.mu.Unlock()
	notify(q.readable)
	return nil
}

func (q *Queue) put(p []byte) int {
	n := 0
	for n < len(p) && q.size < len(q.buf) {
		tail := (q.head + q.size) % len(q.buf)
		end := len(q.buf)
		if tail < q.head {
			end = q.head
		}
		c := copy(q.buf[tail:end], p[n:])
		n += c
		q.size += c
	}
	return n
}

func (q *Queue) take(p []byte) int {
	n := 0
	for n < len(p) && q.size > 0 {
		end := q.head + q.size
		if end > len(q.buf) {
			end = len(q.buf)
		}
		c := copy(p[n:], q.buf[q.head:end])
		n += c
		q.size -= c
		q.head = (q.head + c) % len(q.buf)
	}
	if q.size == 0 {
		q.head = 0
	}
	return n
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func wait(ctx context.Context, ch <-chan struct{}, abort <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-abort:
		return ErrNoConsumer
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrap(ErrTimeout, ctx.Err().Error())
		}
		return errors.Wrap(ErrInterrupted, ctx.Err().Error())
	}
}
