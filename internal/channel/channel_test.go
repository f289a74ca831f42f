package channel

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attachReady(t *testing.T, c *Channel) *Consumer {
	t.Helper()
	consumer, err := c.Attach()
	require.NoError(t, err)
	consumer.Ready()
	return consumer
}

func TestPostWithoutConsumer(t *testing.T) {
	c := New(64)
	assert.True(t, errors.Is(c.Post([]byte("req")), ErrNoConsumer))

	consumer, err := c.Attach()
	require.NoError(t, err)
	assert.True(t, errors.Is(c.Post([]byte("req")), ErrNoConsumer), "attached but not draining")

	consumer.Ready()
	assert.NoError(t, c.Post([]byte("req")))
	assert.Equal(t, 3, c.Stats().Requests)
}

func TestPostRejectsRecordThatDoesNotFit(t *testing.T) {
	c := New(8)
	attachReady(t, c)
	require.NoError(t, c.Post([]byte("12345")))
	assert.True(t, errors.Is(c.Post([]byte("12345")), ErrWouldBlock))
	assert.Equal(t, 5, c.Stats().Requests, "no partial record")
}

func TestSecondConsumerRejected(t *testing.T) {
	c := New(64)
	attachReady(t, c)
	_, err := c.Attach()
	assert.True(t, errors.Is(err, ErrConsumerBusy))
}

func TestPollIsOptimistic(t *testing.T) {
	c := New(64)
	consumer := attachReady(t, c)
	assert.Equal(t, Readiness{Readable: false, Writable: true}, consumer.Poll())

	require.NoError(t, c.Post([]byte("r")))
	assert.Equal(t, Readiness{Readable: true, Writable: true}, consumer.Poll())

	require.NoError(t, consumer.Close())
	assert.Equal(t, Readiness{}, consumer.Poll())
}

func TestReplyDroppedWhenNobodyWaits(t *testing.T) {
	c := New(64)
	consumer := attachReady(t, c)

	n, err := consumer.Write(context.Background(), []byte("late"), NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, c.Stats().Replies)
}

func TestRoundTrip(t *testing.T) {
	c := New(64)
	consumer := attachReady(t, c)
	ctx := context.Background()

	wait := c.ExpectReply()
	defer wait.Done()
	require.NoError(t, c.Post([]byte("ping")))

	go func() {
		buf := make([]byte, 4)
		n, err := consumer.Read(ctx, buf, Blocking)
		if err != nil {
			return
		}
		copy(buf, "pong")
		consumer.Write(ctx, buf[:n], Blocking)
	}()

	reply := make([]byte, 4)
	require.NoError(t, wait.Await(ctx, reply))
	assert.Equal(t, "pong", string(reply))
}

func TestDetachReleasesWaiterAndResets(t *testing.T) {
	c := New(64)
	consumer := attachReady(t, c)

	wait := c.ExpectReply()
	require.NoError(t, c.Post([]byte("req")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- wait.Await(context.Background(), make([]byte, 4))
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, consumer.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrNoConsumer))
	case <-time.After(time.Second):
		t.Fatal("waiter not released by detach")
	}
	wait.Done()

	stats := c.Stats()
	assert.False(t, stats.Attached)
	assert.False(t, stats.Draining)
	assert.False(t, stats.Awaiting)
	assert.Equal(t, 0, stats.Requests)
	assert.Equal(t, 0, stats.Replies)

	_, err := consumer.Read(context.Background(), make([]byte, 1), NonBlocking)
	assert.True(t, errors.Is(err, ErrNoConsumer))
}

func TestNoStaleReplyAfterReattach(t *testing.T) {
	c := New(64)
	first := attachReady(t, c)
	ctx := context.Background()

	wait := c.ExpectReply()
	require.NoError(t, c.Post([]byte("old!")))
	_, err := first.Write(ctx, []byte("old!"), NonBlocking)
	require.NoError(t, err)
	wait.Done()
	require.NoError(t, first.Close())

	second := attachReady(t, c)
	assert.Equal(t, Readiness{Readable: false, Writable: true}, second.Poll())

	wait = c.ExpectReply()
	defer wait.Done()
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = wait.Await(ctx, make([]byte, 4))
	assert.True(t, errors.Is(err, ErrTimeout), "reply queue must start empty after reattach")
}

func TestConsumerReadUnblocksOnClose(t *testing.T) {
	c := New(64)
	consumer := attachReady(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := consumer.Read(context.Background(), make([]byte, 1), Blocking)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, consumer.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrNoConsumer))
	case <-time.After(time.Second):
		t.Fatal("consumer read not released by close")
	}
}

func TestLateReplyDiscardedOnDone(t *testing.T) {
	c := New(64)
	consumer := attachReady(t, c)

	wait := c.ExpectReply()
	require.NoError(t, c.Post([]byte("req1")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := wait.Await(ctx, make([]byte, 4))
	require.True(t, errors.Is(err, ErrInterrupted))

	// the reply arrives while the flag is still set
	_, err = consumer.Write(context.Background(), []byte("rep1"), NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Stats().Replies)
	wait.Done()
	assert.Equal(t, 0, c.Stats().Replies)

	wait = c.ExpectReply()
	defer wait.Done()
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = wait.Await(ctx, make([]byte, 4))
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestExpectReplyDiscardsLeftovers(t *testing.T) {
	c := New(64)
	consumer := attachReady(t, c)

	first := c.ExpectReply()
	_, err := consumer.Write(context.Background(), []byte("stale"), NonBlocking)
	require.NoError(t, err)

	// a second waiter starts before the first one cleaned up
	second := c.ExpectReply()
	assert.Equal(t, 0, c.Stats().Replies)
	first.Done()
	second.Done()
}

func TestDetachedConsumerCannotWriteAfterReattach(t *testing.T) {
	c := New(64)
	first := attachReady(t, c)
	require.NoError(t, first.Close())

	attachReady(t, c)
	wait := c.ExpectReply()
	defer wait.Done()

	_, err := first.Write(context.Background(), []byte("old!"), Blocking)
	assert.True(t, errors.Is(err, ErrNoConsumer))
	assert.Equal(t, 0, c.Stats().Replies)
}

func TestBlockingReplyWriteWaitsForSpace(t *testing.T) {
	c := New(4)
	consumer := attachReady(t, c)
	wait := c.ExpectReply()
	defer wait.Done()

	done := make(chan error, 1)
	go func() {
		_, err := consumer.Write(context.Background(), []byte("abcd"), Blocking)
		if err == nil {
			_, err = consumer.Write(context.Background(), []byte("efgh"), Blocking)
		}
		done <- err
	}()

	buf := make([]byte, 4)
	require.NoError(t, wait.Await(context.Background(), buf))
	assert.Equal(t, "abcd", string(buf))
	require.NoError(t, wait.Await(context.Background(), buf))
	assert.Equal(t, "efgh", string(buf))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked writer not woken")
	}
}
