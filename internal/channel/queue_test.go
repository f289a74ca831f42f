package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOAcrossWrap(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	n, err := q.Write(ctx, []byte("abcdef"), NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 4)
	n, err = q.Read(ctx, buf, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	n, err = q.Write(ctx, []byte("ghijkl"), NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 8, q.Len())

	out := make([]byte, 16)
	n, err = q.Read(ctx, out, NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, "efghijkl", string(out[:n]))
}

func TestQueuePartialWriteWhenNearlyFull(t *testing.T) {
	q := NewQueue(4)
	n, err := q.Write(context.Background(), []byte("abcdef"), NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = q.Write(context.Background(), []byte("x"), NonBlocking)
	assert.True(t, errors.Is(err, ErrWouldBlock))
}

func TestQueueNonBlockingReadOnEmpty(t *testing.T) {
	q := NewQueue(4)
	_, err := q.Read(context.Background(), make([]byte, 1), NonBlocking)
	assert.True(t, errors.Is(err, ErrWouldBlock))
}

func TestQueueBlockingReadTimesOutAndInterrupts(t *testing.T) {
	q := NewQueue(4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Read(ctx, make([]byte, 1), Blocking)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrInterrupted))

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = q.Read(ctx, make([]byte, 1), Blocking)
	assert.True(t, errors.Is(err, ErrInterrupted))
	assert.False(t, errors.Is(err, ErrWouldBlock))
}

func TestQueueBlockingWriteResumesAfterRead(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	_, err := q.Write(ctx, []byte("ab"), NonBlocking)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		n, _ := q.Write(ctx, []byte("c"), Blocking)
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("write on a full queue returned before space was freed")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = q.Read(ctx, make([]byte, 1), NonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 1, <-done)
}

func TestQueueWriteWakesOneReader(t *testing.T) {
	q := NewQueue(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var woken atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Read(ctx, make([]byte, 1), Blocking); err == nil {
				woken.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	_, err := q.Write(context.Background(), []byte("x"), NonBlocking)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), woken.Load())

	cancel()
	wg.Wait()
	assert.Equal(t, int32(1), woken.Load())
}
