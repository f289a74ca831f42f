package tuner

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/tunerbridge/internal/device"
	"github.com/babelcloud/tunerbridge/internal/device/sim"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (m *memorySink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.buf.Write(p)
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) state() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len(), m.closed
}

type memoryPath struct {
	mu    sync.Mutex
	sinks []*memorySink
	err   error
}

func (p *memoryPath) Open(sessionID int32) (io.WriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := &memorySink{}
	p.sinks = append(p.sinks, s)
	return s, nil
}

func (p *memoryPath) last() *memorySink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sinks[len(p.sinks)-1]
}

func newTestSession(t *testing.T) (*Session, *sim.Tuner, *memoryPath) {
	t.Helper()
	dev := sim.New("1010CAFE-0", "hdhomerun_dvbt")
	path := &memoryPath{}
	s, err := NewSession(context.Background(), 0, dev.Name(), protocol.KindCableQAM, dev, path, Options{
		PumpInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dev, path
}

func TestNewSessionPushesPassAllFilter(t *testing.T) {
	_, dev, _ := newTestSession(t)
	assert.Equal(t, device.PassAllFilter, dev.Filter())
	assert.Equal(t, 1, dev.Calls("set_filter"))
}

func TestFeedLifecycle(t *testing.T) {
	s, dev, path := newTestSession(t)
	ctx := context.Background()

	_, err := s.Tune(ctx, 474000000)
	require.NoError(t, err)

	s.SetFilter(protocol.FilterPayload{PID: 0x21, Output: protocol.OutputTSTap})
	assert.False(t, s.Streaming(), "set filter alone does not stream")

	require.NoError(t, s.StartFeed(ctx, 0x21))
	assert.Equal(t, "0x21", dev.Filter())
	assert.True(t, s.Streaming())
	assert.True(t, dev.Streaming())

	require.NoError(t, s.StartFeed(ctx, 0x24))
	assert.Equal(t, "0x21 0x24", dev.Filter())

	require.NoError(t, s.StopFeed(ctx, 0x21))
	assert.Equal(t, "0x24", dev.Filter())
	assert.True(t, s.Streaming())

	sink := path.last()
	assert.Eventually(t, func() bool {
		n, _ := sink.state()
		return n > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, s.StopFeed(ctx, 0x24))
	assert.Equal(t, device.PassAllFilter, dev.Filter())
	assert.False(t, s.Streaming())
	assert.False(t, s.Pumping(), "pump is joined before StopFeed returns")
	assert.False(t, dev.Streaming())
	_, closed := sink.state()
	assert.True(t, closed)

	snap := s.Snapshot()
	assert.Empty(t, snap.PIDs)
	require.NotNil(t, snap.PESFilter)
	assert.Equal(t, uint16(0x21), snap.PESFilter.PID)
}

func TestDuplicateFeedIsNoop(t *testing.T) {
	s, dev, path := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.StartFeed(ctx, 0x21))
	calls := dev.Calls("set_filter")
	require.NoError(t, s.StartFeed(ctx, 0x21))
	assert.Equal(t, calls, dev.Calls("set_filter"))
	assert.Equal(t, []uint16{0x21}, s.Snapshot().PIDs)
	assert.Len(t, path.sinks, 1)

	require.NoError(t, s.StopFeed(ctx, 0x99), "removing an absent pid is a no-op")
	assert.True(t, s.Streaming())

	require.NoError(t, s.StopFeed(ctx, 0x21))
	assert.False(t, s.Streaming())
}

func TestPassAllSentinel(t *testing.T) {
	s, dev, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.StartFeed(ctx, 0x21))
	require.NoError(t, s.StartFeed(ctx, protocol.PassAllPID))
	assert.Equal(t, device.PassAllFilter, dev.Filter())
	assert.True(t, s.Streaming())

	require.NoError(t, s.StopFeed(ctx, protocol.PassAllPID))
	assert.Equal(t, "0x21", dev.Filter())
}

func TestDeviceErrorLeavesStateUnchanged(t *testing.T) {
	s, dev, path := newTestSession(t)
	ctx := context.Background()

	dev.Fail("set_filter", errors.New("filter rejected"))
	assert.Error(t, s.StartFeed(ctx, 0x21))
	assert.Empty(t, s.Snapshot().PIDs)
	assert.False(t, s.Streaming())

	dev.Fail("stream_start", errors.New("no route"))
	assert.Error(t, s.StartFeed(ctx, 0x21))
	assert.Empty(t, s.Snapshot().PIDs)
	assert.False(t, s.Streaming())
	assert.Equal(t, device.PassAllFilter, dev.Filter())

	path.err = errors.New("no data path")
	assert.Error(t, s.StartFeed(ctx, 0x21))
	assert.False(t, s.Streaming())
	assert.False(t, dev.Streaming())
}

func TestTuneSkipsWhenLockedOnSameFrequency(t *testing.T) {
	s, dev, _ := newTestSession(t)
	ctx := context.Background()

	retuned, err := s.Tune(ctx, 474000000)
	require.NoError(t, err)
	assert.True(t, retuned)
	assert.Equal(t, 1, dev.Calls("set_channel"))

	retuned, err = s.Tune(ctx, 474000000)
	require.NoError(t, err)
	assert.False(t, retuned)
	assert.Equal(t, 1, dev.Calls("set_channel"))

	retuned, err = s.Tune(ctx, 482000000)
	require.NoError(t, err)
	assert.True(t, retuned)
	assert.Equal(t, uint32(482000000), *s.Snapshot().LastFrequency)
}

func TestTuneRetriesWithoutLock(t *testing.T) {
	s, dev, _ := newTestSession(t)
	ctx := context.Background()

	// outside the simulated band the tuner never locks
	_, err := s.Tune(ctx, 10000000)
	require.NoError(t, err)
	retuned, err := s.Tune(ctx, 10000000)
	require.NoError(t, err)
	assert.True(t, retuned)
	assert.Equal(t, 2, dev.Calls("set_channel"))
}

func TestTuneFailureKeepsLastFrequency(t *testing.T) {
	s, dev, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Tune(ctx, 474000000)
	require.NoError(t, err)
	dev.Fail("set_channel", errors.New("tuner busy"))
	_, err = s.Tune(ctx, 482000000)
	assert.Error(t, err)
	assert.Equal(t, uint32(474000000), *s.Snapshot().LastFrequency)
}

func TestStatusAndStrength(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	flags, err := s.ReadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFlags(0), flags)

	_, err = s.Tune(ctx, 474000000)
	require.NoError(t, err)
	flags, err = s.ReadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.FullLock, flags)

	strength, err := s.ReadSignalStrength(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF*80/100), strength)
}

func TestStatusFlagsTranslation(t *testing.T) {
	assert.Equal(t, protocol.FullLock, StatusFlags(device.TunerStatus{SymbolErrorQuality: 100}))
	assert.Equal(t, protocol.HasSignal|protocol.HasCarrier, StatusFlags(device.TunerStatus{SignalStrength: 40, Lock: "8vsb", SymbolErrorQuality: 60}))
	assert.Equal(t, protocol.HasSignal, StatusFlags(device.TunerStatus{SignalStrength: 40, Lock: "none"}))
}

func TestScaleStrength(t *testing.T) {
	assert.Equal(t, uint16(0), ScaleStrength(-5))
	assert.Equal(t, uint16(0), ScaleStrength(0))
	assert.Equal(t, uint16(32767), ScaleStrength(50))
	assert.Equal(t, uint16(0xFFFF), ScaleStrength(100))
	assert.Equal(t, uint16(0xFFFF), ScaleStrength(130))
}

func TestCloseStopsStreaming(t *testing.T) {
	s, dev, _ := newTestSession(t)
	require.NoError(t, s.StartFeed(context.Background(), 0x21))
	require.NoError(t, s.Close())
	assert.False(t, s.Streaming())
	assert.False(t, dev.Streaming())
}

func TestTuneProceedsWhenStatusUnavailable(t *testing.T) {
	s, dev, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Tune(ctx, 474000000)
	require.NoError(t, err)

	dev.Fail("status", errors.New("status rpc timeout"))
	retuned, err := s.Tune(ctx, 474000000)
	require.NoError(t, err)
	assert.True(t, retuned, "an unreadable status counts as unlocked")
	assert.Equal(t, 2, dev.Calls("set_channel"))
	assert.Equal(t, uint32(474000000), *s.Snapshot().LastFrequency)
}

// limitedFilterTuner rejects filter changes once allow runs out.
type limitedFilterTuner struct {
	*sim.Tuner
	allow int
}

func (l *limitedFilterTuner) SetFilter(ctx context.Context, filter string) error {
	if l.allow == 0 {
		return errors.New("filter rejected")
	}
	l.allow--
	return l.Tuner.SetFilter(ctx, filter)
}

func TestStartFeedRollbackFailureKeepsState(t *testing.T) {
	inner := sim.New("1010CAFE-0", "hdhomerun_dvbt")
	dev := &limitedFilterTuner{Tuner: inner, allow: 2}
	s, err := NewSession(context.Background(), 0, inner.Name(), protocol.KindCableQAM, dev, &memoryPath{}, Options{
		PumpInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	inner.Fail("stream_start", errors.New("no route"))
	err = s.StartFeed(context.Background(), 0x21)
	assert.ErrorContains(t, err, "no route")
	assert.Empty(t, s.Snapshot().PIDs)
	assert.False(t, s.Streaming())
}

func TestRandomFeedSequencesMatchModel(t *testing.T) {
	pool := []uint16{0x0, 0x21, 0x24, 0x1FFF, protocol.PassAllPID}
	for seed := int64(1); seed <= 20; seed++ {
		s, dev, _ := newTestSession(t)
		ctx := context.Background()
		rng := rand.New(rand.NewSource(seed))
		model := map[uint16]bool{}

		for step := 0; step < 40; step++ {
			pid := pool[rng.Intn(len(pool))]
			if rng.Intn(2) == 0 {
				require.NoError(t, s.StartFeed(ctx, pid))
				model[pid] = true
			} else {
				require.NoError(t, s.StopFeed(ctx, pid))
				delete(model, pid)
			}

			assert.Equal(t, len(model) > 0, s.Streaming(), "seed %d step %d", seed, step)
			assert.Equal(t, len(model) > 0, dev.Streaming(), "seed %d step %d", seed, step)
			assert.ElementsMatch(t, keys(model), s.Snapshot().PIDs, "seed %d step %d", seed, step)
		}
	}
}

func keys(m map[uint16]bool) []uint16 {
	out := make([]uint16, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
