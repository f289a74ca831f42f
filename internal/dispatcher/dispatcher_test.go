package dispatcher

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/babelcloud/tunerbridge/internal/device/sim"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/tuner"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionMap map[int32]*tuner.Session

func (m sessionMap) Get(id int32) (*tuner.Session, bool) {
	s, ok := m[id]
	return s, ok
}

type discardPath struct{}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (discardPath) Open(int32) (io.WriteCloser, error) {
	return nopCloser{io.Discard}, nil
}

func newDispatcher(t *testing.T) (*Dispatcher, *sim.Tuner) {
	t.Helper()
	dev := sim.New("1010CAFE-0", "hdhomerun_dvbt")
	s, err := tuner.NewSession(context.Background(), 0, dev.Name(), protocol.KindCableQAM, dev, discardPath{}, tuner.Options{PumpInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(sessionMap{0: s}), dev
}

func roundTrip(t *testing.T, d *Dispatcher, msg *protocol.Message) *protocol.Message {
	t.Helper()
	record, err := msg.MarshalBinary()
	require.NoError(t, err)
	reply := d.Handle(context.Background(), record)
	require.Len(t, reply, protocol.RecordSize)
	decoded, err := protocol.Decode(reply)
	require.NoError(t, err)
	return decoded
}

func TestTuneAndStatus(t *testing.T) {
	d, dev := newDispatcher(t)

	reply := roundTrip(t, d, &protocol.Message{Op: protocol.OpTune, Payload: &protocol.TunePayload{Frequency: 474000000}})
	assert.Equal(t, protocol.ResultOK, reply.Result)
	assert.Equal(t, uint32(474000000), reply.Payload.(*protocol.TunePayload).Frequency)

	reply = roundTrip(t, d, protocol.NewMessage(protocol.OpReadStatus, 0))
	assert.Equal(t, protocol.FullLock, reply.Payload.(*protocol.StatusPayload).Flags)

	// same frequency while locked does not touch the device
	roundTrip(t, d, &protocol.Message{Op: protocol.OpTune, Payload: &protocol.TunePayload{Frequency: 474000000}})
	assert.Equal(t, 1, dev.Calls("set_channel"))

	reply = roundTrip(t, d, protocol.NewMessage(protocol.OpReadSignalStrength, 0))
	assert.Equal(t, tuner.ScaleStrength(80), reply.Payload.(*protocol.SignalPayload).Unsigned())

	reply = roundTrip(t, d, &protocol.Message{Op: protocol.OpReadBER, Payload: &protocol.CounterPayload{Value: 5}})
	assert.Zero(t, reply.Payload.(*protocol.CounterPayload).Value)
}

func TestFeedsDriveFilter(t *testing.T) {
	d, dev := newDispatcher(t)

	roundTrip(t, d, &protocol.Message{Op: protocol.OpSetFilter, Payload: &protocol.FilterPayload{PID: 0x21, Output: protocol.OutputTSTap}})
	roundTrip(t, d, &protocol.Message{Op: protocol.OpStartFeed, Payload: &protocol.FeedPayload{PID: 0x21}})
	roundTrip(t, d, &protocol.Message{Op: protocol.OpStartFeed, Payload: &protocol.FeedPayload{PID: 0x24}})
	assert.Equal(t, "0x21 0x24", dev.Filter())
	assert.True(t, dev.Streaming())

	roundTrip(t, d, &protocol.Message{Op: protocol.OpStopFeed, Payload: &protocol.FeedPayload{PID: 0x21}})
	roundTrip(t, d, &protocol.Message{Op: protocol.OpStopFeed, Payload: &protocol.FeedPayload{PID: 0x24}})
	assert.Equal(t, "0x0000-0x1FFF", dev.Filter())
	assert.False(t, dev.Streaming())
}

func TestUnknownSessionIsAcknowledged(t *testing.T) {
	d, _ := newDispatcher(t)
	reply := roundTrip(t, d, &protocol.Message{Op: protocol.OpTune, SessionID: 42, Payload: &protocol.TunePayload{Frequency: 1}})
	assert.Equal(t, protocol.ResultOK, reply.Result)
	assert.Equal(t, int32(42), reply.SessionID)
	assert.Equal(t, uint32(1), reply.Payload.(*protocol.TunePayload).Frequency)
}

func TestDeviceErrorIsReported(t *testing.T) {
	d, dev := newDispatcher(t)
	dev.Fail("set_filter", errors.New("rejected"))
	reply := roundTrip(t, d, &protocol.Message{Op: protocol.OpStartFeed, Payload: &protocol.FeedPayload{PID: 0x21}})
	assert.Equal(t, protocol.ResultDeviceError, reply.Result)
	assert.False(t, dev.Streaming())
}

func TestUndecodableRecordIsEchoed(t *testing.T) {
	d, _ := newDispatcher(t)
	record := make([]byte, protocol.RecordSize)
	record[0] = 0x7F
	record[20] = 0xAB
	assert.Equal(t, record, d.Handle(context.Background(), record))
}

func TestServeOverConnection(t *testing.T) {
	d, _ := newDispatcher(t)
	hostSide, controllerSide := net.Pipe()
	defer hostSide.Close()

	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), controllerSide) }()

	for _, msg := range []*protocol.Message{
		{Op: protocol.OpTune, Payload: &protocol.TunePayload{Frequency: 474000000}},
		protocol.NewMessage(protocol.OpReadStatus, 0),
	} {
		record, err := msg.MarshalBinary()
		require.NoError(t, err)
		_, err = hostSide.Write(record)
		require.NoError(t, err)

		reply := make([]byte, protocol.RecordSize)
		_, err = io.ReadFull(hostSide, reply)
		require.NoError(t, err)
		decoded, err := protocol.Decode(reply)
		require.NoError(t, err)
		assert.Equal(t, msg.Op, decoded.Op)
	}

	hostSide.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not return after close")
	}
}
