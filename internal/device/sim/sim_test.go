package sim

import (
	"context"
	"testing"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverAndOpen(t *testing.T) {
	d := &Discoverer{Devices: []config.SimDevice{
		{ID: "1010cafe", Model: "hdhomerun_dvbt", Tuners: 2},
		{ID: "1020BEEF", Model: "hdhomerun_atsc", Tuners: 1},
	}}

	infos, err := d.Discover(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "1010CAFE", infos[0].ID)

	dev, err := d.Open(infos[0], 1)
	require.NoError(t, err)
	assert.Equal(t, "1010CAFE-1", dev.Name())
	assert.Equal(t, "hdhomerun_dvbt", dev.Model())

	_, err = d.Open(infos[0], 2)
	assert.Error(t, err)
}

func TestLockInsideBand(t *testing.T) {
	tuner := New("1010CAFE-0", "hdhomerun_dvbt")
	ctx := context.Background()

	status, err := tuner.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Locked())

	require.NoError(t, tuner.SetChannel(ctx, "auto:474000000"))
	status, err = tuner.WaitForLock(ctx)
	require.NoError(t, err)
	assert.True(t, status.Locked())
	assert.Equal(t, 100, status.SymbolErrorQuality)

	assert.Error(t, tuner.SetChannel(ctx, "us-cable:12"))
}

func TestStreamHonoursFilter(t *testing.T) {
	tuner := New("1010CAFE-0", "hdhomerun_dvbt")
	ctx := context.Background()
	require.NoError(t, tuner.SetChannel(ctx, "auto:474000000"))
	require.NoError(t, tuner.SetFilter(ctx, "0x21 0x24"))
	require.NoError(t, tuner.StreamStart(ctx))

	data, err := tuner.StreamRecv(PacketSize * 4)
	require.NoError(t, err)
	require.Len(t, data, PacketSize*4)
	for off := 0; off < len(data); off += PacketSize {
		assert.Equal(t, byte(0x47), data[off])
		pid := uint16(data[off+1]&0x1F)<<8 | uint16(data[off+2])
		assert.Contains(t, []uint16{0x21, 0x24}, pid)
	}
	assert.Equal(t, uint32(4), tuner.VideoStats().PacketCount)

	tuner.StreamStop()
	data, err = tuner.StreamRecv(PacketSize)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestInjectedFault(t *testing.T) {
	tuner := New("1010CAFE-0", "hdhomerun_dvbt")
	boom := errors.New("boom")
	tuner.Fail("set_filter", boom)

	assert.Equal(t, boom, tuner.SetFilter(context.Background(), "0x21"))
	assert.NoError(t, tuner.SetFilter(context.Background(), "0x21"))
	assert.Equal(t, 2, tuner.Calls("set_filter"))
	assert.Error(t, tuner.SetFilter(context.Background(), "0x2001"))
}
