package device

import (
	"testing"

	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFilterString(t *testing.T) {
	assert.Equal(t, "0x0000-0x1FFF", FilterString(nil))
	assert.Equal(t, "0x21", FilterString([]uint16{0x21}))
	assert.Equal(t, "0x21 0x24 0x1FFF", FilterString([]uint16{0x21, 0x24, 0x1FFF}))
	assert.Equal(t, "0x0000-0x1FFF", FilterString([]uint16{0x21, protocol.PassAllPID}))
}

func TestKindForModel(t *testing.T) {
	kind, err := KindForModel("hdhomerun_dvbt")
	assert.NoError(t, err)
	assert.Equal(t, protocol.KindCableQAM, kind)

	kind, err = KindForModel("hdhomerun_atsc")
	assert.NoError(t, err)
	assert.Equal(t, protocol.KindATSC, kind)

	_, err = KindForModel("hdhomerun_xyz")
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestVideoStatsSub(t *testing.T) {
	later := VideoStats{PacketCount: 100, NetworkErrorCount: 3, SequenceErrorCount: 1}
	earlier := VideoStats{PacketCount: 40, NetworkErrorCount: 1}
	assert.Equal(t, VideoStats{PacketCount: 60, NetworkErrorCount: 2, SequenceErrorCount: 1}, later.Sub(earlier))
}

func TestTunerName(t *testing.T) {
	assert.Equal(t, "1010CAFE-1", TunerName("1010cafe", 1))
	assert.True(t, TunerStatus{Lock: "qam256"}.Locked())
	assert.False(t, TunerStatus{Lock: "none"}.Locked())
}
