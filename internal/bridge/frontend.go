package bridge

import (
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/pkg/errors"
)

var ErrFrequencyOutOfRange = errors.New("frequency out of range")

// FrontendInfo describes the tuning range of a tuner kind.
type FrontendInfo struct {
	Name         string `json:"name"`
	FrequencyMin uint32 `json:"frequency_min"`
	FrequencyMax uint32 `json:"frequency_max"`
	StepSize     uint32 `json:"step_size"`
}

var frontends = map[protocol.TunerKind]FrontendInfo{
	protocol.KindCableQAM:    {Name: "HDHomeRun DVB-C", FrequencyMin: 51000000, FrequencyMax: 858000000, StepSize: 62500},
	protocol.KindTerrestrial: {Name: "HDHomeRun DVB-T", FrequencyMin: 174000000, FrequencyMax: 862000000, StepSize: 166667},
	protocol.KindATSC:        {Name: "HDHomeRun ATSC", FrequencyMin: 54000000, FrequencyMax: 858000000, StepSize: 62500},
}

// Frontend returns the frontend description for kind. ok is false for
// KindUnset, which accepts any frequency.
func Frontend(kind protocol.TunerKind) (FrontendInfo, bool) {
	info, ok := frontends[kind]
	return info, ok
}

func (f FrontendInfo) check(freq uint32) error {
	if freq < f.FrequencyMin || freq > f.FrequencyMax {
		return errors.Wrapf(ErrFrequencyOutOfRange, "%d Hz not in [%d, %d] for %s", freq, f.FrequencyMin, f.FrequencyMax, f.Name)
	}
	return nil
}
