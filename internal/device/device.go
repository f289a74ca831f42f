// Package device declares the network tuner the controller drives. The
// vendor discovery and streaming protocol lives behind these interfaces.
package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/pkg/errors"
)

// PassAllFilter is the filter string selecting every PID.
const PassAllFilter = "0x0000-0x1FFF"

var ErrUnknownModel = errors.New("unknown tuner model")

// TunerStatus is the vendor status of one tuner.
type TunerStatus struct {
	Channel              string `json:"channel"`
	Lock                 string `json:"lock"`
	SignalPresent        bool   `json:"signal_present"`
	SignalStrength       int    `json:"signal_strength"`
	SignalToNoiseQuality int    `json:"signal_to_noise_quality"`
	SymbolErrorQuality   int    `json:"symbol_error_quality"`
	PacketsPerSecond     uint32 `json:"packets_per_second"`
}

// Locked reports whether the lock string names a modulation.
func (s TunerStatus) Locked() bool {
	return s.Lock != "" && s.Lock != "none"
}

// VideoStats are the cumulative counters of the stream socket.
type VideoStats struct {
	PacketCount         uint32
	NetworkErrorCount   uint32
	TransportErrorCount uint32
	SequenceErrorCount  uint32
	OverflowErrorCount  uint32
}

// Sub returns s - earlier, counter by counter.
func (s VideoStats) Sub(earlier VideoStats) VideoStats {
	return VideoStats{
		PacketCount:         s.PacketCount - earlier.PacketCount,
		NetworkErrorCount:   s.NetworkErrorCount - earlier.NetworkErrorCount,
		TransportErrorCount: s.TransportErrorCount - earlier.TransportErrorCount,
		SequenceErrorCount:  s.SequenceErrorCount - earlier.SequenceErrorCount,
		OverflowErrorCount:  s.OverflowErrorCount - earlier.OverflowErrorCount,
	}
}

// Device is one tuner of a network tuner box.
type Device interface {
	Name() string
	Model() string

	SetChannel(ctx context.Context, channel string) error
	WaitForLock(ctx context.Context) (TunerStatus, error)
	Status(ctx context.Context) (TunerStatus, error)
	SetFilter(ctx context.Context, filter string) error

	StreamStart(ctx context.Context) error
	StreamFlush()
	StreamRecv(max int) ([]byte, error)
	StreamStop()
	VideoStats() VideoStats

	Close() error
}

// Info describes a discovered tuner box.
type Info struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	Model      string `json:"model"`
	TunerCount int    `json:"tuner_count"`
}

// TunerName is the name of tuner index of box id.
func TunerName(id string, index int) string {
	return fmt.Sprintf("%s-%d", strings.ToUpper(id), index)
}

// Discoverer finds tuner boxes and opens their tuners.
type Discoverer interface {
	Discover(ctx context.Context, max int) ([]Info, error)
	Open(info Info, index int) (Device, error)
}

// KindForModel infers the delivery system from a model string.
func KindForModel(model string) (protocol.TunerKind, error) {
	switch model {
	case "hdhomerun_dvbt":
		// these boxes are used on cable networks
		return protocol.KindCableQAM, nil
	case "hdhomerun_atsc":
		return protocol.KindATSC, nil
	}
	return protocol.KindUnset, errors.Wrapf(ErrUnknownModel, "%q", model)
}

// FilterString renders a PID set as a device filter. An empty set, or one
// containing protocol.PassAllPID, selects every PID.
func FilterString(pids []uint16) string {
	if len(pids) == 0 {
		return PassAllFilter
	}
	parts := make([]string, 0, len(pids))
	for _, pid := range pids {
		if pid == protocol.PassAllPID {
			return PassAllFilter
		}
		parts = append(parts, fmt.Sprintf("0x%X", pid))
	}
	return strings.Join(parts, " ")
}
