// Package tuner holds the controller-side state of one network tuner: its
// PID filter, streaming lifecycle and last tuned frequency.
package tuner

import (
	"context"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/babelcloud/tunerbridge/internal/device"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
)

// DataPath opens the sink a streaming session writes transport stream bytes to.
type DataPath interface {
	Open(sessionID int32) (io.WriteCloser, error)
}

// Options tune the pump and lock wait.
type Options struct {
	LockTimeout  time.Duration
	PumpInterval time.Duration
	ReadSize     int
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 2500 * time.Millisecond
	}
	if o.PumpInterval <= 0 {
		o.PumpInterval = 64 * time.Millisecond
	}
	if o.ReadSize <= 0 {
		o.ReadSize = 188 * 7 * 64
	}
	return o
}

// Session is one tuner owned by the controller.
type Session struct {
	ID          int32
	Name        string
	Kind        protocol.TunerKind
	UseFullName bool

	dev  device.Device
	data DataPath
	opts Options

	mu            sync.Mutex
	pids          []uint16
	streaming     bool
	lastFrequency *uint32
	pesFilter     *protocol.FilterPayload
	pump          *pump
}

// Snapshot is a copy of session state.
type Snapshot struct {
	ID            int32                   `json:"id"`
	Name          string                  `json:"name"`
	Kind          string                  `json:"kind"`
	PIDs          []uint16                `json:"pids"`
	Filter        string                  `json:"filter"`
	Streaming     bool                    `json:"streaming"`
	LastFrequency *uint32                 `json:"last_frequency,omitempty"`
	PESFilter     *protocol.FilterPayload `json:"pes_filter,omitempty"`
}

// NewSession wraps dev and pushes a pass-all filter to it.
func NewSession(ctx context.Context, id int32, name string, kind protocol.TunerKind, dev device.Device, data DataPath, opts Options) (*Session, error) {
	s := &Session{
		ID:   id,
		Name: name,
		Kind: kind,
		dev:  dev,
		data: data,
		opts: opts.withDefaults(),
	}
	if err := dev.SetFilter(ctx, device.PassAllFilter); err != nil {
		return nil, errors.Wrapf(err, "failed to reset filter of %s", name)
	}
	return s, nil
}

func (s *Session) Device() device.Device {
	return s.dev
}

// Tune tunes to freq unless the tuner is already locked on it. retuned
// reports whether the device was asked to tune.
func (s *Session) Tune(ctx context.Context, freq uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.readStatus(ctx)
	if err != nil {
		util.GetLogger().Debug("Status unavailable, treating tuner as unlocked", "session", s.ID, "error", err)
		status = 0
	}
	if s.lastFrequency != nil && *s.lastFrequency == freq && status == protocol.FullLock {
		util.GetLogger().Debug("Tuner already locked, skipping tune", "session", s.ID, "frequency", freq)
		return false, nil
	}

	if err := s.dev.SetChannel(ctx, "auto:"+strconv.FormatUint(uint64(freq), 10)); err != nil {
		return false, errors.Wrapf(err, "tune %s to %d", s.Name, freq)
	}
	s.lastFrequency = &freq

	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()
	st, err := s.dev.WaitForLock(lockCtx)
	if err != nil {
		util.GetLogger().Warn("No lock after tune", "session", s.ID, "frequency", freq, "error", err)
		return true, nil
	}
	util.GetLogger().Info("Tuned", "session", s.ID, "frequency", freq, "lock", st.Lock,
		"ss", st.SignalStrength, "snq", st.SignalToNoiseQuality, "seq", st.SymbolErrorQuality)
	return true, nil
}

// ReadStatus translates the vendor status into frontend flags.
func (s *Session) ReadStatus(ctx context.Context) (protocol.StatusFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readStatus(ctx)
}

func (s *Session) readStatus(ctx context.Context) (protocol.StatusFlags, error) {
	st, err := s.dev.Status(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "read status of %s", s.Name)
	}
	return StatusFlags(st), nil
}

// StatusFlags maps a vendor status to frontend flags. Full lock needs a
// perfect symbol error quality.
func StatusFlags(st device.TunerStatus) protocol.StatusFlags {
	if st.SymbolErrorQuality == 100 {
		return protocol.FullLock
	}
	var flags protocol.StatusFlags
	if st.SignalStrength > 0 {
		flags |= protocol.HasSignal
	}
	if st.Locked() {
		flags |= protocol.HasCarrier
	}
	return flags
}

// ReadSignalStrength returns the signal strength scaled to 0..65535.
func (s *Session) ReadSignalStrength(ctx context.Context) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.dev.Status(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "read signal strength of %s", s.Name)
	}
	return ScaleStrength(st.SignalStrength), nil
}

// ScaleStrength maps a 0..100 percentage to 0..65535.
func ScaleStrength(percent int) uint16 {
	percent = max(0, min(percent, 100))
	return uint16(0xFFFF * percent / 100)
}

// StartFeed adds pid to the filter and starts streaming on the first PID.
func (s *Session) StartFeed(ctx context.Context, pid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.pids, pid) {
		return nil
	}
	next := append(slices.Clone(s.pids), pid)
	if err := s.dev.SetFilter(ctx, device.FilterString(next)); err != nil {
		return errors.Wrapf(err, "add pid 0x%X to %s", pid, s.Name)
	}
	s.pids = next
	util.GetLogger().Debug("PID added", "session", s.ID, "pid", pid, "filter", device.FilterString(s.pids))

	if !s.streaming {
		if err := s.startStreaming(ctx); err != nil {
			s.pids = s.pids[:len(s.pids)-1]
			if ferr := s.dev.SetFilter(ctx, device.FilterString(s.pids)); ferr != nil {
				util.GetLogger().Warn("Failed to restore filter", "session", s.ID, "pid", pid, "error", ferr)
			}
			return err
		}
	}
	return nil
}

// StopFeed removes pid and stops streaming once no PID is left.
func (s *Session) StopFeed(ctx context.Context, pid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.pids, pid)
	if i < 0 {
		return nil
	}
	next := slices.Delete(slices.Clone(s.pids), i, i+1)
	if err := s.dev.SetFilter(ctx, device.FilterString(next)); err != nil {
		return errors.Wrapf(err, "remove pid 0x%X from %s", pid, s.Name)
	}
	s.pids = next
	util.GetLogger().Debug("PID removed", "session", s.ID, "pid", pid, "filter", device.FilterString(s.pids))

	if len(s.pids) == 0 && s.streaming {
		s.stopStreaming()
	}
	return nil
}

// SetFilter records PES filter parameters. Streaming is driven by feeds.
func (s *Session) SetFilter(params protocol.FilterPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pesFilter = &params
}

func (s *Session) startStreaming(ctx context.Context) error {
	if err := s.dev.StreamStart(ctx); err != nil {
		return errors.Wrapf(err, "start stream of %s", s.Name)
	}
	s.dev.StreamFlush()

	sink, err := s.data.Open(s.ID)
	if err != nil {
		s.dev.StreamStop()
		return errors.Wrapf(err, "open data path of %s", s.Name)
	}

	s.pump = startPump(s.ID, s.dev, sink, s.opts)
	s.streaming = true
	util.GetLogger().Info("Streaming started", "session", s.ID, "name", s.Name)
	return nil
}

func (s *Session) stopStreaming() {
	s.streaming = false
	p := s.pump
	s.pump = nil
	if p != nil {
		p.stop()
	}
	s.dev.StreamStop()

	if p != nil {
		delta := s.dev.VideoStats().Sub(p.startStats)
		util.GetLogger().Info("Streaming stopped", "session", s.ID, "name", s.Name,
			"packets", delta.PacketCount,
			"network_errors", delta.NetworkErrorCount,
			"transport_errors", delta.TransportErrorCount,
			"sequence_errors", delta.SequenceErrorCount,
			"overflow_errors", delta.OverflowErrorCount)
	}
}

// Close stops streaming and releases the device.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streaming {
		s.stopStreaming()
	}
	s.pids = nil
	return s.dev.Close()
}

func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Pumping reports whether a pump goroutine is running.
func (s *Session) Pumping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump != nil && !s.pump.finished()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.ID,
		Name:      s.Name,
		Kind:      s.Kind.String(),
		PIDs:      slices.Clone(s.pids),
		Filter:    device.FilterString(s.pids),
		Streaming: s.streaming,
	}
	if s.lastFrequency != nil {
		f := *s.lastFrequency
		snap.LastFrequency = &f
	}
	if s.pesFilter != nil {
		p := *s.pesFilter
		snap.PESFilter = &p
	}
	return snap
}
