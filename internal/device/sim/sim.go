// Package sim is an in-process network tuner box. It locks on every
// frequency inside its band and streams synthetic transport stream packets.
package sim

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/device"
	"github.com/pkg/errors"
)

const (
	PacketSize = 188

	packetsPerRecv = 7
	bandMin        = 50000000
	bandMax        = 870000000
)

// ProgramPIDs are the PIDs the simulated multiplex carries.
var ProgramPIDs = []uint16{0x0000, 0x0011, 0x0021, 0x0024, 0x0100, 0x0101}

// Discoverer serves the boxes listed in configuration.
type Discoverer struct {
	Devices []config.SimDevice
}

// NewDiscovererFromConfig reads sim.devices.
func NewDiscovererFromConfig() (*Discoverer, error) {
	devices, err := config.GetSimDevices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read simulated devices")
	}
	return &Discoverer{Devices: devices}, nil
}

func (d *Discoverer) Discover(ctx context.Context, max int) ([]device.Info, error) {
	var out []device.Info
	for i, dev := range d.Devices {
		if max > 0 && len(out) == max {
			break
		}
		out = append(out, device.Info{
			ID:         strings.ToUpper(dev.ID),
			Address:    "127.0.0." + strconv.Itoa(i+2),
			Model:      dev.Model,
			TunerCount: dev.Tuners,
		})
	}
	return out, ctx.Err()
}

func (d *Discoverer) Open(info device.Info, index int) (device.Device, error) {
	if index < 0 || index >= info.TunerCount {
		return nil, errors.Errorf("box %s has no tuner %d", info.ID, index)
	}
	return New(device.TunerName(info.ID, index), info.Model), nil
}

// Tuner is one simulated tuner. Faults injected with Fail are returned by
// the next call of the named operation.
type Tuner struct {
	name  string
	model string

	mu        sync.Mutex
	frequency uint32
	filter    map[uint16]bool
	filterStr string
	streaming bool
	cc        map[uint16]byte
	next      int
	stats     device.VideoStats
	faults    map[string]error
	calls     map[string]int
	closed    bool
}

func New(name, model string) *Tuner {
	return &Tuner{
		name:      name,
		model:     model,
		filterStr: device.PassAllFilter,
		cc:        map[uint16]byte{},
		faults:    map[string]error{},
		calls:     map[string]int{},
	}
}

func (t *Tuner) Name() string  { return t.name }
func (t *Tuner) Model() string { return t.model }

// Fail makes the next call of op return err.
func (t *Tuner) Fail(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[op] = err
}

// Calls returns how often op was invoked.
func (t *Tuner) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// Filter returns the filter string last accepted.
func (t *Tuner) Filter() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filterStr
}

func (t *Tuner) Streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaming
}

func (t *Tuner) enter(op string) error {
	t.calls[op]++
	if t.closed {
		return errors.Errorf("tuner %s closed", t.name)
	}
	if err, ok := t.faults[op]; ok {
		delete(t.faults, op)
		return err
	}
	return nil
}

func (t *Tuner) SetChannel(ctx context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("set_channel"); err != nil {
		return err
	}
	freq, ok := strings.CutPrefix(channel, "auto:")
	if !ok {
		return errors.Errorf("unsupported channel %q", channel)
	}
	f, err := strconv.ParseUint(freq, 10, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid channel %q", channel)
	}
	t.frequency = uint32(f)
	return nil
}

func (t *Tuner) WaitForLock(ctx context.Context) (device.TunerStatus, error) {
	if err := ctx.Err(); err != nil {
		return device.TunerStatus{}, err
	}
	return t.Status(ctx)
}

func (t *Tuner) Status(ctx context.Context) (device.TunerStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("status"); err != nil {
		return device.TunerStatus{}, err
	}
	if t.frequency < bandMin || t.frequency > bandMax {
		return device.TunerStatus{Channel: "none", Lock: "none"}, nil
	}
	return device.TunerStatus{
		Channel:              "auto:" + strconv.FormatUint(uint64(t.frequency), 10),
		Lock:                 "qam256",
		SignalPresent:        true,
		SignalStrength:       80,
		SignalToNoiseQuality: 90,
		SymbolErrorQuality:   100,
		PacketsPerSecond:     1000,
	}, nil
}

func (t *Tuner) SetFilter(ctx context.Context, filter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("set_filter"); err != nil {
		return err
	}
	if filter == device.PassAllFilter {
		t.filter = nil
		t.filterStr = filter
		return nil
	}
	pids := map[uint16]bool{}
	for _, field := range strings.Fields(filter) {
		pid, err := strconv.ParseUint(strings.TrimPrefix(field, "0x"), 16, 16)
		if err != nil || pid > 0x1FFF {
			return errors.Errorf("invalid filter entry %q", field)
		}
		pids[uint16(pid)] = true
	}
	t.filter = pids
	t.filterStr = filter
	return nil
}

func (t *Tuner) StreamStart(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("stream_start"); err != nil {
		return err
	}
	t.streaming = true
	return nil
}

func (t *Tuner) StreamFlush() {}

// StreamRecv returns up to max bytes of whole packets matching the filter.
func (t *Tuner) StreamRecv(max int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("stream_recv"); err != nil {
		return nil, err
	}
	if !t.streaming || t.frequency < bandMin || t.frequency > bandMax {
		return nil, nil
	}

	count := min(max/PacketSize, packetsPerRecv)
	out := make([]byte, 0, count*PacketSize)
	for tries := 0; len(out) < count*PacketSize && tries < count*len(ProgramPIDs); tries++ {
		pid := ProgramPIDs[t.next%len(ProgramPIDs)]
		t.next++
		if t.filter != nil && !t.filter[pid] {
			continue
		}
		out = append(out, t.packet(pid)...)
		t.stats.PacketCount++
	}
	return out, nil
}

func (t *Tuner) packet(pid uint16) []byte {
	p := make([]byte, PacketSize)
	p[0] = 0x47
	p[1] = byte(pid>>8) & 0x1F
	p[2] = byte(pid)
	p[3] = 0x10 | t.cc[pid]&0x0F
	t.cc[pid]++
	for i := 4; i < PacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}

func (t *Tuner) StreamStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls["stream_stop"]++
	t.streaming = false
}

func (t *Tuner) VideoStats() device.VideoStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tuner) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.streaming = false
	return nil
}
