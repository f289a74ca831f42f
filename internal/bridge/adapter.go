package bridge

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/registry"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"
)

var ErrUnknownAdapter = errors.New("unknown adapter")

// Feed is one active demux feed of an adapter.
type Feed struct {
	PID   uint16 `json:"pid"`
	Index uint32 `json:"index"`
}

// AdapterState is what the host asked an adapter to do so far.
type AdapterState struct {
	ID            int32                   `json:"id"`
	Name          string                  `json:"name"`
	Frontend      string                  `json:"frontend"`
	Kind          string                  `json:"kind"`
	LastFrequency uint32                  `json:"last_frequency,omitempty"`
	Feeds         []Feed                  `json:"feeds"`
	Filter        *protocol.FilterPayload `json:"filter,omitempty"`
}

// Adapters holds one Adapter per registered session id.
type Adapters struct {
	client *Client

	mu    sync.RWMutex
	byID  map[int32]*Adapter
	locks keymutex.KeyMutex
}

func NewAdapters(client *Client) *Adapters {
	return &Adapters{
		client: client,
		byID:   map[int32]*Adapter{},
		locks:  keymutex.NewHashed(0),
	}
}

// Add creates the adapter for entry, or returns the existing one.
func (s *Adapters) Add(entry registry.Entry) *Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.byID[entry.ID]; ok {
		return a
	}
	a := &Adapter{
		entry:  entry,
		client: s.client,
		locks:  s.locks,
		key:    strconv.Itoa(int(entry.ID)),
		feeds:  map[Feed]struct{}{},
	}
	s.byID[entry.ID] = a
	util.GetLogger().Info("Adapter created", "id", entry.ID, "frontend", a.FrontendName())
	return a
}

func (s *Adapters) Get(id int32) (*Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAdapter, "adapter %d", id)
	}
	return a, nil
}

// All returns the adapters ordered by id.
func (s *Adapters) All() []*Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Adapter, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry.ID < out[j].entry.ID })
	return out
}

// Adapter exposes frontend and demux operations of one remote tuner
// session. All operations of an adapter are serialized.
type Adapter struct {
	entry  registry.Entry
	client *Client
	locks  keymutex.KeyMutex
	key    string

	mu            sync.Mutex
	lastFrequency uint32
	tuned         bool
	feeds         map[Feed]struct{}
	filter        *protocol.FilterPayload
}

func (a *Adapter) ID() int32 {
	return a.entry.ID
}

// FrontendName is the name the adapter reports, optionally including the
// tuner name.
func (a *Adapter) FrontendName() string {
	info, ok := Frontend(a.entry.Kind)
	name := "HDHomeRun"
	if ok {
		name = info.Name
	}
	if a.entry.UseFullName {
		return fmt.Sprintf("%s %s", name, a.entry.Name)
	}
	return name
}

func (a *Adapter) call(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	a.locks.LockKey(a.key)
	defer a.locks.UnlockKey(a.key)

	reply, err := a.client.PostAndWait(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply.Result != protocol.ResultOK {
		return nil, errors.Wrapf(ErrDevice, "adapter %d %s", a.entry.ID, msg.Op)
	}
	return reply, nil
}

// Tune asks the controller to tune to freq Hz.
func (a *Adapter) Tune(ctx context.Context, freq uint32) error {
	if info, ok := Frontend(a.entry.Kind); ok {
		if err := info.check(freq); err != nil {
			return err
		}
	}
	msg := &protocol.Message{Op: protocol.OpTune, SessionID: a.entry.ID, Payload: &protocol.TunePayload{Frequency: freq}}
	if _, err := a.call(ctx, msg); err != nil {
		return err
	}

	a.mu.Lock()
	a.lastFrequency = freq
	a.tuned = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ReadStatus(ctx context.Context) (protocol.StatusFlags, error) {
	reply, err := a.call(ctx, protocol.NewMessage(protocol.OpReadStatus, a.entry.ID))
	if err != nil {
		return 0, err
	}
	return reply.Payload.(*protocol.StatusPayload).Flags, nil
}

func (a *Adapter) ReadSignalStrength(ctx context.Context) (uint16, error) {
	reply, err := a.call(ctx, protocol.NewMessage(protocol.OpReadSignalStrength, a.entry.ID))
	if err != nil {
		return 0, err
	}
	return reply.Payload.(*protocol.SignalPayload).Unsigned(), nil
}

// ReadBER is not measured by the tuner.
func (a *Adapter) ReadBER() uint32 {
	return 0
}

// ReadSNR is not measured by the tuner.
func (a *Adapter) ReadSNR() uint16 {
	return 0
}

// ReadUncorrectedBlocks is not measured by the tuner.
func (a *Adapter) ReadUncorrectedBlocks() uint32 {
	return 0
}

func (a *Adapter) StartFeed(ctx context.Context, pid uint16, index uint32) error {
	msg := &protocol.Message{Op: protocol.OpStartFeed, SessionID: a.entry.ID, Payload: &protocol.FeedPayload{PID: pid, Index: index}}
	if _, err := a.call(ctx, msg); err != nil {
		return err
	}

	a.mu.Lock()
	a.feeds[Feed{PID: pid, Index: index}] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) StopFeed(ctx context.Context, pid uint16, index uint32) error {
	msg := &protocol.Message{Op: protocol.OpStopFeed, SessionID: a.entry.ID, Payload: &protocol.FeedPayload{PID: pid, Index: index}}
	if _, err := a.call(ctx, msg); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.feeds, Feed{PID: pid, Index: index})
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SetFilter(ctx context.Context, params protocol.FilterPayload) error {
	msg := &protocol.Message{Op: protocol.OpSetFilter, SessionID: a.entry.ID, Payload: &params}
	if _, err := a.call(ctx, msg); err != nil {
		return err
	}

	a.mu.Lock()
	a.filter = &params
	a.mu.Unlock()
	return nil
}

// Resync re-issues the last tune and every active feed. A controller that
// kept its state treats these as no-ops.
func (a *Adapter) Resync(ctx context.Context) error {
	state := a.State()
	if state.LastFrequency != 0 {
		if err := a.Tune(ctx, state.LastFrequency); err != nil {
			return errors.Wrapf(err, "replay tune of adapter %d", a.entry.ID)
		}
	}
	for _, feed := range state.Feeds {
		if err := a.StartFeed(ctx, feed.PID, feed.Index); err != nil {
			return errors.Wrapf(err, "replay feed 0x%X of adapter %d", feed.PID, a.entry.ID)
		}
	}
	return nil
}

func (a *Adapter) State() AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := AdapterState{
		ID:       a.entry.ID,
		Name:     a.entry.Name,
		Frontend: a.FrontendName(),
		Kind:     a.entry.Kind.String(),
		Feeds:    make([]Feed, 0, len(a.feeds)),
	}
	if a.tuned {
		state.LastFrequency = a.lastFrequency
	}
	for f := range a.feeds {
		state.Feeds = append(state.Feeds, f)
	}
	sort.Slice(state.Feeds, func(i, j int) bool {
		if state.Feeds[i].PID != state.Feeds[j].PID {
			return state.Feeds[i].PID < state.Feeds[j].PID
		}
		return state.Feeds[i].Index < state.Feeds[j].Index
	})
	if a.filter != nil {
		f := *a.filter
		state.Filter = &f
	}
	return state
}
