// Package demux is the host-side sink of tuner data streams. It counts
// packets per PID and fans the raw stream out to DVR readers.
package demux

import (
	"sync"

	"github.com/babelcloud/tunerbridge/internal/util"
)

type sessionFeed struct {
	broadcaster *Broadcaster
	counter     *PIDCounter
	bytes       uint64
}

// Demux keeps one feed per session id.
type Demux struct {
	mu       sync.Mutex
	sessions map[int32]*sessionFeed
	closed   bool
}

func New() *Demux {
	return &Demux{sessions: map[int32]*sessionFeed{}}
}

func (d *Demux) feed(sessionID int32) *sessionFeed {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.sessions[sessionID]; ok {
		return f
	}
	if d.closed {
		return nil
	}
	f := &sessionFeed{
		broadcaster: NewBroadcaster(sessionID),
		counter:     NewPIDCounter(),
	}
	d.sessions[sessionID] = f
	return f
}

// Feed implements controldev.Feeder.
func (d *Demux) Feed(sessionID int32, data []byte) {
	f := d.feed(sessionID)
	if f == nil {
		return
	}
	f.broadcaster.Broadcast(data)
	if _, err := f.counter.Write(data); err != nil {
		util.GetLogger().Debug("PID counter rejected data", "session", sessionID, "error", err)
	}
	d.mu.Lock()
	f.bytes += uint64(len(data))
	d.mu.Unlock()
}

// Subscribe returns live stream chunks of a session.
func (d *Demux) Subscribe(sessionID int32, subscriberID string, bufferSize int) <-chan []byte {
	f := d.feed(sessionID)
	if f == nil {
		ch := make(chan []byte)
		close(ch)
		return ch
	}
	return f.broadcaster.Subscribe(subscriberID, bufferSize)
}

func (d *Demux) Unsubscribe(sessionID int32, subscriberID string) {
	if f := d.feed(sessionID); f != nil {
		f.broadcaster.Unsubscribe(subscriberID)
	}
}

// PIDStats returns per-PID packet counts and the total bytes received.
func (d *Demux) PIDStats(sessionID int32) ([]PIDStat, uint64) {
	d.mu.Lock()
	f, ok := d.sessions[sessionID]
	var total uint64
	if ok {
		total = f.bytes
	}
	d.mu.Unlock()
	if !ok {
		return []PIDStat{}, 0
	}
	return f.counter.Stats(), total
}

func (d *Demux) Close() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = map[int32]*sessionFeed{}
	d.closed = true
	d.mu.Unlock()

	for _, f := range sessions {
		f.broadcaster.Close()
		f.counter.Close()
	}
}
