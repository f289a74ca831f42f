package demux

import (
	"sync"

	"github.com/babelcloud/tunerbridge/internal/util"
)

// Broadcaster distributes transport stream chunks to live subscribers.
// A subscriber that cannot keep up is dropped.
type Broadcaster struct {
	sessionID int32

	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	closed      bool
}

func NewBroadcaster(sessionID int32) *Broadcaster {
	return &Broadcaster{
		sessionID:   sessionID,
		subscribers: make(map[string]chan<- []byte),
	}
}

// Subscribe returns a channel receiving every chunk broadcast from now on.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch
	}

	ch := make(chan []byte, bufferSize)
	if old, ok := b.subscribers[subscriberID]; ok {
		close(old)
	}
	b.subscribers[subscriberID] = ch

	util.GetLogger().Info("DVR subscriber added", "session", b.sessionID, "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[subscriberID]; ok {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Info("DVR subscriber removed", "session", b.sessionID, "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends data to every subscriber whose buffer has room.
func (b *Broadcaster) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var dropped []string
	for id, ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			dropped = append(dropped, id)
		}
	}
	b.mu.RUnlock()

	if len(dropped) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range dropped {
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
			util.GetLogger().Warn("Dropping DVR subscriber due to full channel", "session", b.sessionID, "id", id)
		}
	}
	b.mu.Unlock()
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan<- []byte)
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
