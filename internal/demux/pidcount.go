package demux

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/asticode/go-astits"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
)

const tsPacketSize = 188

// PIDStat is the number of packets seen on one PID.
type PIDStat struct {
	PID     uint16 `json:"pid"`
	Packets uint64 `json:"packets"`
}

// PIDCounter parses a transport stream and counts packets per PID.
type PIDCounter struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	counts map[uint16]uint64
}

func NewPIDCounter() *PIDCounter {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c := &PIDCounter{
		pw:     pw,
		cancel: cancel,
		done:   make(chan struct{}),
		counts: map[uint16]uint64{},
	}

	go func() {
		defer close(c.done)
		defer pr.Close()

		dmx := astits.NewDemuxer(ctx, pr, astits.DemuxerOptPacketSize(tsPacketSize))
		for {
			p, err := dmx.NextPacket()
			if err != nil {
				if !errors.Is(err, astits.ErrNoMorePackets) && !errors.Is(err, context.Canceled) {
					util.GetLogger().Warn("Transport stream parsing stopped", "error", err)
				}
				return
			}
			c.mu.Lock()
			c.counts[p.Header.PID]++
			c.mu.Unlock()
		}
	}()
	return c
}

// Write feeds stream bytes. Chunks need not be packet aligned.
func (c *PIDCounter) Write(p []byte) (int, error) {
	return c.pw.Write(p)
}

// Close ends parsing and waits for the parser to finish buffered input.
func (c *PIDCounter) Close() error {
	err := c.pw.Close()
	<-c.done
	c.cancel()
	return err
}

// Stats returns per-PID counts ordered by PID.
func (c *PIDCounter) Stats() []PIDStat {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PIDStat, 0, len(c.counts))
	for pid, n := range c.counts {
		out = append(out, PIDStat{PID: pid, Packets: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
