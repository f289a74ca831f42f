package tuner

import (
	"context"
	"io"
	"runtime/debug"
	"time"

	"github.com/babelcloud/tunerbridge/internal/device"
	"github.com/babelcloud/tunerbridge/internal/util"
)

// pump copies received stream data to the session's data path until it is
// stopped.
type pump struct {
	cancel     context.CancelFunc
	done       chan struct{}
	startStats device.VideoStats
}

func startPump(sessionID int32, dev device.Device, sink io.WriteCloser, opts Options) *pump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pump{
		cancel:     cancel,
		done:       make(chan struct{}),
		startStats: dev.VideoStats(),
	}

	go func() {
		logger := util.GetLogger()
		defer close(p.done)
		defer sink.Close()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Recovered from pump goroutine", "session", sessionID, "panic", r, "stack", string(debug.Stack()))
			}
		}()

		ticker := time.NewTicker(opts.PumpInterval)
		defer ticker.Stop()
		for {
			data, err := dev.StreamRecv(opts.ReadSize)
			if err != nil {
				logger.Warn("Stream receive failed", "session", sessionID, "error", err)
			} else if len(data) > 0 {
				if _, err := sink.Write(data); err != nil {
					logger.Error("Data path write failed, stopping pump", "session", sessionID, "error", err)
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return p
}

// stop cancels the pump and waits for it to exit.
func (p *pump) stop() {
	p.cancel()
	<-p.done
}

func (p *pump) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
