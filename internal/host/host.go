// Package host is the privileged service. It owns the control channel, the
// tuner registry and the adapters, and serves the HTTP API.
package host

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/bridge"
	"github.com/babelcloud/tunerbridge/internal/channel"
	"github.com/babelcloud/tunerbridge/internal/controldev"
	"github.com/babelcloud/tunerbridge/internal/demux"
	"github.com/babelcloud/tunerbridge/internal/registry"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
)

// Options configure a Host.
type Options struct {
	ControlSocket   string
	APISocket       string
	ChannelCapacity int
	MaxTuners       int
	Resync          string
	ResyncTimeout   time.Duration
}

// OptionsFromConfig reads host options from configuration.
func OptionsFromConfig() Options {
	return Options{
		ControlSocket:   config.GetControlSocket(),
		APISocket:       config.GetAPISocket(),
		ChannelCapacity: config.GetChannelCapacity(),
		MaxTuners:       config.GetMaxTuners(),
		Resync:          config.GetResyncPolicy(),
	}
}

type Host struct {
	opts Options

	channel  *channel.Channel
	client   *bridge.Client
	registry *registry.Registry
	adapters *bridge.Adapters
	demux    *demux.Demux
	control  *controldev.Server

	mu         sync.Mutex
	httpServer *http.Server
	startTime  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(opts Options) *Host {
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = 10 * time.Second
	}
	ch := channel.New(opts.ChannelCapacity)
	client := bridge.NewClient(ch)
	dmx := demux.New()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Host{
		opts:     opts,
		channel:  ch,
		client:   client,
		registry: registry.New(opts.MaxTuners),
		adapters: bridge.NewAdapters(client),
		demux:    dmx,
		control:  controldev.NewServer(ch, dmx),
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.Resync == config.ResyncReplay {
		h.control.OnAttach(h.resync)
	}
	return h
}

// Register is the registration handshake. It creates the adapter the first
// time a name is seen.
func (h *Host) Register(reg registry.Registration) (registry.Entry, bool, error) {
	entry, created, err := h.registry.Register(reg)
	if err != nil {
		return registry.Entry{}, false, err
	}
	h.adapters.Add(entry)
	return entry, created, nil
}

func (h *Host) Adapters() *bridge.Adapters {
	return h.adapters
}

func (h *Host) Channel() *channel.Channel {
	return h.channel
}

// resync replays every adapter's requested state to a newly attached controller.
func (h *Host) resync() {
	logger := util.GetLogger()
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.ResyncTimeout)
	defer cancel()

	for _, a := range h.adapters.All() {
		if err := a.Resync(ctx); err != nil {
			logger.Warn("Adapter resync failed", "adapter", a.ID(), "error", err)
			continue
		}
		logger.Info("Adapter resynced", "adapter", a.ID())
	}
}

// Run serves the control socket and the API socket until ctx ends.
func (h *Host) Run(ctx context.Context) error {
	controlLn, err := controldev.Listen(h.opts.ControlSocket)
	if err != nil {
		return err
	}
	apiLn, err := controldev.Listen(h.opts.APISocket)
	if err != nil {
		controlLn.Close()
		return err
	}
	return h.Serve(ctx, controlLn, apiLn)
}

// Serve runs on already bound listeners.
func (h *Host) Serve(ctx context.Context, controlLn, apiLn net.Listener) error {
	logger := util.GetLogger()

	h.mu.Lock()
	h.startTime = time.Now()
	h.httpServer = &http.Server{
		Handler:     loggingMiddleware(h.Router()),
		ReadTimeout: 0, // DVR websockets stay open
	}
	srv := h.httpServer
	h.mu.Unlock()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.control.Serve(ctx, controlLn)
	}()
	go func() {
		if err := srv.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "api server")
			return
		}
		errCh <- nil
	}()
	logger.Info("Host started", "control", controlLn.Addr().String(), "api", apiLn.Addr().String(), "resync", h.opts.Resync)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	h.Stop()
	return runErr
}

// Stop shuts down the API, drops the controller and closes DVR streams.
func (h *Host) Stop() {
	h.cancel()

	h.mu.Lock()
	srv := h.httpServer
	h.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			util.GetLogger().Warn("API server shutdown error", "error", err)
			srv.Close()
		}
	}

	h.control.Close()
	h.channel.Reset()
	h.demux.Close()
	util.GetLogger().Info("Host stopped")
}
