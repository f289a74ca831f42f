// Package controller is the unprivileged service. It owns the network tuner
// sessions, registers them with the host and serves host requests over the
// control socket.
package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/apiclient"
	"github.com/babelcloud/tunerbridge/internal/controldev"
	"github.com/babelcloud/tunerbridge/internal/device"
	"github.com/babelcloud/tunerbridge/internal/dispatcher"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/registry"
	"github.com/babelcloud/tunerbridge/internal/tuner"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrNoTuners = errors.New("no tuners found")

// Options configure a Controller.
type Options struct {
	ControlSocket     string
	MaxDevices        int
	ReconnectInterval time.Duration
	Tuner             tuner.Options
	// Override returns the per-tuner configuration section for a tuner name.
	Override func(name string) (config.TunerOverride, bool)
}

func OptionsFromConfig() Options {
	return Options{
		ControlSocket:     config.GetControlSocket(),
		MaxDevices:        config.GetMaxDevices(),
		ReconnectInterval: config.GetReconnectInterval(),
		Tuner: tuner.Options{
			LockTimeout:  config.GetLockTimeout(),
			PumpInterval: config.GetPumpInterval(),
			ReadSize:     config.GetReadSize(),
		},
		Override: config.GetTunerOverride,
	}
}

// Controller owns every tuner session for its lifetime.
type Controller struct {
	id         string
	opts       Options
	discoverer device.Discoverer
	api        *apiclient.Client
	data       *dataPath

	mu       sync.RWMutex
	sessions map[int32]*tuner.Session
}

func New(discoverer device.Discoverer, api *apiclient.Client, opts Options) *Controller {
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = 4
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 2 * time.Second
	}
	return &Controller{
		id:         uuid.NewString(),
		opts:       opts,
		discoverer: discoverer,
		api:        api,
		data:       &dataPath{},
		sessions:   map[int32]*tuner.Session{},
	}
}

// Get implements dispatcher.Sessions.
func (c *Controller) Get(id int32) (*tuner.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions returns the sessions ordered by id.
func (c *Controller) Sessions() []*tuner.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*tuner.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type candidate struct {
	name        string
	kind        protocol.TunerKind
	useFullName bool
	tunerCount  int
	dev         device.Device
}

// discover opens every enabled tuner of up to MaxDevices boxes, sorted by name.
func (c *Controller) discover(ctx context.Context) ([]candidate, error) {
	logger := util.GetLogger()

	boxes, err := c.discoverer.Discover(ctx, c.opts.MaxDevices)
	if err != nil {
		return nil, errors.Wrap(err, "device discovery failed")
	}

	var found []candidate
	for _, box := range boxes {
		logger.Info("Found device", "id", box.ID, "address", box.Address, "model", box.Model, "tuners", box.TunerCount)
		for i := 0; i < box.TunerCount; i++ {
			name := device.TunerName(box.ID, i)
			cand, ok, err := c.configure(name, box)
			if err != nil {
				closeCandidates(found)
				return nil, err
			}
			if !ok {
				logger.Info("Tuner disabled by configuration", "name", name)
				continue
			}
			dev, err := c.discoverer.Open(box, i)
			if err != nil {
				closeCandidates(found)
				return nil, errors.Wrapf(err, "failed to open tuner %s", name)
			}
			cand.dev = dev
			found = append(found, cand)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].name < found[j].name })
	return found, nil
}

// configure applies the per-tuner section; ok is false for disabled tuners.
func (c *Controller) configure(name string, box device.Info) (candidate, bool, error) {
	cand := candidate{name: name, tunerCount: box.TunerCount}

	var override config.TunerOverride
	var hasOverride bool
	if c.opts.Override != nil {
		override, hasOverride = c.opts.Override(name)
	}
	if hasOverride && override.Disable {
		return cand, false, nil
	}
	cand.useFullName = override.UseFullName

	if override.TunerType != "" {
		kind, ok := protocol.ParseTunerKind(override.TunerType)
		if !ok {
			return cand, false, errors.Errorf("tuner %s: unknown tuner_type %q", name, override.TunerType)
		}
		cand.kind = kind
		return cand, true, nil
	}
	kind, err := device.KindForModel(box.Model)
	if err != nil {
		return cand, false, errors.Wrapf(err, "tuner %s", name)
	}
	cand.kind = kind
	return cand, true, nil
}

func closeCandidates(cands []candidate) {
	for _, cand := range cands {
		cand.dev.Close()
	}
}

// Start discovers tuners, registers them with the host and creates their
// sessions.
func (c *Controller) Start(ctx context.Context) error {
	logger := util.GetLogger()

	cands, err := c.discover(ctx)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		return ErrNoTuners
	}

	for i, cand := range cands {
		resp, err := c.api.Register(ctx, registry.Registration{
			Name:        cand.name,
			TunerCount:  uint8(cand.tunerCount),
			Kind:        cand.kind,
			UseFullName: cand.useFullName,
		})
		if err != nil {
			closeCandidates(cands[i:])
			c.Close()
			return errors.Wrapf(err, "failed to register tuner %s", cand.name)
		}

		session, err := tuner.NewSession(ctx, resp.ID, cand.name, cand.kind, cand.dev, c.data, c.opts.Tuner)
		if err != nil {
			closeCandidates(cands[i:])
			c.Close()
			return err
		}
		session.UseFullName = cand.useFullName

		c.mu.Lock()
		c.sessions[resp.ID] = session
		c.mu.Unlock()
		logger.Info("Tuner ready", "name", cand.name, "session", resp.ID, "kind", cand.kind, "created", resp.Created)
	}
	return nil
}

// Run starts the controller and serves the host until ctx ends, reconnecting
// after every disconnect. All sessions are closed on return.
func (c *Controller) Run(ctx context.Context) error {
	logger := util.GetLogger()
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()
	logger.Info("Controller started", "instance", c.id, "tuners", len(c.Sessions()), "control", c.opts.ControlSocket)

	disp := dispatcher.New(c)
	for {
		err := c.serveOnce(ctx, disp)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Warn("Host connection lost, reconnecting", "instance", c.id, "error", err, "interval", c.opts.ReconnectInterval)
		} else {
			logger.Info("Host closed the control connection, reconnecting", "instance", c.id)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

// serveOnce runs the dispatcher over one host connection.
func (c *Controller) serveOnce(ctx context.Context, disp *dispatcher.Dispatcher) error {
	conn, err := controldev.Dial(ctx, c.opts.ControlSocket)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.data.set(conn)
	defer c.data.set(nil)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.CloseChan():
		}
	}()

	if err := conn.Ready(); err != nil {
		return err
	}
	util.GetLogger().Info("Connected to host", "instance", c.id)
	return disp.Serve(ctx, conn.Control())
}

// Close stops every session and releases the devices.
func (c *Controller) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = map[int32]*tuner.Session{}
	c.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			util.GetLogger().Warn("Failed to close tuner session", "session", id, "error", err)
		}
	}
}
