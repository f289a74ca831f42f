package apiclient

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/host"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHost(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	h := host.New(host.Options{
		ControlSocket:   filepath.Join(dir, "c.sock"),
		APISocket:       filepath.Join(dir, "a.sock"),
		ChannelCapacity: 4096,
		MaxTuners:       2,
		Resync:          config.ResyncNone,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := New(filepath.Join(dir, "a.sock"))
	require.Eventually(t, func() bool {
		return c.Health(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestRegisterOverSocket(t *testing.T) {
	c := startHost(t)
	ctx := context.Background()

	first, err := c.Register(ctx, registry.Registration{Name: "1010CAFE-0", TunerCount: 2, Kind: protocol.KindCableQAM})
	require.NoError(t, err)
	assert.True(t, first.Created)

	again, err := c.Register(ctx, registry.Registration{Name: "1010CAFE-0", TunerCount: 2, Kind: protocol.KindCableQAM})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.ID, again.ID)

	tuners, err := c.ListTuners(ctx)
	require.NoError(t, err)
	require.Len(t, tuners, 1)
	assert.Equal(t, protocol.KindCableQAM, tuners[0].Kind)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Tuners)
	assert.False(t, status.Channel.Attached)
}

func TestErrorsCarryStatus(t *testing.T) {
	c := startHost(t)
	ctx := context.Background()

	_, err := c.Frontend(ctx, 7)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))

	reg, err := c.Register(ctx, registry.Registration{Name: "A-0", Kind: protocol.KindATSC})
	require.NoError(t, err)

	_, err = c.Tune(ctx, reg.ID, 474000000)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
	assert.Contains(t, err.Error(), "no consumer")

	_, err = c.Register(ctx, registry.Registration{Name: "B-0"})
	require.NoError(t, err)
	_, err = c.Register(ctx, registry.Registration{Name: "C-0"})
	assert.True(t, IsStatus(err, http.StatusConflict))
}
