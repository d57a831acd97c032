package clients

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickwire/internal/kcp"
	"tickwire/internal/transport"
	"tickwire/internal/ws"
)

func TestNew_PicksStrategyByPlatform(t *testing.T) {
	cfg := transport.DefaultConfig()

	c, err := New(transport.PlatformNative, cfg)
	require.NoError(t, err)
	assert.IsType(t, &kcp.Client{}, c)

	c, err = New(transport.PlatformBrowser, cfg)
	require.NoError(t, err)
	assert.IsType(t, &ws.Client{}, c)
	assert.Equal(t, transport.StateNotConnected, c.State())

	_, err = New(transport.Platform(99), cfg)
	assert.Error(t, err)
}

func TestNew_ValidatesConfig(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.MTU = 10
	for _, p := range []transport.Platform{transport.PlatformNative, transport.PlatformBrowser} {
		_, err := New(p, cfg)
		assert.Equal(t, transport.KindConfig, transport.KindOf(err), p.String())
	}
}
