// Package clients picks the client strategy for the platform the host runs on.
package clients

import (
	"fmt"

	"tickwire/internal/channel"
	"tickwire/internal/kcp"
	"tickwire/internal/transport"
	"tickwire/internal/ws"
)

// New returns the KCP client on native platforms and the WebSocket client
// where only stream sockets are available.
func New(platform transport.Platform, cfg transport.Config, opts ...channel.Option) (transport.Client, error) {
	var (
		c   transport.Client
		err error
	)
	switch platform {
	case transport.PlatformNative:
		c, err = kcp.NewClient(cfg, opts...)
	case transport.PlatformBrowser:
		c, err = ws.NewClient(cfg, opts...)
	default:
		return nil, fmt.Errorf("clients: unsupported platform %v", platform)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
