package transport

import (
	"fmt"
	"net"
	"strings"
)

// Client is a single outbound connection driven through its own pump.
type Client interface {
	// Connect starts connecting to address. It fails without side effects
	// unless the client is NotConnected and never blocks on network I/O.
	Connect(address string) error
	// Disconnect requests teardown. A final Disconnected event follows.
	Disconnect()
	Send(payload []byte, lane Lane) error
	State() State
	Events() *Handlers
	// Pump dispatches up to maxPerTick queued events; isLive may be nil.
	Pump(maxPerTick int, isLive func() bool) int
}

// Server accepts connections and keys every event by connection id.
type Server interface {
	Start(port int) error
	// Tick advances protocol state; call it from one goroutine once per tick.
	Tick()
	Pump(maxPerTick int, isLive func() bool) int
	Send(id int, payload []byte, lane Lane) error
	Disconnect(id int) error
	Close() error
	Events() *Handlers
	Addr() net.Addr
	Connections() int
	Name() string
}

// Platform is the startup-time capability that picks a client strategy.
type Platform int

const (
	// PlatformNative has raw UDP sockets available.
	PlatformNative Platform = iota + 1
	// PlatformBrowser only offers runtime-managed stream sockets.
	PlatformBrowser
)

func (p Platform) String() string {
	switch p {
	case PlatformNative:
		return "native"
	case PlatformBrowser:
		return "browser"
	default:
		return "unknown"
	}
}

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native", "kcp", "udp":
		return PlatformNative, nil
	case "browser", "ws", "websocket":
		return PlatformBrowser, nil
	default:
		return 0, fmt.Errorf("unknown platform %q", s)
	}
}
