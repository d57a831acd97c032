package transport

import (
	"strings"
	"time"
)

const (
	// kcpOverhead is the KCP segment header size; one more byte is reserved for the lane.
	kcpOverhead = 24
	// kcpMaxFragments is the fragment ceiling of a single KCP message.
	kcpMaxFragments = 255
	// minTimeoutTicks keeps Timeout well above the tick cadence so idle
	// connections are not starved between ticks.
	minTimeoutTicks = 5
	// unreliableHeader is lane byte + kind byte.
	unreliableHeader = 2
)

type Config struct {
	MaxMessageSize int
	MTU            int

	SendWindow    int
	RecvWindow    int
	MaxRetransmit int
	FastResend    int

	NoDelay           bool
	CongestionControl bool

	Timeout      time.Duration
	TickInterval time.Duration
	PingInterval time.Duration

	PoolMax       int
	IngressBuffer int
	SendQueue     int

	WSPath string
}

// DefaultConfig is tuned for low-latency interactive use: short ticks, no
// congestion control.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    64 * 1024,
		MTU:               1200,
		SendWindow:        4096,
		RecvWindow:        4096,
		MaxRetransmit:     40,
		FastResend:        2,
		NoDelay:           true,
		CongestionControl: false,
		Timeout:           10 * time.Second,
		TickInterval:      10 * time.Millisecond,
		PingInterval:      time.Second,
		PoolMax:           1024,
		IngressBuffer:     4096,
		SendQueue:         1024,
		WSPath:            "/",
	}
}

// SegmentSize is the KCP payload bytes available per datagram.
func (c Config) SegmentSize() int {
	return c.MTU - kcpOverhead - 1
}

// MaxPayload is the largest consumer payload accepted on a lane.
func (c Config) MaxPayload(lane Lane) int {
	if lane == LaneUnreliable {
		return c.MTU - unreliableHeader
	}
	return c.MaxMessageSize
}

func (c Config) Validate() error {
	if c.MaxMessageSize <= 0 {
		return ConfigError("MaxMessageSize", "must be positive, got %d", c.MaxMessageSize)
	}
	if c.MTU <= kcpOverhead+unreliableHeader {
		return ConfigError("MTU", "must exceed %d, got %d", kcpOverhead+unreliableHeader, c.MTU)
	}
	if c.SendWindow <= 0 {
		return ConfigError("SendWindow", "must be positive, got %d", c.SendWindow)
	}
	if c.RecvWindow <= 1 {
		return ConfigError("RecvWindow", "must be greater than 1, got %d", c.RecvWindow)
	}
	if c.MaxRetransmit <= 0 {
		return ConfigError("MaxRetransmit", "must be positive, got %d", c.MaxRetransmit)
	}
	if c.FastResend < 0 {
		return ConfigError("FastResend", "must not be negative, got %d", c.FastResend)
	}
	if c.TickInterval <= 0 {
		return ConfigError("TickInterval", "must be positive, got %s", c.TickInterval)
	}
	if c.Timeout <= 0 {
		return ConfigError("Timeout", "must be positive, got %s", c.Timeout)
	}
	if c.Timeout < minTimeoutTicks*c.TickInterval {
		return ConfigError("Timeout", "must be at least %d tick intervals (%s), got %s",
			minTimeoutTicks, minTimeoutTicks*c.TickInterval, c.Timeout)
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.Timeout {
		return ConfigError("PingInterval", "must be positive and below Timeout, got %s", c.PingInterval)
	}
	if c.PoolMax <= 0 {
		return ConfigError("PoolMax", "must be positive, got %d", c.PoolMax)
	}
	if c.IngressBuffer <= 0 {
		return ConfigError("IngressBuffer", "must be positive, got %d", c.IngressBuffer)
	}
	if c.SendQueue <= 0 {
		return ConfigError("SendQueue", "must be positive, got %d", c.SendQueue)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return ConfigError("WSPath", "must start with '/', got %q", c.WSPath)
	}

	// A reliable message travels as [kind][payload] and must fit in the
	// fragment budget of a single KCP message.
	fragments := min(kcpMaxFragments, c.RecvWindow-1)
	if limit := c.SegmentSize()*fragments - 1; c.MaxMessageSize > limit {
		return ConfigError("MaxMessageSize", "exceeds %d bytes for MTU=%d RecvWindow=%d", limit, c.MTU, c.RecvWindow)
	}
	return nil
}
