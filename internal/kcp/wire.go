package kcp

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	xkcp "github.com/xtaci/kcp-go/v5"

	"tickwire/internal/transport"
)

type kind byte

const (
	kindHello      kind = 1
	kindPing       kind = 2
	kindData       kind = 3
	kindDisconnect kind = 4
)

func (k kind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindPing:
		return "ping"
	case kindData:
		return "data"
	case kindDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

const (
	laneHeader     = 1
	messageHeader  = 1
	datagramHeader = laneHeader + messageHeader
)

// newHandle builds a KCP handle tuned from cfg. out receives complete
// datagrams, lane byte included; it is called synchronously from Send/Update.
func newHandle(conv uint32, cfg transport.Config, out func([]byte)) *xkcp.KCP {
	h := xkcp.NewKCP(conv, func(buf []byte, size int) {
		if size <= laneHeader {
			return
		}
		buf[0] = byte(transport.LaneReliable)
		out(buf[:size])
	})
	h.ReserveBytes(laneHeader)
	h.SetMtu(cfg.MTU)
	h.WndSize(cfg.SendWindow, cfg.RecvWindow)

	nodelay, nc := 0, 0
	if cfg.NoDelay {
		nodelay = 1
	}
	if !cfg.CongestionControl {
		nc = 1
	}
	h.NoDelay(nodelay, int(cfg.TickInterval/time.Millisecond), cfg.FastResend, nc)
	return h
}

// segmentConv reads the conversation id of the first KCP segment in body.
func segmentConv(body []byte) (uint32, bool) {
	if len(body) < xkcp.IKCP_OVERHEAD {
		return 0, false
	}
	return binary.LittleEndian.Uint32(body[:4]), true
}

func newConv() uint32 {
	id, err := uuid.NewRandom()
	if err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(id[:4])
}

// deadLink reports whether the unacknowledged backlog exceeds what
// MaxRetransmit rounds of a full send window could still clear.
func deadLink(h *xkcp.KCP, cfg transport.Config) bool {
	return h.WaitSnd() > cfg.MaxRetransmit*cfg.SendWindow
}

// controlDatagram is an unreliable [lane][kind] frame.
func controlDatagram(k kind) []byte {
	return []byte{byte(transport.LaneUnreliable), byte(k)}
}
