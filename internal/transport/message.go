package transport

import "fmt"

// Lane selects one of the two ordered sub-streams multiplexed over a connection.
// The numeric value is the wire byte that prefixes every KCP datagram.
type Lane uint8

const (
	LaneReliable   Lane = 1
	LaneUnreliable Lane = 2
)

func (l Lane) String() string {
	switch l {
	case LaneReliable:
		return "reliable"
	case LaneUnreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("lane(%d)", uint8(l))
	}
}

func (l Lane) Valid() bool {
	return l == LaneReliable || l == LaneUnreliable
}

// ParseLane maps a wire byte to a Lane.
func ParseLane(b byte) (Lane, bool) {
	l := Lane(b)
	return l, l.Valid()
}

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventData
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one tagged transport event.
//
// For EventData, Payload is a view into Buffer, which was rented from a
// bufpool.Pool by the producer. The pump releases Buffer after the consumer
// callbacks return; nothing may keep Payload past that point.
type Message struct {
	Kind   EventKind
	ConnID int
	Addr   string
	Lane   Lane
	Err    error

	Payload []byte
	Buffer  []byte
}

func Connected(id int, addr string) *Message {
	return &Message{Kind: EventConnected, ConnID: id, Addr: addr}
}

func Data(id int, lane Lane, buf []byte, payload []byte) *Message {
	return &Message{Kind: EventData, ConnID: id, Lane: lane, Buffer: buf, Payload: payload}
}

func Disconnected(id int) *Message {
	return &Message{Kind: EventDisconnected, ConnID: id}
}

func Failed(id int, err error) *Message {
	return &Message{Kind: EventError, ConnID: id, Err: err}
}
