package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlers_RegistrationOrder(t *testing.T) {
	h := NewHandlers()
	var order []string
	h.OnConnected(func(id int, addr string) { order = append(order, "first") })
	h.OnConnected(func(id int, addr string) { order = append(order, "second") })
	h.OnConnected(func(id int, addr string) { order = append(order, "third:"+addr) })

	h.Dispatch(Connected(3, "10.0.0.1:9"), nil)
	assert.Equal(t, []string{"first", "second", "third:10.0.0.1:9"}, order)
}

func TestHandlers_Remove(t *testing.T) {
	h := NewHandlers()
	calls := 0
	id := h.OnError(func(int, error) { calls++ })
	h.OnError(func(int, error) { calls += 10 })

	require.True(t, h.Remove(id))
	assert.False(t, h.Remove(id))
	h.Dispatch(Failed(1, errors.New("x")), nil)
	assert.Equal(t, 10, calls)
}

func TestHandlers_RoutesByKind(t *testing.T) {
	h := NewHandlers()
	var got []string
	h.OnData(func(id int, p []byte, l Lane) { got = append(got, "data:"+string(p)+":"+l.String()) })
	h.OnDisconnected(func(id int) { got = append(got, "disconnected") })

	h.Dispatch(Data(1, LaneUnreliable, nil, []byte("hi")), nil)
	h.Dispatch(Disconnected(1), nil)
	h.Dispatch(Connected(1, "x"), nil)
	assert.Equal(t, []string{"data:hi:unreliable", "disconnected"}, got)
}

func TestHandlers_RemoveDuringDispatch(t *testing.T) {
	h := NewHandlers()
	calls := 0
	var self Handle
	self = h.OnDisconnected(func(int) {
		calls++
		h.Remove(self)
	})
	h.Dispatch(Disconnected(1), nil)
	h.Dispatch(Disconnected(1), nil)
	assert.Equal(t, 1, calls)
}

func TestError_KindsAndUnwrap(t *testing.T) {
	err := RaceError("send", 7)
	assert.True(t, errors.Is(err, ErrUnknownConnection))
	assert.Equal(t, KindRace, KindOf(err))
	assert.Contains(t, err.Error(), "conn=7")

	err = CapacityError("send", 0, ErrMessageTooLarge)
	assert.Equal(t, KindCapacity, KindOf(err))
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}

func TestParseLaneAndPlatform(t *testing.T) {
	l, ok := ParseLane(2)
	assert.True(t, ok)
	assert.Equal(t, LaneUnreliable, l)
	_, ok = ParseLane(9)
	assert.False(t, ok)

	p, err := ParsePlatform("WebSocket")
	require.NoError(t, err)
	assert.Equal(t, PlatformBrowser, p)
	_, err = ParsePlatform("carrier-pigeon")
	assert.Error(t, err)
}
