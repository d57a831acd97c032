package kcp

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickwire/internal/channel"
	"tickwire/internal/transport"
)

func TestClient_ConnectTwiceIsRejected(t *testing.T) {
	c, err := NewClient(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.Connect("127.0.0.1:1"))
	t.Cleanup(c.Disconnect)

	err = c.Connect("127.0.0.1:1")
	assert.Equal(t, transport.KindState, transport.KindOf(err))
	assert.ErrorIs(t, err, transport.ErrAlreadyActive)
}

func TestClient_SendBeforeConnectFails(t *testing.T) {
	c, err := NewClient(testConfig())
	require.NoError(t, err)
	err = c.Send([]byte("x"), transport.LaneReliable)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestClient_BadAddressEndsWithErrorThenDisconnected(t *testing.T) {
	c, err := NewClient(testConfig())
	require.NoError(t, err)
	var kinds []transport.EventKind
	c.Events().OnError(func(_ int, err error) {
		assert.Equal(t, transport.KindConnection, transport.KindOf(err))
		kinds = append(kinds, transport.EventError)
	})
	c.Events().OnDisconnected(func(int) { kinds = append(kinds, transport.EventDisconnected) })

	require.NoError(t, c.Connect("no-port-here"))
	require.Eventually(t, func() bool {
		c.Pump(10, nil)
		return c.State() == transport.StateNotConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []transport.EventKind{transport.EventError, transport.EventDisconnected}, kinds)

	require.NoError(t, c.Connect("no-port-here"), "reconnect allowed after teardown")
}

// host drives a server and a client the way a game loop would.
type host struct {
	s *Server
	c *Client
}

func (h host) step() {
	h.s.Tick()
	h.s.Pump(64, nil)
	h.c.Pump(64, nil)
}

func TestClient_LoopbackEcho(t *testing.T) {
	cfg := testConfig()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(0))
	t.Cleanup(func() { _ = s.Close() })

	s.Events().OnData(func(id int, p []byte, lane transport.Lane) {
		assert.NoError(t, s.Send(id, p, lane))
	})
	var serverIDs []int
	s.Events().OnConnected(func(id int, _ string) { serverIDs = append(serverIDs, id) })
	var serverGone []int
	s.Events().OnDisconnected(func(id int) { serverGone = append(serverGone, id) })

	c, err := NewClient(cfg)
	require.NoError(t, err)
	var got []string
	connected, disconnected := 0, 0
	c.Events().OnConnected(func(int, string) {
		connected++
		assert.NoError(t, c.Send([]byte("reliable"), transport.LaneReliable))
		assert.NoError(t, c.Send([]byte("unreliable"), transport.LaneUnreliable))
	})
	c.Events().OnData(func(_ int, p []byte, lane transport.Lane) {
		got = append(got, fmt.Sprintf("%s/%s", p, lane))
	})
	c.Events().OnDisconnected(func(int) { disconnected++ })

	addr := fmt.Sprintf("127.0.0.1:%d", udpPort(t, s))
	require.NoError(t, c.Connect(addr))

	h := host{s: s, c: c}
	require.Eventually(t, func() bool {
		h.step()
		return len(got) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"reliable/reliable", "unreliable/unreliable"}, got)
	assert.Equal(t, 1, connected)
	assert.Equal(t, []int{1}, serverIDs)
	assert.Equal(t, transport.StateConnected, c.State())

	c.Disconnect()
	require.Eventually(t, func() bool {
		h.step()
		return disconnected == 1 && len(serverGone) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.StateNotConnected, c.State())
	assert.Equal(t, []int{1}, serverGone)
	assert.Zero(t, s.Connections())
}

func TestClient_ServerCloseReachesClient(t *testing.T) {
	cfg := testConfig()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(0))

	c, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(fmt.Sprintf("127.0.0.1:%d", udpPort(t, s))))

	h := host{s: s, c: c}
	require.Eventually(t, func() bool {
		h.step()
		return c.State() == transport.StateConnected
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool {
		c.Pump(64, nil)
		return c.State() == transport.StateNotConnected
	}, 5*time.Second, 5*time.Millisecond)
}

func udpPort(t *testing.T, s *Server) int {
	t.Helper()
	addr, ok := s.Addr().(*net.UDPAddr)
	require.True(t, ok)
	return addr.Port
}

// connectedClient builds a client whose send path is live without a network
// goroutine, so the queue it hands buffers to can be inspected.
func connectedClient(t *testing.T, cfg transport.Config) (*Client, chan outbound) {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, c.BeginConnect())
	require.True(t, c.EmitConnected("test"))
	out := make(chan outbound, cfg.SendQueue)
	c.out = out
	return c, out
}

func TestClient_SendQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueue = 1
	c, out := connectedClient(t, cfg)

	require.NoError(t, c.Send([]byte("a"), transport.LaneReliable))
	err := c.Send([]byte("b"), transport.LaneReliable)
	assert.Equal(t, transport.KindCapacity, transport.KindOf(err))
	assert.ErrorIs(t, err, transport.ErrSendQueueFull)
	assert.Equal(t, int64(1), c.Pool.Outstanding())

	c.retire(out)
	assert.Zero(t, c.Pool.Outstanding())
}

func TestClient_SendAfterRetireDoesNotLeak(t *testing.T) {
	c, out := connectedClient(t, testConfig())
	c.retire(out)

	// The network goroutine is gone but Disconnected has not been pumped yet.
	require.Equal(t, transport.StateConnected, c.State())
	err := c.Send([]byte("late"), transport.LaneReliable)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Zero(t, c.Pool.Outstanding())
	assert.Empty(t, out)
}

func TestClient_MaxReliablePayloadReusesPooledBuffer(t *testing.T) {
	c, out := connectedClient(t, testConfig())
	payload := make([]byte, c.Cfg.MaxMessageSize)

	require.NoError(t, c.Send(payload, transport.LaneReliable))
	c.retire(out)
	c.out = out
	require.NoError(t, c.Send(payload, transport.LaneReliable))
	c.retire(out)

	st := c.Pool.Stats()
	assert.Zero(t, st.Outstanding)
	assert.Zero(t, st.Discarded)
	assert.Equal(t, int64(1), st.Reused)
}

func TestClient_HandshakeTimeout(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	mock := clock.NewMock()
	c, err := NewClient(testConfig(), channel.WithClock(mock))
	require.NoError(t, err)
	r := record(c.Events())

	require.NoError(t, c.Connect(silent.LocalAddr().String()))
	require.Eventually(t, func() bool {
		mock.Add(c.Cfg.Timeout / 4)
		c.Pump(10, nil)
		return c.State() == transport.StateNotConnected
	}, 5*time.Second, 5*time.Millisecond)

	evs := r.take()
	require.Len(t, evs, 2)
	assert.Equal(t, transport.EventError, evs[0].kind)
	assert.ErrorIs(t, evs[0].err, transport.ErrHandshake)
	assert.Equal(t, transport.KindConnection, transport.KindOf(evs[0].err))
	assert.Equal(t, transport.EventDisconnected, evs[1].kind)
	assert.Zero(t, c.Pool.Outstanding())
}

// stalledServer completes the handshake for c and then stops ticking, so
// nothing the client sends afterwards is answered or acknowledged.
func stalledServer(t *testing.T, c *Client, r *recorder) {
	t.Helper()
	s, err := NewServer(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(0))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, c.Connect(fmt.Sprintf("127.0.0.1:%d", udpPort(t, s))))
	require.Eventually(t, func() bool {
		s.Tick()
		c.Pump(10, nil)
		return c.State() == transport.StateConnected
	}, 5*time.Second, 5*time.Millisecond)
	evs := r.take()
	require.Len(t, evs, 1)
	require.Equal(t, transport.EventConnected, evs[0].kind)
}

func TestClient_ReceiveTimeout(t *testing.T) {
	mock := clock.NewMock()
	c, err := NewClient(testConfig(), channel.WithClock(mock))
	require.NoError(t, err)
	r := record(c.Events())
	stalledServer(t, c, r)

	require.Eventually(t, func() bool {
		mock.Add(c.Cfg.Timeout / 4)
		c.Pump(10, nil)
		return c.State() == transport.StateNotConnected
	}, 5*time.Second, 5*time.Millisecond)

	evs := r.take()
	require.Len(t, evs, 2)
	assert.Equal(t, transport.EventError, evs[0].kind)
	assert.ErrorIs(t, evs[0].err, transport.ErrTimeout)
	assert.Equal(t, transport.EventDisconnected, evs[1].kind)
	assert.Zero(t, c.Pool.Outstanding())
}

func TestClient_DeadLink(t *testing.T) {
	cfg := testConfig()
	cfg.SendWindow = 8
	cfg.MaxRetransmit = 2
	mock := clock.NewMock()
	c, err := NewClient(cfg, channel.WithClock(mock))
	require.NoError(t, err)
	r := record(c.Events())
	stalledServer(t, c, r)

	for i := 0; i <= cfg.SendWindow*cfg.MaxRetransmit; i++ {
		require.NoError(t, c.Send([]byte("unacked"), transport.LaneReliable))
	}
	require.Eventually(t, func() bool {
		mock.Add(cfg.TickInterval)
		c.Pump(10, nil)
		return c.State() == transport.StateNotConnected
	}, 5*time.Second, 5*time.Millisecond)

	evs := r.take()
	require.Len(t, evs, 2)
	assert.Equal(t, transport.EventError, evs[0].kind)
	assert.ErrorIs(t, evs[0].err, transport.ErrDeadLink)
	assert.Equal(t, transport.EventDisconnected, evs[1].kind)
	assert.Zero(t, c.Pool.Outstanding())
}
