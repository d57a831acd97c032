package kcp

import (
	"context"
	"net"
	"sync"
	"time"

	xkcp "github.com/xtaci/kcp-go/v5"

	"tickwire/internal/channel"
	"tickwire/internal/transport"
)

// outbound is a framed [lane][kind][payload] buffer rented from the pool.
type outbound struct {
	lane transport.Lane
	buf  []byte
}

// Client is the native strategy: one UDP socket, one KCP handle, owned by a
// single network goroutine.
type Client struct {
	*channel.ClientBase

	mu     sync.Mutex
	cancel context.CancelFunc
	out    chan outbound
}

func NewClient(cfg transport.Config, opts ...channel.Option) (*Client, error) {
	base, err := channel.NewClientBase("kcp-client", cfg, datagramHeader, opts)
	if err != nil {
		return nil, err
	}
	return &Client{ClientBase: base}, nil
}

func (c *Client) Connect(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.BeginConnect(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.out = make(chan outbound, c.Cfg.SendQueue)
	go c.run(ctx, address, c.out)
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.BeginDisconnect() {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) Send(payload []byte, lane transport.Lane) error {
	if err := c.CheckSend(payload, lane); err != nil {
		return err
	}
	if !lane.Valid() {
		lane = transport.LaneReliable
	}
	buf := c.Pool.Rent(len(payload) + datagramHeader)
	buf[0] = byte(lane)
	buf[1] = byte(kindData)
	copy(buf[datagramHeader:], payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		c.Pool.Release(buf)
		return transport.StateError("send", transport.ErrNotConnected)
	}
	select {
	case c.out <- outbound{lane: lane, buf: buf}:
		return nil
	default:
		c.Pool.Release(buf)
		return transport.CapacityError("send", 0, transport.ErrSendQueueFull)
	}
}

// retire detaches out from Send and releases whatever is still queued.
// After it returns no Send can hand a buffer to out.
func (c *Client) retire(out chan outbound) {
	c.mu.Lock()
	if c.out == out {
		c.out = nil
	}
	c.mu.Unlock()
	for {
		select {
		case ob := <-out:
			c.Pool.Release(ob.buf)
		default:
			return
		}
	}
}

// session is the state owned by the network goroutine.
type session struct {
	c         *Client
	udp       *net.UDPConn
	handle    *xkcp.KCP
	remote    string
	connected bool

	started  time.Time
	lastRecv time.Time
	lastPing time.Time
}

func (c *Client) run(ctx context.Context, address string, out chan outbound) {
	defer func() {
		c.BeginDisconnect()
		c.retire(out)
		c.EmitDisconnected()
	}()

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		c.EmitError(transport.ConnectionError("resolve", 0, err))
		return
	}
	udp, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		c.EmitError(transport.ConnectionError("dial", 0, err))
		return
	}

	inbound := make(chan []byte, c.Cfg.IngressBuffer)
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go c.readLoop(udp, inbound, readErr, readDone)
	defer func() {
		_ = udp.Close()
		<-readDone
		for {
			select {
			case b := <-inbound:
				c.Pool.Release(b)
			default:
				return
			}
		}
	}()

	now := c.Opts.Clock.Now()
	s := &session{c: c, udp: udp, remote: raddr.String(), started: now, lastRecv: now, lastPing: now}
	s.handle = newHandle(newConv(), c.Cfg, func(b []byte) {
		if _, err := udp.Write(b); err != nil {
			c.Log.Debug("kcp write failed", "err", err)
		}
	})
	s.handle.Send([]byte{byte(kindHello)})
	s.handle.Update()
	c.Log.Info("connecting", "addr", s.remote)

	ticker := c.Opts.Clock.Ticker(c.Cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sayGoodbye()
			return
		case err := <-readErr:
			c.EmitError(transport.ConnectionError("read", 0, err))
			return
		case b := <-inbound:
			if !s.input(b) {
				return
			}
		case ob := <-out:
			s.write(ob)
		case <-ticker.C:
			if err := s.tick(); err != nil {
				c.EmitError(err)
				return
			}
		}
	}
}

func (c *Client) readLoop(udp *net.UDPConn, inbound chan<- []byte, readErr chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		buf := c.Pool.Rent(c.Cfg.MTU)
		n, err := udp.Read(buf)
		if err != nil {
			c.Pool.Release(buf)
			readErr <- err
			return
		}
		select {
		case inbound <- buf[:n]:
		default:
			c.Pool.Release(buf)
			c.Opts.Metrics.Dropped("kcp-client", "ingress_full")
		}
	}
}

// input handles one datagram. It reports false when the session is over.
func (s *session) input(b []byte) bool {
	c := s.c
	if len(b) < datagramHeader {
		c.Pool.Release(b)
		return true
	}
	s.lastRecv = c.Opts.Clock.Now()
	lane, ok := transport.ParseLane(b[0])
	if !ok {
		c.Pool.Release(b)
		return true
	}
	if lane == transport.LaneUnreliable {
		switch kind(b[1]) {
		case kindData:
			if s.connected {
				c.EmitOwnedData(b, b[datagramHeader:], transport.LaneUnreliable)
				return true
			}
		case kindDisconnect:
			c.Pool.Release(b)
			c.Log.Info("remote closed", "addr", s.remote)
			return false
		}
		c.Pool.Release(b)
		return true
	}

	rc := s.handle.Input(b[laneHeader:], true, false)
	c.Pool.Release(b)
	if rc < 0 {
		return true
	}
	return s.receive()
}

func (s *session) receive() bool {
	c := s.c
	for {
		size := s.handle.PeekSize()
		if size < 0 {
			return true
		}
		if size == 0 || size > c.Cfg.MaxMessageSize+messageHeader {
			c.EmitError(transport.CapacityError("recv", 0, transport.ErrMessageTooLarge))
			return false
		}
		buf := c.Pool.Rent(size)
		n := s.handle.Recv(buf)
		if n <= 0 {
			c.Pool.Release(buf)
			return true
		}
		switch kind(buf[0]) {
		case kindHello:
			c.Pool.Release(buf)
			if !s.connected {
				if !c.EmitConnected(s.remote) {
					return false
				}
				s.connected = true
				c.Log.Info("connected", "addr", s.remote)
			}
		case kindData:
			if !s.connected {
				c.Pool.Release(buf)
				continue
			}
			c.EmitOwnedData(buf, buf[messageHeader:n], transport.LaneReliable)
		case kindDisconnect:
			c.Pool.Release(buf)
			c.Log.Info("remote closed", "addr", s.remote)
			return false
		default:
			c.Pool.Release(buf)
		}
	}
}

func (s *session) write(ob outbound) {
	c := s.c
	defer c.Pool.Release(ob.buf)
	if ob.lane == transport.LaneUnreliable {
		if _, err := s.udp.Write(ob.buf); err != nil {
			c.Log.Debug("kcp write failed", "err", err)
		}
		return
	}
	if rc := s.handle.Send(ob.buf[laneHeader:]); rc < 0 {
		c.Log.Warn("reliable send rejected", "size", len(ob.buf)-datagramHeader)
	}
}

func (s *session) tick() error {
	c := s.c
	now := c.Opts.Clock.Now()
	if !s.connected {
		if now.Sub(s.started) > c.Cfg.Timeout {
			return transport.ConnectionError("handshake", 0, transport.ErrHandshake)
		}
	} else {
		if now.Sub(s.lastRecv) > c.Cfg.Timeout {
			return transport.ConnectionError("recv", 0, transport.ErrTimeout)
		}
		if deadLink(s.handle, c.Cfg) {
			return transport.ConnectionError("send", 0, transport.ErrDeadLink)
		}
		if now.Sub(s.lastPing) >= c.Cfg.PingInterval {
			s.handle.Send([]byte{byte(kindPing)})
			s.lastPing = now
		}
	}
	s.handle.Update()
	return nil
}

// sayGoodbye tells the server we are leaving on both lanes; the unreliable
// copy arrives even if the reliable flush is cut short.
func (s *session) sayGoodbye() {
	if !s.connected {
		return
	}
	s.handle.Send([]byte{byte(kindDisconnect)})
	s.handle.Update()
	if _, err := s.udp.Write(controlDatagram(kindDisconnect)); err != nil {
		s.c.Log.Debug("kcp write failed", "err", err)
	}
	s.c.Log.Info("disconnected", "addr", s.remote)
}
