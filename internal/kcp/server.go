package kcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	xkcp "github.com/xtaci/kcp-go/v5"
	"go.uber.org/multierr"

	"tickwire/internal/bufpool"
	"tickwire/internal/channel"
	"tickwire/internal/metrics"
	"tickwire/internal/pump"
	"tickwire/internal/transport"
)

type connState int

const (
	connHandshaking connState = iota
	connActive
	connClosing
)

type peer struct {
	id     int
	addr   net.Addr
	key    string
	handle *xkcp.KCP
	state  connState
	reason string

	lastRecv time.Time
	lastPing time.Time
}

type datagram struct {
	addr net.Addr
	buf  []byte
}

// Server is the registry of KCP connections behind one UDP socket.
// Connections are keyed by an int id assigned at handshake.
type Server struct {
	cfg     transport.Config
	name    string
	log     *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	pool     *bufpool.Pool
	queue    *pump.Queue
	handlers *transport.Handlers
	pump     *pump.Pump
	ids      *channel.IDPool

	ingress chan datagram
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	conn   net.PacketConn
	peers  map[string]*peer
	byID   map[int]*peer
	closed bool
}

func NewServer(cfg transport.Config, opts ...channel.Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := channel.Apply(opts)
	s := &Server{
		cfg:      cfg,
		name:     "kcp",
		log:      o.Logger.With("server", "kcp"),
		clock:    o.Clock,
		metrics:  o.Metrics,
		pool:     bufpool.New(cfg.PoolMax, cfg.MTU, cfg.MaxMessageSize+datagramHeader),
		queue:    pump.NewQueue(),
		handlers: transport.NewHandlers(),
		ids:      channel.NewIDPool(),
		ingress:  make(chan datagram, cfg.IngressBuffer),
		done:     make(chan struct{}),
		peers:    map[string]*peer{},
		byID:     map[int]*peer{},
	}
	s.pump = pump.New("kcp-server", s.queue, s.pool, s.handlers,
		pump.WithLogger(o.Logger),
		pump.WithMetrics(o.Metrics),
		pump.WithAfterDispatch(s.afterDispatch),
	)
	return s, nil
}

// afterDispatch frees an id once the consumer has seen its Disconnected.
// Until then a reconnecting endpoint is handed a different id.
func (s *Server) afterDispatch(msg *transport.Message) {
	if msg.Kind == transport.EventDisconnected && msg.ConnID != 0 {
		s.ids.Release(msg.ConnID)
	}
}

func (s *Server) Name() string { return s.name }

func (s *Server) Events() *transport.Handlers { return s.handlers }

func (s *Server) Pump(maxPerTick int, isLive func() bool) int {
	return s.pump.Pump(maxPerTick, isLive)
}

// Pool exposes the datagram buffer pool for accounting.
func (s *Server) Pool() *bufpool.Pool { return s.pool }

func (s *Server) Start(port int) error {
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return transport.ConnectionError("listen", 0, err)
	}
	if err := s.Serve(pc); err != nil {
		_ = pc.Close()
		return err
	}
	return nil
}

// Serve takes ownership of pc and starts the reader goroutine.
func (s *Server) Serve(pc net.PacketConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.StateError("serve", transport.ErrClosed)
	}
	if s.conn != nil {
		return transport.StateError("serve", transport.ErrAlreadyActive)
	}
	s.conn = pc
	s.wg.Add(1)
	go s.readLoop(pc)
	s.log.Info("kcp server listening", "addr", pc.LocalAddr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Server) readLoop(pc net.PacketConn) {
	defer s.wg.Done()
	scratch := make([]byte, s.cfg.MTU)
	for {
		n, addr, err := pc.ReadFrom(scratch)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("kcp read failed", "err", err)
			s.queue.Enqueue(transport.Failed(0, transport.ConnectionError("read", 0, err)))
			return
		}
		s.deliver(addr, scratch[:n])
	}
}

func (s *Server) push(addr net.Addr, buf []byte) {
	select {
	case s.ingress <- datagram{addr: addr, buf: buf}:
	default:
		s.pool.Release(buf)
		s.metrics.Dropped(s.name, "ingress_full")
	}
}

// deliver copies data into a pooled buffer and hands it to the next Tick.
func (s *Server) deliver(addr net.Addr, data []byte) {
	buf := s.pool.Rent(len(data))
	copy(buf, data)
	s.push(addr, buf)
}

// Tick processes buffered datagrams, enforces timeouts and flushes every
// connection. It must be called regularly from the host loop.
func (s *Server) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return
	}
	now := s.clock.Now()

	for n := len(s.ingress); n > 0; n-- {
		d := <-s.ingress
		s.route(d, now)
	}
	for _, p := range s.sorted() {
		s.tickPeer(p, now)
	}
	s.metrics.Connections(s.name, len(s.byID))
}

func (s *Server) sorted() []*peer {
	out := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].id != out[j].id {
			return out[i].id < out[j].id
		}
		return out[i].key < out[j].key
	})
	return out
}

func (s *Server) drop(d datagram, reason string) {
	s.pool.Release(d.buf)
	s.metrics.Dropped(s.name, reason)
}

func (s *Server) route(d datagram, now time.Time) {
	if len(d.buf) < datagramHeader {
		s.drop(d, "short")
		return
	}
	lane, ok := transport.ParseLane(d.buf[0])
	if !ok {
		s.drop(d, "bad_lane")
		return
	}
	key := d.addr.String()
	p := s.peers[key]

	if lane == transport.LaneUnreliable {
		if p == nil || p.state != connActive {
			s.drop(d, "unknown_peer")
			return
		}
		p.lastRecv = now
		switch kind(d.buf[1]) {
		case kindData:
			s.queue.Enqueue(transport.Data(p.id, transport.LaneUnreliable, d.buf, d.buf[datagramHeader:]))
			return
		case kindPing:
		case kindDisconnect:
			s.beginClose(p, "remote", nil)
		default:
			s.metrics.Dropped(s.name, "bad_kind")
		}
		s.pool.Release(d.buf)
		return
	}

	body := d.buf[laneHeader:]
	if p == nil {
		conv, ok := segmentConv(body)
		if !ok {
			s.drop(d, "short")
			return
		}
		p = s.newPeer(key, d.addr, conv, now)
	}
	if p.state == connClosing {
		s.drop(d, "closing")
		return
	}
	if rc := p.handle.Input(body, true, false); rc < 0 {
		s.drop(d, "bad_segment")
		if p.state == connHandshaking {
			delete(s.peers, key)
		}
		return
	}
	p.lastRecv = now
	s.pool.Release(d.buf)
}

func (s *Server) newPeer(key string, addr net.Addr, conv uint32, now time.Time) *peer {
	p := &peer{
		addr:     addr,
		key:      key,
		state:    connHandshaking,
		lastRecv: now,
	}
	p.handle = newHandle(conv, s.cfg, func(b []byte) { s.write(p.addr, b) })
	s.peers[key] = p
	return p
}

func (s *Server) write(addr net.Addr, b []byte) {
	if _, err := s.conn.WriteTo(b, addr); err != nil {
		s.log.Debug("kcp write failed", "addr", addr.String(), "err", err)
	}
}

func (s *Server) tickPeer(p *peer, now time.Time) {
	if p.state != connClosing {
		s.receive(p, now)
	}
	if p.state == connClosing {
		s.finish(p)
		return
	}
	if now.Sub(p.lastRecv) > s.cfg.Timeout {
		if p.state == connHandshaking {
			delete(s.peers, p.key)
			return
		}
		s.beginClose(p, "timeout", transport.ConnectionError("tick", p.id, transport.ErrTimeout))
		s.finish(p)
		return
	}
	if p.state == connActive && deadLink(p.handle, s.cfg) {
		s.beginClose(p, "dead_link", transport.ConnectionError("tick", p.id, transport.ErrDeadLink))
		s.finish(p)
		return
	}
	if p.state == connActive && now.Sub(p.lastPing) >= s.cfg.PingInterval {
		p.handle.Send([]byte{byte(kindPing)})
		p.lastPing = now
	}
	p.handle.Update()
}

// receive drains reassembled reliable messages.
func (s *Server) receive(p *peer, now time.Time) {
	for {
		size := p.handle.PeekSize()
		if size < 0 {
			return
		}
		if size == 0 || size > s.cfg.MaxMessageSize+messageHeader {
			s.beginClose(p, "oversized", transport.CapacityError("recv", p.id, transport.ErrMessageTooLarge))
			return
		}
		buf := s.pool.Rent(size)
		n := p.handle.Recv(buf)
		if n <= 0 {
			s.pool.Release(buf)
			return
		}
		k := kind(buf[0])

		if p.state == connHandshaking {
			s.pool.Release(buf)
			if k != kindHello {
				s.log.Warn("handshake rejected", "addr", p.key, "kind", k.String())
				s.metrics.Dropped(s.name, "bad_handshake")
				delete(s.peers, p.key)
				p.state = connClosing
				return
			}
			s.accept(p, now)
			continue
		}

		switch k {
		case kindData:
			s.queue.Enqueue(transport.Data(p.id, transport.LaneReliable, buf, buf[messageHeader:n]))
			continue
		case kindDisconnect:
			s.pool.Release(buf)
			s.beginClose(p, "remote", nil)
			return
		case kindHello, kindPing:
		default:
			s.metrics.Dropped(s.name, "bad_kind")
		}
		s.pool.Release(buf)
	}
}

func (s *Server) accept(p *peer, now time.Time) {
	p.id = s.ids.Acquire()
	p.state = connActive
	p.lastPing = now
	s.byID[p.id] = p
	p.handle.Send([]byte{byte(kindHello)})
	s.log.Info("connection accepted", "conn_id", p.id, "addr", p.key)
	s.queue.Enqueue(transport.Connected(p.id, p.key))
}

// beginClose moves p to closing. An error, when given, is queued ahead of
// the Disconnected that finish will queue.
func (s *Server) beginClose(p *peer, reason string, err error) {
	if p.state == connClosing {
		return
	}
	wasActive := p.state == connActive
	p.state = connClosing
	p.reason = reason
	if !wasActive {
		return
	}
	if err != nil {
		s.log.Warn("connection failed", "conn_id", p.id, "addr", p.key, "reason", reason, "err", err)
		s.queue.Enqueue(transport.Failed(p.id, err))
	}
	if reason != "remote" {
		p.handle.Send([]byte{byte(kindDisconnect)})
		p.handle.Update()
		s.write(p.addr, controlDatagram(kindDisconnect))
	}
}

// finish removes p from the tables and queues its Disconnected. The id stays
// reserved until the pump dispatches that event.
func (s *Server) finish(p *peer) {
	if cur, ok := s.peers[p.key]; ok && cur == p {
		delete(s.peers, p.key)
	}
	if p.id == 0 {
		return
	}
	delete(s.byID, p.id)
	s.log.Info("connection closed", "conn_id", p.id, "addr", p.key, "reason", p.reason)
	s.metrics.Disconnect(s.name, p.reason)
	s.queue.Enqueue(transport.Disconnected(p.id))
}

func (s *Server) Send(id int, payload []byte, lane transport.Lane) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.byID[id]
	if p == nil || p.state != connActive {
		s.log.Warn("send to unknown connection", "conn_id", id)
		return transport.RaceError("send", id)
	}
	if !lane.Valid() {
		lane = transport.LaneReliable
	}
	if len(payload) > s.cfg.MaxPayload(lane) {
		return transport.CapacityError("send", id, transport.ErrMessageTooLarge)
	}

	buf := s.pool.Rent(len(payload) + datagramHeader)
	defer s.pool.Release(buf)
	buf[0] = byte(lane)
	buf[1] = byte(kindData)
	copy(buf[datagramHeader:], payload)

	if lane == transport.LaneUnreliable {
		if _, err := s.conn.WriteTo(buf, p.addr); err != nil {
			return transport.ConnectionError("send", id, err)
		}
		return nil
	}
	if rc := p.handle.Send(buf[laneHeader:]); rc < 0 {
		return transport.CapacityError("send", id, transport.ErrMessageTooLarge)
	}
	return nil
}

// Disconnect starts a server-initiated close. Disconnected is raised on the
// next Tick.
func (s *Server) Disconnect(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.byID[id]
	if p == nil || p.state != connActive {
		s.log.Warn("disconnect of unknown connection", "conn_id", id)
		return transport.RaceError("disconnect", id)
	}
	s.beginClose(p, "local", nil)
	return nil
}

// Close notifies every peer, queues Disconnected for each live connection
// and releases the socket. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)

	var err error
	for _, p := range s.sorted() {
		if p.state == connActive {
			s.beginClose(p, "shutdown", nil)
		}
		s.finish(p)
	}
	pc := s.conn
	s.mu.Unlock()

	if pc != nil {
		err = multierr.Append(err, pc.Close())
	}
	s.wg.Wait()
	for {
		select {
		case d := <-s.ingress:
			s.pool.Release(d.buf)
		default:
			if err != nil {
				s.log.Warn("kcp server closed with errors", "err", err)
			}
			return err
		}
	}
}
