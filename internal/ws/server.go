package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"tickwire/internal/bufpool"
	"tickwire/internal/channel"
	"tickwire/internal/metrics"
	"tickwire/internal/pump"
	"tickwire/internal/transport"
)

type conn struct {
	id     int
	remote string
	ws     *websocket.Conn
	out    chan []byte
	done   chan struct{}

	lastSeen atomic.Int64
}

// Server accepts WebSocket upgrades on cfg.WSPath and registers each
// connection under a fresh id.
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
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[int]*conn
	srv    *http.Server
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg transport.Config, opts ...channel.Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := channel.Apply(opts)
	s := &Server{
		cfg:      cfg,
		name:     "ws",
		log:      o.Logger.With("server", "ws"),
		clock:    o.Clock,
		metrics:  o.Metrics,
		pool:     bufpool.New(cfg.PoolMax, cfg.MTU, cfg.MaxMessageSize),
		queue:    pump.NewQueue(),
		handlers: transport.NewHandlers(),
		ids:      channel.NewIDPool(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Timeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conns: map[int]*conn{},
	}
	s.pump = pump.New("ws-server", s.queue, s.pool, s.handlers,
		pump.WithLogger(o.Logger),
		pump.WithMetrics(o.Metrics),
		pump.WithAfterDispatch(func(msg *transport.Message) {
			if msg.Kind == transport.EventDisconnected && msg.ConnID != 0 {
				s.ids.Release(msg.ConnID)
			}
		}),
	)
	return s, nil
}

func (s *Server) Name() string { return s.name }

func (s *Server) Events() *transport.Handlers { return s.handlers }

func (s *Server) Pump(maxPerTick int, isLive func() bool) int {
	return s.pump.Pump(maxPerTick, isLive)
}

func (s *Server) Pool() *bufpool.Pool { return s.pool }

func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return transport.ConnectionError("listen", 0, err)
	}
	if err := s.Serve(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve accepts HTTP on ln and upgrades requests to cfg.WSPath.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.StateError("serve", transport.ErrClosed)
	}
	if s.srv != nil {
		return transport.StateError("serve", transport.ErrAlreadyActive)
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WSPath, s)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: s.cfg.Timeout}
	s.ln = ln
	srv := s.srv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ws serve failed", "err", err)
			s.queue.Enqueue(transport.Failed(0, transport.ConnectionError("serve", 0, err)))
		}
	}()
	s.log.Info("ws server listening", "addr", ln.Addr().String(), "path", s.cfg.WSPath)
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxMessageSize))

	c := &conn{
		remote: r.RemoteAddr,
		ws:     ws,
		out:    make(chan []byte, s.cfg.SendQueue),
		done:   make(chan struct{}),
	}
	c.lastSeen.Store(s.clock.Now().UnixNano())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.id = s.ids.Acquire()
	s.conns[c.id] = c
	s.queue.Enqueue(transport.Connected(c.id, c.remote))
	s.wg.Add(1)
	s.mu.Unlock()
	s.log.Info("connection accepted", "conn_id", c.id, "remote", c.remote)

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) touch(c *conn) {
	c.lastSeen.Store(s.clock.Now().UnixNano())
}

func (s *Server) readLoop(c *conn) {
	c.ws.SetPingHandler(func(data string) error {
		s.touch(c)
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.Timeout))
	})
	c.ws.SetPongHandler(func(string) error {
		s.touch(c)
		return nil
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if isNormalClose(err) {
				s.terminate(c, "remote", nil)
			} else {
				s.terminate(c, "read_failed", readError(c.id, err))
			}
			return
		}
		s.touch(c)
		if mt != websocket.BinaryMessage {
			continue
		}
		if !s.deliver(c, data) {
			return
		}
	}
}

// deliver queues data for c under the same lock terminate holds while it
// queues Disconnected, so nothing for c can follow that event. It reports
// false once c is no longer registered.
func (s *Server) deliver(c *conn, data []byte) bool {
	buf := s.pool.Rent(len(data))
	copy(buf, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[c.id]; !ok || cur != c {
		s.pool.Release(buf)
		return false
	}
	s.queue.Enqueue(transport.Data(c.id, transport.LaneReliable, buf, buf))
	return true
}

func (s *Server) writeLoop(c *conn) {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer func() {
		for {
			select {
			case b := <-c.out:
				s.pool.Release(b)
			default:
				return
			}
		}
	}()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
			err := c.ws.WriteMessage(websocket.BinaryMessage, b)
			s.pool.Release(b)
			if err != nil {
				s.terminate(c, "write_failed", transport.ConnectionError("write", c.id, err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.Timeout)); err != nil {
				s.terminate(c, "write_failed", transport.ConnectionError("ping", c.id, err))
				return
			}
		}
	}
}

// terminate removes c exactly once, queueing err (if any) and then
// Disconnected. Later calls for the same connection are no-ops.
func (s *Server) terminate(c *conn, reason string, err error) {
	s.mu.Lock()
	if cur, ok := s.conns[c.id]; !ok || cur != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	if err != nil {
		s.queue.Enqueue(transport.Failed(c.id, err))
	}
	s.queue.Enqueue(transport.Disconnected(c.id))
	s.mu.Unlock()

	close(c.done)
	if reason != "remote" && reason != "read_failed" {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
	}
	_ = c.ws.Close()

	if err != nil {
		s.log.Warn("connection failed", "conn_id", c.id, "remote", c.remote, "reason", reason, "err", err)
	} else {
		s.log.Info("connection closed", "conn_id", c.id, "remote", c.remote, "reason", reason)
	}
	s.metrics.Disconnect(s.name, reason)
}

func (s *Server) sorted() []*conn {
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Tick enforces Timeout against the last frame seen from each peer.
func (s *Server) Tick() {
	now := s.clock.Now()
	s.mu.Lock()
	var stale []*conn
	for _, c := range s.sorted() {
		if now.Sub(time.Unix(0, c.lastSeen.Load())) > s.cfg.Timeout {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		s.terminate(c, "timeout", transport.ConnectionError("tick", c.id, transport.ErrTimeout))
	}
	s.metrics.Connections(s.name, s.Connections())
}

func (s *Server) Send(id int, payload []byte, lane transport.Lane) error {
	s.mu.Lock()
	c := s.conns[id]
	s.mu.Unlock()
	if c == nil {
		s.log.Warn("send to unknown connection", "conn_id", id)
		return transport.RaceError("send", id)
	}
	if !lane.Valid() {
		lane = transport.LaneReliable
	}
	if len(payload) > s.cfg.MaxPayload(lane) {
		return transport.CapacityError("send", id, transport.ErrMessageTooLarge)
	}
	buf := s.pool.Rent(len(payload))
	copy(buf, payload)
	select {
	case c.out <- buf:
		return nil
	default:
		s.pool.Release(buf)
		return transport.CapacityError("send", id, transport.ErrSendQueueFull)
	}
}

func (s *Server) Disconnect(id int) error {
	s.mu.Lock()
	c := s.conns[id]
	s.mu.Unlock()
	if c == nil {
		s.log.Warn("disconnect of unknown connection", "conn_id", id)
		return transport.RaceError("disconnect", id)
	}
	s.terminate(c, "local", nil)
	return nil
}

// Close stops accepting, closes every connection and waits for the
// writer goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := s.sorted()
	srv := s.srv
	s.mu.Unlock()

	for _, c := range live {
		s.terminate(c, "shutdown", nil)
	}
	var err error
	if srv != nil {
		err = multierr.Append(err, srv.Close())
	}
	s.wg.Wait()
	return err
}
