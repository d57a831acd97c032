package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickwire/internal/channel"
	"tickwire/internal/transport"
)

// Client is the browser strategy. A dial goroutine becomes the writer once
// connected; a second goroutine reads.
type Client struct {
	*channel.ClientBase
	dialer *websocket.Dialer

	mu     sync.Mutex
	cancel context.CancelFunc
	out    chan []byte
}

func NewClient(cfg transport.Config, opts ...channel.Option) (*Client, error) {
	base, err := channel.NewClientBase("ws-client", cfg, 0, opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		ClientBase: base,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
		},
	}, nil
}

func (c *Client) Connect(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.BeginConnect(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.out = make(chan []byte, c.Cfg.SendQueue)
	go c.run(ctx, dialURL(address, c.Cfg.WSPath), c.out)
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

// Send queues payload for the writer. Both lanes are delivered reliably.
func (c *Client) Send(payload []byte, lane transport.Lane) error {
	if err := c.CheckSend(payload, lane); err != nil {
		return err
	}
	buf := c.Pool.Rent(len(payload))
	copy(buf, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		c.Pool.Release(buf)
		return transport.StateError("send", transport.ErrNotConnected)
	}
	select {
	case c.out <- buf:
		return nil
	default:
		c.Pool.Release(buf)
		return transport.CapacityError("send", 0, transport.ErrSendQueueFull)
	}
}

// retire detaches out from Send and releases whatever is still queued.
func (c *Client) retire(out chan []byte) {
	c.mu.Lock()
	if c.out == out {
		c.out = nil
	}
	c.mu.Unlock()
	for {
		select {
		case b := <-out:
			c.Pool.Release(b)
		default:
			return
		}
	}
}

func (c *Client) run(ctx context.Context, url string, out chan []byte) {
	defer func() {
		c.BeginDisconnect()
		c.retire(out)
		c.EmitDisconnected()
	}()

	c.Log.Info("connecting", "url", url)
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() == nil {
			c.EmitError(transport.ConnectionError("dial", 0, err))
		}
		return
	}
	conn.SetReadLimit(int64(c.Cfg.MaxMessageSize))
	if !c.EmitConnected(url) {
		_ = conn.Close()
		return
	}
	c.Log.Info("connected", "url", url)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := c.Opts.Clock.Ticker(c.Cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			<-readErr
			c.Log.Info("disconnected", "url", url)
			return
		case err := <-readErr:
			_ = conn.Close()
			if !isNormalClose(err) {
				c.EmitError(readError(0, err))
			} else {
				c.Log.Info("remote closed", "url", url)
			}
			return
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(c.Cfg.Timeout))
			err := conn.WriteMessage(websocket.BinaryMessage, b)
			c.Pool.Release(b)
			if err != nil {
				c.EmitError(transport.ConnectionError("write", 0, err))
				_ = conn.Close()
				<-readErr
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.Cfg.Timeout)); err != nil {
				c.EmitError(transport.ConnectionError("ping", 0, err))
				_ = conn.Close()
				<-readErr
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.Cfg.Timeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		if mt != websocket.BinaryMessage {
			continue
		}
		c.EmitData(data, transport.LaneReliable)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// readError classifies a failed read: an oversized frame is a capacity
// failure, a missed deadline a timeout, everything else a reset.
func readError(id int, err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return transport.CapacityError("recv", id, transport.ErrMessageTooLarge)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return transport.ConnectionError("recv", id, transport.ErrTimeout)
	}
	return transport.ConnectionError("recv", id, err)
}
