package channel

import (
	"log/slog"

	"tickwire/internal/bufpool"
	"tickwire/internal/pump"
	"tickwire/internal/transport"
)

// ClientBase carries the state machine, queue and pump of one client
// strategy. The embedding strategy owns the network goroutine and produces
// events through the Emit helpers.
type ClientBase struct {
	Cfg  transport.Config
	Opts Options
	Log  *slog.Logger
	Pool *bufpool.Pool

	state    transport.StateMachine
	queue    *pump.Queue
	handlers *transport.Handlers
	pump     *pump.Pump
}

// NewClientBase builds the shared client state. headroom is the framing a
// strategy prepends to a payload before it queues it for the network
// goroutine; the largest pool class leaves room for it.
func NewClientBase(name string, cfg transport.Config, headroom int, opts []Option) (*ClientBase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := Apply(opts)
	b := &ClientBase{
		Cfg:      cfg,
		Opts:     o,
		Log:      o.Logger.With("channel", name),
		Pool:     bufpool.New(cfg.PoolMax, cfg.MTU, cfg.MaxMessageSize+headroom),
		queue:    pump.NewQueue(),
		handlers: transport.NewHandlers(),
	}
	b.pump = pump.New(name, b.queue, b.Pool, b.handlers,
		pump.WithLogger(o.Logger),
		pump.WithMetrics(o.Metrics),
		pump.WithBeforeDispatch(b.beforeDispatch),
	)
	return b, nil
}

// beforeDispatch completes teardown once the consumer reaches the terminal
// Disconnected event; only then may Connect succeed again.
func (b *ClientBase) beforeDispatch(msg *transport.Message) {
	if msg.Kind == transport.EventDisconnected {
		b.state.Finish()
	}
}

func (b *ClientBase) State() transport.State { return b.state.Load() }

func (b *ClientBase) Events() *transport.Handlers { return b.handlers }

func (b *ClientBase) Pump(maxPerTick int, isLive func() bool) int {
	return b.pump.Pump(maxPerTick, isLive)
}

// BeginConnect claims the NotConnected -> Connecting edge.
func (b *ClientBase) BeginConnect() error {
	if !b.state.BeginConnect() {
		return transport.StateError("connect", transport.ErrAlreadyActive)
	}
	return nil
}

// BeginDisconnect reports whether the caller should start teardown.
func (b *ClientBase) BeginDisconnect() bool {
	return b.state.BeginDisconnect()
}

// CheckSend validates a send before any I/O.
func (b *ClientBase) CheckSend(payload []byte, lane transport.Lane) error {
	if b.state.Load() != transport.StateConnected {
		return transport.StateError("send", transport.ErrNotConnected)
	}
	if !lane.Valid() {
		lane = transport.LaneReliable
	}
	if len(payload) > b.Cfg.MaxPayload(lane) {
		return transport.CapacityError("send", 0, transport.ErrMessageTooLarge)
	}
	return nil
}

// EmitConnected marks the handshake complete and queues Connected. It
// reports false when a disconnect won the race.
func (b *ClientBase) EmitConnected(addr string) bool {
	if !b.state.Established() {
		return false
	}
	b.queue.Enqueue(transport.Connected(0, addr))
	return true
}

// EmitData copies payload into a pooled buffer and queues it.
func (b *ClientBase) EmitData(payload []byte, lane transport.Lane) {
	buf := b.Pool.Rent(len(payload))
	copy(buf, payload)
	b.queue.Enqueue(transport.Data(0, lane, buf, buf))
}

// EmitOwnedData queues a buffer the caller rented; ownership moves to the pump.
func (b *ClientBase) EmitOwnedData(buf, payload []byte, lane transport.Lane) {
	b.queue.Enqueue(transport.Data(0, lane, buf, payload))
}

// EmitError forces Disconnecting and queues the error ahead of Disconnected.
func (b *ClientBase) EmitError(err error) {
	b.state.BeginDisconnect()
	b.queue.Enqueue(transport.Failed(0, err))
}

// EmitDisconnected is the network goroutine's last action.
func (b *ClientBase) EmitDisconnected() {
	b.state.BeginDisconnect()
	b.queue.Enqueue(transport.Disconnected(0))
}
