package pump

import (
	"fmt"
	"log/slog"

	"tickwire/internal/bufpool"
	"tickwire/internal/metrics"
	"tickwire/internal/transport"
)

type Option func(*Pump)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pump) { p.metrics = m }
}

// WithBeforeDispatch runs fn on the consumer goroutine before the handlers
// see a message.
func WithBeforeDispatch(fn func(*transport.Message)) Option {
	return func(p *Pump) { p.before = fn }
}

// WithAfterDispatch runs fn after the handlers returned and before the
// payload buffer is released.
func WithAfterDispatch(fn func(*transport.Message)) Option {
	return func(p *Pump) { p.after = fn }
}

type Pump struct {
	name     string
	queue    *Queue
	pool     *bufpool.Pool
	handlers *transport.Handlers

	before func(*transport.Message)
	after  func(*transport.Message)

	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(name string, q *Queue, pool *bufpool.Pool, h *transport.Handlers, opts ...Option) *Pump {
	p := &Pump{
		name:     name,
		queue:    q,
		pool:     pool,
		handlers: h,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("channel", name)
	return p
}

// Pump dispatches up to maxPerTick messages in FIFO order and returns how many
// were dispatched. isLive is checked before every dispatch; nil means always
// live. Pump never fails: callback panics are recovered and logged.
func (p *Pump) Pump(maxPerTick int, isLive func() bool) int {
	n := 0
	stoppedByGuard := false
	for n < maxPerTick {
		if isLive != nil && !isLive() {
			stoppedByGuard = true
			break
		}
		msg, ok := p.queue.Dequeue()
		if !ok {
			break
		}
		p.dispatch(msg)
		n++
	}

	left := p.queue.Len()
	p.metrics.QueueDepth(p.name, left)
	if left > 0 {
		stoppedBy := "max_per_tick"
		if stoppedByGuard {
			stoppedBy = "liveness"
		}
		p.metrics.Backpressure(p.name)
		p.log.Warn("sustained backpressure: inbound queue not drained",
			"dispatched", n, "queued", left, "max_per_tick", maxPerTick, "stopped_by", stoppedBy)
	}
	return n
}

func (p *Pump) dispatch(msg *transport.Message) {
	defer func() {
		if msg.Kind == transport.EventData && msg.Buffer != nil && p.pool != nil {
			p.pool.Release(msg.Buffer)
		}
		msg.Buffer = nil
		msg.Payload = nil
	}()

	p.guard(func() {
		if p.before != nil {
			p.before(msg)
		}
	})
	if p.handlers != nil {
		p.handlers.Dispatch(msg, p.guard)
	}
	p.guard(func() {
		if p.after != nil {
			p.after(msg)
		}
	})
	p.metrics.Dispatched(p.name, msg.Kind.String())
}

func (p *Pump) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.CallbackPanic(p.name)
			p.log.Error("consumer callback panicked", "err", fmt.Sprint(r))
		}
	}()
	fn()
}

// Queue exposes the queue producers push into.
func (p *Pump) Queue() *Queue { return p.queue }
