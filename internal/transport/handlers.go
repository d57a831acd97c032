package transport

import "sync"

type (
	ConnectedFunc    func(id int, addr string)
	DataFunc         func(id int, payload []byte, lane Lane)
	DisconnectedFunc func(id int)
	ErrorFunc        func(id int, err error)
)

// Handle identifies one registered callback.
type Handle uint64

type entry[F any] struct {
	h  Handle
	fn F
}

// Handlers is the subscription list of a channel. Callbacks run synchronously
// in registration order, and only from the pump's dispatch step.
type Handlers struct {
	mu   sync.Mutex
	next Handle

	connected    []entry[ConnectedFunc]
	data         []entry[DataFunc]
	disconnected []entry[DisconnectedFunc]
	failed       []entry[ErrorFunc]
}

func NewHandlers() *Handlers { return &Handlers{} }

func (h *Handlers) nextHandle() Handle {
	h.next++
	return h.next
}

func (h *Handlers) OnConnected(fn ConnectedFunc) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextHandle()
	h.connected = append(h.connected, entry[ConnectedFunc]{id, fn})
	return id
}

func (h *Handlers) OnData(fn DataFunc) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextHandle()
	h.data = append(h.data, entry[DataFunc]{id, fn})
	return id
}

func (h *Handlers) OnDisconnected(fn DisconnectedFunc) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextHandle()
	h.disconnected = append(h.disconnected, entry[DisconnectedFunc]{id, fn})
	return id
}

func (h *Handlers) OnError(fn ErrorFunc) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextHandle()
	h.failed = append(h.failed, entry[ErrorFunc]{id, fn})
	return id
}

// Remove unregisters a callback. It reports false for unknown handles.
func (h *Handlers) Remove(id Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ok bool
	h.connected, ok = removeEntry(h.connected, id)
	if ok {
		return true
	}
	h.data, ok = removeEntry(h.data, id)
	if ok {
		return true
	}
	h.disconnected, ok = removeEntry(h.disconnected, id)
	if ok {
		return true
	}
	h.failed, ok = removeEntry(h.failed, id)
	return ok
}

func removeEntry[F any](list []entry[F], id Handle) ([]entry[F], bool) {
	for i, e := range list {
		if e.h == id {
			out := make([]entry[F], 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

// Dispatch invokes every callback registered for msg.Kind. Each callback runs
// under guard, which lets the caller recover panics per callback. Callbacks
// may register or remove handlers; changes apply from the next message.
func (h *Handlers) Dispatch(msg *Message, guard func(fn func())) {
	if guard == nil {
		guard = func(fn func()) { fn() }
	}
	h.mu.Lock()
	connected := h.connected
	data := h.data
	disconnected := h.disconnected
	failed := h.failed
	h.mu.Unlock()

	switch msg.Kind {
	case EventConnected:
		for _, e := range connected {
			guard(func() { e.fn(msg.ConnID, msg.Addr) })
		}
	case EventData:
		for _, e := range data {
			guard(func() { e.fn(msg.ConnID, msg.Payload, msg.Lane) })
		}
	case EventDisconnected:
		for _, e := range disconnected {
			guard(func() { e.fn(msg.ConnID) })
		}
	case EventError:
		for _, e := range failed {
			guard(func() { e.fn(msg.ConnID, msg.Err) })
		}
	}
}
