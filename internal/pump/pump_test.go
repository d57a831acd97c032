package pump

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickwire/internal/bufpool"
	"tickwire/internal/transport"
)

type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.records = append(h.records, r)
	h.mu.Unlock()
	return nil
}
func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

type fixture struct {
	queue    *Queue
	pool     *bufpool.Pool
	handlers *transport.Handlers
	logs     *recordHandler
	pump     *Pump
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		queue:    NewQueue(),
		pool:     bufpool.New(8, 64),
		handlers: transport.NewHandlers(),
		logs:     &recordHandler{},
	}
	opts = append([]Option{WithLogger(slog.New(f.logs))}, opts...)
	f.pump = New("test", f.queue, f.pool, f.handlers, opts...)
	return f
}

func (f *fixture) pushData(id int, body string) {
	buf := f.pool.Rent(len(body))
	copy(buf, body)
	f.queue.Enqueue(transport.Data(id, transport.LaneReliable, buf, buf))
}

func TestPump_DispatchesMinOfQueuedAndCap(t *testing.T) {
	for _, tc := range []struct{ n, cap int }{{0, 4}, {3, 4}, {4, 4}, {9, 4}, {5, 0}} {
		f := newFixture()
		var got []int
		f.handlers.OnData(func(id int, _ []byte, _ transport.Lane) { got = append(got, id) })
		for i := 1; i <= tc.n; i++ {
			f.pushData(i, "x")
		}

		n := f.pump.Pump(tc.cap, nil)

		want := min(tc.n, tc.cap)
		require.Equal(t, want, n, "n=%d cap=%d", tc.n, tc.cap)
		require.Len(t, got, want)
		for i, id := range got {
			assert.Equal(t, i+1, id, "FIFO order")
		}
		assert.Equal(t, tc.n-want, f.queue.Len())
	}
}

func TestPump_BackpressureWarningThenResume(t *testing.T) {
	f := newFixture()
	var got []string
	f.handlers.OnData(func(_ int, p []byte, _ transport.Lane) { got = append(got, string(p)) })
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		f.pushData(1, s)
	}

	require.Equal(t, 3, f.pump.Pump(3, nil))
	assert.Equal(t, 2, f.queue.Len())
	assert.Equal(t, 1, f.logs.count(slog.LevelWarn))

	require.Equal(t, 2, f.pump.Pump(3, nil))
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 1, f.logs.count(slog.LevelWarn), "drained pump must not warn")
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestPump_ReleasesEveryBuffer(t *testing.T) {
	f := newFixture()
	seen := 0
	f.handlers.OnData(func(int, []byte, transport.Lane) { seen++ })
	for i := 0; i < 20; i++ {
		f.pushData(1, "payload")
	}
	f.queue.Enqueue(transport.Connected(1, "127.0.0.1:1"))
	require.Equal(t, int64(20), f.pool.Outstanding())

	for f.queue.Len() > 0 {
		f.pump.Pump(6, nil)
	}
	assert.Equal(t, 20, seen)
	assert.Zero(t, f.pool.Outstanding())
}

func TestPump_PanickingCallbackDoesNotStall(t *testing.T) {
	f := newFixture()
	var after []int
	f.handlers.OnData(func(id int, _ []byte, _ transport.Lane) {
		if id == 2 {
			panic("boom")
		}
	})
	f.handlers.OnData(func(id int, _ []byte, _ transport.Lane) { after = append(after, id) })
	for i := 1; i <= 3; i++ {
		f.pushData(i, "x")
	}

	require.Equal(t, 3, f.pump.Pump(10, nil))
	assert.Equal(t, []int{1, 2, 3}, after, "later callbacks still run")
	assert.Zero(t, f.pool.Outstanding())
	assert.Equal(t, 1, f.logs.count(slog.LevelError))
}

func TestPump_LivenessGuardStopsEarly(t *testing.T) {
	f := newFixture()
	live := true
	calls := 0
	f.handlers.OnData(func(int, []byte, transport.Lane) {
		calls++
		if calls == 2 {
			live = false
		}
	})
	for i := 0; i < 5; i++ {
		f.pushData(1, "x")
	}

	n := f.pump.Pump(10, func() bool { return live })
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, f.queue.Len())
	assert.Equal(t, 1, f.logs.count(slog.LevelWarn), "leftover messages warn whatever stopped the loop")

	live = true
	assert.Equal(t, 3, f.pump.Pump(10, func() bool { return live }))
	assert.Equal(t, 1, f.logs.count(slog.LevelWarn))
}

func TestPump_HooksRunAroundHandlers(t *testing.T) {
	var order []string
	f := newFixture(
		WithBeforeDispatch(func(m *transport.Message) { order = append(order, "before:"+m.Kind.String()) }),
		WithAfterDispatch(func(m *transport.Message) { order = append(order, "after:"+m.Kind.String()) }),
	)
	f.handlers.OnDisconnected(func(int) { order = append(order, "handler") })
	f.queue.Enqueue(transport.Disconnected(4))

	f.pump.Pump(1, nil)
	assert.Equal(t, []string{"before:disconnected", "handler", "after:disconnected"}, order)
}

func TestQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := NewQueue()
	const producers, each = 4, 500
	var wg sync.WaitGroup
	for p := 1; p <= producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Enqueue(&transport.Message{Kind: transport.EventData, ConnID: id, Lane: transport.Lane(i % 256)})
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, producers*each, q.Len())
	next := map[int]int{}
	for {
		m, ok := q.Dequeue()
		if !ok {
			break
		}
		assert.Equal(t, transport.Lane(next[m.ConnID]%256), m.Lane)
		next[m.ConnID]++
	}
	for p := 1; p <= producers; p++ {
		assert.Equal(t, each, next[p])
	}
}
