package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"tickwire/internal/packetlog"
	"tickwire/internal/state"
	"tickwire/internal/transport"
)

type Config struct {
	TickInterval  time.Duration
	MaxPerTick    int
	MaxSessionAge time.Duration
	SweepEvery    time.Duration
}

type Engine struct {
	cfg   Config
	clock clock.Clock

	servers []transport.Server
	byName  map[string]transport.Server
	peers   *state.PeerStore
	log     *packetlog.Logger
}

type Stats struct {
	PeersOnline int
	Connections map[string]int
}

func New(cfg Config, servers []transport.Server, peers *state.PeerStore, log *packetlog.Logger, clk clock.Clock) (*Engine, error) {
	if len(servers) == 0 {
		return nil, errors.New("engine: no servers")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("engine: tick interval must be positive, got %s", cfg.TickInterval)
	}
	if cfg.MaxPerTick <= 0 {
		return nil, fmt.Errorf("engine: max per tick must be positive, got %d", cfg.MaxPerTick)
	}
	if peers == nil {
		peers = state.NewPeerStore()
	}
	if clk == nil {
		clk = clock.New()
	}
	e := &Engine{
		cfg:     cfg,
		clock:   clk,
		servers: servers,
		byName:  make(map[string]transport.Server, len(servers)),
		peers:   peers,
		log:     log,
	}
	for _, srv := range servers {
		if _, dup := e.byName[srv.Name()]; dup {
			return nil, fmt.Errorf("engine: duplicate server name %q", srv.Name())
		}
		e.byName[srv.Name()] = srv
		e.attach(srv)
	}
	return e, nil
}

func (e *Engine) Stats() Stats {
	out := Stats{
		PeersOnline: e.peers.Count(),
		Connections: make(map[string]int, len(e.servers)),
	}
	for _, srv := range e.servers {
		out.Connections[srv.Name()] = srv.Connections()
	}
	return out
}

func (e *Engine) Peers() []state.Peer { return e.peers.List() }

func (e *Engine) attach(srv transport.Server) {
	name := srv.Name()
	h := srv.Events()

	h.OnConnected(func(id int, remote string) {
		e.peers.Upsert(state.PeerKey{Server: name, ID: id}, remote, e.clock.Now().UTC())
		slog.Info("client connected", "server", name, "conn_id", id, "remote", remote)
		e.log.Log(packetlog.Record{Type: "connected", Server: name, ConnID: id, Remote: remote})
	})

	h.OnData(func(id int, payload []byte, lane transport.Lane) {
		key := state.PeerKey{Server: name, ID: id}
		rec := packetlog.Record{
			Type:      "data",
			Direction: "in",
			Server:    name,
			ConnID:    id,
			Lane:      lane.String(),
			Length:    len(payload),
		}
		if e.peers.IsEvicted(key) {
			// Hard session cap: evicted sessions get no replies.
			slog.Warn("dropping data from evicted peer", "server", name, "conn_id", id, "len", len(payload))
			rec.Message = "drop: evicted"
			e.log.Log(rec)
			return
		}
		out := 0
		if err := srv.Send(id, payload, lane); err != nil {
			slog.Warn("echo failed", "server", name, "conn_id", id, "lane", lane.String(), "len", len(payload), "err", err)
			rec.Message = fmt.Sprintf("echo err=%v", err)
		} else {
			out = len(payload)
		}
		e.peers.AddTraffic(key, len(payload), out)
		e.log.Log(rec)
	})

	h.OnDisconnected(func(id int) {
		if !e.peers.Remove(state.PeerKey{Server: name, ID: id}) {
			slog.Warn("client disconnected but not present in PeerStore", "server", name, "conn_id", id)
		}
		slog.Info("client disconnected", "server", name, "conn_id", id)
		e.log.Log(packetlog.Record{Type: "disconnected", Server: name, ConnID: id})
	})

	h.OnError(func(id int, err error) {
		slog.Warn("transport error", "server", name, "conn_id", id, "kind", transport.KindOf(err).String(), "err", err)
		e.log.Log(packetlog.Record{Type: "error", Server: name, ConnID: id, Message: err.Error()})
	})
}

func (e *Engine) Run(ctx context.Context) error {
	names := make([]string, 0, len(e.servers))
	for _, srv := range e.servers {
		names = append(names, srv.Name())
	}
	e.log.Log(packetlog.Record{
		Type:    "startup",
		Message: fmt.Sprintf("engine start servers=%v tick=%s max_per_tick=%d", names, e.cfg.TickInterval, e.cfg.MaxPerTick),
	})

	tick := e.clock.Ticker(e.cfg.TickInterval)
	defer tick.Stop()

	var sweepC <-chan time.Time
	if e.cfg.MaxSessionAge > 0 && e.cfg.SweepEvery > 0 {
		sweep := e.clock.Ticker(e.cfg.SweepEvery)
		defer sweep.Stop()
		sweepC = sweep.C
	}

	live := func() bool { return ctx.Err() == nil }
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-tick.C:
			e.Step(live)
		case now := <-sweepC:
			e.Sweep(now.UTC())
		}
	}
}

// Step ticks and pumps every server once.
func (e *Engine) Step(isLive func() bool) int {
	n := 0
	for _, srv := range e.servers {
		srv.Tick()
		n += srv.Pump(e.cfg.MaxPerTick, isLive)
	}
	return n
}

// Sweep disconnects peers connected longer than MaxSessionAge.
func (e *Engine) Sweep(now time.Time) []state.PeerKey {
	evicted := e.peers.SweepEvict(now, e.cfg.MaxSessionAge)
	for _, key := range evicted {
		slog.Warn("peer evicted due to max session age", "server", key.Server, "conn_id", key.ID, "max_age", e.cfg.MaxSessionAge.String())
		e.log.Log(packetlog.Record{Type: "evict", Server: key.Server, ConnID: key.ID})
		srv := e.byName[key.Server]
		if srv == nil {
			continue
		}
		if err := srv.Disconnect(key.ID); err != nil {
			slog.Warn("evict disconnect failed", "server", key.Server, "conn_id", key.ID, "err", err)
		}
	}
	return evicted
}
