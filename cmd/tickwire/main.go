// Command tickwire runs the transport host.
//
// It starts:
// - a KCP server on UDP (two lanes, reliable and unreliable),
// - a WebSocket server for stream-only clients,
// - the host engine that ticks and pumps both servers and echoes payloads, and
// - the status endpoint with Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tickwire/internal/channel"
	"tickwire/internal/config"
	"tickwire/internal/engine"
	"tickwire/internal/kcp"
	"tickwire/internal/metrics"
	"tickwire/internal/packetlog"
	"tickwire/internal/state"
	"tickwire/internal/status"
	"tickwire/internal/transport"
	"tickwire/internal/ws"
)

const version = "0.1.0"

func fatal(msg string, err error, attrs ...any) {
	args := make([]any, 0, 2+len(attrs))
	args = append(args, "err", err)
	args = append(args, attrs...)
	slog.Error(msg, args...)
	os.Exit(1)
}

func preflightPort(network string, port int) error {
	addr := fmt.Sprintf(":%d", port)
	switch network {
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("port %d unavailable for tcp listen: %w", port, err)
		}
		_ = ln.Close()
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("port %d unavailable for udp listen: %w", port, err)
		}
		_ = pc.Close()
	}
	return nil
}

func newLogger(cfg config.Config, runID string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("run_id", runID)
}

func main() {
	// Set up logging first so early failures are captured consistently.
	runID := packetlog.MakeRunID()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("run_id", runID))

	cfg, err := config.Load()
	if err != nil {
		fatal("config load failed", err)
	}
	slog.SetDefault(newLogger(cfg, runID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown watch: once a shutdown signal is received, allow a bounded window
	// for goroutines to exit cleanly before forcing termination.
	go func() {
		<-ctx.Done()
		t := time.NewTimer(30 * time.Second)
		defer t.Stop()
		<-t.C
		slog.Error("shutdown timed out after 30s, forcing exit")
		os.Exit(2)
	}()

	slog.Info(
		"starting tickwire",
		"version", version,
		"kcp_port", cfg.KCPPort,
		"ws_port", cfg.WSPort,
		"status_port", cfg.StatusPort,
		"tick", cfg.Transport.TickInterval.String(),
	)

	var pl *packetlog.Logger
	if cfg.TelemetryPath != "" {
		pl, err = packetlog.New(cfg.TelemetryPath, runID)
		if err != nil {
			fatal("open ndjson telemetry file failed", err, "path", cfg.TelemetryPath)
		}
		defer func() { _ = pl.Close() }()
		slog.Info("ndjson telemetry enabled", "path", cfg.TelemetryPath)
	} else {
		slog.Info("ndjson telemetry disabled (default); set TW_TELEMETRY_NDJSON_PATH to enable")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		fatal("metrics init failed", err)
	}
	opts := []channel.Option{channel.WithLogger(slog.Default()), channel.WithMetrics(m)}

	// Fail fast with a clear message if a port is already bound by another process.
	if err := preflightPort("udp", cfg.KCPPort); err != nil {
		fatal("kcp port preflight failed", err, "port", cfg.KCPPort)
	}
	if cfg.WSPort != 0 {
		if err := preflightPort("tcp", cfg.WSPort); err != nil {
			fatal("ws port preflight failed", err, "port", cfg.WSPort)
		}
	}

	var servers []transport.Server
	kcpServer, err := kcp.NewServer(cfg.Transport, opts...)
	if err != nil {
		fatal("kcp server init failed", err)
	}
	if err := kcpServer.Start(cfg.KCPPort); err != nil {
		fatal("kcp server start failed", err, "port", cfg.KCPPort)
	}
	servers = append(servers, kcpServer)

	if cfg.WSPort != 0 {
		wsServer, err := ws.NewServer(cfg.Transport, opts...)
		if err != nil {
			fatal("ws server init failed", err)
		}
		if err := wsServer.Start(cfg.WSPort); err != nil {
			fatal("ws server start failed", err, "port", cfg.WSPort)
		}
		servers = append(servers, wsServer)
	}
	defer func() {
		var err error
		for _, srv := range servers {
			err = multierr.Append(err, srv.Close())
		}
		if err != nil {
			slog.Warn("server close failed", "err", err)
		}
	}()

	peers := state.NewPeerStore()
	eng, err := engine.New(engine.Config{
		TickInterval:  cfg.Transport.TickInterval,
		MaxPerTick:    cfg.MaxPerTick,
		MaxSessionAge: cfg.MaxSessionAge,
		SweepEvery:    cfg.SweepEvery,
	}, servers, peers, pl, nil)
	if err != nil {
		fatal("engine init error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.StatusPort != 0 {
		st, err := status.New(fmt.Sprintf(":%d", cfg.StatusPort), func() status.Data {
			return statusData(runID, servers, eng)
		}, reg)
		if err != nil {
			fatal("status server init failed", err, "port", cfg.StatusPort)
		}
		g.Go(func() error { return st.Serve(gctx) })
	}

	if err := g.Wait(); err != nil {
		fatal("tickwire stopped with error", err)
	}
	slog.Info("shutdown requested")
}

func statusData(runID string, servers []transport.Server, eng *engine.Engine) status.Data {
	now := time.Now().UTC()
	stats := eng.Stats()
	d := status.Data{
		Version:     version,
		RunID:       runID,
		ServerTime:  now.Format(time.RFC3339),
		PeersOnline: stats.PeersOnline,
	}
	for _, srv := range servers {
		row := status.ServerRow{Name: srv.Name(), Connections: stats.Connections[srv.Name()]}
		if a := srv.Addr(); a != nil {
			row.Addr = a.String()
		}
		d.Servers = append(d.Servers, row)
	}
	for _, p := range eng.Peers() {
		d.Peers = append(d.Peers, status.PeerRow{
			Server:   p.Server,
			ID:       p.ID,
			Remote:   p.Remote,
			Uptime:   now.Sub(p.ConnectedAt).Truncate(time.Second).String(),
			BytesIn:  p.BytesIn,
			BytesOut: p.BytesOut,
			Evicted:  !p.EvictedAt.IsZero(),
		})
	}
	return d
}
