// Command tickwire-probe connects to a tickwire host, sends a burst of
// payloads on both lanes and reports how many echoes came back.
//
// The client strategy follows probe.platform: native speaks KCP over UDP,
// browser speaks WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickwire/internal/channel"
	"tickwire/internal/clients"
	"tickwire/internal/config"
	"tickwire/internal/packetlog"
	"tickwire/internal/transport"
)

func fatal(msg string, err error, attrs ...any) {
	args := make([]any, 0, 2+len(attrs))
	args = append(args, "err", err)
	args = append(args, attrs...)
	slog.Error(msg, args...)
	os.Exit(1)
}

type result struct {
	sent     map[transport.Lane]int
	received map[transport.Lane]int
	rtt      []time.Duration
	errs     int
}

func main() {
	runID := packetlog.MakeRunID()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("run_id", runID, "role", "probe"))

	cfg, err := config.Load()
	if err != nil {
		fatal("config load failed", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := clients.New(cfg.Probe.Platform, cfg.Transport, channel.WithLogger(slog.Default()))
	if err != nil {
		fatal("client init failed", err, "platform", cfg.Probe.Platform.String())
	}

	res := result{sent: map[transport.Lane]int{}, received: map[transport.Lane]int{}}
	inflight := map[string]time.Time{}
	done := false

	c.Events().OnConnected(func(_ int, addr string) {
		slog.Info("probe connected", "addr", addr, "platform", cfg.Probe.Platform.String())
		for i := 0; i < cfg.Probe.Count; i++ {
			lane := transport.LaneReliable
			if i%2 == 1 {
				lane = transport.LaneUnreliable
			}
			msg := fmt.Sprintf("probe-%d", i)
			if err := c.Send([]byte(msg), lane); err != nil {
				slog.Warn("probe send failed", "seq", i, "lane", lane.String(), "err", err)
				continue
			}
			inflight[msg] = time.Now()
			res.sent[lane]++
		}
	})
	c.Events().OnData(func(_ int, payload []byte, lane transport.Lane) {
		msg := string(payload)
		if at, ok := inflight[msg]; ok {
			res.rtt = append(res.rtt, time.Since(at))
			delete(inflight, msg)
		}
		res.received[lane]++
		if len(inflight) == 0 {
			c.Disconnect()
		}
	})
	c.Events().OnError(func(_ int, err error) {
		res.errs++
		slog.Warn("probe transport error", "kind", transport.KindOf(err).String(), "err", err)
	})
	c.Events().OnDisconnected(func(int) { done = true })

	if err := c.Connect(cfg.Probe.Address); err != nil {
		fatal("connect failed", err, "addr", cfg.Probe.Address)
	}

	deadline := time.Now().Add(cfg.Transport.Timeout)
	tick := time.NewTicker(cfg.Transport.TickInterval)
	defer tick.Stop()
	stopped := ctx.Done()
	for !done {
		select {
		case <-stopped:
			stopped = nil
			c.Disconnect()
		case <-tick.C:
			if time.Now().After(deadline) && c.State() == transport.StateConnected {
				slog.Warn("probe deadline reached", "missing", len(inflight))
				c.Disconnect()
			}
		}
		c.Pump(cfg.MaxPerTick, nil)
	}

	var total time.Duration
	for _, d := range res.rtt {
		total += d
	}
	avg := time.Duration(0)
	if len(res.rtt) > 0 {
		avg = total / time.Duration(len(res.rtt))
	}
	slog.Info("probe finished",
		"sent_reliable", res.sent[transport.LaneReliable],
		"sent_unreliable", res.sent[transport.LaneUnreliable],
		"recv_reliable", res.received[transport.LaneReliable],
		"recv_unreliable", res.received[transport.LaneUnreliable],
		"lost", len(inflight),
		"avg_rtt", avg.String(),
		"errors", res.errs,
	)
	if res.errs > 0 || len(inflight) > 0 {
		os.Exit(1)
	}
}
