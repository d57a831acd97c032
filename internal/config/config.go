package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tickwire/internal/transport"
)

const (
	defaultConfigName = "config"
)

type Config struct {
	KCPPort    int
	WSPort     int
	StatusPort int

	Transport transport.Config

	// MaxPerTick caps how many events each server pump dispatches per tick.
	MaxPerTick int

	// MaxSessionAge disconnects peers older than this; zero disables the sweep.
	MaxSessionAge time.Duration
	SweepEvery    time.Duration

	// TelemetryPath enables NDJSON telemetry when set. Leave empty to disable file logging.
	TelemetryPath string

	LogLevel  slog.Level
	LogFormat string

	Probe Probe
}

// Probe configures cmd/tickwire-probe.
type Probe struct {
	Platform transport.Platform
	Address  string
	Count    int
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvPrefix("TW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; env-only is fine.
	_ = v.ReadInConfig()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	d := transport.DefaultConfig()

	v.SetDefault("kcp.port", 7777)
	v.SetDefault("ws.port", 7778)
	v.SetDefault("ws.path", d.WSPath)
	v.SetDefault("status.port", 7779)

	v.SetDefault("transport.max_message_size", d.MaxMessageSize)
	v.SetDefault("transport.mtu", d.MTU)
	v.SetDefault("transport.send_window", d.SendWindow)
	v.SetDefault("transport.recv_window", d.RecvWindow)
	v.SetDefault("transport.max_retransmit", d.MaxRetransmit)
	v.SetDefault("transport.fast_resend", d.FastResend)
	v.SetDefault("transport.no_delay", d.NoDelay)
	v.SetDefault("transport.congestion_control", d.CongestionControl)
	v.SetDefault("transport.timeout", d.Timeout)
	v.SetDefault("transport.tick_interval", d.TickInterval)
	v.SetDefault("transport.ping_interval", d.PingInterval)
	v.SetDefault("transport.pool_max", d.PoolMax)
	v.SetDefault("transport.ingress_buffer", d.IngressBuffer)
	v.SetDefault("transport.send_queue", d.SendQueue)

	v.SetDefault("pump.max_per_tick", 256)
	v.SetDefault("engine.max_session_age", 0)
	v.SetDefault("engine.sweep_every", time.Second)

	v.SetDefault("telemetry.ndjson_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("probe.platform", "native")
	v.SetDefault("probe.address", "127.0.0.1:7777")
	v.SetDefault("probe.count", 10)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		KCPPort:    v.GetInt("kcp.port"),
		WSPort:     v.GetInt("ws.port"),
		StatusPort: v.GetInt("status.port"),
		Transport: transport.Config{
			MaxMessageSize:    v.GetInt("transport.max_message_size"),
			MTU:               v.GetInt("transport.mtu"),
			SendWindow:        v.GetInt("transport.send_window"),
			RecvWindow:        v.GetInt("transport.recv_window"),
			MaxRetransmit:     v.GetInt("transport.max_retransmit"),
			FastResend:        v.GetInt("transport.fast_resend"),
			NoDelay:           v.GetBool("transport.no_delay"),
			CongestionControl: v.GetBool("transport.congestion_control"),
			Timeout:           v.GetDuration("transport.timeout"),
			TickInterval:      v.GetDuration("transport.tick_interval"),
			PingInterval:      v.GetDuration("transport.ping_interval"),
			PoolMax:           v.GetInt("transport.pool_max"),
			IngressBuffer:     v.GetInt("transport.ingress_buffer"),
			SendQueue:         v.GetInt("transport.send_queue"),
			WSPath:            strings.TrimSpace(v.GetString("ws.path")),
		},
		MaxPerTick:    v.GetInt("pump.max_per_tick"),
		MaxSessionAge: v.GetDuration("engine.max_session_age"),
		SweepEvery:    v.GetDuration("engine.sweep_every"),
		TelemetryPath: strings.TrimSpace(v.GetString("telemetry.ndjson_path")),
		LogFormat:     strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
		Probe: Probe{
			Address: strings.TrimSpace(v.GetString("probe.address")),
			Count:   v.GetInt("probe.count"),
		},
	}

	if cfg.KCPPort <= 0 || cfg.KCPPort > 65535 {
		return Config{}, fmt.Errorf("invalid kcp.port %d", cfg.KCPPort)
	}
	// ws.port and status.port may be 0 to disable the listener.
	if cfg.WSPort < 0 || cfg.WSPort > 65535 {
		return Config{}, fmt.Errorf("invalid ws.port %d", cfg.WSPort)
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		return Config{}, fmt.Errorf("invalid status.port %d", cfg.StatusPort)
	}
	if cfg.WSPort != 0 && (cfg.WSPort == cfg.StatusPort) {
		return Config{}, fmt.Errorf("ws.port and status.port must differ, both %d", cfg.WSPort)
	}
	if !strings.HasPrefix(cfg.Transport.WSPath, "/") {
		return Config{}, fmt.Errorf("ws.path must start with /, got %q", cfg.Transport.WSPath)
	}
	if err := cfg.Transport.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.MaxPerTick <= 0 {
		return Config{}, fmt.Errorf("pump.max_per_tick must be positive, got %d", cfg.MaxPerTick)
	}
	if cfg.MaxSessionAge < 0 {
		return Config{}, fmt.Errorf("engine.max_session_age must not be negative")
	}
	if cfg.MaxSessionAge > 0 && cfg.SweepEvery <= 0 {
		return Config{}, fmt.Errorf("engine.sweep_every must be positive when engine.max_session_age is set")
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return Config{}, fmt.Errorf("invalid log.level: %w", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("log.format must be text or json, got %q", cfg.LogFormat)
	}

	p, err := transport.ParsePlatform(v.GetString("probe.platform"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid probe.platform: %w", err)
	}
	cfg.Probe.Platform = p
	if cfg.Probe.Count < 0 {
		return Config{}, fmt.Errorf("probe.count must not be negative")
	}

	if cfg.TelemetryPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.TelemetryPath), 0o755); err != nil {
			return Config{}, fmt.Errorf("create telemetry dir: %w", err)
		}
	}
	return cfg, nil
}
