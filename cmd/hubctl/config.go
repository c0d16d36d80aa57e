package main

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/tcphub/internal/hub"
	"github.com/danmuck/tcphub/internal/protocol/session"
	"github.com/danmuck/tcphub/internal/registry"
)

type fileConfig struct {
	Name                  string            `toml:"name"`
	Addresses             []string          `toml:"addresses"`
	Aliases               map[string]string `toml:"aliases"`
	UserID                string            `toml:"user_id"`
	MetricsAddr           string            `toml:"metrics_addr"`
	WriteBufferSize       int               `toml:"write_buffer_size"`
	RequestTimeout        string            `toml:"request_timeout"`
	RequestTimeoutMS      int64             `toml:"request_timeout_ms"`
	HeartbeatPingPeriod   string            `toml:"heartbeat_ping_period"`
	HeartbeatPingPeriodMS int64             `toml:"heartbeat_ping_period_ms"`
	HeartbeatTimeout      string            `toml:"heartbeat_timeout"`
	HeartbeatTimeoutMS    int64             `toml:"heartbeat_timeout_ms"`
	FailoverTimeout       string            `toml:"failover_timeout"`
	FailoverTimeoutMS     int64             `toml:"failover_timeout_ms"`
	RetryPause            string            `toml:"retry_pause"`
	UnknownTIDWait        string            `toml:"unknown_tid_wait"`
	CloseHandshake        bool              `toml:"close_handshake"`
}

// cliConfig is everything a subcommand needs to open a hub.
type cliConfig struct {
	Hub         hub.Config
	Name        string
	Addresses   []string
	Aliases     map[string]string
	UserID      string
	MetricsAddr string
}

func defaultCLIConfig() cliConfig {
	cfg := hub.DefaultConfig()
	return cliConfig{
		Hub:       cfg,
		Name:      "echo",
		Addresses: []string{"127.0.0.1:9100"},
		Aliases:   map[string]string{},
	}
}

func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load hubctl config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("addresses") {
		cfg.Addresses = normalizeList(raw.Addresses)
	}
	if meta.IsDefined("aliases") {
		for k, v := range raw.Aliases {
			cfg.Aliases[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if meta.IsDefined("user_id") {
		cfg.UserID = strings.TrimSpace(raw.UserID)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("write_buffer_size") {
		cfg.Hub.WriteBufferSize = raw.WriteBufferSize
	}
	if meta.IsDefined("close_handshake") {
		cfg.Hub.CloseHandshake = raw.CloseHandshake
	}

	durations := []struct {
		key, msKey string
		text       string
		ms         int64
		dst        *time.Duration
	}{
		{"request_timeout", "request_timeout_ms", raw.RequestTimeout, raw.RequestTimeoutMS, &cfg.Hub.RequestTimeout},
		{"heartbeat_ping_period", "heartbeat_ping_period_ms", raw.HeartbeatPingPeriod, raw.HeartbeatPingPeriodMS, &cfg.Hub.HeartbeatPingPeriod},
		{"heartbeat_timeout", "heartbeat_timeout_ms", raw.HeartbeatTimeout, raw.HeartbeatTimeoutMS, &cfg.Hub.HeartbeatTimeout},
		{"failover_timeout", "failover_timeout_ms", raw.FailoverTimeout, raw.FailoverTimeoutMS, &cfg.Hub.FailoverTimeout},
	}
	for _, d := range durations {
		if meta.IsDefined(d.key) {
			v, err := time.ParseDuration(strings.TrimSpace(d.text))
			if err != nil {
				return cliConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
			}
			*d.dst = v
		}
		if meta.IsDefined(d.msKey) {
			*d.dst = time.Duration(d.ms) * time.Millisecond
		}
	}
	if meta.IsDefined("retry_pause") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.RetryPause))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse retry_pause: %w", err)
		}
		cfg.Hub.RetryBackoff = session.FixedBackoff(v)
	}
	if meta.IsDefined("unknown_tid_wait") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.UnknownTIDWait))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse unknown_tid_wait: %w", err)
		}
		cfg.Hub.UnknownTIDWait = v
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return cliConfig{}, fmt.Errorf("load hubctl config: unknown keys %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// newRegistry builds an address registry holding the configured aliases.
func (c cliConfig) newRegistry() (*registry.Registry, error) {
	reg := registry.New()
	names := make([]string, 0, len(c.Aliases))
	for name := range c.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		host, portRaw, err := net.SplitHostPort(c.Aliases[name])
		if err != nil {
			return nil, fmt.Errorf("%w: alias %s: %v", registry.ErrConfiguration, name, err)
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: alias %s: port %q", registry.ErrConfiguration, name, portRaw)
		}
		if err := reg.SetAlias(name, host, port); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
