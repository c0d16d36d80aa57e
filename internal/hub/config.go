package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/tcphub/internal/protocol/frame"
	"github.com/danmuck/tcphub/internal/protocol/session"
)

const (
	DefaultWriteBufferSize     = 2 << 20
	DefaultReadBufferSize      = 64 << 10
	DefaultRequestTimeout      = 10 * time.Second
	DefaultHeartbeatPingPeriod = 5 * time.Second
	DefaultHeartbeatTimeout    = 20 * time.Second
	DefaultFailoverTimeout     = 2 * time.Second
	DefaultConnectRetryPause   = 250 * time.Millisecond
	DefaultUnknownTIDWait      = 3 * time.Second
	DefaultUnknownTIDPoll      = 10 * time.Millisecond
	DefaultWriteStallTimeout   = 5 * time.Second
	DefaultCloseAckTimeout     = time.Second
	DefaultMonitorInterval     = time.Second
	DefaultConnectTimeout      = 5 * time.Second
)

// Config holds hub tuning. Zero durations and sizes are replaced by defaults in WithDefaults.
// RetryBackoff paces connect attempts against the same address. RetiredTIDTTL defaults to four
// times UnknownTIDWait.
type Config struct {
	Name                string
	WriteBufferSize     int
	ReadBufferSize      int
	MaxFrameBytes       int
	RequestTimeout      time.Duration
	HeartbeatPingPeriod time.Duration
	HeartbeatTimeout    time.Duration
	MonitorInterval     time.Duration
	FailoverTimeout     time.Duration
	ConnectTimeout      time.Duration
	RetryBackoff        session.BackoffConfig
	UnknownTIDWait      time.Duration
	UnknownTIDPoll      time.Duration
	RetiredTIDTTL       time.Duration
	WriteStallTimeout   time.Duration
	CloseHandshake      bool
	CloseAckTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteBufferSize:     DefaultWriteBufferSize,
		ReadBufferSize:      DefaultReadBufferSize,
		MaxFrameBytes:       frame.MaxLength,
		RequestTimeout:      DefaultRequestTimeout,
		HeartbeatPingPeriod: DefaultHeartbeatPingPeriod,
		HeartbeatTimeout:    DefaultHeartbeatTimeout,
		MonitorInterval:     DefaultMonitorInterval,
		FailoverTimeout:     DefaultFailoverTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		RetryBackoff:        session.FixedBackoff(DefaultConnectRetryPause),
		UnknownTIDWait:      DefaultUnknownTIDWait,
		UnknownTIDPoll:      DefaultUnknownTIDPoll,
		WriteStallTimeout:   DefaultWriteStallTimeout,
		CloseHandshake:      true,
		CloseAckTimeout:     DefaultCloseAckTimeout,
	}
}

// WithDefaults fills unset fields. CloseHandshake is left as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Name = strings.TrimSpace(c.Name)
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxFrameBytes <= 0 || c.MaxFrameBytes > frame.MaxLength {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HeartbeatPingPeriod <= 0 {
		c.HeartbeatPingPeriod = d.HeartbeatPingPeriod
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.FailoverTimeout <= 0 {
		c.FailoverTimeout = d.FailoverTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RetryBackoff.InitialDelay <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.UnknownTIDWait <= 0 {
		c.UnknownTIDWait = d.UnknownTIDWait
	}
	if c.UnknownTIDPoll <= 0 {
		c.UnknownTIDPoll = d.UnknownTIDPoll
	}
	if c.RetiredTIDTTL <= 0 {
		c.RetiredTIDTTL = 4 * c.UnknownTIDWait
	}
	if c.WriteStallTimeout <= 0 {
		c.WriteStallTimeout = d.WriteStallTimeout
	}
	if c.CloseAckTimeout <= 0 {
		c.CloseAckTimeout = d.CloseAckTimeout
	}
	return c
}

var errInvalidConfig = errors.New("hub: invalid config")

// Validate checks relationships between fields after defaults are applied.
func (c Config) Validate() error {
	if c.HeartbeatPingPeriod >= c.HeartbeatTimeout {
		return fmt.Errorf(
			"%w: heartbeat_ping_period=%s must be below heartbeat_timeout=%s",
			errInvalidConfig,
			c.HeartbeatPingPeriod,
			c.HeartbeatTimeout,
		)
	}
	if c.UnknownTIDPoll > c.UnknownTIDWait {
		return fmt.Errorf("%w: unknown_tid_poll exceeds unknown_tid_wait", errInvalidConfig)
	}
	return nil
}

func (c Config) frameLimits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.MaxFrameBytes}
}

func (c Config) dialTimeout() time.Duration {
	return min(c.ConnectTimeout, c.FailoverTimeout)
}
