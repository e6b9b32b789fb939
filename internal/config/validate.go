package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if c.Fusion.Beta < 0 {
		return fmt.Errorf("fusion config: beta must not be negative")
	}

	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, id := range c.Devices {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("devices: empty device id")
		}
		if seen[id] {
			return fmt.Errorf("devices: duplicate device id %q", id)
		}
		seen[id] = true
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis DB: %d", r.DB)
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 || r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns must be between 0 and pool_size")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("log output is required")
	}

	if l.RateLogInterval < 0 {
		return fmt.Errorf("rate_log_interval must not be negative")
	}

	if l.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must not be negative")
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", m.Port)
	}

	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}

	return nil
}

func (t *TransportConfig) Validate() error {
	switch t.Kind {
	case "udp":
		if t.UDP.Port < 1 || t.UDP.Port > 65535 {
			return fmt.Errorf("invalid udp port: %d", t.UDP.Port)
		}
		if t.UDP.PeerIdleTimeout <= 0 {
			return fmt.Errorf("udp peer_idle_timeout must be positive")
		}
	case "serial":
		if t.Serial.BaudRate <= 0 {
			return fmt.Errorf("invalid serial baud rate: %d", t.Serial.BaudRate)
		}
		if t.Serial.DataBits < 5 || t.Serial.DataBits > 8 {
			return fmt.Errorf("invalid serial data bits: %d", t.Serial.DataBits)
		}
		if t.Serial.StopBits != 1 && t.Serial.StopBits != 2 {
			return fmt.Errorf("invalid serial stop bits: %d", t.Serial.StopBits)
		}
		switch t.Serial.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("invalid serial parity: %q", t.Serial.Parity)
		}
		if t.Serial.MaxFrame < 3 {
			return fmt.Errorf("serial max_frame must be at least 3")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown transport kind: %q", t.Kind)
	}

	if t.NotifyCharacteristic == "" {
		return fmt.Errorf("notify_characteristic is required")
	}

	return nil
}

func (p *PipelineConfig) Validate() error {
	if p.ChannelCapacity < 1 {
		return fmt.Errorf("channel_capacity must be at least 1")
	}

	switch p.OverflowPolicy {
	case "reject", "drop_oldest":
	default:
		return fmt.Errorf("invalid overflow_policy: %q", p.OverflowPolicy)
	}

	if p.RateWindow < 2 {
		return fmt.Errorf("rate_window must be at least 2")
	}

	if p.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive")
	}

	return p.Payload.Validate()
}

func (p *PayloadConfig) Validate() error {
	switch p.Layout {
	case "float32":
	case "int16":
		if p.GyroScale == 0 || p.AccelScale == 0 {
			return fmt.Errorf("int16 payload requires gyro_scale and accel_scale")
		}
	default:
		return fmt.Errorf("unknown payload layout: %q", p.Layout)
	}

	if _, err := hex.DecodeString(strings.TrimPrefix(p.Magic, "0x")); err != nil {
		return fmt.Errorf("invalid payload magic: %w", err)
	}

	return nil
}

func (r *ReconnectConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be positive")
	}

	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("max_delay must be at least initial_delay")
	}

	if r.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1")
	}

	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1")
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if r.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be positive")
	}

	if r.StatsInterval >= r.TTL {
		return fmt.Errorf("stats_interval must be shorter than ttl")
	}

	return nil
}
