package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Redis: RedisConfig{
			Addresses:    []string{"localhost:6379"},
			PoolSize:     10,
			MinIdleConns: 1,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090},
		Transport: TransportConfig{
			Kind:                 "udp",
			NotifyCharacteristic: "imu",
			UDP:                  UDPConfig{Port: 7400, PeerIdleTimeout: time.Second},
		},
		Pipeline: PipelineConfig{
			ChannelCapacity: 256,
			OverflowPolicy:  "reject",
			RateWindow:      50,
			SampleRateHz:    100,
			Payload:         PayloadConfig{Layout: "float32"},
		},
		Fusion: FusionConfig{Beta: 0.1},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		},
		Registry: RegistryConfig{TTL: time.Minute, StatsInterval: time.Second},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad server port", mutate: func(c *Config) { c.Server.Port = 0 }, errMsg: "invalid port"},
		{name: "no redis addresses", mutate: func(c *Config) { c.Redis.Addresses = nil }, errMsg: "at least one Redis address"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, errMsg: "invalid log level"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, errMsg: "invalid log format"},
		{name: "negative event buffer", mutate: func(c *Config) { c.Logging.EventBuffer = -1 }, errMsg: "event_buffer"},
		{name: "metrics path", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, errMsg: "must start with /"},
		{name: "metrics disabled skips port", mutate: func(c *Config) { c.Metrics = MetricsConfig{} }},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "ble" }, errMsg: "unknown transport kind"},
		{name: "udp idle timeout", mutate: func(c *Config) { c.Transport.UDP.PeerIdleTimeout = 0 }, errMsg: "peer_idle_timeout"},
		{name: "serial baud", mutate: func(c *Config) { c.Transport.Kind = "serial" }, errMsg: "baud rate"},
		{name: "serial ok", mutate: func(c *Config) {
			c.Transport.Kind = "serial"
			c.Transport.Serial = SerialConfig{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N", MaxFrame: 64}
		}},
		{name: "serial parity", mutate: func(c *Config) {
			c.Transport.Kind = "serial"
			c.Transport.Serial = SerialConfig{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "X", MaxFrame: 64}
		}, errMsg: "parity"},
		{name: "mock transport", mutate: func(c *Config) { c.Transport.Kind = "mock" }},
		{name: "missing notify characteristic", mutate: func(c *Config) { c.Transport.NotifyCharacteristic = "" }, errMsg: "notify_characteristic"},
		{name: "zero capacity", mutate: func(c *Config) { c.Pipeline.ChannelCapacity = 0 }, errMsg: "channel_capacity"},
		{name: "bad policy", mutate: func(c *Config) { c.Pipeline.OverflowPolicy = "block" }, errMsg: "overflow_policy"},
		{name: "tiny rate window", mutate: func(c *Config) { c.Pipeline.RateWindow = 1 }, errMsg: "rate_window"},
		{name: "zero sample rate", mutate: func(c *Config) { c.Pipeline.SampleRateHz = 0 }, errMsg: "sample_rate_hz"},
		{name: "int16 without scales", mutate: func(c *Config) { c.Pipeline.Payload.Layout = "int16" }, errMsg: "gyro_scale"},
		{name: "bad magic", mutate: func(c *Config) { c.Pipeline.Payload.Magic = "0xZZ" }, errMsg: "payload magic"},
		{name: "negative beta", mutate: func(c *Config) { c.Fusion.Beta = -1 }, errMsg: "beta"},
		{name: "reconnect delays", mutate: func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }, errMsg: "max_delay"},
		{name: "reconnect disabled", mutate: func(c *Config) { c.Reconnect = ReconnectConfig{} }},
		{name: "stats interval vs ttl", mutate: func(c *Config) { c.Registry.StatsInterval = time.Hour }, errMsg: "shorter than ttl"},
		{name: "duplicate device", mutate: func(c *Config) { c.Devices = []string{"a", "a"} }, errMsg: "duplicate device"},
		{name: "empty device", mutate: func(c *Config) { c.Devices = []string{" "} }, errMsg: "empty device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}
