package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Transport TransportConfig `mapstructure:"transport"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fusion    FusionConfig    `mapstructure:"fusion"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Devices   []string        `mapstructure:"devices"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Addr returns the host:port the HTTP API listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.ListenAddr, s.Port)
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days

	// Minimum spacing between rate and orientation log lines per device.
	RateLogInterval time.Duration `mapstructure:"rate_log_interval"`
	// Pipeline events queued for the log and metrics sinks before new
	// ones are discarded.
	EventBuffer int `mapstructure:"event_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// TransportConfig selects how notifications reach the service.
type TransportConfig struct {
	Kind                  string       `mapstructure:"kind"` // udp, serial or mock
	NotifyCharacteristic  string       `mapstructure:"notify_characteristic"`
	CommandCharacteristic string       `mapstructure:"command_characteristic"`
	StartCommand          string       `mapstructure:"start_command"` // written once per session after subscribing
	UDP                   UDPConfig    `mapstructure:"udp"`
	Serial                SerialConfig `mapstructure:"serial"`
}

type UDPConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	BufferSize      int           `mapstructure:"buffer_size"`
	PeerIdleTimeout time.Duration `mapstructure:"peer_idle_timeout"`
}

type SerialConfig struct {
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"` // N, E or O
	MaxFrame int    `mapstructure:"max_frame"`
}

// PipelineConfig tunes the per-session ingestion pipeline.
type PipelineConfig struct {
	ChannelCapacity int           `mapstructure:"channel_capacity"`
	OverflowPolicy  string        `mapstructure:"overflow_policy"` // reject or drop_oldest
	RateWindow      int           `mapstructure:"rate_window"`
	SampleRateHz    float64       `mapstructure:"sample_rate_hz"`
	Payload         PayloadConfig `mapstructure:"payload"`
}

// NominalInterval is the sample spacing assumed when no measured interval is
// available.
func (p PipelineConfig) NominalInterval() time.Duration {
	if p.SampleRateHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / p.SampleRateHz)
}

type PayloadConfig struct {
	Layout     string  `mapstructure:"layout"` // float32 or int16
	Magic      string  `mapstructure:"magic"`  // hex prefix, optional
	GyroScale  float64 `mapstructure:"gyro_scale"`
	AccelScale float64 `mapstructure:"accel_scale"`
}

type FusionConfig struct {
	Beta float64 `mapstructure:"beta"`
}

type ReconnectConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       float64       `mapstructure:"jitter"`
	MaxRetries   int           `mapstructure:"max_retries"` // 0 retries forever
}

type RegistryConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Environment variable override
	v.SetEnvPrefix("SENSORLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_addr", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.rate_log_interval", "5s")
	v.SetDefault("logging.event_buffer", 4096)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// Transport defaults
	v.SetDefault("transport.kind", "udp")
	v.SetDefault("transport.notify_characteristic", "imu")
	v.SetDefault("transport.command_characteristic", "command")
	v.SetDefault("transport.udp.listen_addr", "0.0.0.0")
	v.SetDefault("transport.udp.port", 7400)
	v.SetDefault("transport.udp.buffer_size", 1<<20)
	v.SetDefault("transport.udp.peer_idle_timeout", "5s")
	v.SetDefault("transport.serial.baud_rate", 115200)
	v.SetDefault("transport.serial.data_bits", 8)
	v.SetDefault("transport.serial.stop_bits", 1)
	v.SetDefault("transport.serial.parity", "N")
	v.SetDefault("transport.serial.max_frame", 512)

	// Pipeline defaults
	v.SetDefault("pipeline.channel_capacity", 256)
	v.SetDefault("pipeline.overflow_policy", "reject")
	v.SetDefault("pipeline.rate_window", 50)
	v.SetDefault("pipeline.sample_rate_hz", 100.0)
	v.SetDefault("pipeline.payload.layout", "float32")
	v.SetDefault("pipeline.payload.magic", "")
	v.SetDefault("pipeline.payload.gyro_scale", 1.0)
	v.SetDefault("pipeline.payload.accel_scale", 1.0)

	// Fusion defaults
	v.SetDefault("fusion.beta", 0.1)

	// Reconnect defaults
	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.initial_delay", "500ms")
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.jitter", 0.1)
	v.SetDefault("reconnect.max_retries", 0)

	// Registry defaults
	v.SetDefault("registry.ttl", "1m")
	v.SetDefault("registry.stats_interval", "2s")
}
