// Package config provides configuration management for rdmalink.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMALINK_* prefix)
//  3. Configuration file (rdmalink.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmalink/rdmalink.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for rdmalink
type Config struct {
	// Device is the RDMA device name. Empty selects the first device.
	Device string `mapstructure:"device" yaml:"device"`

	// IBPort is the physical port of the device, starting at 1
	IBPort int `mapstructure:"ib_port" yaml:"ib_port"`

	// GIDIndex selects the local GID used for the global route
	GIDIndex int `mapstructure:"gid_index" yaml:"gid_index"`

	// BufferSize is the size of the registered buffer, including the
	// terminating NUL
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`

	// TCPPort is the control channel port
	TCPPort string `mapstructure:"tcp_port" yaml:"tcp_port"`

	// ServerAddress is the host a client dials
	ServerAddress string `mapstructure:"server_address" yaml:"server_address"`

	// Backend is one of auto, simulated or hardware
	Backend string `mapstructure:"backend" yaml:"backend"`

	// ConnectTimeout bounds the whole negotiation
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// OpTimeout bounds each data operation and sync. Zero waits forever.
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`

	// DialRetry is the pause between refused dials. Zero disables retries.
	DialRetry time.Duration `mapstructure:"dial_retry" yaml:"dial_retry"`

	// MetricsAddr enables the Prometheus endpoint when set
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Options are command line overrides
type Options struct {
	Device        string
	IBPort        int
	BufferSize    int
	TCPPort       string
	ServerAddress string
	Backend       string
	MetricsAddr   string
	LogLevel      string

	// GIDIndex overrides the GID index when non-nil; 0 is a valid index.
	GIDIndex *int
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmalink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmalink")
		v.AddConfigPath("$HOME/.rdmalink")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMALINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.Device != "" {
		v.Set("device", opts.Device)
	}
	if opts.IBPort != 0 {
		v.Set("ib_port", opts.IBPort)
	}
	if opts.GIDIndex != nil {
		v.Set("gid_index", *opts.GIDIndex)
	}
	if opts.BufferSize != 0 {
		v.Set("buffer_size", opts.BufferSize)
	}
	if opts.TCPPort != "" {
		v.Set("tcp_port", opts.TCPPort)
	}
	if opts.ServerAddress != "" {
		v.Set("server_address", opts.ServerAddress)
	}
	if opts.Backend != "" {
		v.Set("backend", opts.Backend)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics_addr", opts.MetricsAddr)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// RDMA defaults
	v.SetDefault("device", "")
	v.SetDefault("ib_port", rdma.DefaultIBPort)
	v.SetDefault("gid_index", 0)
	v.SetDefault("buffer_size", rdma.DefaultBufferSize)
	v.SetDefault("backend", rdma.BackendAuto)

	// Control channel defaults
	v.SetDefault("tcp_port", "23333")
	v.SetDefault("server_address", "")
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("op_timeout", time.Duration(0))
	v.SetDefault("dial_retry", 200*time.Millisecond)

	// Observability
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *Config) validate() error {
	if c.IBPort < 1 {
		return invalid("ib_port must be at least 1, got %d", c.IBPort)
	}

	if c.GIDIndex < 0 {
		return invalid("gid_index cannot be negative, got %d", c.GIDIndex)
	}

	// One byte is reserved for the terminating NUL.
	if c.BufferSize < 2 {
		return invalid("buffer_size must be at least 2, got %d", c.BufferSize)
	}

	port, err := strconv.ParseUint(c.TCPPort, 10, 16)
	if err != nil {
		return invalid("tcp_port %q is not a port number", c.TCPPort)
	}
	if port == 0 {
		return invalid("tcp_port cannot be 0")
	}

	switch c.Backend {
	case rdma.BackendAuto, rdma.BackendSimulated, rdma.BackendHardware:
	default:
		return invalid("backend must be auto, simulated or hardware, got %q", c.Backend)
	}

	if c.ConnectTimeout < 0 || c.OpTimeout < 0 || c.DialRetry < 0 {
		return invalid("timeouts cannot be negative")
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level %q: %v", c.LogLevel, err)
	}

	return nil
}

// EndpointConfig returns the endpoint settings.
func (c *Config) EndpointConfig() rdma.EndpointConfig {
	return rdma.EndpointConfig{
		IBPort:     c.IBPort,
		GIDIndex:   c.GIDIndex,
		BufferSize: c.BufferSize,
	}
}
