// Package config loads process configuration from YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"lamport-multicast/internal/logger"
	"lamport-multicast/internal/message"
	"lamport-multicast/internal/multicast"
	"lamport-multicast/internal/netutil"
	"lamport-multicast/internal/transport"
)

// minDatagramSize fits the frame of a maximum-size DATA record.
const minDatagramSize = message.MaxEncodedSize + transport.FrameHeaderSize

// Config holds all configuration for one process.
type Config struct {
	Process   ProcessConfig   `yaml:"process"`
	Peers     []PeerConfig    `yaml:"peers"`
	Multicast MulticastConfig `yaml:"multicast"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
}

// ProcessConfig identifies the local process.
type ProcessConfig struct {
	ID int `yaml:"id"`
	// ListenAddr defaults to :8000+id.
	ListenAddr string `yaml:"listen_addr"`
}

// PeerConfig is one statically configured group member.
type PeerConfig struct {
	ID   int    `yaml:"id"`
	Addr string `yaml:"addr"`
}

// MulticastConfig holds acknowledgement and ordering settings.
type MulticastConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// "total" or "fifo"
	Ordering string `yaml:"ordering"`
}

// TransportConfig tunes the UDP transport.
type TransportConfig struct {
	// MaxDatagramSize must fit a full-size message; 0 means the default.
	MaxDatagramSize int `yaml:"max_datagram_size"`
	// Bodies at least this large are compressed; negative disables.
	CompressThreshold int           `yaml:"compress_threshold"`
	SendRate          float64       `yaml:"send_rate"`
	SendBurst         int           `yaml:"send_burst"`
	Breaker           BreakerConfig `yaml:"breaker"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
}

// BreakerConfig tunes the per-destination circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig selects log level, format and an optional log file.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Process: ProcessConfig{
			ID: 0,
		},
		Peers: []PeerConfig{},
		Multicast: MulticastConfig{
			AckTimeout:    multicast.DefaultAckTimeout,
			SweepInterval: multicast.DefaultSweepInterval,
			MaxRetries:    multicast.DefaultMaxRetries,
			ShutdownGrace: multicast.DefaultShutdownGrace,
			Ordering:      multicast.OrderingTotal.String(),
		},
		Transport: TransportConfig{
			MaxDatagramSize:   transport.DefaultMaxDatagramSize,
			CompressThreshold: transport.DefaultCompressThreshold,
			SendBurst:         64,
			Breaker: BreakerConfig{
				FailureThreshold: transport.DefaultBreakerFailures,
				ResetTimeout:     transport.DefaultBreakerReset,
			},
			ReadTimeout: transport.DefaultReadTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ListenAddr returns the configured listen address or the id-derived default.
func (c *Config) ListenAddr() string {
	if c.Process.ListenAddr != "" {
		return c.Process.ListenAddr
	}
	return netutil.DefaultListenAddr(c.Process.ID)
}

// PeerIDs returns the configured peer ids in file order.
func (c *Config) PeerIDs() []int {
	ids := make([]int, len(c.Peers))
	for i, p := range c.Peers {
		ids[i] = p.ID
	}
	return ids
}

// MulticastOptions converts the multicast section for the protocol core.
func (c *Config) MulticastOptions() (multicast.Config, error) {
	ordering, err := multicast.ParseOrdering(c.Multicast.Ordering)
	if err != nil {
		return multicast.Config{}, err
	}
	return multicast.Config{
		AckTimeout:    c.Multicast.AckTimeout,
		SweepInterval: c.Multicast.SweepInterval,
		MaxRetries:    c.Multicast.MaxRetries,
		ShutdownGrace: c.Multicast.ShutdownGrace,
		Ordering:      ordering,
	}, nil
}

// UDPOptions converts the transport section.
func (c *Config) UDPOptions() transport.UDPConfig {
	return transport.UDPConfig{
		MaxDatagramSize:   c.Transport.MaxDatagramSize,
		CompressThreshold: c.Transport.CompressThreshold,
		SendRate:          c.Transport.SendRate,
		SendBurst:         c.Transport.SendBurst,
		BreakerFailures:   c.Transport.Breaker.FailureThreshold,
		BreakerReset:      c.Transport.Breaker.ResetTimeout,
		ReadTimeout:       c.Transport.ReadTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Process.ID < 0 {
		return fmt.Errorf("process.id cannot be negative")
	}
	if _, err := net.ResolveUDPAddr("udp4", c.ListenAddr()); err != nil {
		return fmt.Errorf("process.listen_addr: %w", err)
	}

	seen := make(map[int]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID < 0 {
			return fmt.Errorf("peers: id cannot be negative")
		}
		if p.ID == c.Process.ID {
			return fmt.Errorf("peers: process %d lists itself", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("peers: duplicate id %d", p.ID)
		}
		seen[p.ID] = true
		if _, err := netutil.ResolveUDP4(p.Addr); err != nil {
			return fmt.Errorf("peers[%d]: %w", p.ID, err)
		}
	}

	if c.Multicast.AckTimeout <= 0 {
		return fmt.Errorf("multicast.ack_timeout must be positive")
	}
	if c.Multicast.SweepInterval <= 0 {
		return fmt.Errorf("multicast.sweep_interval must be positive")
	}
	if c.Multicast.MaxRetries < 0 {
		return fmt.Errorf("multicast.max_retries cannot be negative")
	}
	if c.Multicast.ShutdownGrace < 0 {
		return fmt.Errorf("multicast.shutdown_grace cannot be negative")
	}
	if _, err := multicast.ParseOrdering(c.Multicast.Ordering); err != nil {
		return fmt.Errorf("multicast.ordering: %w", err)
	}

	if c.Transport.MaxDatagramSize < 0 || c.Transport.MaxDatagramSize > 65507 {
		return fmt.Errorf("transport.max_datagram_size must be between 0 and 65507")
	}
	// Compression cannot be relied on: escaped control characters stay
	// large under s2.
	if size := c.Transport.MaxDatagramSize; size != 0 && size < minDatagramSize {
		return fmt.Errorf("transport.max_datagram_size %d cannot hold a full-size message (need %d)", size, minDatagramSize)
	}
	if c.Transport.SendRate < 0 {
		return fmt.Errorf("transport.send_rate cannot be negative")
	}
	if c.Transport.SendBurst < 0 {
		return fmt.Errorf("transport.send_burst cannot be negative")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logger.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
