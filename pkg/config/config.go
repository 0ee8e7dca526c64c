// Package config provides configuration handling for the userspace TCP stack.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/tcpstack/pkg/logging"
	"github.com/irctrakz/tcpstack/pkg/tcp"
	"gopkg.in/yaml.v3"
)

// Config represents the complete stack configuration.
type Config struct {
	// Stack contains the TCP stack configuration.
	Stack StackConfig `json:"stack" yaml:"stack"`

	// Metrics contains the metrics endpoint configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// StackConfig contains configuration for the TCP stack itself.
type StackConfig struct {
	// LocalAddr is the IPv4 address the stack answers for.
	LocalAddr string `json:"localAddr" yaml:"localAddr"`

	// MSS is the maximum segment size advertised on SYN.
	MSS int `json:"mss" yaml:"mss"`

	// WindowScale is the window-scale shift offered on SYN (0-14).
	WindowScale int `json:"windowScale" yaml:"windowScale"`

	// EnableWindowScale offers the window-scale option on SYN.
	EnableWindowScale bool `json:"enableWindowScale" yaml:"enableWindowScale"`

	// EnableSACK offers SACK-permitted on SYN.
	EnableSACK bool `json:"enableSack" yaml:"enableSack"`

	// EnableTimestamps offers the timestamps option on SYN.
	EnableTimestamps bool `json:"enableTimestamps" yaml:"enableTimestamps"`

	// CongestionAlgorithm selects the congestion controller (reno, cubic).
	CongestionAlgorithm string `json:"congestionAlgorithm" yaml:"congestionAlgorithm"`

	// ReceiveWindow is the local receive window in bytes.
	ReceiveWindow int `json:"receiveWindow" yaml:"receiveWindow"`

	// ReassemblyLimit caps buffered out-of-order segments per connection.
	ReassemblyLimit int `json:"reassemblyLimit" yaml:"reassemblyLimit"`

	// KeepAlive enables keep-alive probing on idle connections.
	KeepAlive bool `json:"keepAlive" yaml:"keepAlive"`

	// TickIntervalMS is the timer tick period in milliseconds.
	TickIntervalMS int `json:"tickIntervalMs" yaml:"tickIntervalMs"`

	// PcapFile, when set, captures all segments to this file.
	PcapFile string `json:"pcapFile" yaml:"pcapFile"`
}

// MetricsConfig contains configuration for the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the HTTP metrics endpoint on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddress is the host:port the metrics server binds.
	ListenAddress string `json:"listenAddress" yaml:"listenAddress"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Stack: StackConfig{
			LocalAddr:           "10.0.0.1",
			MSS:                 1460,
			WindowScale:         7,
			EnableWindowScale:   true,
			EnableSACK:          true,
			EnableTimestamps:    true,
			CongestionAlgorithm: "cubic",
			ReceiveWindow:       65535,
			ReassemblyLimit:     64,
			KeepAlive:           false,
			TickIntervalMS:      50,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9100",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Stack config
	if val := os.Getenv("TCP_LOCAL_ADDR"); val != "" {
		config.Stack.LocalAddr = val
	}
	if val := os.Getenv("TCP_MSS"); val != "" {
		if mss, err := strconv.Atoi(val); err == nil {
			config.Stack.MSS = mss
		}
	}
	if val := os.Getenv("TCP_WINDOW_SCALE"); val != "" {
		if ws, err := strconv.Atoi(val); err == nil {
			config.Stack.WindowScale = ws
		}
	}
	if val := os.Getenv("TCP_ENABLE_WINDOW_SCALE"); val != "" {
		config.Stack.EnableWindowScale = val == "true" || val == "1"
	}
	if val := os.Getenv("TCP_ENABLE_SACK"); val != "" {
		config.Stack.EnableSACK = val == "true" || val == "1"
	}
	if val := os.Getenv("TCP_ENABLE_TIMESTAMPS"); val != "" {
		config.Stack.EnableTimestamps = val == "true" || val == "1"
	}
	if val := os.Getenv("TCP_CONGESTION"); val != "" {
		config.Stack.CongestionAlgorithm = val
	}
	if val := os.Getenv("TCP_RECEIVE_WINDOW"); val != "" {
		if rw, err := strconv.Atoi(val); err == nil {
			config.Stack.ReceiveWindow = rw
		}
	}
	if val := os.Getenv("TCP_REASSEMBLY_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.ReassemblyLimit = n
		}
	}
	if val := os.Getenv("TCP_KEEPALIVE"); val != "" {
		config.Stack.KeepAlive = val == "true" || val == "1"
	}
	if val := os.Getenv("TCP_TICK_INTERVAL_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Stack.TickIntervalMS = ms
		}
	}
	if val := os.Getenv("TCP_PCAP"); val != "" {
		config.Stack.PcapFile = val
	}

	// Metrics config
	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		config.Metrics.ListenAddress = val
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Stack config
	ip := net.ParseIP(c.Stack.LocalAddr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid local IPv4 address: %s", c.Stack.LocalAddr)
	}
	if c.Stack.MSS < 64 || c.Stack.MSS > 65495 {
		return fmt.Errorf("invalid MSS: %d", c.Stack.MSS)
	}
	if c.Stack.WindowScale < 0 || c.Stack.WindowScale > 14 {
		return fmt.Errorf("invalid window scale shift: %d", c.Stack.WindowScale)
	}
	switch strings.ToLower(c.Stack.CongestionAlgorithm) {
	case "reno", "cubic", "bbr":
		// Known algorithms
	default:
		return fmt.Errorf("invalid congestion algorithm: %s", c.Stack.CongestionAlgorithm)
	}
	if c.Stack.ReceiveWindow <= 0 {
		return fmt.Errorf("invalid receive window: %d", c.Stack.ReceiveWindow)
	}
	if c.Stack.ReassemblyLimit <= 0 {
		return fmt.Errorf("invalid reassembly limit: %d", c.Stack.ReassemblyLimit)
	}
	if c.Stack.TickIntervalMS <= 0 {
		return fmt.Errorf("invalid tick interval: %d", c.Stack.TickIntervalMS)
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics enabled but no listen address set")
	}

	// Validate Logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// BuildStackConfig converts the file-level stack section into the runtime
// configuration consumed by tcp.NewStack.
func (c *Config) BuildStackConfig() (tcp.StackConfig, error) {
	ip := net.ParseIP(c.Stack.LocalAddr)
	if ip == nil {
		return tcp.StackConfig{}, fmt.Errorf("invalid local IPv4 address: %s", c.Stack.LocalAddr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return tcp.StackConfig{}, fmt.Errorf("local address is not IPv4: %s", c.Stack.LocalAddr)
	}

	var addr [4]byte
	copy(addr[:], ip4)

	cfg := tcp.StackConfig{
		LocalAddr:         addr,
		MSS:               uint16(c.Stack.MSS),
		WindowScale:       uint8(c.Stack.WindowScale),
		EnableWindowScale: c.Stack.EnableWindowScale,
		EnableSACK:        c.Stack.EnableSACK,
		EnableTimestamps:  c.Stack.EnableTimestamps,
		Algorithm:         tcp.AlgorithmByName(c.Stack.CongestionAlgorithm),
		ReceiveWindow:     uint32(c.Stack.ReceiveWindow),
		OOOLimit:          c.Stack.ReassemblyLimit,
		KeepAlive:         c.Stack.KeepAlive,
		PcapPath:          c.Stack.PcapFile,
	}
	if c.Stack.TickIntervalMS > 0 {
		cfg.TickInterval = time.Duration(c.Stack.TickIntervalMS) * time.Millisecond
	}
	return cfg, nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	logging.SetLevel(logging.ParseLevel(c.Logging.Level))

	// Enable file logging if configured
	if c.Logging.File != "" {
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	// Create directory if it doesn't exist
	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		dir := path[:lastSlash]
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
