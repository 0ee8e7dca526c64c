package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpstack/pkg/tcp"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.yaml")
	content := `
stack:
  localAddr: 192.168.5.10
  mss: 1400
  congestionAlgorithm: reno
  enableSack: true
metrics:
  enabled: true
  listenAddress: ":9200"
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))

	assert.Equal(t, "192.168.5.10", cfg.Stack.LocalAddr)
	assert.Equal(t, 1400, cfg.Stack.MSS)
	assert.Equal(t, "reno", cfg.Stack.CongestionAlgorithm)
	assert.True(t, cfg.Stack.EnableSACK)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.ListenAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, 65535, cfg.Stack.ReceiveWindow)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.json")
	content := `{"stack": {"localAddr": "172.16.0.1", "mss": 1200}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	assert.Equal(t, "172.16.0.1", cfg.Stack.LocalAddr)
	assert.Equal(t, 1200, cfg.Stack.MSS)
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, LoadFromFile("/nonexistent/stack.yaml", cfg))

	dir := t.TempDir()
	path := filepath.Join(dir, "stack.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))
	assert.Error(t, LoadFromFile(path, cfg))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TCP_LOCAL_ADDR", "10.9.8.7")
	t.Setenv("TCP_MSS", "1300")
	t.Setenv("TCP_CONGESTION", "reno")
	t.Setenv("TCP_KEEPALIVE", "1")
	t.Setenv("TCP_ENABLE_TIMESTAMPS", "false")
	t.Setenv("METRICS_ENABLED", "true")
	t.Setenv("LOGGING_LEVEL", "warn")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "10.9.8.7", cfg.Stack.LocalAddr)
	assert.Equal(t, 1300, cfg.Stack.MSS)
	assert.Equal(t, "reno", cfg.Stack.CongestionAlgorithm)
	assert.True(t, cfg.Stack.KeepAlive)
	assert.False(t, cfg.Stack.EnableTimestamps)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad address", func(c *Config) { c.Stack.LocalAddr = "not-an-ip" }},
		{"ipv6 address", func(c *Config) { c.Stack.LocalAddr = "::1" }},
		{"mss too small", func(c *Config) { c.Stack.MSS = 10 }},
		{"window scale too large", func(c *Config) { c.Stack.WindowScale = 15 }},
		{"unknown algorithm", func(c *Config) { c.Stack.CongestionAlgorithm = "vegas" }},
		{"zero receive window", func(c *Config) { c.Stack.ReceiveWindow = 0 }},
		{"zero reassembly limit", func(c *Config) { c.Stack.ReassemblyLimit = 0 }},
		{"zero tick", func(c *Config) { c.Stack.TickIntervalMS = 0 }},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBuildStackConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stack.LocalAddr = "10.1.2.3"
	cfg.Stack.CongestionAlgorithm = "cubic"
	cfg.Stack.TickIntervalMS = 25

	sc, err := cfg.BuildStackConfig()
	require.NoError(t, err)
	assert.Equal(t, [4]byte{10, 1, 2, 3}, sc.LocalAddr)
	assert.Equal(t, uint16(1460), sc.MSS)
	assert.Equal(t, tcp.Cubic, sc.Algorithm)
	assert.Equal(t, 25*time.Millisecond, sc.TickInterval)
	assert.True(t, sc.EnableWindowScale)

	cfg.Stack.LocalAddr = "bogus"
	_, err = cfg.BuildStackConfig()
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "stack.yaml")

	cfg := DefaultConfig()
	cfg.Stack.MSS = 1234
	require.NoError(t, cfg.SaveToFile(path))

	loaded := DefaultConfig()
	require.NoError(t, LoadFromFile(path, loaded))
	assert.Equal(t, 1234, loaded.Stack.MSS)
}
