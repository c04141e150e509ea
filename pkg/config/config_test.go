package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := FromViper(NewViper(""))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.BrokerHost)
	assert.Equal(t, DefaultSendPort, cfg.SendPort)
	assert.Equal(t, DefaultFetchPort, cfg.FetchPort)
	assert.Equal(t, 1024, cfg.MaxMsgSize)
	assert.Equal(t, 5*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.FrameTimeout)
	assert.Equal(t, 120*time.Second, cfg.MsgTTLDefault)
	assert.Equal(t, time.Second, cfg.RefreshInterval)
	assert.Equal(t, 3, cfg.MaxTries)
	assert.False(t, cfg.ServeConcurrently)
	assert.Equal(t, "localhost:18181", cfg.SendAddr())
	assert.Equal(t, "localhost:18182", cfg.FetchAddr())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	content := `
broker_host: 127.0.0.1
send_port: 19001
fetch_port: 19002
network_timeout: 2
refresh_interval: 250ms
msg_ttl_default: 1.5
queue_max_len: 10
serve_concurrently: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BrokerHost)
	assert.Equal(t, 19001, cfg.SendPort)
	assert.Equal(t, 19002, cfg.FetchPort)
	assert.Equal(t, 2*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.RefreshInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.MsgTTLDefault)
	assert.Equal(t, 10, cfg.QueueMaxLen)
	assert.True(t, cfg.ServeConcurrently)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("EMP_SEND_PORT", "20001")
	t.Setenv("EMP_NETWORK_TIMEOUT", "750ms")
	t.Setenv("EMP_MAX_TRIES", "5")

	cfg, err := FromViper(NewViper(""))
	require.NoError(t, err)

	assert.Equal(t, 20001, cfg.SendPort)
	assert.Equal(t, 750*time.Millisecond, cfg.NetworkTimeout)
	assert.Equal(t, 5, cfg.MaxTries)
}

func TestLoadWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("send_port: 19001\nfetch_port: 19002\n"), 0o600))
	t.Setenv("EMP_FETCH_PORT", "19003")

	cfg, err := LoadWithOverrides(path, map[string]any{
		"send_port":       19005,
		"network_timeout": "3s",
	})
	require.NoError(t, err)

	assert.Equal(t, 19005, cfg.SendPort)
	assert.Equal(t, 19003, cfg.FetchPort)
	assert.Equal(t, 3*time.Second, cfg.NetworkTimeout)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("EMP_MAX_MSG_SIZE=2048\nEMP_QUEUE_MAX_LEN=7\n"), 0o600))
	t.Setenv("EMP_QUEUE_MAX_LEN", "9")
	t.Cleanup(func() { os.Unsetenv("EMP_MAX_MSG_SIZE") })

	require.NoError(t, LoadDotEnv(path))
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
	require.NoError(t, LoadDotEnv(""))

	cfg, err := FromViper(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.MaxMsgSize)
	assert.Equal(t, 9, cfg.QueueMaxLen, "process env wins over .env")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty host", func(c *Config) { c.BrokerHost = "" }},
		{"port out of range", func(c *Config) { c.SendPort = 70000 }},
		{"same ports", func(c *Config) { c.FetchPort = c.SendPort }},
		{"zero max size", func(c *Config) { c.MaxMsgSize = 0 }},
		{"zero timeout", func(c *Config) { c.NetworkTimeout = 0 }},
		{"zero accept timeout", func(c *Config) { c.AcceptTimeout = 0 }},
		{"zero frame timeout", func(c *Config) { c.FrameTimeout = 0 }},
		{"zero ttl", func(c *Config) { c.MsgTTLDefault = 0 }},
		{"zero refresh", func(c *Config) { c.RefreshInterval = 0 }},
		{"no tries", func(c *Config) { c.MaxTries = 0 }},
		{"negative bound", func(c *Config) { c.QueueMaxLen = -1 }},
		{"negative accept rate", func(c *Config) { c.AcceptRate = -1 }},
		{"rate without burst", func(c *Config) { c.AcceptRate = 10; c.AcceptBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("ephemeral ports", func(t *testing.T) {
		cfg := Default()
		cfg.SendPort, cfg.FetchPort = 0, 0
		assert.NoError(t, cfg.Validate())
	})
}
