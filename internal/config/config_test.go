package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Len(t, cfg.Nodes, 3)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.HealthCheckInterval)
	assert.Equal(t, 3, cfg.Coordinator.MaxFailures)
	assert.Equal(t, 3, cfg.Coordinator.MaxRetries)
	assert.Equal(t, 2, cfg.Coordinator.ReplicationFactor)
	assert.Equal(t, 50, cfg.Node.WorkerPoolSize)
	assert.Equal(t, []string{"QA", "Graphic", "Development"}, cfg.Node.Departments)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.yaml")
	doc := `
coordinator:
  health_check_interval: 250ms
  max_failures: 2
nodes:
  - id: a
    addr: 127.0.0.1:7001
  - id: b
    addr: 127.0.0.1:7002
users:
  alice:
    role: employee
    department: QA
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.HealthCheckInterval)
	assert.Equal(t, 2, cfg.Coordinator.MaxFailures)
	// untouched keys keep their defaults
	assert.Equal(t, 3*time.Second, cfg.Coordinator.ConnectTimeout)
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, "127.0.0.1:7002", cfg.Nodes[1].Addr)
	assert.Equal(t, UserConfig{Role: "employee", Department: "QA"}, cfg.Users["alice"])

	n, ok := cfg.NodeByID("a")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7001", n.Addr)
	_, ok = cfg.NodeByID("zzz")
	assert.False(t, ok)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COORDINATOR_ADDR", ":9999")
	t.Setenv("NODE_DATA_DIR", "/tmp/depot")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Coordinator.ListenAddr)
	assert.Equal(t, "/tmp/depot", cfg.Node.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no nodes", func(c *Config) { c.Nodes = nil }},
		{"duplicate id", func(c *Config) { c.Nodes[1].ID = c.Nodes[0].ID }},
		{"duplicate addr", func(c *Config) { c.Nodes[1].Addr = c.Nodes[0].Addr }},
		{"missing addr", func(c *Config) { c.Nodes[0].Addr = "" }},
		{"zero interval", func(c *Config) { c.Coordinator.HealthCheckInterval = 0 }},
		{"zero retries", func(c *Config) { c.Coordinator.MaxRetries = 0 }},
		{"zero workers", func(c *Config) { c.Node.WorkerPoolSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
