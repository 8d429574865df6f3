// Package config loads the settings shared by the coordinator and storage node
// binaries. Values come from defaults, then an optional YAML file, then a few
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/depot/internal/cluster"
	"github.com/dreamware/depot/internal/logger"
)

// Config is the root of the YAML document.
type Config struct {
	Log         logger.Config         `yaml:"log"`
	Coordinator CoordinatorConfig     `yaml:"coordinator"`
	Node        NodeConfig            `yaml:"node"`
	Nodes       []cluster.NodeInfo    `yaml:"nodes"`
	Users       map[string]UserConfig `yaml:"users"`
}

// CoordinatorConfig holds the coordinator's timing and replication settings.
type CoordinatorConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	LoadUpdateInterval  time.Duration `yaml:"load_update_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	SocketTimeout       time.Duration `yaml:"socket_timeout"`
	MaxFailures         int           `yaml:"max_failures"`
	MaxRetries          int           `yaml:"max_retries"`
	ReplicationFactor   int           `yaml:"replication_factor"`
	Cooldown            time.Duration `yaml:"cooldown"`
	// EditLockLease bounds how long an edit lock survives without being
	// refreshed. Zero keeps locks until they are released.
	EditLockLease time.Duration `yaml:"edit_lock_lease"`
	// RepairBytesPerSec throttles failover and repair pushes. Zero disables it.
	RepairBytesPerSec int     `yaml:"repair_bytes_per_sec"`
	APIRateLimit      float64 `yaml:"api_rate_limit"`
	APIBurst          int     `yaml:"api_burst"`
}

// NodeConfig holds storage node settings. Every node in Nodes shares them;
// each node keeps its files under DataDir/<node id>.
type NodeConfig struct {
	DataDir        string        `yaml:"data_dir"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	SocketTimeout  time.Duration `yaml:"socket_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	Departments    []string      `yaml:"departments"`
	// MetricsAddr serves /metrics/<node id> for every node in the process.
	MetricsAddr string `yaml:"metrics_addr"`
}

// UserConfig describes one identity for the static permission policy.
type UserConfig struct {
	Role       string `yaml:"role"`
	Department string `yaml:"department"`
}

// Default returns a configuration matching a three node local cluster.
func Default() Config {
	return Config{
		Log: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Coordinator: CoordinatorConfig{
			ListenAddr:          ":8080",
			HealthCheckInterval: 5 * time.Second,
			LoadUpdateInterval:  2 * time.Second,
			ConnectTimeout:      3 * time.Second,
			SocketTimeout:       5 * time.Second,
			MaxFailures:         3,
			MaxRetries:          3,
			ReplicationFactor:   2,
			Cooldown:            5 * time.Second,
			EditLockLease:       5 * time.Minute,
			APIRateLimit:        200,
			APIBurst:            50,
		},
		Node: NodeConfig{
			DataDir:        "data",
			WorkerPoolSize: 50,
			SocketTimeout:  30 * time.Second,
			IdleTimeout:    10 * time.Second,
			ReapInterval:   5 * time.Second,
			Departments:    []string{"QA", "Graphic", "Development"},
			MetricsAddr:    ":9100",
		},
		Nodes: []cluster.NodeInfo{
			{ID: "node-1", Addr: "127.0.0.1:5001"},
			{ID: "node-2", Addr: "127.0.0.1:5002"},
			{ID: "node-3", Addr: "127.0.0.1:5003"},
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COORDINATOR_ADDR"); v != "" {
		cfg.Coordinator.ListenAddr = v
	}
	if v := os.Getenv("NODE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	var errs []error

	if len(c.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node must be configured"))
	}
	seenID := make(map[string]bool)
	seenAddr := make(map[string]bool)
	for i, n := range c.Nodes {
		if n.ID == "" || n.Addr == "" {
			errs = append(errs, fmt.Errorf("nodes[%d]: id and addr are required", i))
			continue
		}
		if seenID[n.ID] {
			errs = append(errs, fmt.Errorf("nodes[%d]: duplicate id %q", i, n.ID))
		}
		if seenAddr[n.Addr] {
			errs = append(errs, fmt.Errorf("nodes[%d]: duplicate addr %q", i, n.Addr))
		}
		seenID[n.ID] = true
		seenAddr[n.Addr] = true
	}

	co := c.Coordinator
	if co.HealthCheckInterval <= 0 || co.LoadUpdateInterval <= 0 {
		errs = append(errs, errors.New("coordinator intervals must be positive"))
	}
	if co.ConnectTimeout <= 0 || co.SocketTimeout <= 0 {
		errs = append(errs, errors.New("coordinator timeouts must be positive"))
	}
	if co.MaxFailures < 1 || co.MaxRetries < 1 || co.ReplicationFactor < 1 {
		errs = append(errs, errors.New("max_failures, max_retries and replication_factor must be at least 1"))
	}

	if c.Node.WorkerPoolSize < 1 {
		errs = append(errs, errors.New("node worker_pool_size must be at least 1"))
	}
	if c.Node.IdleTimeout <= 0 || c.Node.ReapInterval <= 0 || c.Node.SocketTimeout <= 0 {
		errs = append(errs, errors.New("node timeouts must be positive"))
	}

	return errors.Join(errs...)
}

// NodeByID returns the configured node with the given id.
func (c Config) NodeByID(id string) (cluster.NodeInfo, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return cluster.NodeInfo{}, false
}
