// Package config loads the node-level bootstrap configuration that §1
// treats as an external collaborator: node identity, listen/data
// directories, peer list, and the timing constants internal/raft.Config
// needs. It is grounded on cuemby-warren's yaml.v3 usage
// (cmd/warren/apply.go's yaml.Unmarshal into a tagged struct) and
// firefly-oss-flydb/internal/config's DefaultConfig/Validate shape
// (internal/config/config_test.go), adapted from flydb's flat
// role/port fields to a cluster peer list plus Raft timing.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Peer is one member of the cluster's static bootstrap list: an id and
// the network address its transport.Server listens on.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// ClusterConfig is the full node bootstrap configuration of §1:
// identity, storage, peers, and timing, loaded from a YAML file.
type ClusterConfig struct {
	NodeID     string `yaml:"node_id"`
	ListenAddr string `yaml:"listen_addr"`
	ClientAddr string `yaml:"client_addr"`
	DataDir    string `yaml:"data_dir"`

	Peers     []Peer   `yaml:"peers"`
	Observers []string `yaml:"observers"`

	ElectionTimeoutMinMs      int64 `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs      int64 `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMs       int64 `yaml:"heartbeat_interval_ms"`
	DisableLeaderWriteGraceMs int64 `yaml:"disable_leader_write_grace_ms"`

	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	// StorageBackend selects between the segmented flat-file journal and
	// the bbolt-backed one ("file" or "bolt"); internal/journal exposes
	// both behind the same Store interface.
	StorageBackend string `yaml:"storage_backend"`
}

// DefaultConfig returns timing constants in the same proportions as
// internal/raft.DefaultConfig, a "file" storage backend, and info-level
// non-JSON logging, mirroring flydb's DefaultConfig defaults (standalone
// role, info log level, JSON off).
func DefaultConfig() *ClusterConfig {
	return &ClusterConfig{
		ListenAddr:                ":7300",
		ClientAddr:                ":7301",
		DataDir:                   "data",
		ElectionTimeoutMinMs:      150,
		ElectionTimeoutMaxMs:      300,
		HeartbeatIntervalMs:       50,
		DisableLeaderWriteGraceMs: 300,
		LogLevel:                  "info",
		LogJSON:                   false,
		MetricsAddr:               ":7302",
		StorageBackend:            "file",
	}
}

// LoadFromFile parses the YAML at path over a DefaultConfig, so fields
// absent from the file keep their defaults (a field the file sets to zero
// stays zero), and then validates the result.
func LoadFromFile(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports whether cfg is internally consistent: required
// fields are set, the node id appears in the peer list, and the storage
// backend is one this build knows how to open.
func (c *ClusterConfig) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node_id is required")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if len(c.Peers) == 0 {
		return errors.New("config: at least one peer is required")
	}
	found := false
	for _, p := range c.Peers {
		if p.ID == c.NodeID {
			found = true
		}
		if p.ID == "" || p.Address == "" {
			return errors.New("config: every peer needs both id and address")
		}
	}
	if !found {
		return fmt.Errorf("config: node_id %q not present in peers list", c.NodeID)
	}
	if c.ElectionTimeoutMinMs <= 0 || c.ElectionTimeoutMaxMs <= c.ElectionTimeoutMinMs {
		return errors.New("config: election_timeout_max_ms must exceed election_timeout_min_ms > 0")
	}
	if c.HeartbeatIntervalMs <= 0 {
		return errors.New("config: heartbeat_interval_ms must be positive")
	}
	switch c.StorageBackend {
	case "file", "bolt":
	default:
		return fmt.Errorf("config: unknown storage_backend %q", c.StorageBackend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// VoterIDs returns every peer id that is not also listed as an observer,
// in the order given in the config file, for building the initial
// raft.Configuration.
func (c *ClusterConfig) VoterIDs() []string {
	observer := make(map[string]bool, len(c.Observers))
	for _, id := range c.Observers {
		observer[id] = true
	}
	var out []string
	for _, p := range c.Peers {
		if !observer[p.ID] {
			out = append(out, p.ID)
		}
	}
	return out
}

// PeerAddress returns the listen address configured for id, or "" if id
// is not a known peer.
func (c *ClusterConfig) PeerAddress(id string) string {
	for _, p := range c.Peers {
		if p.ID == id {
			return p.Address
		}
	}
	return ""
}

// ElectionTimeoutMin returns the configured minimum as a time.Duration.
func (c *ClusterConfig) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond
}

// ElectionTimeoutMax returns the configured maximum as a time.Duration.
func (c *ClusterConfig) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.ElectionTimeoutMaxMs) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat interval as a
// time.Duration.
func (c *ClusterConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// DisableLeaderWriteGrace returns the configured post-election write
// grace window as a time.Duration.
func (c *ClusterConfig) DisableLeaderWriteGrace() time.Duration {
	return time.Duration(c.DisableLeaderWriteGraceMs) * time.Millisecond
}
