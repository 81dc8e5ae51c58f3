package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ":7300", cfg.ListenAddr)
	require.Equal(t, "file", cfg.StorageBackend)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.LogJSON)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ClusterConfig)
		wantErr bool
	}{
		{
			name: "valid",
			mutate: func(c *ClusterConfig) {
				c.NodeID = "a"
				c.Peers = []Peer{{ID: "a", Address: ":1"}, {ID: "b", Address: ":2"}}
			},
			wantErr: false,
		},
		{
			name:    "missing node id",
			mutate:  func(c *ClusterConfig) { c.Peers = []Peer{{ID: "a", Address: ":1"}} },
			wantErr: true,
		},
		{
			name: "node id not in peers",
			mutate: func(c *ClusterConfig) {
				c.NodeID = "z"
				c.Peers = []Peer{{ID: "a", Address: ":1"}}
			},
			wantErr: true,
		},
		{
			name: "bad election timeouts",
			mutate: func(c *ClusterConfig) {
				c.NodeID = "a"
				c.Peers = []Peer{{ID: "a", Address: ":1"}}
				c.ElectionTimeoutMinMs = 300
				c.ElectionTimeoutMaxMs = 150
			},
			wantErr: true,
		},
		{
			name: "unknown storage backend",
			mutate: func(c *ClusterConfig) {
				c.NodeID = "a"
				c.Peers = []Peer{{ID: "a", Address: ":1"}}
				c.StorageBackend = "mongo"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	content := `
node_id: a
listen_addr: ":7300"
data_dir: ` + filepath.Join(dir, "data") + `
peers:
  - id: a
    address: "127.0.0.1:7300"
  - id: b
    address: "127.0.0.1:7310"
  - id: c
    address: "127.0.0.1:7320"
observers:
  - c
log_level: debug
log_json: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "a", cfg.NodeID)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.LogJSON)
	require.ElementsMatch(t, []string{"a", "b"}, cfg.VoterIDs())
	require.Equal(t, "127.0.0.1:7310", cfg.PeerAddress("b"))
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
