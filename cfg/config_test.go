package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsBadPort(t *testing.T) {
	original := Config.Cluster.GRPCPort
	defer func() { Config.Cluster.GRPCPort = original }()

	Config.Cluster.GRPCPort = 0
	require.Error(t, Validate())

	Config.Cluster.GRPCPort = 70000
	require.Error(t, Validate())
}

func TestValidateRejectsBadCompressionLevel(t *testing.T) {
	original := Config.Publication.CompressionLevel
	defer func() { Config.Publication.CompressionLevel = original }()

	Config.Publication.CompressionLevel = 5
	require.Error(t, Validate())

	Config.Publication.CompressionLevel = -1
	require.Error(t, Validate())
}

func TestValidateAutoFillsAdvertiseAddress(t *testing.T) {
	original := Config.Cluster.GRPCAdvertiseAddress
	defer func() { Config.Cluster.GRPCAdvertiseAddress = original }()

	Config.Cluster.GRPCAdvertiseAddress = ""
	require.NoError(t, Validate())
	require.NotEmpty(t, Config.Cluster.GRPCAdvertiseAddress)
}

func TestValidateNotifierRequiresURL(t *testing.T) {
	original := Config.Notifier
	defer func() { Config.Notifier = original }()

	Config.Notifier.Enabled = true
	Config.Notifier.URL = ""
	require.Error(t, Validate())
}

func TestLoadAppliesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
data_dir = "` + dir + `"

[publication]
compression_level = 3
persistence_enabled = false
commit_dedup_size = 16
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	originalConfig := *Config
	defer func() { *Config = originalConfig }()

	require.NoError(t, Load(path))
	require.Equal(t, uint64(42), Config.NodeID)
	require.Equal(t, 3, Config.Publication.CompressionLevel)
	require.False(t, Config.Publication.PersistenceEnabled)
	require.Equal(t, 16, Config.Publication.CommitDedupSize)
}
