package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ClusterConfiguration controls cluster transport binding and identity.
type ClusterConfiguration struct {
	GRPCBindAddress      string `toml:"grpc_bind_address"`
	GRPCAdvertiseAddress string `toml:"grpc_advertise_address"` // Address other nodes use to connect (defaults to hostname:port)
	GRPCPort             int    `toml:"grpc_port"`
}

// PublicationConfiguration controls cluster-state publication behavior.
type PublicationConfiguration struct {
	// CompressionLevel maps to zstd encoder levels (1=fastest .. 4=best, 0=disabled)
	CompressionLevel int `toml:"compression_level"`

	// PersistenceEnabled controls whether accepted states are written to the
	// local pebble store. When disabled, every publication sends full states
	// since peers may restart with no usable diff base.
	PersistenceEnabled bool `toml:"persistence_enabled"`

	// CommitDedupSize is the number of recently acked commit markers kept to
	// make commit delivery idempotent under transport retries.
	CommitDedupSize int `toml:"commit_dedup_size"`
}

// GRPCClientConfiguration controls gRPC client behavior.
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`    // Keepalive ping interval
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"` // Keepalive ping timeout
	CompressionLevel        int `toml:"compression_level"`         // Transport-level zstd (0=disabled)
}

// NotifierConfiguration controls the optional NATS commit notifier.
type NotifierConfiguration struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Cluster     ClusterConfiguration     `toml:"cluster"`
	Publication PublicationConfiguration `toml:"publication"`
	GRPCClient  GRPCClientConfiguration  `toml:"grpc_client"`
	Notifier    NotifierConfiguration    `toml:"notifier"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	GRPCPortFlag   = flag.Int("grpc-port", 0, "gRPC port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./statepub-data",

	Cluster: ClusterConfiguration{
		GRPCBindAddress: "0.0.0.0",
		GRPCPort:        8080,
	},

	Publication: PublicationConfiguration{
		CompressionLevel:   1,
		PersistenceEnabled: true,
		CommitDedupSize:    128,
	},

	GRPCClient: GRPCClientConfiguration{
		KeepaliveTimeSeconds:    10,
		KeepaliveTimeoutSeconds: 3,
		CompressionLevel:        0,
	},

	Notifier: NotifierConfiguration{
		Enabled: false,
		URL:     "nats://127.0.0.1:4222",
		Subject: "statepub.commits",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *GRPCPortFlag != 0 {
		Config.Cluster.GRPCPort = *GRPCPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("statepub")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors.
func Validate() error {
	if Config.Cluster.GRPCPort < 1 || Config.Cluster.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", Config.Cluster.GRPCPort)
	}

	// Auto-fill advertise address if not provided
	if Config.Cluster.GRPCAdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Cluster.GRPCAdvertiseAddress = fmt.Sprintf("%s:%d", hostname, Config.Cluster.GRPCPort)
		log.Info().
			Str("advertise_address", Config.Cluster.GRPCAdvertiseAddress).
			Msg("Auto-configured gRPC advertise address")
	}

	if Config.Publication.CompressionLevel < 0 || Config.Publication.CompressionLevel > 4 {
		return fmt.Errorf("invalid publication compression level: %d", Config.Publication.CompressionLevel)
	}

	if Config.Publication.CommitDedupSize < 1 {
		return fmt.Errorf("commit dedup size must be >= 1")
	}

	if Config.GRPCClient.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}

	if Config.GRPCClient.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}

	if Config.Notifier.Enabled {
		if Config.Notifier.URL == "" {
			return fmt.Errorf("notifier enabled but no NATS URL configured")
		}
		if Config.Notifier.Subject == "" {
			return fmt.Errorf("notifier enabled but no subject configured")
		}
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
