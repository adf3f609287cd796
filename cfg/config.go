package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/keyexpr"
)

// Replication tuning defaults. Era width and fanout are deliberately
// configurable; these values suit a handful of replicas on a LAN.
const (
	DefaultGossipIntervalMS  = 5000
	DefaultEraWidthMS        = int64(time.Hour / time.Millisecond)
	DefaultRetentionWindowMS = int64(24 * time.Hour / time.Millisecond)
	DefaultFanout            = 2
	DefaultRequestTimeoutMS  = 3000
)

// ReplicationConfiguration enables anti-entropy alignment for a storage.
type ReplicationConfiguration struct {
	GossipIntervalMS  int      `toml:"gossip_interval_ms"`
	EraWidthMS        int64    `toml:"era_width_ms"`
	RetentionWindowMS int64    `toml:"retention_window_ms"`
	Fanout            int      `toml:"fanout"`
	Peers             []string `toml:"peers"`
}

// GossipInterval returns the alignment cadence as a duration.
func (r *ReplicationConfiguration) GossipInterval() time.Duration {
	return time.Duration(r.GossipIntervalMS) * time.Millisecond
}

// EraWidth returns the digest era width as a duration.
func (r *ReplicationConfiguration) EraWidth() time.Duration {
	return time.Duration(r.EraWidthMS) * time.Millisecond
}

// RetentionWindow returns the tombstone retention window as a duration.
func (r *ReplicationConfiguration) RetentionWindow() time.Duration {
	return time.Duration(r.RetentionWindowMS) * time.Millisecond
}

// StorageDefinition declares one storage: the key expression it subscribes
// to, the backend holding its entries, and optional replication settings.
type StorageDefinition struct {
	Name        string                    `toml:"name"`
	KeyExpr     string                    `toml:"key_expr"`
	Backend     string                    `toml:"backend"`
	Replication *ReplicationConfiguration `toml:"replication"`
}

// Validate checks a single storage definition. A failing definition only
// prevents that storage from starting; others are unaffected.
func (d *StorageDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("storage has no name")
	}
	if err := keyexpr.Validate(d.KeyExpr); err != nil {
		return fmt.Errorf("storage %q: %w", d.Name, err)
	}
	if d.Backend == "" {
		return fmt.Errorf("storage %q: no backend configured", d.Name)
	}

	if r := d.Replication; r != nil {
		if r.GossipIntervalMS == 0 {
			r.GossipIntervalMS = DefaultGossipIntervalMS
		}
		if r.EraWidthMS == 0 {
			r.EraWidthMS = DefaultEraWidthMS
		}
		if r.RetentionWindowMS == 0 {
			r.RetentionWindowMS = DefaultRetentionWindowMS
		}
		if r.Fanout == 0 {
			r.Fanout = DefaultFanout
		}
		if r.GossipIntervalMS < 0 || r.EraWidthMS <= 0 || r.Fanout < 1 {
			return fmt.Errorf("storage %q: invalid replication settings", d.Name)
		}
		// A tombstone must outlive the worst-case alignment round trip or
		// deleted keys can resurrect on lagging replicas.
		if r.RetentionWindowMS < 3*int64(r.GossipIntervalMS) {
			return fmt.Errorf("storage %q: retention window %dms must exceed 3x gossip interval %dms",
				d.Name, r.RetentionWindowMS, r.GossipIntervalMS)
		}
	}
	return nil
}

// GossipConfiguration configures the peer gossip channel.
type GossipConfiguration struct {
	NatsURL          string `toml:"nats_url"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

// RequestTimeout returns the bounded per-round alignment exchange timeout.
func (g *GossipConfiguration) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutMS) * time.Millisecond
}

// SinkConfiguration configures one change-feed sink.
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"` // "nats" or "kafka"
	NatsURL      string   `toml:"nats_url"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
	Storages     []string `toml:"storages"` // glob patterns over storage names, empty = all
}

// PublisherConfiguration controls change-feed publication to external sinks.
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sink"`
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

// AdminConfiguration for the admin/metrics HTTP listener.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Storages   []StorageDefinition     `toml:"storage"`
	Gossip     GossipConfiguration     `toml:"gossip"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./ermine-data",

	Gossip: GossipConfiguration{
		NatsURL:          "nats://127.0.0.1:4222",
		RequestTimeoutMS: DefaultRequestTimeoutMS,
	},

	Publisher: PublisherConfiguration{
		Enabled: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        9629,
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
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
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

// generateNodeID creates a unique node ID based on machine ID.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("ermine")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks node-level configuration for errors. Storage definitions
// are validated individually at manager start so one malformed storage does
// not block the node.
func Validate() error {
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Gossip.RequestTimeoutMS < 1 {
		return fmt.Errorf("gossip request timeout must be >= 1ms")
	}

	replicated := false
	for _, def := range Config.Storages {
		if def.Replication != nil {
			replicated = true
		}
	}
	if replicated && Config.Gossip.NatsURL == "" {
		return fmt.Errorf("replicated storages configured but gossip.nats_url is empty")
	}

	if Config.Publisher.Enabled {
		for i, sink := range Config.Publisher.Sinks {
			if sink.Name == "" {
				return fmt.Errorf("publisher sink %d: name is required", i)
			}
			switch sink.Type {
			case "nats":
				if sink.NatsURL == "" {
					return fmt.Errorf("publisher sink %d: nats sink requires nats_url", i)
				}
			case "kafka":
				if len(sink.KafkaBrokers) == 0 {
					return fmt.Errorf("publisher sink %d: kafka sink requires kafka_brokers", i)
				}
			default:
				return fmt.Errorf("publisher sink %d: unknown type %q", i, sink.Type)
			}
		}
	}

	return nil
}
