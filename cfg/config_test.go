package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageDefinition_ValidateFillsDefaults(t *testing.T) {
	def := StorageDefinition{
		Name:        "sensors",
		KeyExpr:     "sensors/**",
		Backend:     "memory",
		Replication: &ReplicationConfiguration{},
	}

	require.NoError(t, def.Validate())
	assert.Equal(t, DefaultGossipIntervalMS, def.Replication.GossipIntervalMS)
	assert.Equal(t, DefaultEraWidthMS, def.Replication.EraWidthMS)
	assert.Equal(t, DefaultRetentionWindowMS, def.Replication.RetentionWindowMS)
	assert.Equal(t, DefaultFanout, def.Replication.Fanout)
}

func TestStorageDefinition_ValidateRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  StorageDefinition
	}{
		{"missing name", StorageDefinition{KeyExpr: "a/b", Backend: "memory"}},
		{"bad key expr", StorageDefinition{Name: "s", KeyExpr: "a//b", Backend: "memory"}},
		{"missing backend", StorageDefinition{Name: "s", KeyExpr: "a/b"}},
		{
			"retention below alignment round trip",
			StorageDefinition{
				Name: "s", KeyExpr: "a/**", Backend: "memory",
				Replication: &ReplicationConfiguration{
					GossipIntervalMS:  1000,
					RetentionWindowMS: 1500,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.def.Validate())
		})
	}
}

func TestValidate_PublisherSinks(t *testing.T) {
	orig := *Config
	defer func() { *Config = orig }()

	Config.Publisher.Enabled = true
	Config.Publisher.Sinks = []SinkConfiguration{{Type: "nats", NatsURL: "nats://localhost:4222"}}
	assert.Error(t, Validate(), "sink without name should fail")

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "a", Type: "nats"}}
	assert.Error(t, Validate(), "nats sink without url should fail")

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "a", Type: "kafka"}}
	assert.Error(t, Validate(), "kafka sink without brokers should fail")

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "a", Type: "carrier-pigeon"}}
	assert.Error(t, Validate(), "unknown sink type should fail")

	Config.Publisher.Sinks = []SinkConfiguration{
		{Name: "a", Type: "nats", NatsURL: "nats://localhost:4222"},
		{Name: "b", Type: "kafka", KafkaBrokers: []string{"localhost:9092"}},
	}
	assert.NoError(t, Validate())
}

func TestValidate_ReplicationNeedsGossipURL(t *testing.T) {
	orig := *Config
	defer func() { *Config = orig }()

	Config.Storages = []StorageDefinition{
		{Name: "s", KeyExpr: "a/**", Backend: "memory", Replication: &ReplicationConfiguration{}},
	}
	Config.Gossip.NatsURL = ""
	assert.Error(t, Validate())

	Config.Gossip.NatsURL = "nats://127.0.0.1:4222"
	assert.NoError(t, Validate())
}
