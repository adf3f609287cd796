package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/ermine-db/ermine/notify"
)

// Sink is a destination for change events. Implementations must be safe
// for use from a single worker goroutine.
type Sink interface {
	// Publish sends one event. topic is the destination stream, key is
	// the entry key (used for partitioning), value is the JSON payload.
	Publish(topic, key string, value []byte) error
	// Close releases sink resources.
	Close() error
}

// ChangeEvent is the wire shape of one published change.
type ChangeEvent struct {
	Storage   string `json:"storage"`
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
	Timestamp struct {
		WallTime int64  `json:"wall_time"`
		Logical  int32  `json:"logical"`
		NodeID   uint64 `json:"node_id"`
	} `json:"timestamp"`
}

// EncodeChange serializes a change for publication.
func EncodeChange(c notify.Change) ([]byte, error) {
	var event ChangeEvent
	event.Storage = c.Storage
	event.Key = c.Key
	event.Value = c.Value
	event.Tombstone = c.Tombstone
	event.Timestamp.WallTime = c.Timestamp.WallTime
	event.Timestamp.Logical = c.Timestamp.Logical
	event.Timestamp.NodeID = c.Timestamp.NodeID

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return data, nil
}

// BuildTopic builds the sink topic for a storage's change stream.
func BuildTopic(prefix, storage string) string {
	if prefix == "" {
		return storage
	}
	return fmt.Sprintf("%s.%s", prefix, storage)
}
