package publisher

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermine-db/ermine/hlc"
	"github.com/ermine-db/ermine/notify"
)

// recordingSink captures publishes; fails the first failures attempts.
type recordingSink struct {
	mu       sync.Mutex
	failures int
	topics   []string
	keys     []string
	values   [][]byte
}

func (r *recordingSink) Publish(topic, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("simulated publish failure")
	}
	r.topics = append(r.topics, topic)
	r.keys = append(r.keys, key)
	r.values = append(r.values, value)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func startWorker(t *testing.T, hub *notify.Hub, s Sink, storages []string) *Worker {
	t.Helper()

	filter, err := NewGlobFilter(storages)
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{
		Name:         "test-sink",
		Hub:          hub,
		Sink:         s,
		Filter:       filter,
		TopicPrefix:  "ermine.changes",
		RetryInitial: time.Millisecond,
	})
	require.NoError(t, err)

	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func signal(hub *notify.Hub, storage, key string, value []byte, tombstone bool) {
	hub.Signal(notify.Change{
		Storage:   storage,
		Key:       key,
		Value:     value,
		Timestamp: hlc.Timestamp{WallTime: 100, NodeID: 1},
		Tombstone: tombstone,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorker_PublishesChanges(t *testing.T) {
	hub := notify.NewHub()
	rec := &recordingSink{}
	startWorker(t, hub, rec, nil)

	signal(hub, "sensors", "demo/k", []byte("21.5"), false)

	waitFor(t, func() bool { return rec.count() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "ermine.changes.sensors", rec.topics[0])
	assert.Equal(t, "demo/k", rec.keys[0])

	var event ChangeEvent
	require.NoError(t, json.Unmarshal(rec.values[0], &event))
	assert.Equal(t, "sensors", event.Storage)
	assert.Equal(t, []byte("21.5"), event.Value)
	assert.False(t, event.Tombstone)
	assert.Equal(t, int64(100), event.Timestamp.WallTime)
}

func TestWorker_FiltersByStorageName(t *testing.T) {
	hub := notify.NewHub()
	rec := &recordingSink{}
	startWorker(t, hub, rec, []string{"sensors"})

	signal(hub, "audit", "audit/x", []byte("v"), false)
	signal(hub, "sensors", "demo/k", []byte("v"), false)

	waitFor(t, func() bool { return rec.count() == 1 })
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.count())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "demo/k", rec.keys[0])
}

func TestWorker_TombstoneEvent(t *testing.T) {
	hub := notify.NewHub()
	rec := &recordingSink{}
	startWorker(t, hub, rec, nil)

	signal(hub, "sensors", "demo/k", nil, true)

	waitFor(t, func() bool { return rec.count() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var event ChangeEvent
	require.NoError(t, json.Unmarshal(rec.values[0], &event))
	assert.True(t, event.Tombstone)
	assert.Empty(t, event.Value)
}

func TestWorker_RetriesFailedPublish(t *testing.T) {
	hub := notify.NewHub()
	rec := &recordingSink{failures: 3}
	startWorker(t, hub, rec, nil)

	signal(hub, "sensors", "demo/k", []byte("v"), false)

	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestWorker_StopDuringRetryReturns(t *testing.T) {
	hub := notify.NewHub()
	rec := &recordingSink{failures: 1 << 30}

	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)
	w, err := NewWorker(WorkerConfig{
		Name:         "stuck-sink",
		Hub:          hub,
		Sink:         rec,
		Filter:       filter,
		RetryInitial: 10 * time.Millisecond,
		RetryMax:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()

	signal(hub, "sensors", "demo/k", []byte("v"), false)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop during retry")
	}
}

func TestBuildTopic(t *testing.T) {
	assert.Equal(t, "sensors", BuildTopic("", "sensors"))
	assert.Equal(t, "ermine.changes.sensors", BuildTopic("ermine.changes", "sensors"))
}
