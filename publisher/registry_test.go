package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermine-db/ermine/cfg"
	"github.com/ermine-db/ermine/notify"
)

func init() {
	RegisterSink("test", func(config cfg.SinkConfiguration) (Sink, error) {
		return &recordingSink{}, nil
	})
}

func TestRegistry_BuildsWorkerPerSink(t *testing.T) {
	hub := notify.NewHub()

	r, err := NewRegistry(hub, []cfg.SinkConfiguration{
		{Name: "a", Type: "test"},
		{Name: "b", Type: "test", Storages: []string{"sensors"}},
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, r.workers, 2)

	r.Start()
	// Idempotent
	r.Start()
}

func TestRegistry_UnknownSinkType(t *testing.T) {
	hub := notify.NewHub()

	_, err := NewRegistry(hub, []cfg.SinkConfiguration{
		{Name: "a", Type: "no-such-type"},
	})
	require.Error(t, err)
}

func TestRegistry_MissingSinkName(t *testing.T) {
	hub := notify.NewHub()

	_, err := NewRegistry(hub, []cfg.SinkConfiguration{
		{Type: "test"},
	})
	require.Error(t, err)
}

func TestRegistry_InvalidStoragePattern(t *testing.T) {
	hub := notify.NewHub()

	_, err := NewRegistry(hub, []cfg.SinkConfiguration{
		{Name: "a", Type: "test", Storages: []string{"[unclosed"}},
	})
	require.Error(t, err)
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	hub := notify.NewHub()

	r, err := NewRegistry(hub, []cfg.SinkConfiguration{{Name: "a", Type: "test"}})
	require.NoError(t, err)

	r.Start()
	r.Close()
	r.Close()
}
