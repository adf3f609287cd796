// Package manager owns the set of storages: it wires the router, digest,
// alignment and garbage collection for each one, fans overlay events out
// to every matching storage and handles configuration changes.
package manager

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/align"
	"github.com/ermine-db/ermine/backend"
	"github.com/ermine-db/ermine/cfg"
	"github.com/ermine-db/ermine/digest"
	"github.com/ermine-db/ermine/gc"
	"github.com/ermine-db/ermine/hlc"
	"github.com/ermine-db/ermine/keyexpr"
	"github.com/ermine-db/ermine/notify"
	"github.com/ermine-db/ermine/storage"
	"github.com/ermine-db/ermine/telemetry"
)

// DefaultRetentionWindow applies to unreplicated storages, whose
// tombstones only need to survive long enough for operators to notice
// mistakes.
const DefaultRetentionWindow = 24 * time.Hour

const defaultEraWidth = time.Hour

// Options carries collaborators the manager does not construct itself.
// A nil Transport is built from the gossip configuration on demand; tests
// inject a loopback.
type Options struct {
	Transport align.Transport
	Hub       *notify.Hub
}

// managedStorage bundles one storage with its per-storage services.
type managedStorage struct {
	definition cfg.StorageDefinition
	backend    backend.Backend
	storage    *storage.Storage
	aligner    *align.Aligner
	collector  *gc.Collector
}

// Manager is the host-facing handle over the whole engine.
type Manager struct {
	config        *cfg.Configuration
	clock         *hlc.Clock
	hub           *notify.Hub
	transport     align.Transport
	ownsTransport bool
	router        *keyexpr.Router
	storages      *xsync.MapOf[string, *managedStorage]

	// lifecycleMu serializes Start/Stop/Reconfigure. The hot paths
	// (Put/Delete/Query) only touch router and storages, which are
	// individually safe.
	lifecycleMu sync.Mutex
	stopped     bool
}

// Start builds and starts a manager from configuration. Storages with
// invalid definitions are skipped with an error log; they do not fail
// the node.
func Start(config *cfg.Configuration, opts Options) (*Manager, error) {
	hub := opts.Hub
	if hub == nil {
		hub = notify.NewHub()
	}

	m := &Manager{
		config:    config,
		clock:     hlc.NewClock(config.NodeID),
		hub:       hub,
		transport: opts.Transport,
		router:    keyexpr.NewRouter(),
		storages:  xsync.NewMapOf[string, *managedStorage](),
	}

	for _, def := range config.Storages {
		if err := m.addStorage(def); err != nil {
			log.Error().
				Err(err).
				Str("storage", def.Name).
				Msg("Skipping storage with invalid definition")
		}
	}

	log.Info().
		Uint64("node_id", config.NodeID).
		Int("storages", m.Len()).
		Msg("Storage manager started")
	return m, nil
}

// Hub returns the change feed hub shared by all storages.
func (m *Manager) Hub() *notify.Hub {
	return m.hub
}

// Clock returns the node clock.
func (m *Manager) Clock() *hlc.Clock {
	return m.clock
}

// Len returns the number of running storages.
func (m *Manager) Len() int {
	return m.storages.Size()
}

// Storage returns a running storage by name.
func (m *Manager) Storage(name string) (*storage.Storage, bool) {
	ms, ok := m.storages.Load(name)
	if !ok {
		return nil, false
	}
	return ms.storage, true
}

// Names returns the names of all running storages, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, m.storages.Size())
	m.storages.Range(func(name string, _ *managedStorage) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Put routes a keyed value to every storage whose expression intersects
// key, stamped with the node clock. Returns an error only if some
// matched storage dropped the mutation; other storages are unaffected.
func (m *Manager) Put(key string, value []byte) error {
	telemetry.EventsRoutedTotal.With("put").Inc()
	return m.fanout(key, func(s *storage.Storage, ts hlc.Timestamp) error {
		return s.ApplyPut(key, value, ts)
	})
}

// Delete routes a deletion to every storage whose expression intersects
// key.
func (m *Manager) Delete(key string) error {
	telemetry.EventsRoutedTotal.With("delete").Inc()
	return m.fanout(key, func(s *storage.Storage, ts hlc.Timestamp) error {
		return s.ApplyDelete(key, ts)
	})
}

func (m *Manager) fanout(key string, apply func(*storage.Storage, hlc.Timestamp) error) error {
	if !keyexpr.IsConcrete(key) {
		return fmt.Errorf("mutation key must be concrete: %s", key)
	}

	matched := m.router.Match(key)
	if len(matched) == 0 {
		telemetry.RoutingMissesTotal.Inc()
		log.Debug().Str("key", key).Msg("No storage matched key")
		return nil
	}

	ts := m.clock.Now()
	var errs []error
	for _, name := range matched {
		ms, ok := m.storages.Load(name)
		if !ok {
			continue
		}
		if err := apply(ms.storage, ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Query fans a key expression out to every intersecting storage and
// merges the results: one entry per key, newest timestamp wins, sorted
// by key.
func (m *Manager) Query(expr string) ([]backend.Entry, error) {
	telemetry.EventsRoutedTotal.With("query").Inc()
	if err := keyexpr.Validate(expr); err != nil {
		return nil, fmt.Errorf("invalid query expression: %w", err)
	}

	matched := m.router.Match(expr)
	if len(matched) == 0 {
		telemetry.RoutingMissesTotal.Inc()
		return nil, nil
	}

	best := make(map[string]backend.Entry)
	for _, name := range matched {
		ms, ok := m.storages.Load(name)
		if !ok {
			continue
		}
		entries, err := ms.storage.Query(expr)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if cur, ok := best[entry.Key]; !ok || hlc.Less(cur.Timestamp, entry.Timestamp) {
				best[entry.Key] = entry
			}
		}
	}

	results := make([]backend.Entry, 0, len(best))
	for _, entry := range best {
		results = append(results, entry)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

// Reconfigure diffs the new configuration against running storages:
// removed ones are drained and released, new ones created, changed ones
// recreated. Unchanged storages keep running untouched.
func (m *Manager) Reconfigure(config *cfg.Configuration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopped {
		return fmt.Errorf("manager is stopped")
	}

	desired := make(map[string]cfg.StorageDefinition, len(config.Storages))
	for _, def := range config.Storages {
		desired[def.Name] = def
	}

	// Remove storages no longer configured, and changed ones so they can
	// be recreated below.
	var toRemove []string
	m.storages.Range(func(name string, ms *managedStorage) bool {
		def, keep := desired[name]
		if keep && reflect.DeepEqual(def, ms.definition) {
			delete(desired, name)
		} else {
			toRemove = append(toRemove, name)
		}
		return true
	})
	for _, name := range toRemove {
		m.removeStorage(name)
	}

	var errs []error
	for _, def := range config.Storages {
		if _, create := desired[def.Name]; !create {
			continue
		}
		if err := m.addStorage(def); err != nil {
			log.Error().
				Err(err).
				Str("storage", def.Name).
				Msg("Skipping storage with invalid definition")
			errs = append(errs, err)
		}
	}

	m.config = config
	log.Info().Int("storages", m.Len()).Msg("Reconfigured storage manager")
	return errors.Join(errs...)
}

// Stop drains and releases every storage. The manager cannot be reused.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true

	for _, name := range m.Names() {
		m.removeStorage(name)
	}
	if m.ownsTransport && m.transport != nil {
		_ = m.transport.Close()
	}

	log.Info().Msg("Storage manager stopped")
}

// addStorage creates, wires and starts one storage. Caller holds
// lifecycleMu except during initial Start, which is single-threaded.
func (m *Manager) addStorage(def cfg.StorageDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, exists := m.storages.Load(def.Name); exists {
		return fmt.Errorf("duplicate storage name %s", def.Name)
	}

	b, err := backend.Open(def.Backend, backend.Config{
		Storage: def.Name,
		DataDir: m.config.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s backend for storage %s: %w", def.Backend, def.Name, err)
	}

	eraWidth := defaultEraWidth
	if def.Replication != nil {
		eraWidth = def.Replication.EraWidth()
	}

	s, err := storage.New(storage.Config{
		Name:    def.Name,
		KeyExpr: def.KeyExpr,
		Backend: b,
		Digest:  digest.New(int64(eraWidth)),
		Clock:   m.clock,
		Hub:     m.hub,
	})
	if err != nil {
		_ = b.Close()
		return err
	}
	s.Start()

	ms := &managedStorage{definition: def, backend: b, storage: s}

	retention := DefaultRetentionWindow
	if def.Replication != nil {
		retention = def.Replication.RetentionWindow()

		if len(def.Replication.Peers) > 0 {
			transport, err := m.ensureTransport()
			if err != nil {
				s.Stop()
				_ = b.Close()
				return err
			}
			aligner, err := align.NewAligner(align.Config{
				Storage:        s,
				Transport:      transport,
				Peers:          def.Replication.Peers,
				Fanout:         def.Replication.Fanout,
				GossipInterval: def.Replication.GossipInterval(),
				RequestTimeout: m.config.Gossip.RequestTimeout(),
			})
			if err == nil {
				err = aligner.Start()
			}
			if err != nil {
				s.Stop()
				_ = b.Close()
				return fmt.Errorf("failed to start aligner for storage %s: %w", def.Name, err)
			}
			ms.aligner = aligner
		}
	}

	collector, err := gc.NewCollector(gc.Config{
		Storage:         s,
		RetentionWindow: retention,
	})
	if err != nil {
		if ms.aligner != nil {
			ms.aligner.Stop()
		}
		s.Stop()
		_ = b.Close()
		return err
	}
	collector.Start()
	ms.collector = collector

	if err := m.router.Register(def.Name, def.KeyExpr); err != nil {
		collector.Stop()
		if ms.aligner != nil {
			ms.aligner.Stop()
		}
		s.Stop()
		_ = b.Close()
		return err
	}

	m.storages.Store(def.Name, ms)
	log.Info().
		Str("storage", def.Name).
		Str("key_expr", def.KeyExpr).
		Str("backend", def.Backend).
		Bool("replicated", ms.aligner != nil).
		Msg("Storage created")
	return nil
}

// removeStorage unroutes, drains and releases one storage. New events
// stop matching first, then the pending queue drains, then alignment
// and collection stop, then the backend handle closes.
func (m *Manager) removeStorage(name string) {
	ms, ok := m.storages.LoadAndDelete(name)
	if !ok {
		return
	}

	m.router.Unregister(name)
	if ms.aligner != nil {
		ms.aligner.Stop()
	}
	ms.collector.Stop()
	ms.storage.Stop()
	if err := ms.backend.Close(); err != nil {
		log.Warn().Err(err).Str("storage", name).Msg("Failed to close backend")
	}

	log.Info().Str("storage", name).Msg("Storage removed")
}

// ensureTransport lazily builds the gossip transport the first time a
// replicated storage needs it.
func (m *Manager) ensureTransport() (align.Transport, error) {
	if m.transport != nil {
		return m.transport, nil
	}
	if m.config.Gossip.NatsURL == "" {
		return nil, fmt.Errorf("replication requires gossip.nats_url")
	}

	transport, err := align.NewNatsTransport(m.config.Gossip.NatsURL, strconv.FormatUint(m.config.NodeID, 10))
	if err != nil {
		return nil, fmt.Errorf("failed to connect gossip transport: %w", err)
	}
	m.transport = transport
	m.ownsTransport = true
	return transport, nil
}
