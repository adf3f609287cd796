// Package backend defines the persistence capability consumed by storages.
// Implementations are selected per storage at creation time through a static
// registry; there is no dynamic loading.
package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ermine-db/ermine/hlc"
)

// Entry is one stored record. A tombstone records a deletion and keeps its
// timestamp so stale writes can still lose against it; tombstones are
// physically removed only by Purge once the retention window has elapsed.
type Entry struct {
	Key       string        `msgpack:"k"`
	Value     []byte        `msgpack:"v"`
	Timestamp hlc.Timestamp `msgpack:"t"`
	Tombstone bool          `msgpack:"d"`
}

// Backend is the persistence contract consumed by a storage instance.
// Implementations must be safe for one writer plus concurrent readers;
// List must observe a consistent snapshot.
type Backend interface {
	// Put stores a live entry, replacing any previous entry for the key.
	Put(key string, value []byte, ts hlc.Timestamp) error

	// Delete replaces the entry for the key with a tombstone carrying ts.
	Delete(key string, ts hlc.Timestamp) error

	// Get returns the entry for the key (live or tombstoned).
	Get(key string) (Entry, bool, error)

	// List returns a snapshot of all entries, tombstones included, ordered
	// by key.
	List() ([]Entry, error)

	// Purge physically removes the entry for the key. Used by garbage
	// collection only.
	Purge(key string) error

	// Close releases the backend handle.
	Close() error
}

// Config carries the per-storage settings a factory needs.
type Config struct {
	// Storage is the owning storage's identifier, used for paths and logs.
	Storage string
	// DataDir is the node data directory for durable backends.
	DataDir string
}

// Factory constructs a backend for one storage.
type Factory func(config Config) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a backend implementation under a name usable in
// storage configuration. Called from init() by each implementation.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Open creates a backend of the named kind.
func Open(kind string, config Config) (Backend, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
	return factory(config)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for name := range factories {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	return kinds
}
