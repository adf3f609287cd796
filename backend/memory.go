package backend

import (
	"sort"
	"sync"

	"github.com/ermine-db/ermine/hlc"
)

func init() {
	RegisterFactory("memory", func(config Config) (Backend, error) {
		return NewMemoryBackend(), nil
	})
}

// MemoryBackend keeps the entry set in process memory. Used for volatile
// storages and throughout the tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (m *MemoryBackend) Put(key string, value []byte, ts hlc.Timestamp) error {
	val := make([]byte, len(value))
	copy(val, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{Key: key, Value: val, Timestamp: ts}
	return nil
}

func (m *MemoryBackend) Delete(key string, ts hlc.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{Key: key, Timestamp: ts, Tombstone: true}
	return nil
}

func (m *MemoryBackend) Get(key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry, ok, nil
}

// List copies the entry set under the read lock, so the result is a
// consistent snapshot ordered by key.
func (m *MemoryBackend) List() ([]Entry, error) {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemoryBackend) Purge(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]Entry)
	return nil
}
