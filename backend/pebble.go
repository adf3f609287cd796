package backend

import (
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/encoding"
	"github.com/ermine-db/ermine/hlc"
)

func init() {
	RegisterFactory("pebble", func(config Config) (Backend, error) {
		if config.DataDir == "" {
			return nil, fmt.Errorf("pebble backend requires a data directory")
		}
		path := filepath.Join(config.DataDir, config.Storage+".pebble")
		return NewPebbleBackend(path, DefaultPebbleOptions())
	})
}

// Entry rows are stored under a prefix so the keyspace stays extensible
// (future secondary indexes sort after it).
const pebblePrefixEntry = "/entry/"

// PebbleOptions configures the Pebble instance backing a storage.
type PebbleOptions struct {
	CacheSizeMB    int64 // Block cache size (default: 32MB)
	MemTableSizeMB int64 // Write buffer size (default: 16MB)
	MemTableCount  int   // Number of memtables (default: 2)
	DisableWAL     bool  // Only for testing!
}

// DefaultPebbleOptions returns options sized for a single storage's entry set.
func DefaultPebbleOptions() PebbleOptions {
	return PebbleOptions{
		CacheSizeMB:    32,
		MemTableSizeMB: 16,
		MemTableCount:  2,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleBackend is the durable backend implementation. One Pebble instance
// per storage; rows are msgpack-encoded entries.
type PebbleBackend struct {
	db   *pebble.DB
	path string
}

var _ Backend = (*PebbleBackend)(nil)

// NewPebbleBackend opens (or creates) a Pebble-backed store at path.
func NewPebbleBackend(path string, opts PebbleOptions) (*PebbleBackend, error) {
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	pebbleOpts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB << 20),
		MemTableStopWritesThreshold: opts.MemTableCount,
		DisableWAL:                  opts.DisableWAL,
		Logger:                      &pebbleLogger{},
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &PebbleBackend{db: db, path: path}, nil
}

func entryKey(key string) []byte {
	return []byte(pebblePrefixEntry + key)
}

// prefixUpperBound returns the smallest key greater than all keys with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func (p *PebbleBackend) write(entry Entry) error {
	data, err := encoding.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry %q: %w", entry.Key, err)
	}
	if err := p.db.Set(entryKey(entry.Key), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write entry %q: %w", entry.Key, err)
	}
	return nil
}

func (p *PebbleBackend) Put(key string, value []byte, ts hlc.Timestamp) error {
	return p.write(Entry{Key: key, Value: value, Timestamp: ts})
}

func (p *PebbleBackend) Delete(key string, ts hlc.Timestamp) error {
	return p.write(Entry{Key: key, Timestamp: ts, Tombstone: true})
}

func (p *PebbleBackend) Get(key string) (Entry, bool, error) {
	data, closer, err := p.db.Get(entryKey(key))
	if err == pebble.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read entry %q: %w", key, err)
	}
	defer closer.Close()

	var entry Entry
	if err := encoding.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("failed to decode entry %q: %w", key, err)
	}
	return entry, true, nil
}

// List iterates a Pebble snapshot so readers never observe a half-applied
// write order.
func (p *PebbleBackend) List() ([]Entry, error) {
	snap := p.db.NewSnapshot()
	defer snap.Close()

	prefix := []byte(pebblePrefixEntry)
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		data, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("iterator error: %w", err)
		}
		var entry Entry
		if err := encoding.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode entry at %q: %w", iter.Key(), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (p *PebbleBackend) Purge(key string) error {
	if err := p.db.Delete(entryKey(key), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to purge entry %q: %w", key, err)
	}
	return nil
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}
