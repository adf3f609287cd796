// Package digest maintains a compact, incrementally-updated fingerprint of a
// storage's entry set, partitioned by time era. Replicas compare digests
// root-first and only exchange the content of divergent eras, which bounds
// alignment bandwidth to the amount of divergence.
package digest

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ermine-db/ermine/hlc"
)

// EraID identifies one fixed time bucket of entry timestamps.
type EraID int64

// EntryDigest is the per-entry triple folded into fingerprints and exchanged
// during full-content era alignment.
type EntryDigest struct {
	Key       string        `msgpack:"k"`
	Timestamp hlc.Timestamp `msgpack:"t"`
	Tombstone bool          `msgpack:"d"`
}

// EraFingerprint pairs an era with its fold.
type EraFingerprint struct {
	Era         EraID  `msgpack:"e"`
	Fingerprint uint64 `msgpack:"f"`
}

// Snapshot is a point-in-time view of the digest: the root plus all era
// fingerprints in era order. Root equality is a sound entry-set equality
// check up to 64-bit collision odds.
type Snapshot struct {
	Root    uint64           `msgpack:"r"`
	Eras    []EraFingerprint `msgpack:"e"`
	Version uint64           `msgpack:"v"`
}

type entryState struct {
	ts        hlc.Timestamp
	tombstone bool
}

type era struct {
	fingerprint uint64
	entries     map[string]entryState
}

// Digest tracks one storage's entry set. The fold is commutative (XOR of
// per-entry hashes), so replicas that applied the same mutations in any
// order produce identical fingerprints. Closed eras stop changing once the
// wall clock leaves them, which keeps repeated comparison cheap.
type Digest struct {
	mu       sync.RWMutex
	eraWidth int64 // nanoseconds
	eras     map[EraID]*era
	byKey    map[string]EraID
	version  uint64
}

// New creates an empty digest with the given era width.
func New(eraWidth int64) *Digest {
	if eraWidth <= 0 {
		eraWidth = 1
	}
	return &Digest{
		eraWidth: eraWidth,
		eras:     make(map[EraID]*era),
		byKey:    make(map[string]EraID),
	}
}

// EraOf returns the era a timestamp falls into.
func (d *Digest) EraOf(ts hlc.Timestamp) EraID {
	return EraID(ts.WallTime / d.eraWidth)
}

// entryHash computes the per-entry fingerprint folded into era and root.
func entryHash(key string, ts hlc.Timestamp, tombstone bool) uint64 {
	var buf [21]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(ts.WallTime))
	binary.BigEndian.PutUint32(buf[8:12], uint32(ts.Logical))
	binary.BigEndian.PutUint64(buf[12:20], ts.NodeID)
	if tombstone {
		buf[20] = 1
	}

	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Record folds an applied mutation into the digest. Any previous state for
// the key is unfolded first, so the digest always reflects exactly the
// backend's current entry set.
func (d *Digest) Record(key string, ts hlc.Timestamp, tombstone bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removeLocked(key)

	id := EraID(ts.WallTime / d.eraWidth)
	e, ok := d.eras[id]
	if !ok {
		e = &era{entries: make(map[string]entryState)}
		d.eras[id] = e
	}
	e.entries[key] = entryState{ts: ts, tombstone: tombstone}
	e.fingerprint ^= entryHash(key, ts, tombstone)
	d.byKey[key] = id
	d.version++
}

// Remove unfolds a key from the digest entirely. Used when garbage
// collection physically purges a tombstone.
func (d *Digest) Remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeLocked(key) {
		d.version++
	}
}

func (d *Digest) removeLocked(key string) bool {
	id, ok := d.byKey[key]
	if !ok {
		return false
	}
	e := d.eras[id]
	state := e.entries[key]
	e.fingerprint ^= entryHash(key, state.ts, state.tombstone)
	delete(e.entries, key)
	if len(e.entries) == 0 {
		delete(d.eras, id)
	}
	delete(d.byKey, key)
	return true
}

// Snapshot returns the root and all era fingerprints in era order.
func (d *Digest) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	eras := make([]EraFingerprint, 0, len(d.eras))
	for id, e := range d.eras {
		eras = append(eras, EraFingerprint{Era: id, Fingerprint: e.fingerprint})
	}
	sort.Slice(eras, func(i, j int) bool { return eras[i].Era < eras[j].Era })

	return Snapshot{
		Root:    rootOf(eras),
		Eras:    eras,
		Version: d.version,
	}
}

// Root returns just the root fingerprint.
func (d *Digest) Root() uint64 {
	return d.Snapshot().Root
}

// rootOf hashes the era-ordered fingerprints into a single root.
func rootOf(eras []EraFingerprint) uint64 {
	h := xxhash.New()
	var buf [16]byte
	for _, e := range eras {
		binary.BigEndian.PutUint64(buf[0:8], uint64(e.Era))
		binary.BigEndian.PutUint64(buf[8:16], e.Fingerprint)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// EraEntries returns the full content of one era, ordered by key.
func (d *Digest) EraEntries(id EraID) []EntryDigest {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.eras[id]
	if !ok {
		return nil
	}

	entries := make([]EntryDigest, 0, len(e.entries))
	for key, state := range e.entries {
		entries = append(entries, EntryDigest{Key: key, Timestamp: state.ts, Tombstone: state.tombstone})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Version returns the digest's mutation counter.
func (d *Digest) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Len returns the number of keys tracked.
func (d *Digest) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKey)
}
