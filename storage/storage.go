package storage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/backend"
	"github.com/ermine-db/ermine/digest"
	"github.com/ermine-db/ermine/hlc"
	"github.com/ermine-db/ermine/keyexpr"
	"github.com/ermine-db/ermine/notify"
	"github.com/ermine-db/ermine/telemetry"
)

const (
	// Default capacity of the apply queue
	DefaultQueueSize = 256
	// Default initial retry delay for failed backend applies
	DefaultRetryInitial = 50 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 2 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before dropping a mutation
	DefaultMaxRetries = 5
)

// ErrStopped is returned for mutations submitted to a stopped storage.
var ErrStopped = fmt.Errorf("storage stopped")

type opKind int

const (
	opPut opKind = iota
	opDelete
	opPurge
)

func (o opKind) String() string {
	switch o {
	case opPut:
		return "put"
	case opDelete:
		return "delete"
	case opPurge:
		return "purge"
	}
	return "unknown"
}

// applyTask is one queued mutation. Tasks are drained in arrival order
// by the single writer goroutine.
type applyTask struct {
	op    opKind
	key   string
	value []byte
	ts    hlc.Timestamp
	done  chan error
}

// Config configures a storage instance.
type Config struct {
	Name    string          // Storage name (unique within the manager)
	KeyExpr string          // Key expression this storage subscribes to
	Backend backend.Backend // Underlying persistence
	Digest  *digest.Digest  // Replication digest (never nil, even unreplicated)
	Clock   *hlc.Clock      // Node clock, advanced by remote timestamps
	Hub     *notify.Hub     // Change feed hub (optional)

	QueueSize       int           // Apply queue capacity
	RetryInitial    time.Duration // Initial backend retry delay
	RetryMax        time.Duration // Max backend retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Retry attempts before dropping a mutation
}

// Storage owns one backend handle and one key expression. All mutations
// funnel through a single writer goroutine so last-writer-wins resolution
// and digest updates observe a consistent timestamp per key. Queries read
// a backend snapshot and never block behind the writer.
type Storage struct {
	config  Config
	backend backend.Backend
	digest  *digest.Digest

	applyCh     chan applyTask
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// New creates a storage instance. Start must be called before mutations
// are accepted.
func New(config Config) (*Storage, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("storage name is required")
	}
	if err := keyexpr.Validate(config.KeyExpr); err != nil {
		return nil, fmt.Errorf("invalid key expression for storage %s: %w", config.Name, err)
	}
	if config.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if config.Digest == nil {
		return nil, fmt.Errorf("digest is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Storage{
		config:  config,
		backend: config.Backend,
		digest:  config.Digest,
		applyCh: make(chan applyTask, config.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Name returns the storage name.
func (s *Storage) Name() string {
	return s.config.Name
}

// KeyExpr returns the key expression this storage subscribes to.
func (s *Storage) KeyExpr() string {
	return s.config.KeyExpr
}

// Digest returns the storage's replication digest.
func (s *Storage) Digest() *digest.Digest {
	return s.digest
}

// Start launches the writer goroutine.
func (s *Storage) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return
	}

	s.running.Store(true)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	log.Info().
		Str("storage", s.config.Name).
		Str("key_expr", s.config.KeyExpr).
		Msg("Starting storage")

	go s.drainLoop()
}

// Stop drains the pending apply queue and stops the writer. Mutations
// submitted after Stop returns fail with ErrStopped; mutations already
// queued are applied before Stop returns.
func (s *Storage) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Load() {
		return
	}

	s.running.Store(false)
	close(s.stopCh)
	<-s.doneCh

	log.Info().Str("storage", s.config.Name).Msg("Storage stopped")
}

// ApplyPut applies a keyed value with its timestamp. Returns nil both
// when the value was written and when it lost last-writer-wins admission
// (a recorded no-op). Returns an error only when the mutation was dropped
// after exhausting backend retries.
func (s *Storage) ApplyPut(key string, value []byte, ts hlc.Timestamp) error {
	return s.submit(applyTask{op: opPut, key: key, value: value, ts: ts, done: make(chan error, 1)})
}

// ApplyDelete records a tombstone for key. Same admission and failure
// semantics as ApplyPut.
func (s *Storage) ApplyDelete(key string, ts hlc.Timestamp) error {
	return s.submit(applyTask{op: opDelete, key: key, ts: ts, done: make(chan error, 1)})
}

// Purge physically removes the entry for key if it is still the tombstone
// observed at ts. Goes through the writer queue so it cannot race with a
// concurrent apply resurrecting the key; if the entry changed since the
// caller observed it, the purge is skipped.
func (s *Storage) Purge(key string, ts hlc.Timestamp) error {
	return s.submit(applyTask{op: opPurge, key: key, ts: ts, done: make(chan error, 1)})
}

func (s *Storage) submit(t applyTask) error {
	if !s.running.Load() {
		return ErrStopped
	}

	select {
	case s.applyCh <- t:
	case <-s.stopCh:
		return ErrStopped
	}
	telemetry.ApplyQueueDepth.With(s.config.Name).Set(float64(len(s.applyCh)))

	select {
	case err := <-t.done:
		return err
	case <-s.doneCh:
		// Writer exited while draining; the task was either applied
		// (done buffered) or never dequeued.
		select {
		case err := <-t.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// Get returns the current entry for key, including tombstones.
func (s *Storage) Get(key string) (backend.Entry, bool, error) {
	return s.backend.Get(key)
}

// List returns a snapshot of every entry including tombstones, sorted by
// key. Used by garbage collection; queries go through Query.
func (s *Storage) List() ([]backend.Entry, error) {
	return s.backend.List()
}

// Query returns all live entries whose key intersects expr, sorted by
// key. The result is a consistent snapshot as of the moment the query
// began; concurrent writers are never blocked and never observed
// half-applied. Tombstones are excluded.
func (s *Storage) Query(expr string) ([]backend.Entry, error) {
	if err := keyexpr.Validate(expr); err != nil {
		telemetry.QueriesTotal.With(s.config.Name, "invalid").Inc()
		return nil, fmt.Errorf("invalid query expression: %w", err)
	}

	start := time.Now()
	entries, err := s.backend.List()
	if err != nil {
		telemetry.QueriesTotal.With(s.config.Name, "error").Inc()
		return nil, fmt.Errorf("storage %s query failed: %w", s.config.Name, err)
	}

	results := make([]backend.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Tombstone {
			continue
		}
		if keyexpr.Intersects(expr, entry.Key) {
			results = append(results, entry)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })

	telemetry.QueriesTotal.With(s.config.Name, "ok").Inc()
	telemetry.QueryDurationSeconds.With(s.config.Name).Observe(time.Since(start).Seconds())
	return results, nil
}

// drainLoop is the single writer. On stop it finishes every task already
// queued before exiting, so callers blocked in submit always get an answer.
func (s *Storage) drainLoop() {
	defer close(s.doneCh)

	for {
		select {
		case t := <-s.applyCh:
			t.done <- s.process(t)
			telemetry.ApplyQueueDepth.With(s.config.Name).Set(float64(len(s.applyCh)))
		case <-s.stopCh:
			for {
				select {
				case t := <-s.applyCh:
					t.done <- s.process(t)
				default:
					telemetry.ApplyQueueDepth.With(s.config.Name).Set(0)
					return
				}
			}
		}
	}
}

func (s *Storage) process(t applyTask) error {
	if t.op == opPurge {
		return s.processPurge(t)
	}

	// Remote timestamps pulled in during alignment must advance the
	// local clock so later local writes sort after them.
	s.config.Clock.Update(t.ts)

	return s.applyWithRetry(t)
}

// applyWithRetry mutates the backend with bounded exponential backoff.
// Admission is re-checked on every attempt: a mutation may only reach
// the backend once the current entry's timestamp has actually been
// read and compared, so a transient read failure can never let a stale
// write through. After exhausting retries the mutation is dropped and
// reported; the storage keeps serving.
func (s *Storage) applyWithRetry(t applyTask) error {
	start := time.Now()
	delay := s.config.RetryInitial

	var err error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			telemetry.ApplyRetriesTotal.With(s.config.Name).Inc()
			if !s.sleep(delay) {
				break
			}
			delay = time.Duration(float64(delay) * s.config.RetryMultiplier)
			if delay > s.config.RetryMax {
				delay = s.config.RetryMax
			}
		}

		var current backend.Entry
		var exists bool
		current, exists, err = s.backend.Get(t.key)
		if err == nil {
			if exists && !hlc.Less(current.Timestamp, t.ts) {
				// Existing entry is at least as new. Recorded no-op.
				telemetry.AppliesTotal.With(s.config.Name, t.op.String(), "stale").Inc()
				log.Debug().
					Str("storage", s.config.Name).
					Str("key", t.key).
					Str("incoming", t.ts.String()).
					Str("current", current.Timestamp.String()).
					Msg("Mutation lost LWW admission")
				return nil
			}

			switch t.op {
			case opPut:
				err = s.backend.Put(t.key, t.value, t.ts)
			case opDelete:
				err = s.backend.Delete(t.key, t.ts)
			}
			if err == nil {
				s.finish(t)
				telemetry.AppliesTotal.With(s.config.Name, t.op.String(), "applied").Inc()
				telemetry.ApplyDurationSeconds.With(s.config.Name).Observe(time.Since(start).Seconds())
				return nil
			}
		}

		log.Warn().
			Err(err).
			Str("storage", s.config.Name).
			Str("key", t.key).
			Int("attempt", attempt+1).
			Msg("Backend apply failed, retrying")
	}

	telemetry.AppliesTotal.With(s.config.Name, t.op.String(), "dropped").Inc()
	log.Error().
		Err(err).
		Str("storage", s.config.Name).
		Str("key", t.key).
		Str("op", t.op.String()).
		Msg("Dropping mutation after exhausting backend retries")
	return fmt.Errorf("storage %s: dropped %s for key %s: %w", s.config.Name, t.op, t.key, err)
}

// finish records the applied mutation in the digest and signals the
// change feed. The digest update happens before the caller is acked so
// alignment never advertises state it has not folded in.
func (s *Storage) finish(t applyTask) {
	tombstone := t.op == opDelete
	s.digest.Record(t.key, t.ts, tombstone)

	if s.config.Hub != nil {
		s.config.Hub.Signal(notify.Change{
			Storage:   s.config.Name,
			Key:       t.key,
			Value:     t.value,
			Timestamp: t.ts,
			Tombstone: tombstone,
		})
	}
}

func (s *Storage) processPurge(t applyTask) error {
	current, exists, err := s.backend.Get(t.key)
	if err != nil {
		return fmt.Errorf("storage %s: purge read for key %s: %w", s.config.Name, t.key, err)
	}
	// Skip if the entry changed since the collector observed it.
	if !exists || !current.Tombstone || !hlc.Equal(current.Timestamp, t.ts) {
		return nil
	}
	if err := s.backend.Purge(t.key); err != nil {
		return fmt.Errorf("storage %s: purge key %s: %w", s.config.Name, t.key, err)
	}
	s.digest.Remove(t.key)
	return nil
}

// sleep waits for d, returning false if the storage is stopping.
func (s *Storage) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
