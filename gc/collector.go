// Package gc prunes expired tombstones. Tombstones must outlive the
// retention window so alignment can still propagate deletions; once the
// window passes they are physically removed from both backend and digest
// through the storage's writer, which keeps removal atomic with respect
// to concurrent applies.
package gc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/hlc"
	"github.com/ermine-db/ermine/storage"
	"github.com/ermine-db/ermine/telemetry"
)

// DefaultInterval is how often the collector scans when the config does
// not say otherwise. Scanning more often than a fraction of the retention
// window buys nothing.
const DefaultInterval = time.Minute

// Config configures a collector for one storage.
type Config struct {
	Storage         *storage.Storage
	RetentionWindow time.Duration // Tombstones older than this are purged
	Interval        time.Duration // Scan cadence
}

// Collector periodically purges expired tombstones from one storage.
// Failures are logged and retried next cycle; the apply path is never
// blocked.
type Collector struct {
	config Config

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	lifecycleMu sync.Mutex
}

// NewCollector creates a collector. Start must be called to begin
// scanning.
func NewCollector(config Config) (*Collector, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if config.RetentionWindow <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}

	return &Collector{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the scan loop.
func (c *Collector) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	log.Info().
		Str("storage", c.config.Storage.Name()).
		Dur("retention_window", c.config.RetentionWindow).
		Dur("interval", c.config.Interval).
		Msg("Starting garbage collector")

	go c.runLoop()
}

// Stop stops the scan loop.
func (c *Collector) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return
	}

	close(c.stopCh)
	<-c.doneCh
	c.running = false

	log.Info().Str("storage", c.config.Storage.Name()).Msg("Garbage collector stopped")
}

func (c *Collector) runLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			return
		}
	}
}

// Collect runs one scan, purging every tombstone older than the
// retention window. Safe to call concurrently with applies and queries.
func (c *Collector) Collect() {
	name := c.config.Storage.Name()

	expired, err := c.findExpired()
	if err != nil {
		telemetry.GCRunsTotal.With(name, "error").Inc()
		log.Warn().
			Err(err).
			Str("storage", name).
			Msg("Garbage collection scan failed, will retry next cycle")
		return
	}

	purged := 0
	for _, t := range expired {
		// Purge re-checks the entry inside the writer, so a tombstone
		// resurrected since the scan is left alone.
		if err := c.config.Storage.Purge(t.key, t.ts); err != nil {
			telemetry.GCRunsTotal.With(name, "error").Inc()
			log.Warn().
				Err(err).
				Str("storage", name).
				Str("key", t.key).
				Msg("Tombstone purge failed, will retry next cycle")
			return
		}
		purged++
	}

	telemetry.GCRunsTotal.With(name, "ok").Inc()
	if purged > 0 {
		telemetry.GCTombstonesPurgedTotal.With(name).Add(float64(purged))
		log.Debug().
			Str("storage", name).
			Int("purged", purged).
			Msg("Purged expired tombstones")
	}
}

type expiredTombstone struct {
	key string
	ts  hlc.Timestamp
}

func (c *Collector) findExpired() ([]expiredTombstone, error) {
	cutoff := time.Now().Add(-c.config.RetentionWindow).UnixNano()

	entries, err := c.config.Storage.List()
	if err != nil {
		return nil, err
	}

	var expired []expiredTombstone
	for _, entry := range entries {
		if entry.Tombstone && entry.Timestamp.WallTime < cutoff {
			expired = append(expired, expiredTombstone{key: entry.Key, ts: entry.Timestamp})
		}
	}
	return expired, nil
}
