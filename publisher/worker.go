package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/notify"
	"github.com/ermine-db/ermine/telemetry"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before dropping an event
	DefaultMaxRetries = 10
)

// WorkerConfig configures one sink worker.
type WorkerConfig struct {
	Name            string        // Sink name (for logs and metrics)
	Hub             *notify.Hub   // Change feed source
	Sink            Sink          // Destination sink
	Filter          Filter        // Storage name filter
	TopicPrefix     string        // Topic prefix (e.g. "ermine.changes")
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Retry attempts before dropping an event
}

// Worker consumes the change hub and publishes matching events to a sink.
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      func()
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a sink worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("change hub is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
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

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes to the hub and launches the publish loop.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	changes, cancel := w.config.Hub.Subscribe(notify.Filter{})
	w.cancel = cancel

	log.Info().
		Str("worker", w.config.Name).
		Msg("Starting change publisher worker")

	go w.publishLoop(changes)
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	w.cancel()
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Change publisher worker stopped")
}

func (w *Worker) publishLoop(changes <-chan notify.Change) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			w.processChange(change)
		}
	}
}

func (w *Worker) processChange(change notify.Change) {
	if !w.config.Filter.Match(change.Storage) {
		return
	}

	data, err := EncodeChange(change)
	if err != nil {
		telemetry.PublishedChangesTotal.With(w.config.Name, "error").Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("key", change.Key).
			Msg("Failed to encode change event")
		return
	}

	topic := BuildTopic(w.config.TopicPrefix, change.Storage)
	if err := w.publishWithRetry(topic, change.Key, data); err != nil {
		telemetry.PublishedChangesTotal.With(w.config.Name, "dropped").Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Str("key", change.Key).
			Msg("Dropping change event after exhausting retries")
		return
	}
	telemetry.PublishedChangesTotal.With(w.config.Name, "ok").Inc()
}

// publishWithRetry publishes with exponential backoff. Returns an error
// if retries are exhausted or the worker stopped.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish change, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
