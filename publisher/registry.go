package publisher

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/cfg"
	"github.com/ermine-db/ermine/notify"
)

// SinkFactory creates a sink from its configuration.
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactoriesMu sync.RWMutex
	sinkFactories   = make(map[string]SinkFactory)
)

// RegisterSink registers a sink type. Called from sink package init
// functions.
func RegisterSink(sinkType string, factory SinkFactory) {
	sinkFactoriesMu.Lock()
	defer sinkFactoriesMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewSink creates a sink by its configured type.
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	sinkFactoriesMu.RLock()
	factory, ok := sinkFactories[config.Type]
	sinkFactoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type %q", config.Type)
	}
	return factory(config)
}

// Registry manages the lifecycle of all sink workers.
type Registry struct {
	workers []*Worker
	sinks   []Sink
	mu      sync.Mutex
	started bool
}

// NewRegistry builds one worker per configured sink, all fed from hub.
func NewRegistry(hub *notify.Hub, sinkConfigs []cfg.SinkConfiguration) (*Registry, error) {
	if hub == nil {
		return nil, fmt.Errorf("change hub is required")
	}

	registry := &Registry{}
	for _, sinkCfg := range sinkConfigs {
		if err := registry.addSink(hub, sinkCfg); err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(registry.workers)).Msg("Change publisher registry initialized")
	return registry, nil
}

func (r *Registry) addSink(hub *notify.Hub, sinkCfg cfg.SinkConfiguration) error {
	if sinkCfg.Name == "" {
		return fmt.Errorf("sink name is required")
	}

	sink, err := NewSink(sinkCfg)
	if err != nil {
		return err
	}

	filter, err := NewGlobFilter(sinkCfg.Storages)
	if err != nil {
		_ = sink.Close()
		return err
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        sinkCfg.Name,
		Hub:         hub,
		Sink:        sink,
		Filter:      filter,
		TopicPrefix: sinkCfg.TopicPrefix,
	})
	if err != nil {
		_ = sink.Close()
		return err
	}

	r.sinks = append(r.sinks, sink)
	r.workers = append(r.workers, worker)
	return nil
}

// Start starts all workers.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.started = true

	for _, worker := range r.workers {
		worker.Start()
	}
}

// Close stops all workers and closes their sinks.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, worker := range r.workers {
		worker.Stop()
	}
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sink")
		}
	}
	r.workers = nil
	r.sinks = nil
	r.started = false
}
