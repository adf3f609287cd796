package align

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/digest"
	"github.com/ermine-db/ermine/hlc"
	"github.com/ermine-db/ermine/storage"
	"github.com/ermine-db/ermine/telemetry"
)

// State names one phase of an alignment session.
type State int

const (
	StateIdle State = iota
	StateAdvertised
	StateComparing
	StateFetching
	StateApplying
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertised:
		return "advertised"
	case StateComparing:
		return "comparing"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

const (
	// DefaultRequestTimeout bounds each alignment network exchange.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultFanout is how many peers each gossip tick talks to.
	DefaultFanout = 2
)

// Config configures an aligner for one replicated storage.
type Config struct {
	Storage        *storage.Storage
	Transport      Transport
	Peers          []string      // Peer node names
	Fanout         int           // Peers contacted per tick
	GossipInterval time.Duration // Tick cadence; also the only retry cadence
	RequestTimeout time.Duration // Per-request bound; timeout aborts the session
}

// Aligner drives anti-entropy for one storage: a periodic session per
// peer that advertises the digest root, narrows divergence down to
// specific eras, pulls their content and replays it through the storage's
// normal apply path. Any timeout or peer error aborts the session; the
// next tick retries from scratch, which is safe because applies are
// idempotent under last-writer-wins.
type Aligner struct {
	config Config

	// lastDivergent tracks peers whose previous session ended divergent
	// without pulling anything, which signals persistent mismatch.
	lastDivergent map[string]bool

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	lifecycleMu sync.Mutex
}

// NewAligner creates an aligner. Start must be called to begin gossiping.
func NewAligner(config Config) (*Aligner, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.GossipInterval <= 0 {
		return nil, fmt.Errorf("gossip interval must be positive")
	}
	if config.Fanout <= 0 {
		config.Fanout = DefaultFanout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	return &Aligner{
		config:        config,
		lastDivergent: make(map[string]bool),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Start registers the responder and launches the gossip loop.
func (a *Aligner) Start() error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.running {
		return nil
	}

	name := a.config.Storage.Name()
	if err := a.config.Transport.Handle(name, a.respond); err != nil {
		return fmt.Errorf("failed to register alignment responder for %s: %w", name, err)
	}

	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	log.Info().
		Str("storage", name).
		Dur("gossip_interval", a.config.GossipInterval).
		Int("fanout", a.config.Fanout).
		Strs("peers", a.config.Peers).
		Msg("Starting aligner")

	go a.gossipLoop()
	return nil
}

// Stop cancels any in-flight session and deregisters the responder.
func (a *Aligner) Stop() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.running {
		return
	}

	close(a.stopCh)
	<-a.doneCh
	a.config.Transport.Unhandle(a.config.Storage.Name())
	a.running = false

	log.Info().Str("storage", a.config.Storage.Name()).Msg("Aligner stopped")
}

// gossipLoop runs one alignment round per tick. Aborted sessions are not
// retried until the next tick, so there is never a tight retry loop.
func (a *Aligner) gossipLoop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.config.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.performRound()
		case <-a.stopCh:
			return
		}
	}
}

// performRound aligns with up to Fanout peers picked at random.
func (a *Aligner) performRound() {
	peers := a.pickPeers()
	for _, peer := range peers {
		select {
		case <-a.stopCh:
			return
		default:
		}
		a.alignWith(peer)
	}
}

func (a *Aligner) pickPeers() []string {
	peers := make([]string, len(a.config.Peers))
	copy(peers, a.config.Peers)
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > a.config.Fanout {
		peers = peers[:a.config.Fanout]
	}
	return peers
}

// alignWith runs one full session against one peer.
func (a *Aligner) alignWith(peer string) {
	name := a.config.Storage.Name()
	start := time.Now()
	state := StateIdle

	outcome, pulled, err := a.session(peer, &state)
	telemetry.AlignRoundsTotal.With(name, outcome).Inc()
	telemetry.AlignDurationSeconds.With(name).Observe(time.Since(start).Seconds())

	switch outcome {
	case "aborted":
		// Partial progress is discarded; entries already applied stay
		// applied and the same diff re-runs harmlessly next tick.
		log.Warn().
			Err(err).
			Str("storage", name).
			Str("peer", peer).
			Str("state", state.String()).
			Msg("Alignment session aborted, will retry next tick")
	case "divergent":
		if pulled == 0 && a.lastDivergent[peer] {
			telemetry.DigestMismatchUnresolved.With(name, peer).Set(1)
			log.Warn().
				Str("storage", name).
				Str("peer", peer).
				Msg("Digest mismatch persists across alignment rounds")
		}
		a.lastDivergent[peer] = pulled == 0
	case "clean":
		telemetry.DigestMismatchUnresolved.With(name, peer).Set(0)
		a.lastDivergent[peer] = false
	}
}

// session is the state machine proper. It returns the round outcome
// (clean, divergent, aborted) and how many entries were pulled.
func (a *Aligner) session(peer string, state *State) (string, int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	local := a.config.Storage.Digest().Snapshot()

	// ADVERTISED: send our root, learn the peer's.
	*state = StateAdvertised
	reply, err := a.request(ctx, peer, Message{Kind: KindRootAdvert, Root: local.Root})
	if err != nil {
		*state = StateAborted
		return "aborted", 0, err
	}
	if reply.Kind != KindRootReply {
		*state = StateAborted
		return "aborted", 0, fmt.Errorf("unexpected reply kind %s to root advert", reply.Kind)
	}
	if reply.Root == local.Root {
		*state = StateIdle
		return "clean", 0, nil
	}

	// COMPARING: narrow the difference down to specific eras.
	*state = StateComparing
	reply, err = a.request(ctx, peer, Message{Kind: KindEraSummaryRequest})
	if err != nil {
		*state = StateAborted
		return "aborted", 0, err
	}
	if reply.Kind != KindEraSummary {
		*state = StateAborted
		return "aborted", 0, fmt.Errorf("unexpected reply kind %s to era summary request", reply.Kind)
	}
	divergent := divergentEras(local.Eras, reply.Eras)
	telemetry.AlignErasComparedTotal.With(a.config.Storage.Name()).Add(float64(len(reply.Eras)))
	if len(divergent) == 0 {
		// Roots differed but the peer holds no era we lack or disagree
		// on; the peer pulls from us when its own session runs.
		*state = StateIdle
		return "divergent", 0, nil
	}

	// FETCHING: pull the content of divergent eras only.
	*state = StateFetching
	reply, err = a.request(ctx, peer, Message{Kind: KindEraContentRequest, EraIDs: divergent})
	if err != nil {
		*state = StateAborted
		return "aborted", 0, err
	}
	if reply.Kind != KindEraContent {
		*state = StateAborted
		return "aborted", 0, fmt.Errorf("unexpected reply kind %s to era content request", reply.Kind)
	}
	content, err := DecodeContent(reply.Content)
	if err != nil {
		*state = StateAborted
		return "aborted", 0, err
	}

	// APPLYING: replay newer peer entries through the normal apply path.
	*state = StateApplying
	pulled, err := a.apply(content)
	if err != nil {
		*state = StateAborted
		return "aborted", pulled, err
	}

	telemetry.AlignEntriesPulledTotal.With(a.config.Storage.Name()).Add(float64(pulled))
	log.Debug().
		Str("storage", a.config.Storage.Name()).
		Str("peer", peer).
		Int("divergent_eras", len(divergent)).
		Int("entries_pulled", pulled).
		Msg("Alignment session applied peer entries")

	*state = StateIdle
	return "divergent", pulled, nil
}

func (a *Aligner) request(ctx context.Context, peer string, m Message) (Message, error) {
	payload, err := EncodeMessage(m)
	if err != nil {
		return Message{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	data, err := a.config.Transport.Request(reqCtx, peer, a.config.Storage.Name(), payload)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(data)
}

// divergentEras returns the peer eras worth fetching: eras we lack
// entirely and eras whose fingerprint disagrees with ours. Local-only
// eras are the peer's problem, not ours.
func divergentEras(local, peer []digest.EraFingerprint) []digest.EraID {
	localByEra := make(map[digest.EraID]uint64, len(local))
	for _, e := range local {
		localByEra[e.Era] = e.Fingerprint
	}

	var out []digest.EraID
	for _, e := range peer {
		if fp, ok := localByEra[e.Era]; !ok || fp != e.Fingerprint {
			out = append(out, e.Era)
		}
	}
	return out
}

// apply replays peer entries that are strictly newer than local state.
// Admission is re-checked by the storage's writer, so a concurrent local
// write racing this loop still resolves by last-writer-wins.
func (a *Aligner) apply(content []EraContent) (int, error) {
	pulled := 0
	for _, era := range content {
		for _, entry := range era.Entries {
			current, exists, err := a.config.Storage.Get(entry.Key)
			if err != nil {
				return pulled, fmt.Errorf("failed to read local entry %s: %w", entry.Key, err)
			}
			if exists && !hlc.Less(current.Timestamp, entry.Timestamp) {
				continue
			}

			if entry.Tombstone {
				err = a.config.Storage.ApplyDelete(entry.Key, entry.Timestamp)
			} else {
				err = a.config.Storage.ApplyPut(entry.Key, entry.Value, entry.Timestamp)
			}
			if err != nil {
				return pulled, fmt.Errorf("failed to apply peer entry %s: %w", entry.Key, err)
			}
			pulled++
		}
	}
	return pulled, nil
}

// respond answers peer requests from the local digest and backend.
func (a *Aligner) respond(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}

	d := a.config.Storage.Digest()
	switch m.Kind {
	case KindRootAdvert:
		return EncodeMessage(Message{Kind: KindRootReply, Root: d.Root()})

	case KindEraSummaryRequest:
		snap := d.Snapshot()
		return EncodeMessage(Message{Kind: KindEraSummary, Eras: snap.Eras})

	case KindEraContentRequest:
		eras := make([]EraContent, 0, len(m.EraIDs))
		for _, id := range m.EraIDs {
			entries := d.EraEntries(id)
			content := EraContent{Era: id, Entries: make([]WireEntry, 0, len(entries))}
			for _, e := range entries {
				wire := WireEntry{Key: e.Key, Timestamp: e.Timestamp, Tombstone: e.Tombstone}
				if !e.Tombstone {
					entry, exists, err := a.config.Storage.Get(e.Key)
					if err != nil {
						return nil, fmt.Errorf("failed to read entry %s for era content: %w", e.Key, err)
					}
					if !exists {
						// Purged between snapshot and read; skip.
						continue
					}
					wire.Value = entry.Value
					wire.Timestamp = entry.Timestamp
					wire.Tombstone = entry.Tombstone
				}
				content.Entries = append(content.Entries, wire)
			}
			eras = append(eras, content)
		}

		data, err := EncodeContent(eras)
		if err != nil {
			return nil, err
		}
		return EncodeMessage(Message{Kind: KindEraContent, Content: data})

	default:
		return nil, fmt.Errorf("unexpected alignment request kind %s", m.Kind)
	}
}
