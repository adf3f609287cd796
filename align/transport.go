package align

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"
)

// Handler answers one alignment request for a storage.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Transport moves opaque alignment frames between named nodes. Requests
// are addressed to (peer node, storage name); message boundaries are
// preserved. Any request/reply transport satisfies this, including the
// in-process Loopback used in tests.
type Transport interface {
	Request(ctx context.Context, peer, storage string, payload []byte) ([]byte, error)
	Handle(storage string, handler Handler) error
	Unhandle(storage string)
	Close() error
}

const natsSubjectPrefix = "ermine.align"

// natsSubject builds the request subject for a storage on a node.
// NATS subject tokens can't contain "." or spaces, so both are folded
// to "_".
func natsSubject(node, storage string) string {
	sanitize := func(s string) string {
		return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
	}
	return fmt.Sprintf("%s.%s.%s", natsSubjectPrefix, sanitize(node), sanitize(storage))
}

// NatsTransport carries alignment traffic over NATS request/reply.
type NatsTransport struct {
	nc     *nats.Conn
	nodeID string
	subs   *xsync.MapOf[string, *nats.Subscription]
}

// NewNatsTransport connects to NATS and serves requests addressed to
// nodeID.
func NewNatsTransport(url, nodeID string) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsTransport{
		nc:     nc,
		nodeID: nodeID,
		subs:   xsync.NewMapOf[string, *nats.Subscription](),
	}, nil
}

func (t *NatsTransport) Request(ctx context.Context, peer, storage string, payload []byte) ([]byte, error) {
	msg, err := t.nc.RequestWithContext(ctx, natsSubject(peer, storage), payload)
	if err != nil {
		return nil, fmt.Errorf("alignment request to %s/%s failed: %w", peer, storage, err)
	}
	return msg.Data, nil
}

func (t *NatsTransport) Handle(storage string, handler Handler) error {
	subject := natsSubject(t.nodeID, storage)
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reply, err := handler(ctx, msg.Data)
		if err != nil {
			// Let the requester time out; a malformed reply is worse
			// than none.
			return
		}
		_ = msg.Respond(reply)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}
	t.subs.Store(storage, sub)
	return nil
}

func (t *NatsTransport) Unhandle(storage string) {
	if sub, ok := t.subs.LoadAndDelete(storage); ok {
		_ = sub.Unsubscribe()
	}
}

func (t *NatsTransport) Close() error {
	t.subs.Range(func(_ string, sub *nats.Subscription) bool {
		_ = sub.Unsubscribe()
		return true
	})
	t.nc.Close()
	return nil
}

// Loopback is an in-process transport registry for tests and single-node
// setups. Each node gets a Transport view; requests dispatch directly to
// the peer's handler.
type Loopback struct {
	nodes *xsync.MapOf[string, *loopbackNode]
}

// NewLoopback creates an empty loopback registry.
func NewLoopback() *Loopback {
	return &Loopback{nodes: xsync.NewMapOf[string, *loopbackNode]()}
}

// Node returns the transport view for node id, creating it on first use.
func (l *Loopback) Node(id string) Transport {
	node, _ := l.nodes.LoadOrStore(id, &loopbackNode{
		hub:      l,
		id:       id,
		handlers: xsync.NewMapOf[string, Handler](),
	})
	return node
}

// Disconnect makes every request to or from node id fail, simulating a
// peer outage.
func (l *Loopback) Disconnect(id string) {
	if node, ok := l.nodes.Load(id); ok {
		node.down.Store(true)
	}
}

// Reconnect reverses Disconnect.
func (l *Loopback) Reconnect(id string) {
	if node, ok := l.nodes.Load(id); ok {
		node.down.Store(false)
	}
}

type loopbackNode struct {
	hub      *Loopback
	id       string
	handlers *xsync.MapOf[string, Handler]
	down     atomic.Bool
}

func (n *loopbackNode) Request(ctx context.Context, peer, storage string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.down.Load() {
		return nil, fmt.Errorf("node %s is disconnected", n.id)
	}
	target, ok := n.hub.nodes.Load(peer)
	if !ok || target.down.Load() {
		return nil, fmt.Errorf("peer %s is unreachable", peer)
	}
	handler, ok := target.handlers.Load(storage)
	if !ok {
		return nil, fmt.Errorf("peer %s has no handler for storage %s", peer, storage)
	}
	return handler(ctx, payload)
}

func (n *loopbackNode) Handle(storage string, handler Handler) error {
	n.handlers.Store(storage, handler)
	return nil
}

func (n *loopbackNode) Unhandle(storage string) {
	n.handlers.Delete(storage)
}

func (n *loopbackNode) Close() error {
	n.handlers.Clear()
	return nil
}
