package align

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermine-db/ermine/backend"
	"github.com/ermine-db/ermine/digest"
	"github.com/ermine-db/ermine/hlc"
	"github.com/ermine-db/ermine/storage"
)

const testEraWidth = int64(time.Hour)

type testNode struct {
	name    string
	storage *storage.Storage
	aligner *Aligner
}

// newTestPair wires two replicas of the same storage over a loopback
// transport. Gossip ticks are effectively disabled so tests drive
// sessions explicitly.
func newTestPair(t *testing.T, loop *Loopback) (*testNode, *testNode) {
	t.Helper()

	build := func(name, peer string, nodeID uint64) *testNode {
		s, err := storage.New(storage.Config{
			Name:    "sensors",
			KeyExpr: "demo/**",
			Backend: backend.NewMemoryBackend(),
			Digest:  digest.New(testEraWidth),
			Clock:   hlc.NewClock(nodeID),
		})
		require.NoError(t, err)
		s.Start()
		t.Cleanup(s.Stop)

		a, err := NewAligner(Config{
			Storage:        s,
			Transport:      loop.Node(name),
			Peers:          []string{peer},
			GossipInterval: time.Hour,
			RequestTimeout: time.Second,
		})
		require.NoError(t, err)
		require.NoError(t, a.Start())
		t.Cleanup(a.Stop)

		return &testNode{name: name, storage: s, aligner: a}
	}

	return build("n1", "n2", 1), build("n2", "n1", 2)
}

func ts(wall int64, node uint64) hlc.Timestamp {
	return hlc.Timestamp{WallTime: wall, NodeID: node}
}

func TestAligner_ConvergesDivergentReplicas(t *testing.T) {
	n1, n2 := newTestPair(t, NewLoopback())

	require.NoError(t, n1.storage.ApplyPut("demo/a", []byte("from-n1"), ts(100, 1)))
	require.NoError(t, n2.storage.ApplyPut("demo/b", []byte("from-n2"), ts(200, 2)))

	n1.aligner.alignWith("n2")
	n2.aligner.alignWith("n1")

	assert.Equal(t, n1.storage.Digest().Root(), n2.storage.Digest().Root())

	for _, n := range []*testNode{n1, n2} {
		results, err := n.storage.Query("demo/**")
		require.NoError(t, err)
		require.Len(t, results, 2, "node %s", n.name)
		assert.Equal(t, []byte("from-n1"), results[0].Value)
		assert.Equal(t, []byte("from-n2"), results[1].Value)
	}
}

func TestAligner_CleanSessionLeavesStateUntouched(t *testing.T) {
	n1, n2 := newTestPair(t, NewLoopback())

	require.NoError(t, n1.storage.ApplyPut("demo/a", []byte("v"), ts(100, 1)))
	require.NoError(t, n2.storage.ApplyPut("demo/a", []byte("v"), ts(100, 1)))

	v1 := n1.storage.Digest().Version()
	v2 := n2.storage.Digest().Version()

	n1.aligner.alignWith("n2")

	assert.Equal(t, v1, n1.storage.Digest().Version())
	assert.Equal(t, v2, n2.storage.Digest().Version())
}

func TestAligner_NewerLocalEntryWinsOverPeer(t *testing.T) {
	n1, n2 := newTestPair(t, NewLoopback())

	require.NoError(t, n1.storage.ApplyPut("demo/a", []byte("newer"), ts(200, 1)))
	require.NoError(t, n2.storage.ApplyPut("demo/a", []byte("older"), ts(100, 2)))

	// Pulling from the stale peer must not overwrite the newer entry
	n1.aligner.alignWith("n2")

	entry, _, err := n1.storage.Get("demo/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), entry.Value)

	// The stale peer converges once it pulls from us
	n2.aligner.alignWith("n1")
	entry, _, err = n2.storage.Get("demo/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), entry.Value)
	assert.Equal(t, n1.storage.Digest().Root(), n2.storage.Digest().Root())
}

func TestAligner_TombstonePropagates(t *testing.T) {
	n1, n2 := newTestPair(t, NewLoopback())

	require.NoError(t, n2.storage.ApplyPut("demo/a", []byte("v"), ts(100, 2)))
	require.NoError(t, n1.storage.ApplyPut("demo/a", []byte("v"), ts(100, 2)))
	require.NoError(t, n1.storage.ApplyDelete("demo/a", ts(200, 1)))

	n2.aligner.alignWith("n1")

	results, err := n2.storage.Query("demo/**")
	require.NoError(t, err)
	assert.Empty(t, results)

	entry, found, err := n2.storage.Get("demo/a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.Tombstone)
	assert.Equal(t, n1.storage.Digest().Root(), n2.storage.Digest().Root())
}

func TestAligner_RepeatedSessionsAreIdempotent(t *testing.T) {
	n1, n2 := newTestPair(t, NewLoopback())

	require.NoError(t, n2.storage.ApplyPut("demo/a", []byte("v"), ts(100, 2)))

	n1.aligner.alignWith("n2")
	root := n1.storage.Digest().Root()
	version := n1.storage.Digest().Version()

	// Re-running the same diff changes nothing
	n1.aligner.alignWith("n2")
	n1.aligner.alignWith("n2")

	assert.Equal(t, root, n1.storage.Digest().Root())
	assert.Equal(t, version, n1.storage.Digest().Version())
}

func TestAligner_AbortsCleanlyOnUnreachablePeer(t *testing.T) {
	loop := NewLoopback()
	n1, n2 := newTestPair(t, loop)

	require.NoError(t, n2.storage.ApplyPut("demo/a", []byte("v"), ts(100, 2)))
	rootBefore := n1.storage.Digest().Root()

	loop.Disconnect("n2")
	n1.aligner.alignWith("n2")

	// Nothing half-applied
	assert.Equal(t, rootBefore, n1.storage.Digest().Root())

	// The next scheduled round succeeds after the peer returns
	loop.Reconnect("n2")
	n1.aligner.alignWith("n2")
	assert.Equal(t, n2.storage.Digest().Root(), n1.storage.Digest().Root())
}

func TestAligner_RequestTimeoutAborts(t *testing.T) {
	loop := NewLoopback()

	s, err := storage.New(storage.Config{
		Name:    "sensors",
		KeyExpr: "demo/**",
		Backend: backend.NewMemoryBackend(),
		Digest:  digest.New(testEraWidth),
		Clock:   hlc.NewClock(1),
	})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	// A peer that never answers within the request timeout
	stuck := loop.Node("stuck")
	require.NoError(t, stuck.Handle("sensors", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	a, err := NewAligner(Config{
		Storage:        s,
		Transport:      loop.Node("n1"),
		Peers:          []string{"stuck"},
		GossipInterval: time.Hour,
		RequestTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	done := make(chan struct{})
	go func() {
		a.alignWith("stuck")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aborted session did not return promptly")
	}
}

// countingTransport records era content requests to verify bandwidth is
// bounded to divergent eras.
type countingTransport struct {
	Transport
	contentEras []digest.EraID
}

func (c *countingTransport) Request(ctx context.Context, peer, storage string, payload []byte) ([]byte, error) {
	m, err := DecodeMessage(payload)
	if err == nil && m.Kind == KindEraContentRequest {
		c.contentEras = append(c.contentEras, m.EraIDs...)
	}
	return c.Transport.Request(ctx, peer, storage, payload)
}

func TestAligner_FetchesOnlyDivergentEras(t *testing.T) {
	loop := NewLoopback()
	n1, n2 := newTestPair(t, loop)

	// Several eras of identical history on both replicas
	for era := 0; era < 5; era++ {
		for i := 0; i < 3; i++ {
			key := fmt.Sprintf("demo/era%d/k%d", era, i)
			stamp := ts(int64(era)*testEraWidth+int64(i+1), 1)
			require.NoError(t, n1.storage.ApplyPut(key, []byte("v"), stamp))
			require.NoError(t, n2.storage.ApplyPut(key, []byte("v"), stamp))
		}
	}
	// One era diverges
	divergentStamp := ts(2*testEraWidth+500, 2)
	require.NoError(t, n2.storage.ApplyPut("demo/era2/extra", []byte("v"), divergentStamp))

	counting := &countingTransport{Transport: loop.Node("n1")}
	a, err := NewAligner(Config{
		Storage:        n1.storage,
		Transport:      counting,
		Peers:          []string{"n2"},
		GossipInterval: time.Hour,
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)

	a.alignWith("n2")

	require.Len(t, counting.contentEras, 1)
	assert.Equal(t, n2.storage.Digest().EraOf(divergentStamp), counting.contentEras[0])
	assert.Equal(t, n2.storage.Digest().Root(), n1.storage.Digest().Root())
}
