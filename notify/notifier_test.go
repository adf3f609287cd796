package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/ermine-db/ermine/hlc"
)

func change(storage, key string, wall int64) Change {
	return Change{Storage: storage, Key: key, Timestamp: hlc.Timestamp{WallTime: wall, NodeID: 1}}
}

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()

	// Subscribe to all storages
	changes, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal(change("s1", "k", 1))

	select {
	case c := <-changes:
		if c.Storage != "s1" || c.Key != "k" {
			t.Errorf("expected (s1, k), got (%s, %s)", c.Storage, c.Key)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for change")
	}
}

func TestHub_FilterSpecificStorage(t *testing.T) {
	hub := NewHub()

	changes, cancel := hub.Subscribe(Filter{Storages: []string{"s1"}})
	defer cancel()

	// Change in s1 (should receive)
	hub.Signal(change("s1", "a", 1))

	select {
	case c := <-changes:
		if c.Storage != "s1" {
			t.Errorf("expected s1, got %s", c.Storage)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for change")
	}

	// Change in s2 (should NOT receive)
	hub.Signal(change("s2", "b", 2))

	select {
	case c := <-changes:
		t.Errorf("should not receive change for s2, got (%s, %s)", c.Storage, c.Key)
	case <-time.After(50 * time.Millisecond):
		// Expected - no change
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()

	all, cancel1 := hub.Subscribe(Filter{})
	defer cancel1()
	only1, cancel2 := hub.Subscribe(Filter{Storages: []string{"s1"}})
	defer cancel2()
	only2, cancel3 := hub.Subscribe(Filter{Storages: []string{"s2"}})
	defer cancel3()

	hub.Signal(change("s1", "k", 1))

	for name, ch := range map[string]<-chan Change{"all": all, "only1": only1} {
		select {
		case c := <-ch:
			if c.Storage != "s1" {
				t.Errorf("%s: expected s1, got %s", name, c.Storage)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout on %s", name)
		}
	}

	select {
	case c := <-only2:
		t.Errorf("only2 should not receive, got (%s, %s)", c.Storage, c.Key)
	case <-time.After(50 * time.Millisecond):
		// Expected
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub()

	changes, cancel := hub.Subscribe(Filter{})

	hub.Signal(change("s1", "k", 1))

	select {
	case <-changes:
		// Expected
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for change")
	}

	cancel()

	// Channel should be closed
	select {
	case _, ok := <-changes:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Subsequent signals should not panic
	hub.Signal(change("s1", "k", 2))
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()

	changes, cancel := hub.Subscribe(Filter{})
	defer cancel()

	// Overfill the buffer; Signal must never block
	for i := 0; i < defaultSignalBufferSize+10; i++ {
		hub.Signal(change("s1", "k", int64(i)))
	}

	received := 0
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case <-changes:
			received++
		case <-timeout:
			if received < defaultSignalBufferSize {
				t.Errorf("expected at least %d changes, got %d", defaultSignalBufferSize, received)
			}
			return
		}
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	const numGoroutines = 10
	const numSignals = 100

	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			changes, cancel := hub.Subscribe(Filter{})
			defer cancel()

			received := 0
			timeout := time.After(2 * time.Second)
			for received < numSignals {
				select {
				case <-changes:
					received++
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numSignals; i++ {
			hub.Signal(change("s1", "k", int64(i)))
		}
	}()

	wg.Wait()
}

func TestHub_DoubleCancel(t *testing.T) {
	hub := NewHub()

	_, cancel := hub.Subscribe(Filter{})

	cancel()
	// Second cancel should not panic
	cancel()
}
