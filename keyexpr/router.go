package keyexpr

import (
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// matchCacheSize bounds the memoized expression -> storage-set lookups.
// Overlay traffic tends to reuse a small working set of key expressions.
const matchCacheSize = 4096

// Router maintains the mapping from storage identifiers to their registered
// key expressions and answers which storages intersect an incoming
// expression. Matching never materializes concrete keys: the registered
// expressions form a segment trie and branches whose segment cannot
// intersect the query segment are pruned.
type Router struct {
	mu       sync.RWMutex
	root     *routeNode
	exprByID map[string]string
	cache    *lru.Cache[string, []string]
}

type routeNode struct {
	children map[string]*routeNode
	storages map[string]struct{}
}

func newRouteNode() *routeNode {
	return &routeNode{children: make(map[string]*routeNode)}
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	cache, _ := lru.New[string, []string](matchCacheSize)
	return &Router{
		root:     newRouteNode(),
		exprByID: make(map[string]string),
		cache:    cache,
	}
}

// Register adds or replaces the key expression for a storage.
func (r *Router) Register(storageID, expr string) error {
	if err := Validate(expr); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.exprByID[storageID]; ok {
		r.removeLocked(storageID, old)
	}

	node := r.root
	for _, seg := range strings.Split(expr, "/") {
		child, ok := node.children[seg]
		if !ok {
			child = newRouteNode()
			node.children[seg] = child
		}
		node = child
	}
	if node.storages == nil {
		node.storages = make(map[string]struct{})
	}
	node.storages[storageID] = struct{}{}
	r.exprByID[storageID] = expr

	r.cache.Purge()
	return nil
}

// Unregister removes a storage from the index. Unknown identifiers are a
// no-op.
func (r *Router) Unregister(storageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expr, ok := r.exprByID[storageID]
	if !ok {
		return
	}
	r.removeLocked(storageID, expr)
	delete(r.exprByID, storageID)
	r.cache.Purge()
}

func (r *Router) removeLocked(storageID, expr string) {
	segs := strings.Split(expr, "/")
	path := make([]*routeNode, 0, len(segs)+1)
	node := r.root
	path = append(path, node)
	for _, seg := range segs {
		child, ok := node.children[seg]
		if !ok {
			return
		}
		node = child
		path = append(path, node)
	}
	delete(node.storages, storageID)

	// Prune now-empty branches bottom-up
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if len(n.children) == 0 && len(n.storages) == 0 {
			delete(path[i-1].children, segs[i-1])
		}
	}
}

// Expression returns the registered expression for a storage.
func (r *Router) Expression(storageID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expr, ok := r.exprByID[storageID]
	return expr, ok
}

// Match returns the identifiers of all storages whose registered expression
// intersects expr, sorted for determinism. Absent registrations simply yield
// an empty result.
func (r *Router) Match(expr string) []string {
	if ids, ok := r.cache.Get(expr); ok {
		return ids
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]struct{})
	matchTrie(r.root, strings.Split(expr, "/"), found)

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Inserted while still holding the read lock: Register and Unregister
	// purge the cache under the write lock, so a result computed against
	// the old trie can never land after the purge that invalidated it.
	r.cache.Add(expr, ids)
	return ids
}

// matchTrie walks the registration trie against the query segments. A "**"
// on either side may consume zero or more segments; all other segment pairs
// are compared with segIntersect, which prunes the branch when they cannot
// intersect.
func matchTrie(node *routeNode, segs []string, found map[string]struct{}) {
	if len(segs) == 0 {
		for id := range node.storages {
			found[id] = struct{}{}
		}
		// A trailing "**" chain matches the empty suffix
		if child, ok := node.children["**"]; ok {
			matchTrie(child, nil, found)
		}
		return
	}

	if segs[0] == "**" {
		// Query multi-wild: matches zero segments here...
		matchTrie(node, segs[1:], found)
		// ...or consumes one level of every branch
		for _, child := range node.children {
			matchTrie(child, segs, found)
		}
		return
	}

	for seg, child := range node.children {
		if seg == "**" {
			// Registered multi-wild: consume any prefix of the remaining
			// query segments, including all of them
			for i := 0; i <= len(segs); i++ {
				matchTrie(child, segs[i:], found)
			}
			continue
		}
		if segIntersect(seg, segs[0]) {
			matchTrie(child, segs[1:], found)
		}
	}
}
