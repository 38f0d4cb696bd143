// Package cache keeps fully-resolved navigation trees in memory (or Redis)
// with a 24 h TTL. Downstream consumers receive snapshots with references
// and command specs already inlined, so they perform no joins.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	kvcache "github.com/angelstreet/virtualpytest/internal/cache"
	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/metrics"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/reference"
)

// DefaultTTL is how long a resolved tree stays cached without invalidation.
const DefaultTTL = 24 * time.Hour

// ResolvedTree is a navigation tree with its verification references and
// the device model's command specs inlined. Instances handed out by the
// cache are snapshots: they are never mutated after publication.
type ResolvedTree struct {
	Tree       model.Tree                     `json:"tree"`
	References map[string]reference.Reference `json:"references"` // by name
	Commands   map[string]command.Spec        `json:"commands"`   // by command name
	LoadedAt   time.Time                      `json:"loaded_at"`
}

// Loader produces a fully-resolved tree on a cache miss.
type Loader interface {
	LoadResolvedTree(ctx context.Context, treeID string) (*ResolvedTree, error)
}

// Cache is the process-wide navigation cache keyed by tree id. Reads are
// lock-free snapshots; writers serialize per tree.
type Cache struct {
	store  kvcache.Store
	loader Loader
	ttl    time.Duration

	group singleflight.Group

	mu        sync.Mutex
	treeLocks map[string]*sync.Mutex
}

// New builds the cache on the given backend. ttl <= 0 selects DefaultTTL.
func New(store kvcache.Store, loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:     store,
		loader:    loader,
		ttl:       ttl,
		treeLocks: make(map[string]*sync.Mutex),
	}
}

func key(treeID string) string { return "navtree:" + treeID }

// lockFor returns the per-tree writer mutex, creating it on first use.
func (c *Cache) lockFor(treeID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.treeLocks[treeID]
	if !ok {
		l = &sync.Mutex{}
		c.treeLocks[treeID] = l
	}
	return l
}

// Snapshot returns the resolved tree, loading it on a miss. Concurrent
// misses for the same tree collapse into a single load. The returned value
// must be treated as immutable.
func (c *Cache) Snapshot(ctx context.Context, treeID string) (*ResolvedTree, error) {
	if v, ok := c.store.Get(key(treeID)); ok {
		if rt, ok := decode(v); ok {
			metrics.TreeCacheHits.Inc()
			return rt, nil
		}
	}
	metrics.TreeCacheMisses.Inc()

	v, err, _ := c.group.Do(treeID, func() (any, error) {
		// Re-check under singleflight: a concurrent loader may have
		// populated the entry while this call waited.
		if v, ok := c.store.Get(key(treeID)); ok {
			if rt, ok := decode(v); ok {
				return rt, nil
			}
		}
		rt, err := c.loader.LoadResolvedTree(ctx, treeID)
		if err != nil {
			return nil, err
		}
		c.store.Set(key(treeID), rt, c.ttl)
		logger := log.WithComponentFromContext(ctx, "nav-cache")
		logger.Debug().
			Str(log.FieldTreeID, treeID).
			Int("nodes", len(rt.Tree.Nodes)).
			Int("edges", len(rt.Tree.Edges)).
			Msg("tree loaded into cache")
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResolvedTree), nil
}

// Invalidate drops the cached entry for a tree. Wired as the store's
// invalidation hook so every graph write clears the owning tree.
func (c *Cache) Invalidate(treeID string) {
	c.store.Delete(key(treeID))
	metrics.TreeCacheInvalidations.WithLabelValues("write").Inc()
}

// Flush drops every cached tree (manual invalidation path).
func (c *Cache) Flush() {
	c.store.Flush()
	metrics.TreeCacheInvalidations.WithLabelValues("flush").Inc()
}

// PatchNode replaces one node inside the cached tree without a rebuild.
// A miss is a no-op: the next Snapshot loads fresh state anyway.
func (c *Cache) PatchNode(ctx context.Context, treeID string, node model.Node) error {
	return c.patch(ctx, treeID, func(rt *ResolvedTree) error {
		for i := range rt.Tree.Nodes {
			if rt.Tree.Nodes[i].ID == node.ID {
				rt.Tree.Nodes[i] = node
				return nil
			}
		}
		rt.Tree.Nodes = append(rt.Tree.Nodes, node)
		return nil
	})
}

// PatchEdge replaces one edge inside the cached tree without a rebuild.
func (c *Cache) PatchEdge(ctx context.Context, treeID string, edge model.Edge) error {
	if _, ok := edge.DefaultActionSet(); !ok {
		return fmt.Errorf("edge %s: default_action_set_id %q does not resolve", edge.ID, edge.DefaultActionSetID)
	}
	return c.patch(ctx, treeID, func(rt *ResolvedTree) error {
		for i := range rt.Tree.Edges {
			if rt.Tree.Edges[i].ID == edge.ID {
				rt.Tree.Edges[i] = edge
				return nil
			}
		}
		rt.Tree.Edges = append(rt.Tree.Edges, edge)
		return nil
	})
}

// patch applies fn to a private copy of the cached tree and republishes it.
// Readers holding the old snapshot keep a consistent view; new readers see
// the patched tree. Writers for the same tree serialize on the tree lock.
func (c *Cache) patch(ctx context.Context, treeID string, fn func(*ResolvedTree) error) error {
	l := c.lockFor(treeID)
	l.Lock()
	defer l.Unlock()

	v, ok := c.store.Get(key(treeID))
	if !ok {
		return nil
	}
	rt, ok := decode(v)
	if !ok {
		// Corrupt entry: drop it and let the next read reload.
		c.store.Delete(key(treeID))
		return nil
	}

	patched := rt.clone()
	if err := fn(patched); err != nil {
		return err
	}
	c.store.Set(key(treeID), patched, c.ttl)
	metrics.TreeCacheInvalidations.WithLabelValues("patch").Inc()
	logger := log.WithComponentFromContext(ctx, "nav-cache")
	logger.Debug().
		Str(log.FieldTreeID, treeID).
		Msg("cached tree patched in place")
	return nil
}

// clone deep-copies the parts a patch may touch. Reference and command
// maps are shared: patches never modify them.
func (rt *ResolvedTree) clone() *ResolvedTree {
	cp := *rt
	cp.Tree.Nodes = make([]model.Node, len(rt.Tree.Nodes))
	copy(cp.Tree.Nodes, rt.Tree.Nodes)
	cp.Tree.Edges = make([]model.Edge, len(rt.Tree.Edges))
	copy(cp.Tree.Edges, rt.Tree.Edges)
	return &cp
}

// decode recovers a ResolvedTree from a backend value. The memory backend
// returns the typed pointer; the Redis backend returns decoded JSON.
func decode(v any) (*ResolvedTree, bool) {
	switch t := v.(type) {
	case *ResolvedTree:
		return t, true
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		var rt ResolvedTree
		if err := json.Unmarshal(raw, &rt); err != nil {
			return nil, false
		}
		return &rt, true
	}
}
