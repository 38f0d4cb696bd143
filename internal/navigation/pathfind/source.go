package pathfind

import (
	"context"

	navcache "github.com/angelstreet/virtualpytest/internal/navigation/cache"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/navigation/store"
)

// NewCacheSource combines the resolved-tree cache with the store's
// subtree links into a Source: snapshots come from the cache, tree
// membership from the relational store.
func NewCacheSource(cache *navcache.Cache, links *store.Store) Source {
	return cacheSource{cache: cache, links: links}
}

type cacheSource struct {
	cache *navcache.Cache
	links *store.Store
}

func (s cacheSource) Snapshot(ctx context.Context, treeID string) (*navcache.ResolvedTree, error) {
	return s.cache.Snapshot(ctx, treeID)
}

func (s cacheSource) ChildTrees(ctx context.Context, parentTreeID string) ([]model.SubtreeLink, error) {
	return s.links.ChildTrees(ctx, parentTreeID)
}
