package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvcache "github.com/angelstreet/virtualpytest/internal/cache"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

type fakeLoader struct {
	loads atomic.Int64
	tree  model.Tree
}

func (f *fakeLoader) LoadResolvedTree(ctx context.Context, treeID string) (*ResolvedTree, error) {
	f.loads.Add(1)
	return &ResolvedTree{Tree: f.tree, LoadedAt: time.Now()}, nil
}

func testTree() model.Tree {
	return model.Tree{
		ID:          "t1",
		DeviceModel: "android_tv",
		Nodes: []model.Node{
			{ID: "home", Label: "Home", IsRoot: true},
			{ID: "settings", Label: "Settings"},
		},
		Edges: []model.Edge{
			{
				ID: "e1", Source: "home", Target: "settings",
				ActionSets:         []model.ActionSet{{ID: "fwd", Actions: []model.Action{{Command: "click"}}}},
				DefaultActionSetID: "fwd",
			},
		},
	}
}

func newTestCache(t *testing.T) (*Cache, *fakeLoader) {
	t.Helper()
	mem := kvcache.NewMemory(0)
	t.Cleanup(mem.Close)
	loader := &fakeLoader{tree: testTree()}
	return New(mem, loader, time.Hour), loader
}

func TestSnapshotLoadsOnceAndHitsAfter(t *testing.T) {
	c, loader := newTestCache(t)
	ctx := context.Background()

	first, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)
	second, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, loader.loads.Load())
}

func TestInvalidateForcesReload(t *testing.T) {
	c, loader := newTestCache(t)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)
	c.Invalidate("t1")
	_, err = c.Snapshot(ctx, "t1")
	require.NoError(t, err)

	assert.EqualValues(t, 2, loader.loads.Load())
}

func TestPatchNodeDoesNotRebuild(t *testing.T) {
	c, loader := newTestCache(t)
	ctx := context.Background()

	before, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)

	patched := model.Node{ID: "settings", Label: "Settings v2"}
	require.NoError(t, c.PatchNode(ctx, "t1", patched))

	after, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)

	got, ok := after.Tree.Node("settings")
	require.True(t, ok)
	assert.Equal(t, "Settings v2", got.Label)
	// Old snapshot is untouched (readers never observe a torn state).
	old, _ := before.Tree.Node("settings")
	assert.Equal(t, "Settings", old.Label)
	// Patch path never triggers a reload.
	assert.EqualValues(t, 1, loader.loads.Load())
}

func TestPatchNodeAppendsUnknownNode(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, c.PatchNode(ctx, "t1", model.Node{ID: "privacy", Label: "Privacy"}))

	after, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)
	_, ok := after.Tree.Node("privacy")
	assert.True(t, ok)
}

func TestPatchEdgeRejectsUnresolvedDefault(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, "t1")
	require.NoError(t, err)

	err = c.PatchEdge(ctx, "t1", model.Edge{ID: "e1", DefaultActionSetID: "missing"})
	assert.Error(t, err)
}

func TestPatchOnMissIsNoop(t *testing.T) {
	c, loader := newTestCache(t)
	require.NoError(t, c.PatchNode(context.Background(), "t1", model.Node{ID: "home"}))
	assert.EqualValues(t, 0, loader.loads.Load())
}

func TestConcurrentSnapshotSingleLoad(t *testing.T) {
	c, loader := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Snapshot(ctx, "t1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, loader.loads.Load())
}
