package pathfind

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	navcache "github.com/angelstreet/virtualpytest/internal/navigation/cache"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

type fakeSource struct {
	trees map[string]*navcache.ResolvedTree
	links map[string][]model.SubtreeLink // parent tree -> links
}

func (f *fakeSource) Snapshot(ctx context.Context, treeID string) (*navcache.ResolvedTree, error) {
	rt, ok := f.trees[treeID]
	if !ok {
		return nil, ErrNoPath
	}
	return rt, nil
}

func (f *fakeSource) ChildTrees(ctx context.Context, parentTreeID string) ([]model.SubtreeLink, error) {
	return f.links[parentTreeID], nil
}

func edge(id, src, dst string, actions int, waitMS int, setID string) model.Edge {
	as := model.ActionSet{ID: setID}
	for i := 0; i < actions; i++ {
		as.Actions = append(as.Actions, model.Action{Command: "click"})
	}
	return model.Edge{
		ID: id, Source: src, Target: dst,
		ActionSets:         []model.ActionSet{as},
		DefaultActionSetID: setID,
		FinalWaitMS:        waitMS,
	}
}

func tree(id string, nodes []model.Node, edges ...model.Edge) *navcache.ResolvedTree {
	return &navcache.ResolvedTree{Tree: model.Tree{ID: id, Nodes: nodes, Edges: edges}}
}

func TestShortestPathByWeight(t *testing.T) {
	// Two routes home -> end: direct edge with 5 actions (weight 5) vs
	// two hops of 1 action each (weight 2). The cheaper route wins.
	src := &fakeSource{trees: map[string]*navcache.ResolvedTree{
		"T": tree("T",
			[]model.Node{
				{ID: "home", IsRoot: true}, {ID: "mid"}, {ID: "end"},
			},
			edge("direct", "home", "end", 5, 0, "fwd"),
			edge("h-m", "home", "mid", 1, 0, "fwd"),
			edge("m-e", "mid", "end", 1, 0, "fwd"),
		),
	}}

	plan, err := New(src).FindPath(context.Background(), "T", "home", "end")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "h-m", plan.Steps[0].Edge.ID)
	assert.Equal(t, "m-e", plan.Steps[1].Edge.ID)
	assert.Equal(t, "end", plan.Target.ID)
}

func TestRetryActionsAndWaitCountIntoWeight(t *testing.T) {
	// Route A: 1 action + 4 retries + 2000ms wait => 1 + 2 + 2 = 5.
	// Route B: two edges of 2 actions each => 4. B wins.
	a := edge("a", "home", "end", 1, 2000, "fwd")
	a.ActionSets[0].RetryActions = []model.Action{{}, {}, {}, {}}
	src := &fakeSource{trees: map[string]*navcache.ResolvedTree{
		"T": tree("T",
			[]model.Node{{ID: "home", IsRoot: true}, {ID: "mid"}, {ID: "end"}},
			a,
			edge("b1", "home", "mid", 2, 0, "fwd"),
			edge("b2", "mid", "end", 2, 0, "fwd"),
		),
	}}

	plan, err := New(src).FindPath(context.Background(), "T", "home", "end")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "b1", plan.Steps[0].Edge.ID)
}

func TestEqualWeightTieBrokenByDefaultActionSetID(t *testing.T) {
	src := &fakeSource{trees: map[string]*navcache.ResolvedTree{
		"T": tree("T",
			[]model.Node{{ID: "home", IsRoot: true}, {ID: "end"}},
			edge("e-zz", "home", "end", 1, 0, "zz"),
			edge("e-aa", "home", "end", 1, 0, "aa"),
		),
	}}

	plan, err := New(src).FindPath(context.Background(), "T", "home", "end")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "aa", plan.Steps[0].ActionSet.ID)
}

func TestNoPath(t *testing.T) {
	src := &fakeSource{trees: map[string]*navcache.ResolvedTree{
		"T": tree("T",
			[]model.Node{{ID: "home", IsRoot: true}, {ID: "island"}},
		),
	}}

	_, err := New(src).FindPath(context.Background(), "T", "home", "island")
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestSameNodeYieldsEmptyPlan(t *testing.T) {
	src := &fakeSource{trees: map[string]*navcache.ResolvedTree{
		"T": tree("T", []model.Node{
			{ID: "home", IsRoot: true, Verifications: []model.Verification{{Command: "image_match"}}},
		}),
	}}

	plan, err := New(src).FindPath(context.Background(), "T", "home", "home")
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
	assert.Len(t, plan.Verification, 1)
}

func subtreeFixture() *fakeSource {
	return &fakeSource{
		trees: map[string]*navcache.ResolvedTree{
			"T": tree("T",
				[]model.Node{
					{ID: "home", IsRoot: true},
					{ID: "settings", Label: "Settings", SubtreeRef: "S"},
				},
				edge("home-settings", "home", "settings", 1, 2000, "open"),
			),
			"S": tree("S",
				[]model.Node{
					{ID: "settings-root", Label: "Settings", IsRoot: true},
					{ID: "privacy", Verifications: []model.Verification{{Command: "image_match", Type: model.VerifyImage}}},
				},
				edge("sr-privacy", "settings-root", "privacy", 1, 0, "fwd"),
				edge("privacy-sr", "privacy", "settings-root", 1, 0, "back"),
			),
		},
		links: map[string][]model.SubtreeLink{
			"T": {{TreeID: "S", ParentTreeID: "T", ParentNodeID: "settings"}},
		},
	}
}

func TestPathDescendsIntoSubtree(t *testing.T) {
	plan, err := New(subtreeFixture()).FindPath(context.Background(), "T", "home", "privacy")
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "home-settings", plan.Steps[0].Edge.ID)
	assert.Equal(t, "open", plan.Steps[0].ActionSet.ID)
	assert.Equal(t, "T", plan.Steps[0].TreeID)
	assert.Equal(t, "sr-privacy", plan.Steps[1].Edge.ID)
	assert.Equal(t, "S", plan.Steps[1].TreeID)
	assert.Equal(t, "S", plan.TargetTreeID)
	require.Len(t, plan.Verification, 1)
}

func TestPathExitsSubtree(t *testing.T) {
	// From a node deep in the subtree back to a node of the outer tree:
	// climb to the subtree root, resume at the parent node.
	src := subtreeFixture()
	src.trees["T"].Tree.Edges = append(src.trees["T"].Tree.Edges,
		edge("settings-home", "settings", "home", 1, 0, "back"))

	plan, err := New(src).FindPath(context.Background(), "T", "privacy", "home")
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "privacy-sr", plan.Steps[0].Edge.ID)
	assert.Equal(t, "settings-home", plan.Steps[1].Edge.ID)
}
