// Package pathfind computes weighted shortest paths over cached navigation
// trees, descending into subtrees through their parent nodes.
package pathfind

import (
	"container/heap"
	"context"
	"errors"
	"fmt"

	navcache "github.com/angelstreet/virtualpytest/internal/navigation/cache"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

// ErrNoPath is returned when no walk connects the two nodes.
var ErrNoPath = errors.New("no_path")

// Source supplies tree snapshots and subtree membership. The cache
// implements Snapshot; the graph store implements ChildTrees.
type Source interface {
	Snapshot(ctx context.Context, treeID string) (*navcache.ResolvedTree, error)
	ChildTrees(ctx context.Context, parentTreeID string) ([]model.SubtreeLink, error)
}

// Step is one dispatchable hop of a plan: traverse the edge using the
// chosen action set, then wait the edge's final wait.
type Step struct {
	TreeID    string          `json:"tree_id"`
	Edge      model.Edge      `json:"edge"`
	ActionSet model.ActionSet `json:"action_set"`
}

// Plan is an ordered sequence of steps plus the terminal verification set
// of the target node.
type Plan struct {
	Steps        []Step              `json:"steps"`
	TargetTreeID string              `json:"target_tree_id"`
	Target       model.Node          `json:"target"`
	Verification []model.Verification `json:"verifications,omitempty"`
}

// Finder resolves paths against snapshots taken at search start; cache
// updates mid-search never perturb a result.
type Finder struct {
	src Source
}

// New builds a Finder over the given source.
func New(src Source) *Finder {
	return &Finder{src: src}
}

// FindPath plans a walk from fromNodeID to toNodeID. When the target lies
// in a nested subtree, the plan first reaches the subtree's parent node in
// the outer tree, then descends from the subtree root, recursively. When
// the start lies in a subtree, the plan first climbs to the subtree root
// and exits through the parent node.
func (f *Finder) FindPath(ctx context.Context, treeID, fromNodeID, toNodeID string) (*Plan, error) {
	chainFrom, err := f.chain(ctx, treeID, fromNodeID, make(map[string]bool))
	if err != nil {
		return nil, err
	}
	chainTo, err := f.chain(ctx, treeID, toNodeID, make(map[string]bool))
	if err != nil {
		return nil, err
	}

	// Longest common tree prefix of the two chains. Both start at the
	// requested tree, so common >= 1.
	common := 0
	for common < len(chainFrom) && common < len(chainTo) && chainFrom[common].treeID == chainTo[common].treeID {
		common++
	}

	plan := &Plan{}
	cur := fromNodeID

	// Exit subtrees below the common ancestor: climb to each subtree's
	// root, then resume in the parent tree at the embedding parent node.
	for i := len(chainFrom) - 1; i >= common; i-- {
		snap, err := f.src.Snapshot(ctx, chainFrom[i].treeID)
		if err != nil {
			return nil, err
		}
		steps, err := search(snap, cur, chainFrom[i].rootID)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, steps...)
		cur = chainFrom[i].entryNode
	}

	// Descend toward the target: in each intermediate tree navigate to the
	// next subtree's parent node, then continue from the child root.
	for i := common; i < len(chainTo); i++ {
		snap, err := f.src.Snapshot(ctx, chainTo[i-1].treeID)
		if err != nil {
			return nil, err
		}
		steps, err := search(snap, cur, chainTo[i].entryNode)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, steps...)
		cur = chainTo[i].rootID
	}

	// Final leg inside the tree that owns the target.
	last := chainTo[len(chainTo)-1]
	snap, err := f.src.Snapshot(ctx, last.treeID)
	if err != nil {
		return nil, err
	}
	steps, err := search(snap, cur, toNodeID)
	if err != nil {
		return nil, err
	}
	plan.Steps = append(plan.Steps, steps...)

	target, ok := snap.Tree.Node(toNodeID)
	if !ok {
		return nil, fmt.Errorf("target node %s vanished from tree %s", toNodeID, last.treeID)
	}
	plan.TargetTreeID = last.treeID
	plan.Target = target
	plan.Verification = target.Verifications
	return plan, nil
}

// treeRef is one level of a subtree chain. entryNode is the node of the
// parent tree that embeds this tree; rootID is this tree's root node.
// Both are empty for the outermost tree.
type treeRef struct {
	treeID    string
	entryNode string
	rootID    string
}

// chain resolves the tree chain, outermost first, whose last element owns
// nodeID. seen guards against cyclic subtree links.
func (f *Finder) chain(ctx context.Context, treeID, nodeID string, seen map[string]bool) ([]treeRef, error) {
	if seen[treeID] {
		return nil, ErrNoPath
	}
	seen[treeID] = true

	snap, err := f.src.Snapshot(ctx, treeID)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.Tree.Node(nodeID); ok {
		return []treeRef{{treeID: treeID}}, nil
	}

	links, err := f.src.ChildTrees(ctx, treeID)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		rest, err := f.chain(ctx, link.TreeID, nodeID, seen)
		if errors.Is(err, ErrNoPath) {
			continue
		}
		if err != nil {
			return nil, err
		}
		child, err := f.src.Snapshot(ctx, link.TreeID)
		if err != nil {
			return nil, err
		}
		root, ok := child.Tree.Root()
		if !ok {
			return nil, fmt.Errorf("subtree %s has no root node", link.TreeID)
		}
		rest[0].entryNode = link.ParentNodeID
		rest[0].rootID = root.ID
		return append([]treeRef{{treeID: treeID}}, rest...), nil
	}
	return nil, ErrNoPath
}

// weight is the traversal cost of taking an edge with the given action set.
func weight(e model.Edge, as model.ActionSet) float64 {
	return float64(len(as.Actions)) + 0.5*float64(len(as.RetryActions)) + float64(e.FinalWaitMS)/1000.0
}

// pqItem is a frontier entry. tie carries the concatenated default action
// set ids of the path so equal-cost candidates order deterministically.
type pqItem struct {
	node string
	cost float64
	tie  string
	prev *pathEdge
}

type pathEdge struct {
	step Step
	prev *pathEdge
}

type frontier []*pqItem

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].cost != f[j].cost {
		return f[i].cost < f[j].cost
	}
	return f[i].tie < f[j].tie
}
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)        { *f = append(*f, x.(*pqItem)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	*f = old[:n-1]
	return it
}

// search runs uniform-cost search inside one tree snapshot. Edges are
// never revisited within a search; cycles in the graph are permitted.
func search(snap *navcache.ResolvedTree, from, to string) ([]Step, error) {
	if _, ok := snap.Tree.Node(from); !ok {
		return nil, fmt.Errorf("start node %s not in tree %s: %w", from, snap.Tree.ID, ErrNoPath)
	}
	if from == to {
		return nil, nil
	}

	out := make(map[string][]model.Edge)
	for _, e := range snap.Tree.Edges {
		out[e.Source] = append(out[e.Source], e)
	}

	pq := &frontier{{node: from}}
	heap.Init(pq)
	settled := make(map[string]bool)
	usedEdges := make(map[string]bool)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*pqItem)
		if settled[cur.node] {
			continue
		}
		settled[cur.node] = true
		if cur.node == to {
			return unwind(cur.prev), nil
		}
		for _, e := range out[cur.node] {
			if usedEdges[e.ID] {
				continue
			}
			usedEdges[e.ID] = true
			as, ok := e.DefaultActionSet()
			if !ok {
				continue
			}
			heap.Push(pq, &pqItem{
				node: e.Target,
				cost: cur.cost + weight(e, as),
				tie:  cur.tie + "/" + e.DefaultActionSetID,
				prev: &pathEdge{step: Step{TreeID: snap.Tree.ID, Edge: e, ActionSet: as}, prev: cur.prev},
			})
		}
	}
	return nil, ErrNoPath
}

func unwind(tail *pathEdge) []Step {
	var rev []Step
	for p := tail; p != nil; p = p.prev {
		rev = append(rev, p.step)
	}
	steps := make([]Step, len(rev))
	for i := range rev {
		steps[i] = rev[len(rev)-1-i]
	}
	return steps
}
