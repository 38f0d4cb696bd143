package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/navigation/store"
	"github.com/angelstreet/virtualpytest/internal/reference"
)

// nowFunc is swapped out by tests that pin LoadedAt.
var nowFunc = time.Now

// StoreLoader resolves trees out of the graph store, inlining the
// references named by node verifications and the command specs of the
// tree's device model.
type StoreLoader struct {
	Trees      *store.Store
	References *reference.Store
	Commands   *command.Registry
}

// LoadResolvedTree implements Loader.
func (l *StoreLoader) LoadResolvedTree(ctx context.Context, treeID string) (*ResolvedTree, error) {
	tree, err := l.Trees.GetTree(ctx, treeID)
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", treeID, err)
	}

	rt := &ResolvedTree{
		Tree:       *tree,
		References: make(map[string]reference.Reference),
		Commands:   make(map[string]command.Spec),
	}

	specs, err := l.Commands.List(ctx, tree.DeviceModel)
	if err != nil {
		return nil, fmt.Errorf("load commands for %s: %w", tree.DeviceModel, err)
	}
	for _, s := range specs {
		rt.Commands[s.Name] = s
	}

	for _, n := range tree.Nodes {
		for _, v := range n.Verifications {
			name := referenceName(v)
			if name == "" {
				continue
			}
			if _, done := rt.References[name]; done {
				continue
			}
			ref, err := l.References.Get(ctx, tree.InterfaceID, name)
			if errors.Is(err, reference.ErrNotFound) {
				// A dangling reference is a data problem surfaced at
				// verification time, not a reason to refuse the tree.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolve reference %s: %w", name, err)
			}
			rt.References[name] = *ref
		}
	}

	rt.LoadedAt = nowFunc()
	return rt, nil
}

func referenceName(v model.Verification) string {
	if v.Type != model.VerifyImage && v.Type != model.VerifyText {
		return ""
	}
	if raw, ok := v.Params["reference_name"]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}
