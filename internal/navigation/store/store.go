// Package store persists navigation trees, nodes, edges and subtree links.
// Every write invalidates the navigation cache entry of the owning tree via
// a hook invoked inside the write path.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

var (
	// ErrTreeNotFound is returned when no tree matches the lookup.
	ErrTreeNotFound = errors.New("navigation tree not found")
	// ErrNodeNotFound is returned when a node lookup misses.
	ErrNodeNotFound = errors.New("navigation node not found")
)

// InvalidateFunc is called with the tree id whose cache entry must drop.
type InvalidateFunc func(treeID string)

// Store is the SQLite-backed navigation graph store.
type Store struct {
	db         *sql.DB
	invalidate InvalidateFunc
}

// New opens the store and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, invalidate: func(string) {}}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("navigation store migrate: %w", err)
	}
	return s, nil
}

// SetInvalidateHook wires the cache invalidation callback. The hook runs
// after the enclosing transaction commits, once per affected tree.
func (s *Store) SetInvalidateHook(fn InvalidateFunc) {
	if fn == nil {
		fn = func(string) {}
	}
	s.invalidate = fn
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trees (
		tree_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		userinterface_id TEXT NOT NULL,
		device_model TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_trees_interface ON trees(userinterface_id);

	CREATE TABLE IF NOT EXISTS nodes (
		tree_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		node_type TEXT NOT NULL DEFAULT 'screen',
		x REAL NOT NULL DEFAULT 0,
		y REAL NOT NULL DEFAULT 0,
		verifications TEXT NOT NULL DEFAULT '[]',
		pass_condition TEXT NOT NULL DEFAULT '',
		screenshot_url TEXT NOT NULL DEFAULT '',
		subtree_ref TEXT NOT NULL DEFAULT '',
		is_root INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL DEFAULT '{}',
		style TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (tree_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS edges (
		tree_id TEXT NOT NULL,
		edge_id TEXT NOT NULL,
		source_node_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		action_sets TEXT NOT NULL DEFAULT '[]',
		default_action_set_id TEXT NOT NULL DEFAULT '',
		final_wait_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tree_id, edge_id)
	);

	CREATE TABLE IF NOT EXISTS subtree_links (
		tree_id TEXT NOT NULL,
		parent_tree_id TEXT NOT NULL,
		parent_node_id TEXT NOT NULL,
		PRIMARY KEY (tree_id, parent_tree_id, parent_node_id)
	);
	CREATE INDEX IF NOT EXISTS idx_subtree_parent ON subtree_links(parent_tree_id, parent_node_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTree replaces the whole tree (metadata, nodes, edges) in one
// transaction. Exactly one node must be marked root.
func (s *Store) SaveTree(ctx context.Context, tree *model.Tree) error {
	roots := 0
	for _, n := range tree.Nodes {
		if n.IsRoot {
			roots++
		}
	}
	if roots != 1 {
		return fmt.Errorf("tree %s must have exactly one root node, found %d", tree.ID, roots)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO trees (tree_id, name, userinterface_id, device_model)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(tree_id) DO UPDATE SET
		name = excluded.name,
		userinterface_id = excluded.userinterface_id,
		device_model = excluded.device_model
	`, tree.ID, tree.Name, tree.InterfaceID, tree.DeviceModel); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE tree_id = ?`, tree.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE tree_id = ?`, tree.ID); err != nil {
		return err
	}

	for _, n := range tree.Nodes {
		if err := upsertNode(ctx, tx, tree.ID, n); err != nil {
			return err
		}
	}
	for _, e := range tree.Edges {
		if err := upsertEdge(ctx, tx, tree.ID, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.invalidate(tree.ID)
	return nil
}

// GetTree loads the full tree by id.
func (s *Store) GetTree(ctx context.Context, treeID string) (*model.Tree, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tree_id, name, userinterface_id, device_model FROM trees WHERE tree_id = ?`, treeID)
	return s.loadTree(ctx, row)
}

// GetTreeByInterfaceID loads the tree registered for a userinterface.
func (s *Store) GetTreeByInterfaceID(ctx context.Context, ifaceID string) (*model.Tree, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tree_id, name, userinterface_id, device_model FROM trees WHERE userinterface_id = ?`, ifaceID)
	return s.loadTree(ctx, row)
}

func (s *Store) loadTree(ctx context.Context, row *sql.Row) (*model.Tree, error) {
	var tree model.Tree
	err := row.Scan(&tree.ID, &tree.Name, &tree.InterfaceID, &tree.DeviceModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTreeNotFound
	}
	if err != nil {
		return nil, err
	}

	nodes, err := s.loadNodes(ctx, tree.ID)
	if err != nil {
		return nil, err
	}
	edges, err := s.loadEdges(ctx, tree.ID)
	if err != nil {
		return nil, err
	}
	tree.Nodes = nodes
	tree.Edges = edges
	return &tree, nil
}

// SaveNode upserts one node and propagates parent-node fields to any child
// subtrees whose parent node this is.
func (s *Store) SaveNode(ctx context.Context, treeID string, node model.Node) error {
	return s.saveNode(ctx, treeID, node, true)
}

// PatchNode is SaveNode without invalidating the tree's own cache entry:
// the caller patches the cached snapshot in place instead of forcing a
// rebuild. Child subtrees synced from this node are still invalidated.
func (s *Store) PatchNode(ctx context.Context, treeID string, node model.Node) error {
	return s.saveNode(ctx, treeID, node, false)
}

func (s *Store) saveNode(ctx context.Context, treeID string, node model.Node, invalidateSelf bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertNode(ctx, tx, treeID, node); err != nil {
		return err
	}

	children, err := childLinks(ctx, tx, treeID, node.ID)
	if err != nil {
		return err
	}
	for _, link := range children {
		if err := syncParentFields(ctx, tx, link.TreeID, node); err != nil {
			return fmt.Errorf("parent-node sync to tree %s: %w", link.TreeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if invalidateSelf {
		s.invalidate(treeID)
	}
	for _, link := range children {
		s.invalidate(link.TreeID)
	}
	if len(children) > 0 {
		logger := log.WithComponentFromContext(ctx, "navigation-store")
		logger.Debug().
			Str(log.FieldTreeID, treeID).
			Str(log.FieldNodeID, node.ID).
			Int("subtrees", len(children)).
			Msg("parent node fields propagated")
	}
	return nil
}

// SaveEdge upserts one edge.
func (s *Store) SaveEdge(ctx context.Context, treeID string, edge model.Edge) error {
	return s.saveEdge(ctx, treeID, edge, true)
}

// PatchEdge is SaveEdge without invalidating the tree's cache entry; the
// caller patches the cached snapshot in place.
func (s *Store) PatchEdge(ctx context.Context, treeID string, edge model.Edge) error {
	return s.saveEdge(ctx, treeID, edge, false)
}

func (s *Store) saveEdge(ctx context.Context, treeID string, edge model.Edge, invalidateSelf bool) error {
	if _, ok := edge.DefaultActionSet(); !ok {
		return fmt.Errorf("edge %s: default_action_set_id %q does not resolve", edge.ID, edge.DefaultActionSetID)
	}
	if len(edge.ActionSets) > 2 {
		return fmt.Errorf("edge %s: at most two action sets allowed, got %d", edge.ID, len(edge.ActionSets))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertEdge(ctx, tx, treeID, edge); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if invalidateSelf {
		s.invalidate(treeID)
	}
	return nil
}

// DeleteNode removes a node and the edges touching it.
func (s *Store) DeleteNode(ctx context.Context, treeID, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE tree_id = ? AND node_id = ?`, treeID, nodeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE tree_id = ? AND (source_node_id = ? OR target_node_id = ?)`,
		treeID, nodeID, nodeID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.invalidate(treeID)
	return nil
}

// DeleteEdge removes one edge.
func (s *Store) DeleteEdge(ctx context.Context, treeID, edgeID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM edges WHERE tree_id = ? AND edge_id = ?`, treeID, edgeID); err != nil {
		return err
	}
	s.invalidate(treeID)
	return nil
}

// LinkSubtree records that parentNode in parentTree embeds the child tree.
// The child tree must exist and its root node must carry the same label as
// the parent node.
func (s *Store) LinkSubtree(ctx context.Context, link model.SubtreeLink) error {
	child, err := s.GetTree(ctx, link.TreeID)
	if err != nil {
		return fmt.Errorf("child tree %s: %w", link.TreeID, err)
	}
	root, ok := child.Root()
	if !ok {
		return fmt.Errorf("child tree %s has no root node", link.TreeID)
	}
	parent, err := s.GetNode(ctx, link.ParentTreeID, link.ParentNodeID)
	if err != nil {
		return fmt.Errorf("parent node %s/%s: %w", link.ParentTreeID, link.ParentNodeID, err)
	}
	if root.Label != parent.Label {
		return fmt.Errorf("subtree root label %q does not match parent node label %q", root.Label, parent.Label)
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO subtree_links (tree_id, parent_tree_id, parent_node_id)
	VALUES (?, ?, ?)
	ON CONFLICT(tree_id, parent_tree_id, parent_node_id) DO NOTHING
	`, link.TreeID, link.ParentTreeID, link.ParentNodeID)
	if err != nil {
		return err
	}
	s.invalidate(link.ParentTreeID)
	return nil
}

// ParentLink returns the subtree link whose child is the given tree, or
// false when the tree is not embedded anywhere.
func (s *Store) ParentLink(ctx context.Context, childTreeID string) (model.SubtreeLink, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tree_id, parent_tree_id, parent_node_id FROM subtree_links WHERE tree_id = ?`, childTreeID)
	var link model.SubtreeLink
	err := row.Scan(&link.TreeID, &link.ParentTreeID, &link.ParentNodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SubtreeLink{}, false, nil
	}
	if err != nil {
		return model.SubtreeLink{}, false, err
	}
	return link, true, nil
}

// ChildTrees returns every subtree link whose parent is the given tree.
func (s *Store) ChildTrees(ctx context.Context, parentTreeID string) ([]model.SubtreeLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tree_id, parent_tree_id, parent_node_id FROM subtree_links WHERE parent_tree_id = ? ORDER BY tree_id`,
		parentTreeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.SubtreeLink
	for rows.Next() {
		var link model.SubtreeLink
		if err := rows.Scan(&link.TreeID, &link.ParentTreeID, &link.ParentNodeID); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// GetNode loads one node.
func (s *Store) GetNode(ctx context.Context, treeID, nodeID string) (model.Node, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT node_id, label, node_type, x, y, verifications, pass_condition, screenshot_url, subtree_ref, is_root, data, style
	FROM nodes WHERE tree_id = ? AND node_id = ?`, treeID, nodeID)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, ErrNodeNotFound
	}
	return node, err
}

func (s *Store) loadNodes(ctx context.Context, treeID string) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT node_id, label, node_type, x, y, verifications, pass_condition, screenshot_url, subtree_ref, is_root, data, style
	FROM nodes WHERE tree_id = ? ORDER BY node_id`, treeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) loadEdges(ctx context.Context, treeID string) ([]model.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT edge_id, source_node_id, target_node_id, action_sets, default_action_set_id, final_wait_ms
	FROM edges WHERE tree_id = ? ORDER BY edge_id`, treeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Edge
	for rows.Next() {
		var e model.Edge
		var actionSets string
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &actionSets, &e.DefaultActionSetID, &e.FinalWaitMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actionSets), &e.ActionSets); err != nil {
			return nil, fmt.Errorf("edge %s action sets: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func upsertNode(ctx context.Context, tx execer, treeID string, n model.Node) error {
	verifications, err := json.Marshal(orEmptySlice(n.Verifications))
	if err != nil {
		return err
	}
	data, err := json.Marshal(orEmptyMap(n.Data))
	if err != nil {
		return err
	}
	style, err := json.Marshal(orEmptyMap(n.Style))
	if err != nil {
		return err
	}
	isRoot := 0
	if n.IsRoot {
		isRoot = 1
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO nodes (tree_id, node_id, label, node_type, x, y, verifications, pass_condition, screenshot_url, subtree_ref, is_root, data, style)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tree_id, node_id) DO UPDATE SET
		label = excluded.label,
		node_type = excluded.node_type,
		x = excluded.x, y = excluded.y,
		verifications = excluded.verifications,
		pass_condition = excluded.pass_condition,
		screenshot_url = excluded.screenshot_url,
		subtree_ref = excluded.subtree_ref,
		is_root = excluded.is_root,
		data = excluded.data,
		style = excluded.style
	`, treeID, n.ID, n.Label, string(n.Type), n.X, n.Y,
		string(verifications), string(n.PassCondition), n.ScreenshotURL, n.SubtreeRef, isRoot, string(data), string(style))
	return err
}

func upsertEdge(ctx context.Context, tx execer, treeID string, e model.Edge) error {
	actionSets, err := json.Marshal(orEmptySlice(e.ActionSets))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO edges (tree_id, edge_id, source_node_id, target_node_id, action_sets, default_action_set_id, final_wait_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tree_id, edge_id) DO UPDATE SET
		source_node_id = excluded.source_node_id,
		target_node_id = excluded.target_node_id,
		action_sets = excluded.action_sets,
		default_action_set_id = excluded.default_action_set_id,
		final_wait_ms = excluded.final_wait_ms
	`, treeID, e.ID, e.Source, e.Target, string(actionSets), e.DefaultActionSetID, e.FinalWaitMS)
	return err
}

func childLinks(ctx context.Context, tx execer, parentTreeID, parentNodeID string) ([]model.SubtreeLink, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT tree_id, parent_tree_id, parent_node_id FROM subtree_links WHERE parent_tree_id = ? AND parent_node_id = ?`,
		parentTreeID, parentNodeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.SubtreeLink
	for rows.Next() {
		var link model.SubtreeLink
		if err := rows.Scan(&link.TreeID, &link.ParentTreeID, &link.ParentNodeID); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// syncParentFields mirrors the parent node's public fields onto the child
// tree's root node. Position fields are deliberately left alone. The update
// is idempotent, so at-least-once delivery is safe.
func syncParentFields(ctx context.Context, tx execer, childTreeID string, parent model.Node) error {
	verifications, err := json.Marshal(orEmptySlice(parent.Verifications))
	if err != nil {
		return err
	}
	data, err := json.Marshal(orEmptyMap(parent.Data))
	if err != nil {
		return err
	}
	style, err := json.Marshal(orEmptyMap(parent.Style))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	UPDATE nodes SET label = ?, node_type = ?, verifications = ?, data = ?, style = ?
	WHERE tree_id = ? AND is_root = 1
	`, parent.Label, string(parent.Type), string(verifications), string(data), string(style), childTreeID)
	return err
}

func scanNode(row rowScanner) (model.Node, error) {
	var n model.Node
	var typ, passCondition, verifications, data, style string
	var isRoot int
	err := row.Scan(&n.ID, &n.Label, &typ, &n.X, &n.Y, &verifications, &passCondition,
		&n.ScreenshotURL, &n.SubtreeRef, &isRoot, &data, &style)
	if err != nil {
		return model.Node{}, err
	}
	n.Type = model.NodeType(typ)
	n.PassCondition = model.PassCondition(passCondition)
	n.IsRoot = isRoot != 0
	if err := json.Unmarshal([]byte(verifications), &n.Verifications); err != nil {
		return model.Node{}, err
	}
	if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
		return model.Node{}, err
	}
	if err := json.Unmarshal([]byte(style), &n.Style); err != nil {
		return model.Node{}, err
	}
	if len(n.Data) == 0 {
		n.Data = nil
	}
	if len(n.Style) == 0 {
		n.Style = nil
	}
	if len(n.Verifications) == 0 {
		n.Verifications = nil
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func orEmptySlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func orEmptyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
