// Package model defines the navigation graph data model: trees of UI
// screens connected by action-set edges, with verifications on nodes.
package model

import "time"

// NodeType classifies a navigation node.
type NodeType string

const (
	NodeEntry       NodeType = "entry"
	NodeScreen      NodeType = "screen"
	NodeMenu        NodeType = "menu"
	NodeAction      NodeType = "action"
	NodeSubtreeRoot NodeType = "subtree-root"
)

// PassCondition controls how a node's verification list is combined.
type PassCondition string

const (
	PassAll PassCondition = "all"
	PassAny PassCondition = "any"
)

// VerificationType classifies a verification command.
type VerificationType string

const (
	VerifyImage VerificationType = "image"
	VerifyText  VerificationType = "text"
	VerifyWeb   VerificationType = "web"
	VerifyADB   VerificationType = "adb"
	VerifyVideo VerificationType = "video"
	VerifyAudio VerificationType = "audio"
)

// Verification is a single check executed against the device after
// arriving at a node.
type Verification struct {
	Command       string           `json:"command"`
	Type          VerificationType `json:"verification_type"`
	Params        map[string]any   `json:"params,omitempty"`
	PassCondition PassCondition    `json:"pass_condition,omitempty"`
}

// Action is one device command inside an action set. wait_time is carried
// inside Params, never as a sibling field; WaitTime reads it out.
type Action struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// WaitTime returns the post-action wait carried in params, clamped at 0.
func (a Action) WaitTime() time.Duration {
	raw, ok := a.Params["wait_time"]
	if !ok {
		return 0
	}
	var ms float64
	switch v := raw.(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	default:
		return 0
	}
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// ActionSet is a named bundle of actions representing one direction or
// variant of traversing an edge.
type ActionSet struct {
	ID             string   `json:"id"`
	Label          string   `json:"label,omitempty"`
	Actions        []Action `json:"actions"`
	RetryActions   []Action `json:"retry_actions,omitempty"`
	FailureActions []Action `json:"failure_actions,omitempty"`
}

// Edge is a directed transition between two nodes of a tree. At most two
// action sets per edge (typically forward and backward).
type Edge struct {
	ID                 string      `json:"edge_id"`
	Source             string      `json:"source_node_id"`
	Target             string      `json:"target_node_id"`
	ActionSets         []ActionSet `json:"action_sets"`
	DefaultActionSetID string      `json:"default_action_set_id"`
	FinalWaitMS        int         `json:"final_wait_ms"`
}

// ActionSet returns the action set with the given id, or false.
func (e Edge) ActionSet(id string) (ActionSet, bool) {
	for _, as := range e.ActionSets {
		if as.ID == id {
			return as, true
		}
	}
	return ActionSet{}, false
}

// DefaultActionSet returns the edge's default action set, or false when the
// default id does not resolve.
func (e Edge) DefaultActionSet() (ActionSet, bool) {
	return e.ActionSet(e.DefaultActionSetID)
}

// Node is one UI screen (or menu, entry point, ...) of a tree.
type Node struct {
	ID            string         `json:"node_id"`
	Label         string         `json:"label"`
	Type          NodeType       `json:"node_type"`
	X             float64        `json:"x"` // rendering only, never semantic
	Y             float64        `json:"y"`
	Verifications []Verification `json:"verifications,omitempty"`
	PassCondition PassCondition  `json:"verification_pass_condition,omitempty"`
	ScreenshotURL string         `json:"screenshot_url,omitempty"`
	SubtreeRef    string         `json:"subtree_ref,omitempty"` // child tree id
	IsRoot        bool           `json:"is_root,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Style         map[string]any `json:"style,omitempty"`
}

// Tree is a navigation graph scoped to one userinterface + device model.
type Tree struct {
	ID          string `json:"tree_id"`
	Name        string `json:"name"`
	InterfaceID string `json:"userinterface_id"`
	DeviceModel string `json:"device_model"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// Root returns the tree's root node, or false when none is marked.
func (t *Tree) Root() (Node, bool) {
	for _, n := range t.Nodes {
		if n.IsRoot {
			return n, true
		}
	}
	return Node{}, false
}

// Node returns the node with the given id, or false.
func (t *Tree) Node(id string) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// SubtreeLink records that parent_node_id in parent_tree_id embeds the
// child tree. Membership is a lookup tuple, never an embedded pointer.
type SubtreeLink struct {
	TreeID       string `json:"tree_id"`        // child tree
	ParentTreeID string `json:"parent_tree_id"` // outer tree
	ParentNodeID string `json:"parent_node_id"` // node carrying subtree_ref
}
