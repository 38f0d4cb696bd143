package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

func (s *Server) handleGetTreeByInterface(w http.ResponseWriter, r *http.Request) {
	tree, err := s.trees.GetTreeByInterfaceID(r.Context(), chi.URLParam(r, "interfaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tree": tree})
}

type saveTreeRequest struct {
	Name             string     `json:"name"`
	InterfaceID      string     `json:"userinterface_id"`
	TreeData         model.Tree `json:"tree_data"`
	ModificationType string     `json:"modification_type,omitempty"`
	ChangesSummary   string     `json:"changes_summary,omitempty"`
}

// handleSaveTree validates and persists a whole tree. Every node and
// edge is checked against the command catalog of the tree's device
// model before anything is written.
func (s *Server) handleSaveTree(w http.ResponseWriter, r *http.Request) {
	var req saveTreeRequest
	if !decode(w, r, &req) {
		return
	}
	tree := req.TreeData
	if req.Name != "" {
		tree.Name = req.Name
	}
	if req.InterfaceID != "" {
		tree.InterfaceID = req.InterfaceID
	}

	var warnings []string
	for _, n := range tree.Nodes {
		res, err := s.validator.Node(r.Context(), tree.DeviceModel, n)
		if err != nil {
			writeError(w, err)
			return
		}
		warnings = append(warnings, res.Warnings...)
	}
	for _, e := range tree.Edges {
		res, err := s.validator.Edge(r.Context(), tree.DeviceModel, e)
		if err != nil {
			writeError(w, err)
			return
		}
		warnings = append(warnings, res.Warnings...)
	}

	if err := s.trees.SaveTree(r.Context(), &tree); err != nil {
		writeError(w, err)
		return
	}
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldTreeID, tree.ID).
		Str("modification", req.ModificationType).
		Int("nodes", len(tree.Nodes)).
		Int("edges", len(tree.Edges)).
		Msg("navigation tree saved")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "warnings": warnings})
}

type updateNodeRequest struct {
	TreeID string     `json:"tree_id"`
	Node   model.Node `json:"node"`
}

// handleUpdateNode persists a single node and patches the cached
// snapshot in place, so a warm cache stays warm across editor saves.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req updateNodeRequest
	if !decode(w, r, &req) {
		return
	}
	tree, err := s.trees.GetTree(r.Context(), req.TreeID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.validator.Node(r.Context(), tree.DeviceModel, req.Node)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.trees.PatchNode(r.Context(), req.TreeID, req.Node); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cache.PatchNode(r.Context(), req.TreeID, req.Node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "warnings": res.Warnings})
}

type updateEdgeRequest struct {
	TreeID string     `json:"tree_id"`
	Edge   model.Edge `json:"edge"`
}

func (s *Server) handleUpdateEdge(w http.ResponseWriter, r *http.Request) {
	var req updateEdgeRequest
	if !decode(w, r, &req) {
		return
	}
	tree, err := s.trees.GetTree(r.Context(), req.TreeID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.validator.Edge(r.Context(), tree.DeviceModel, req.Edge)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.trees.PatchEdge(r.Context(), req.TreeID, req.Edge); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cache.PatchEdge(r.Context(), req.TreeID, req.Edge); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "warnings": res.Warnings})
}

type findPathRequest struct {
	TreeID     string `json:"tree_id"`
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
}

func (s *Server) handleFindPath(w http.ResponseWriter, r *http.Request) {
	var req findPathRequest
	if !decode(w, r, &req) {
		return
	}
	plan, err := s.finder.FindPath(r.Context(), req.TreeID, req.FromNodeID, req.ToNodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plan": plan})
}
