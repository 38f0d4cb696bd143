package api

import (
	"net/http"

	"github.com/angelstreet/virtualpytest/internal/log"
)

type controlRequest struct {
	HostName  string `json:"host_name"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	TreeID    string `json:"tree_id,omitempty"`
}

func (s *Server) handleTakeControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !decode(w, r, &req) {
		return
	}
	lease, err := s.leases.TakeControl(r.Context(), req.HostName, req.DeviceID, req.SessionID, req.UserID, req.TreeID)
	if err != nil {
		writeError(w, err)
		return
	}
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldHost, req.HostName).
		Str(log.FieldDeviceID, req.DeviceID).
		Str(log.FieldUserID, req.UserID).
		Msg("device control taken")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"expires_at": lease.ExpiresAt,
	})
}

func (s *Server) handleReleaseControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.leases.ReleaseControl(r.Context(), req.HostName, req.DeviceID, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.leases.Heartbeat(r.Context(), req.HostName, req.DeviceID, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
