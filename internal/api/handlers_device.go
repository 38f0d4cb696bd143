package api

import (
	"net/http"

	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

type executeCommandRequest struct {
	HostName string         `json:"host_name"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req executeCommandRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.proxy.ExecuteAction(r.Context(), req.HostName, req.DeviceID, session(r), proxy.ActionRequest{
		Command:  req.Command,
		Params:   req.Params,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": res.Success,
		"result":  res.Output,
		"error":   res.Error,
	})
}

type batchRequest struct {
	Host         string                `json:"host"`
	DeviceID     string                `json:"device_id"`
	Actions      []proxy.ActionRequest `json:"actions"`
	RetryActions []proxy.ActionRequest `json:"retry_actions,omitempty"`
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.proxy.ExecuteBatch(r.Context(), req.Host, req.DeviceID, session(r), proxy.BatchRequest{
		DeviceID:     req.DeviceID,
		Actions:      req.Actions,
		RetryActions: req.RetryActions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type verificationExecuteRequest struct {
	Host          string               `json:"host"`
	DeviceID      string               `json:"device_id"`
	Verifications []model.Verification `json:"verifications"`
	PassCondition model.PassCondition  `json:"pass_condition,omitempty"`
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.proxy.ExecuteVerification(r.Context(), req.Host, req.DeviceID, session(r), proxy.VerificationRequest{
		DeviceID:      req.DeviceID,
		Verifications: req.Verifications,
		PassCondition: req.PassCondition,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type avRequest struct {
	Host     string `json:"host"`
	DeviceID string `json:"device_id"`
}

func (s *Server) handleTakeScreenshot(w http.ResponseWriter, r *http.Request) {
	var req avRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.proxy.TakeScreenshot(r.Context(), req.Host, req.DeviceID, session(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLatestJSON(w http.ResponseWriter, r *http.Request) {
	var req avRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.proxy.LatestJSON(r.Context(), req.Host, req.DeviceID, session(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
