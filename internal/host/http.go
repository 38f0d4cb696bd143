package host

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/angelstreet/virtualpytest/internal/capture"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/log"
)

// Router builds the host agent HTTP surface consumed by the
// orchestrator's proxy.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Route("/host", func(r chi.Router) {
		r.Post("/action/execute", a.handleExecute)
		r.Post("/action/executeBatch", a.handleExecuteBatch)
		r.Post("/verification/execute", a.handleVerification)
		r.Post("/av/screenshot", a.handleScreenshot)
		r.Post("/av/latest-json", a.handleLatestJSON)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "host": a.name})
	})
	return r
}

type executeRequest struct {
	proxy.ActionRequest
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decode(w, r, &req) {
		return
	}
	res := a.ExecuteAction(r.Context(), req.DeviceID, req.ActionRequest)
	writeJSON(w, http.StatusOK, res)
}

func (a *Agent) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req proxy.BatchRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, a.ExecuteBatch(r.Context(), req))
}

func (a *Agent) handleVerification(w http.ResponseWriter, r *http.Request) {
	var req proxy.VerificationRequest
	if !decode(w, r, &req) {
		return
	}
	if a.verifier == nil {
		writeJSON(w, http.StatusServiceUnavailable, proxy.VerificationResponse{})
		return
	}
	writeJSON(w, http.StatusOK, a.verifier.Execute(r.Context(), req))
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

func (a *Agent) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	path, err := a.captures.NextScreenshot(r.Context(), a.name, req.DeviceID, 10*time.Second)
	if err != nil {
		writeJSON(w, http.StatusOK, proxy.ScreenshotResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, proxy.ScreenshotResponse{
		Success:       true,
		ScreenshotURL: a.captures.URLFor(path),
	})
}

func (a *Agent) handleLatestJSON(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	info, err := a.captures.LatestJSON(a.name, req.DeviceID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrNoCaptures) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, proxy.LatestJSONResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, proxy.LatestJSONResponse{
		Success:       true,
		LatestJSONURL: info.URL,
		Sequence:      info.Sequence,
		Timestamp:     info.Timestamp.UTC().Format(time.RFC3339),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "host")
		logger.Warn().Err(err).Msg("bad request body")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
